// Package leveldb implements the datamodel tables on top of a single LevelDB database.
// Every table lives under its own key prefix.
package leveldb

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")

// Records keep nanosecond timestamps, the default CBOR time encoding truncates to seconds
var encMode = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		log.Fatalf("Invalid CBOR encoding options: %v", err)
	}
	return em
}

// LevelDB is shared by all tables. The mutex serializes writes so multi-key updates stay consistent
// when the database is also queried from outside the scheduler goroutine.
type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func hexKey(prefix string, v uint64) []byte {
	return append([]byte(prefix), []byte(fmt.Sprintf("%016x", v))...)
}

func uint64FromHexKey(prefix string, key []byte) (uint64, error) {
	if len(key) < len(prefix)+16 {
		return 0, fmt.Errorf("uint64FromHexKey: invalid key length: %d", len(key))
	}
	if string(key[:len(prefix)]) != prefix {
		return 0, fmt.Errorf("uint64FromHexKey: invalid key prefix: %s", string(key[:len(prefix)]))
	}
	var v uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):len(prefix)+16]), "%016x", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func Open(path string) (*LevelDB, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, attempting recovery", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return &LevelDB{path: path, db: db}, nil
}

// OpenMemory opens a throwaway in-memory database
func OpenMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{path: ":memory:", db: db}, nil
}

func (l *LevelDB) Path() string {
	return l.path
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
