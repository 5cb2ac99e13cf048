package leveldb

import (
	"fmt"
	"strings"

	"peerbus/datamodel/presence"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keyPrefixPresence = "PRES" // Presence item. Followed by 8-digit hexadecimal account id, provider, NUL, key
)

var ErrInvalidPresenceKey = fmt.Errorf("invalid presence key")

var _ presence.PresenceIndex = (*PresenceIndex)(nil)

type PresenceIndex struct {
	*LevelDB
}

func NewPresenceIndex(l *LevelDB) *PresenceIndex {
	return &PresenceIndex{LevelDB: l}
}

func presencePrefix(accountID uint32, provider string) []byte {
	key := []byte(fmt.Sprintf("%s%08x", keyPrefixPresence, accountID))
	if provider != "" {
		key = append(key, []byte(provider)...)
		key = append(key, 0)
	}
	return key
}

func presenceKey(k *presence.Key) ([]byte, error) {
	if k.Provider == "" || strings.IndexByte(k.Provider, 0) >= 0 {
		return nil, ErrInvalidPresenceKey
	}
	return append(presencePrefix(k.AccountID, k.Provider), []byte(k.Key)...), nil
}

func (l *PresenceIndex) Put(items []*presence.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, it := range items {
		key, err := presenceKey(&it.Key)
		if err != nil {
			return err
		}
		raw, err := encMode.Marshal(it)
		if err != nil {
			return err
		}
		batch.Put(key, raw)
	}
	return l.db.Write(batch, nil)
}

func (l *PresenceIndex) Delete(keys []*presence.Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, k := range keys {
		key, err := presenceKey(k)
		if err != nil {
			return err
		}
		batch.Delete(key)
	}
	return l.db.Write(batch, nil)
}

func (l *PresenceIndex) Get(accountID uint32, provider string) ([]*presence.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix(presencePrefix(accountID, provider)), nil)
	defer iter.Release()

	var results []*presence.Item
	for iter.Next() {
		it := &presence.Item{}
		if err := cbor.Unmarshal(iter.Value(), it); err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, iter.Error()
}
