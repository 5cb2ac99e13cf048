package leveldb

import (
	"time"

	"peerbus/datamodel/message"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixMessage     = "MSGR" // Message record indexed by row id. Followed by a 16-digit hexadecimal row id
	keyPrefixUnprocessed = "MSGU" // Unprocessed index. Followed by 16-digit hexadecimal timestamp and row id
)

var _ message.Queue = (*Queue)(nil)

type Queue struct {
	*LevelDB
	seq uint64
}

func keyFromRowID(rowID uint64) []byte {
	return hexKey(keyPrefixMessage, rowID)
}

func unprocessedKey(r *message.Record) []byte {
	return append(hexKey(keyPrefixUnprocessed, uint64(r.Timestamp.UnixNano())), hexKey("", r.RowID)...)
}

func NewQueue(l *LevelDB) (*Queue, error) {
	// Scan the database to identify the row id sequence
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixMessage)), nil)
	defer iter.Release()

	var maxSeq uint64 = 0
	if iter.Last() {
		seq, err := uint64FromHexKey(keyPrefixMessage, iter.Key())
		if err != nil {
			return nil, err
		}
		maxSeq = seq
	}

	return &Queue{LevelDB: l, seq: maxSeq}, nil
}

func (q *Queue) get(rowID uint64) (*message.Record, error) {
	raw, err := q.db.Get(keyFromRowID(rowID), nil)
	if err != nil {
		return nil, err
	}

	r := &message.Record{}
	if err := cbor.Unmarshal(raw, r); err != nil {
		return nil, err
	}

	if r.RowID != rowID {
		log.Errorf("Queue.get: row id mismatch: %d != %d", rowID, r.RowID)
		return nil, ErrCorrupted
	}
	return r, nil
}

func (q *Queue) Append(r *message.Record) (*message.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := *r
	rec.RowID = q.seq + 1
	rec.IsProcessed = false

	raw, err := encMode.Marshal(&rec)
	if err != nil {
		return nil, err
	}

	batch := new(leveldb.Batch)
	batch.Put(keyFromRowID(rec.RowID), raw)
	batch.Put(unprocessedKey(&rec), hexKey("", rec.RowID))

	if err := q.db.Write(batch, nil); err != nil {
		return nil, err
	}

	q.seq = rec.RowID
	return &rec, nil
}

func (q *Queue) Get(rowID uint64) (*message.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(rowID)
}

// Unprocessed lists the oldest unprocessed records. Index entries pointing at a missing or
// undecodable record are removed along with the record, so one bad row never stalls the queue.
func (q *Queue) Unprocessed(limit int) ([]*message.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	iter := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefixUnprocessed)), nil)
	defer iter.Release()

	var results []*message.Record
	broken := new(leveldb.Batch)
	for iter.Next() {
		if limit > 0 && len(results) >= limit {
			break
		}

		rowID, err := uint64FromHexKey("", iter.Value())
		if err != nil {
			log.Warnf("Queue.Unprocessed: dropping malformed index entry %x: %v", iter.Key(), err)
			broken.Delete(append([]byte{}, iter.Key()...))
			continue
		}

		r, err := q.get(rowID)
		if err != nil {
			log.Warnf("Queue.Unprocessed: dropping unreadable record %d: %v", rowID, err)
			broken.Delete(append([]byte{}, iter.Key()...))
			broken.Delete(keyFromRowID(rowID))
			continue
		}
		results = append(results, r)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if broken.Len() > 0 {
		if err := q.db.Write(broken, nil); err != nil {
			log.Errorf("Queue.Unprocessed: failed to drop unreadable records: %v", err)
		}
	}
	return results, nil
}

func (q *Queue) MarkProcessed(rowID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.get(rowID)
	if err != nil {
		return err
	}
	if r.IsProcessed {
		return nil
	}

	r.IsProcessed = true
	raw, err := encMode.Marshal(r)
	if err != nil {
		return err
	}

	// Flag and index removal happen atomically
	batch := new(leveldb.Batch)
	batch.Put(keyFromRowID(rowID), raw)
	batch.Delete(unprocessedKey(r))
	return q.db.Write(batch, nil)
}

func (q *Queue) Delete(rowID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.get(rowID)
	if err == errors.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete(keyFromRowID(rowID))
	batch.Delete(unprocessedKey(r))
	return q.db.Write(batch, nil)
}

func (q *Queue) PruneProcessed(before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	iter := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefixMessage)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	undecodable := make(map[uint64]bool)
	for iter.Next() {
		r := &message.Record{}
		if err := cbor.Unmarshal(iter.Value(), r); err != nil {
			log.Warnf("Queue.PruneProcessed: dropping undecodable record %x: %v", iter.Key(), err)
			batch.Delete(append([]byte{}, iter.Key()...))
			pruned++
			if rowID, err := uint64FromHexKey(keyPrefixMessage, iter.Key()); err == nil {
				undecodable[rowID] = true
			}
			continue
		}
		if r.IsProcessed && r.Timestamp.Before(before) {
			batch.Delete(append([]byte{}, iter.Key()...))
			pruned++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}

	// The index key of an undecodable record is only known from the index itself
	if len(undecodable) > 0 {
		idx := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefixUnprocessed)), nil)
		for idx.Next() {
			rowID, err := uint64FromHexKey("", idx.Value())
			if err == nil && undecodable[rowID] {
				batch.Delete(append([]byte{}, idx.Key()...))
			}
		}
		idx.Release()
		if err := idx.Error(); err != nil {
			return 0, err
		}
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	return pruned, q.db.Write(batch, nil)
}

func (q *Queue) Stats() (*message.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &message.Stats{}

	iter := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefixMessage)), nil)
	for iter.Next() {
		stats.Total++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	iter = q.db.NewIterator(util.BytesPrefix([]byte(keyPrefixUnprocessed)), nil)
	for iter.Next() {
		stats.Unprocessed++
	}
	iter.Release()
	return stats, iter.Error()
}
