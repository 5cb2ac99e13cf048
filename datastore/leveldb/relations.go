package leveldb

import (
	"fmt"

	"peerbus/datamodel/relation"
	"peerbus/ident"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	keyPrefixRelation = "RELS" // Relation indexed by source then target account id
	keyPrefixRelTgt   = "RELT" // Reverse index: target then source account id, empty value
)

var ErrUnknownPeer = fmt.Errorf("unknown peer")

var _ relation.RelationIndex = (*RelationIndex)(nil)

// RelationIndex keeps relations between peers stored in the PeerIndex. Both ends of a relation must be known peers.
type RelationIndex struct {
	*LevelDB
	peers *PeerIndex
}

func NewRelationIndex(l *LevelDB) *RelationIndex {
	return &RelationIndex{LevelDB: l, peers: &PeerIndex{LevelDB: l}}
}

func relationKey(prefix string, a, b ident.AccountID) []byte {
	return append(hexKey(prefix, uint64(a)), hexKey("", uint64(b))...)
}

func (l *RelationIndex) Get(source, target ident.AccountID) (*relation.Relation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(relationKey(keyPrefixRelation, source, target), nil)
	if err == errors.ErrNotFound {
		return &relation.Relation{Source: source, Target: target}, nil
	}
	if err != nil {
		return nil, err
	}

	r := &relation.Relation{}
	if err := cbor.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	if r.Source != source || r.Target != target {
		return nil, ErrCorrupted
	}
	return r, nil
}

func (l *RelationIndex) Put(r *relation.Relation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range []ident.AccountID{r.Source, r.Target} {
		ok, err := l.peers.has(a)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, a)
		}
	}

	raw, err := encMode.Marshal(r)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(relationKey(keyPrefixRelation, r.Source, r.Target), raw)
	batch.Put(relationKey(keyPrefixRelTgt, r.Target, r.Source), nil)
	return l.db.Write(batch, nil)
}

func (l *RelationIndex) BySource(source ident.AccountID) ([]*relation.Relation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix(hexKey(keyPrefixRelation, uint64(source))), nil)
	defer iter.Release()

	var results []*relation.Relation
	for iter.Next() {
		r := &relation.Relation{}
		if err := cbor.Unmarshal(iter.Value(), r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, iter.Error()
}

func (l *RelationIndex) ByTarget(target ident.AccountID) ([]*relation.Relation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := hexKey(keyPrefixRelTgt, uint64(target))
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results []*relation.Relation
	for iter.Next() {
		source, err := uint64FromHexKey("", iter.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		raw, err := l.db.Get(relationKey(keyPrefixRelation, ident.AccountID(source), target), nil)
		if err != nil {
			return nil, err
		}
		r := &relation.Relation{}
		if err := cbor.Unmarshal(raw, r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, iter.Error()
}
