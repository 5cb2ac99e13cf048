package leveldb

import (
	"peerbus/datamodel/peer"
	"peerbus/ident"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer metadata indexed by account id. Followed by a 16-digit hexadecimal account id
)

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	*LevelDB
}

func keyFromAccount(a ident.AccountID) []byte {
	return hexKey(keyPrefixPeer, uint64(a))
}

func NewPeerIndex(l *LevelDB) *PeerIndex {
	return &PeerIndex{LevelDB: l}
}

func (l *PeerIndex) Get(a ident.AccountID) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromAccount(a), nil)
	if err != nil {
		return nil, err
	}

	md := &peer.Metadata{}
	if err := cbor.Unmarshal(raw, md); err != nil {
		return nil, err
	}

	// Compare the account just in case
	if md.AccountID != a {
		log.Errorf("PeerIndex.Get: account mismatch: %s != %s", a, md.AccountID)
		return nil, ErrCorrupted
	}

	return md, nil
}

func (l *PeerIndex) Has(a ident.AccountID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.has(a)
}

// has expects the lock to be held by the caller
func (l *PeerIndex) has(a ident.AccountID) (bool, error) {
	_, err := l.db.Get(keyFromAccount(a), nil)
	if err == nil {
		return true, nil
	} else if err == errors.ErrNotFound {
		return false, nil
	}
	return false, err
}

func (l *PeerIndex) Put(md *peer.Metadata) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := encMode.Marshal(md)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(keyFromAccount(md.AccountID), raw, nil); err != nil {
		return nil, err
	}

	return md, nil
}

func (l *PeerIndex) Enumerate() ([]*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Metadata

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		md := &peer.Metadata{}
		if err := cbor.Unmarshal(iter.Value(), md); err != nil {
			return nil, err
		}
		results = append(results, md)
	}

	return results, iter.Error()
}
