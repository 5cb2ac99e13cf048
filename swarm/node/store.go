package node

import (
	"peerbus/datastore/leveldb"
)

// OpenStore binds every table of a node to one LevelDB instance
func OpenStore(db *leveldb.LevelDB) (*Store, error) {
	q, err := leveldb.NewQueue(db)
	if err != nil {
		return nil, err
	}
	return &Store{
		Queue:     q,
		Peers:     leveldb.NewPeerIndex(db),
		Relations: leveldb.NewRelationIndex(db),
		Presence:  leveldb.NewPresenceIndex(db),
	}, nil
}
