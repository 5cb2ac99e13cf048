package leveldb

import (
	"testing"
	"time"

	"peerbus/datamodel/message"
	"peerbus/datamodel/peer"
	"peerbus/datamodel/presence"
	"peerbus/datamodel/relation"
	"peerbus/ident"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *LevelDB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQueueOrderingAndProcessing(t *testing.T) {
	q, err := NewQueue(openTestDB(t))
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)

	// Appended out of timestamp order on purpose
	late, err := q.Append(&message.Record{Type: 1, Timestamp: base.Add(2 * time.Millisecond), Sender: "a", Message: "late"})
	require.NoError(t, err)
	early, err := q.Append(&message.Record{Type: 1, Timestamp: base.Add(time.Millisecond), Sender: "b", Message: "early"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), late.RowID)
	assert.Equal(t, uint64(2), early.RowID)

	recs, err := q.Unprocessed(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "early", recs[0].Message)
	assert.Equal(t, "late", recs[1].Message)
	assert.True(t, recs[0].Timestamp.Equal(early.Timestamp))

	recs, err = q.Unprocessed(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// Processed records stay but are never returned again
	require.NoError(t, q.MarkProcessed(early.RowID))
	recs, err = q.Unprocessed(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, late.RowID, recs[0].RowID)

	got, err := q.Get(early.RowID)
	require.NoError(t, err)
	assert.True(t, got.IsProcessed)

	// Deleted records are gone for good
	require.NoError(t, q.Delete(late.RowID))
	require.NoError(t, q.Delete(late.RowID))
	recs, err = q.Unprocessed(10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, &message.Stats{Total: 1, Unprocessed: 0}, stats)
}

func TestQueueSequenceSurvivesReopen(t *testing.T) {
	db := openTestDB(t)
	q, err := NewQueue(db)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := q.Append(&message.Record{Type: 7, Timestamp: time.Unix(int64(i), 0)})
		require.NoError(t, err)
	}

	q2, err := NewQueue(db)
	require.NoError(t, err)
	r, err := q2.Append(&message.Record{Type: 7, Timestamp: time.Unix(10, 0)})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.RowID)
}

func TestQueuePrune(t *testing.T) {
	q, err := NewQueue(openTestDB(t))
	require.NoError(t, err)

	old, _ := q.Append(&message.Record{Timestamp: time.Unix(100, 0)})
	fresh, _ := q.Append(&message.Record{Timestamp: time.Unix(300, 0)})
	pending, _ := q.Append(&message.Record{Timestamp: time.Unix(50, 0)})
	require.NoError(t, q.MarkProcessed(old.RowID))
	require.NoError(t, q.MarkProcessed(fresh.RowID))

	n, err := q.PruneProcessed(time.Unix(200, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(old.RowID)
	assert.Error(t, err)
	_, err = q.Get(fresh.RowID)
	assert.NoError(t, err)
	_, err = q.Get(pending.RowID)
	assert.NoError(t, err)
}

func TestQueueSkipsUnreadableRecord(t *testing.T) {
	q, err := NewQueue(openTestDB(t))
	require.NoError(t, err)

	bad, err := q.Append(&message.Record{Type: 1, Timestamp: time.Unix(100, 0), Message: "bad"})
	require.NoError(t, err)
	require.NoError(t, q.db.Put(keyFromRowID(bad.RowID), []byte{0xff}, nil))
	good, err := q.Append(&message.Record{Type: 1, Timestamp: time.Unix(200, 0), Message: "good"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		recs, err := q.Unprocessed(10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, good.RowID, recs[0].RowID)
	}

	// The broken row and its index entry are gone
	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, &message.Stats{Total: 1, Unprocessed: 1}, stats)
}

func TestQueuePruneDropsIndexOfUndecodableRecord(t *testing.T) {
	q, err := NewQueue(openTestDB(t))
	require.NoError(t, err)

	bad, err := q.Append(&message.Record{Type: 1, Timestamp: time.Unix(100, 0)})
	require.NoError(t, err)
	require.NoError(t, q.db.Put(keyFromRowID(bad.RowID), []byte{0xff}, nil))
	good, err := q.Append(&message.Record{Type: 1, Timestamp: time.Unix(200, 0)})
	require.NoError(t, err)

	n, err := q.PruneProcessed(time.Unix(50, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, &message.Stats{Total: 1, Unprocessed: 1}, stats)

	recs, err := q.Unprocessed(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, good.RowID, recs[0].RowID)
}

func TestPeerIndex(t *testing.T) {
	idx := NewPeerIndex(openTestDB(t))
	a := ident.Compose(42, 0, 1)

	ok, err := idx.Has(a)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = idx.Put(&peer.Metadata{AccountID: a, Username: "Alice", PublicKey: []byte{2, 3}})
	require.NoError(t, err)

	md, err := idx.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "Alice", md.Username)

	all, err := idx.Enumerate()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRelationIndex(t *testing.T) {
	db := openTestDB(t)
	peers := NewPeerIndex(db)
	rels := NewRelationIndex(db)

	alice, bob, carol := ident.Compose(1, 0, 1), ident.Compose(2, 0, 1), ident.Compose(3, 0, 1)
	for _, a := range []ident.AccountID{alice, bob} {
		_, err := peers.Put(&peer.Metadata{AccountID: a})
		require.NoError(t, err)
	}

	// Unknown target is rejected
	err := rels.Put(&relation.Relation{Source: alice, Target: carol, IsFriend: true})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	// Missing relation reads as neutral
	r, err := rels.Get(alice, bob)
	require.NoError(t, err)
	assert.True(t, r.Neutral())

	// Same update twice yields one row with identical state
	upd := &relation.Relation{Source: alice, Target: bob, IsFriend: true}
	require.NoError(t, rels.Put(upd))
	require.NoError(t, rels.Put(upd))

	out, err := rels.BySource(alice)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, upd, out[0])

	in, err := rels.ByTarget(bob)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, upd, in[0])

	// Flags are full state
	require.NoError(t, rels.Put(&relation.Relation{Source: alice, Target: bob, IsBlocked: true}))
	r, err = rels.Get(alice, bob)
	require.NoError(t, err)
	assert.False(t, r.IsFriend)
	assert.True(t, r.IsBlocked)
}

func TestPresenceIndex(t *testing.T) {
	idx := NewPresenceIndex(openTestDB(t))

	items := []*presence.Item{
		{Key: presence.Key{AccountID: 42, Provider: "steam", Key: "status"}, Value: "online"},
		{Key: presence.Key{AccountID: 42, Provider: "steam", Key: "game"}, Value: "chess"},
		{Key: presence.Key{AccountID: 42, Provider: "lan", Key: "status"}, Value: "away"},
		{Key: presence.Key{AccountID: 43, Provider: "steam", Key: "status"}, Value: "busy"},
	}
	require.NoError(t, idx.Put(items))

	// Insert or replace
	require.NoError(t, idx.Put([]*presence.Item{{Key: presence.Key{AccountID: 42, Provider: "steam", Key: "status"}, Value: "ingame"}}))

	got, err := idx.Get(42, "steam")
	require.NoError(t, err)
	require.Len(t, got, 2)
	values := map[string]string{}
	for _, it := range got {
		values[it.Key.Key] = it.Value
	}
	assert.Equal(t, map[string]string{"status": "ingame", "game": "chess"}, values)

	all, err := idx.Get(42, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, idx.Delete([]*presence.Key{{AccountID: 42, Provider: "steam", Key: "game"}}))
	got, err = idx.Get(42, "steam")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	assert.ErrorIs(t, idx.Put([]*presence.Item{{Key: presence.Key{AccountID: 1, Key: "x"}}}), ErrInvalidPresenceKey)
}
