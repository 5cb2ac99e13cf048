package relations

import (
	"encoding/json"
	"testing"
	"time"

	"peerbus/datamodel/peer"
	"peerbus/datastore/leveldb"
	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/protocol"
	"peerbus/swarm/swarmtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceAddr = "10.0.0.2:40001"

type fixture struct {
	svc      *Service
	pub      *swarmtest.Publisher
	blocker  *swarmtest.Blocker
	peers    *swarmtest.Peers
	notifier *notify.Notifier
	index    *leveldb.RelationIndex

	self      ident.AccountID
	alice     ident.AccountID
	aliceKeys *secure.KeyPair
	events    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keys, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	aliceKeys, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		pub:       &swarmtest.Publisher{},
		blocker:   &swarmtest.Blocker{},
		peers:     swarmtest.NewPeers(),
		notifier:  notify.New(),
		index:     leveldb.NewRelationIndex(db),
		self:      ident.Compose(1, 0, 0),
		alice:     ident.Compose(42, 0, 0),
		aliceKeys: aliceKeys,
	}
	f.peers.Add(aliceAddr, f.alice, aliceKeys.Public())

	peers := leveldb.NewPeerIndex(db)
	for _, a := range []ident.AccountID{f.self, f.alice} {
		_, err := peers.Put(&peer.Metadata{AccountID: a})
		require.NoError(t, err)
	}

	for _, topic := range []string{protocol.TopicRelationFriends, protocol.TopicRelationRequest, protocol.TopicRelationBlocked, protocol.TopicRelationNeutral} {
		topic := topic
		f.notifier.Subscribe(topic, func(tag.Tag, []byte) { f.events = append(f.events, topic) })
	}

	f.svc = New(f.self, keys, f.index, f.peers, f.pub, f.blocker, f.notifier)
	return f
}

func (f *fixture) remote(t *testing.T, sender string, keys *secure.KeyPair, u protocol.RelationUpdate) bool {
	t.Helper()
	signed, err := protocol.Sign(keys, u)
	require.NoError(t, err)
	return f.svc.handleUpdate(swarmtest.NewMessage(t, sender, protocol.RelationsUpdate, time.Now(), signed))
}

func TestFriendshipStates(t *testing.T) {
	f := newFixture(t)

	// Alice asks, we accept, then she blocks us, then everything is reset
	require.True(t, f.remote(t, aliceAddr, f.aliceKeys, protocol.RelationUpdate{Source: f.alice, Target: f.self, IsFriend: true}))
	require.NoError(t, f.svc.Set(f.alice, true, false))
	require.True(t, f.remote(t, aliceAddr, f.aliceKeys, protocol.RelationUpdate{Source: f.alice, Target: f.self, IsBlocked: true}))
	require.True(t, f.remote(t, aliceAddr, f.aliceKeys, protocol.RelationUpdate{Source: f.alice, Target: f.self}))
	require.NoError(t, f.svc.Set(f.alice, false, false))

	assert.Equal(t, []string{
		protocol.TopicRelationRequest,
		protocol.TopicRelationFriends,
		protocol.TopicRelationBlocked,
		protocol.TopicRelationRequest,
		protocol.TopicRelationNeutral,
	}, f.events)

	sent := f.pub.Of(protocol.RelationsUpdate)
	require.Len(t, sent, 2)
	var signed protocol.Signed[protocol.RelationUpdate]
	sent[0].Decode(t, &signed)
	assert.Equal(t, f.alice, signed.Body.Target)
	assert.True(t, signed.Body.IsFriend)
}

func TestUpdateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	u := protocol.RelationUpdate{Source: f.alice, Target: f.self, IsFriend: true}

	require.True(t, f.remote(t, aliceAddr, f.aliceKeys, u))
	require.True(t, f.remote(t, aliceAddr, f.aliceKeys, u))

	list, err := f.svc.List(f.alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsFriend)
}

func TestUnverifiedUpdatesAreDropped(t *testing.T) {
	f := newFixture(t)
	other, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	// Wrong signing key
	assert.False(t, f.remote(t, aliceAddr, other, protocol.RelationUpdate{Source: f.alice, Target: f.self, IsFriend: true}))
	assert.Empty(t, f.blocker.Blocked)

	// Somebody else posing as Alice
	mallory := ident.Compose(66, 0, 0)
	f.peers.Add("10.0.0.6:40001", mallory, other.Public())
	assert.False(t, f.remote(t, "10.0.0.6:40001", other, protocol.RelationUpdate{Source: f.alice, Target: f.self, IsFriend: true}))
	assert.True(t, f.blocker.IsBlocked("10.0.0.6:40001"))

	// Alice cannot speak for us
	assert.False(t, f.remote(t, aliceAddr, f.aliceKeys, protocol.RelationUpdate{Source: f.self, Target: f.alice, IsFriend: true}))

	// Unknown target violates the peer reference
	assert.False(t, f.remote(t, aliceAddr, f.aliceKeys, protocol.RelationUpdate{Source: f.alice, Target: ident.Compose(77, 0, 0), IsFriend: true}))

	r, err := f.svc.Get(f.alice, f.self)
	require.NoError(t, err)
	assert.True(t, r.Neutral())
	assert.Empty(t, f.events)
}

func TestRelationsResentToDiscoveredPeer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Set(f.alice, false, true))
	f.pub.Reset()

	payload, err := json.Marshal(map[string]any{"account": f.alice})
	require.NoError(t, err)
	f.notifier.Publish(protocol.TopicPeerDiscovered, payload)

	sent := f.pub.Of(protocol.RelationsUpdate)
	require.Len(t, sent, 1)
	var signed protocol.Signed[protocol.RelationUpdate]
	sent[0].Decode(t, &signed)
	assert.True(t, signed.Body.IsBlocked)

	// Nothing to say to a peer we have no relation with
	f.pub.Reset()
	payload, err = json.Marshal(map[string]any{"account": ident.Compose(77, 0, 0)})
	require.NoError(t, err)
	f.notifier.Publish(protocol.TopicPeerDiscovered, payload)
	assert.Empty(t, f.pub.Sent)
}
