package matchmaking

import (
	"testing"
	"time"

	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/protocol"
	"peerbus/swarm/swarmtest"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostAddr = "10.0.0.2:40001"

type fixture struct {
	dir      *Directory
	clk      *clock.Mock
	pub      *swarmtest.Publisher
	blocker  *swarmtest.Blocker
	peers    *swarmtest.Peers
	notifier *notify.Notifier

	host     ident.AccountID
	hostKeys *secure.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	hostKeys, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		clk:      clock.NewMock(),
		pub:      &swarmtest.Publisher{},
		blocker:  &swarmtest.Blocker{},
		peers:    swarmtest.NewPeers(),
		notifier: notify.New(),
		host:     ident.Compose(42, 0, 0),
		hostKeys: hostKeys,
	}
	f.clk.Add(time.Hour)
	f.peers.Add(hostAddr, f.host, hostKeys.Public())
	f.dir = New(ident.Compose(1, 0, 0), keys, 10*time.Second, f.clk, f.peers, f.pub, f.blocker, f.notifier)
	return f
}

func (f *fixture) update(t *testing.T, sender string, keys *secure.KeyPair, s protocol.Session) bool {
	t.Helper()
	signed, err := protocol.Sign(keys, s)
	require.NoError(t, err)
	return f.dir.handleUpdate(swarmtest.NewMessage(t, sender, protocol.MatchmakingUpdate, f.clk.Now(), signed))
}

func TestRemoteSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	updates := 0
	f.notifier.Subscribe(protocol.TopicSessionUpdated, func(tag.Tag, []byte) { updates++ })
	expired := 0
	f.notifier.Subscribe(protocol.TopicSessionExpired, func(tag.Tag, []byte) { expired++ })

	s := protocol.Session{Host: f.host, Provider: "quake", ServerName: "Alice's", MapName: "dm4", Address: "10.0.0.2", Port: 27960, GameData: []byte{1, 2}}
	require.True(t, f.update(t, hostAddr, f.hostKeys, s))
	require.True(t, f.update(t, hostAddr, f.hostKeys, s))
	assert.Equal(t, 2, updates)

	active := f.dir.Active("")
	require.Len(t, active, 1)
	assert.Equal(t, "dm4", active[0].MapName)
	assert.Equal(t, []byte{1, 2}, active[0].GameData)
	assert.Empty(t, f.dir.Active("doom"))

	f.clk.Add(10 * time.Second)
	assert.Len(t, f.dir.Active(""), 1)
	assert.Equal(t, 0, f.dir.Sweep())

	f.clk.Add(time.Millisecond)
	assert.Empty(t, f.dir.Active(""))
	assert.Equal(t, 1, f.dir.Sweep())
	assert.Equal(t, 1, expired)
}

func TestSpoofedHostIsRejected(t *testing.T) {
	f := newFixture(t)
	mallory := ident.Compose(66, 0, 0)
	malloryKeys, err := secure.GenerateKeyPair()
	require.NoError(t, err)
	f.peers.Add("10.0.0.6:40001", mallory, malloryKeys.Public())

	// Mallory claims Alice's session, signed with her own key
	s := protocol.Session{Host: f.host, Provider: "quake"}
	assert.False(t, f.update(t, "10.0.0.6:40001", malloryKeys, s))
	assert.True(t, f.blocker.IsBlocked("10.0.0.6:40001"))
	assert.Empty(t, f.dir.Active(""))
}

func TestBadSignatureIsDropped(t *testing.T) {
	f := newFixture(t)
	other, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	s := protocol.Session{Host: f.host, Provider: "quake"}
	assert.False(t, f.update(t, hostAddr, other, s))
	assert.Empty(t, f.blocker.Blocked)
	assert.Empty(t, f.dir.Active(""))

	// Unannounced senders are dropped too
	assert.False(t, f.update(t, "10.0.0.9:40001", f.hostKeys, s))
}

func TestRemoteTerminateOnlyNotifies(t *testing.T) {
	f := newFixture(t)
	terminated := 0
	f.notifier.Subscribe(protocol.TopicSessionTerminated, func(tag.Tag, []byte) { terminated++ })

	s := protocol.Session{Host: f.host, Provider: "quake"}
	require.True(t, f.update(t, hostAddr, f.hostKeys, s))

	signed, err := protocol.Sign(f.hostKeys, s.Key())
	require.NoError(t, err)
	require.True(t, f.dir.handleTerminate(swarmtest.NewMessage(t, hostAddr, protocol.MatchmakingTerminate, f.clk.Now(), signed)))

	assert.Equal(t, 1, terminated)
	assert.Len(t, f.dir.Active(""), 1)
}

func TestLocalSession(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.dir.Terminate(), ErrNotHosting)

	require.NoError(t, f.dir.Host(protocol.Session{Provider: "quake", ServerName: "Mine"}))
	sent := f.pub.Of(protocol.MatchmakingUpdate)
	require.Len(t, sent, 1)

	var signed protocol.Signed[protocol.Session]
	sent[0].Decode(t, &signed)
	assert.Equal(t, ident.Compose(1, 0, 0), signed.Body.Host)
	assert.True(t, signed.Verify(f.dir.keys.Public()))

	// Announced again every TTL/2
	require.NoError(t, f.dir.AnnounceIfDue())
	assert.Len(t, f.pub.Of(protocol.MatchmakingUpdate), 1)
	f.clk.Add(5 * time.Second)
	require.NoError(t, f.dir.AnnounceIfDue())
	assert.Len(t, f.pub.Of(protocol.MatchmakingUpdate), 2)

	require.NoError(t, f.dir.Terminate())
	_, hosting := f.dir.Local()
	assert.False(t, hosting)
	require.Len(t, f.pub.Of(protocol.MatchmakingTerminate), 1)

	f.clk.Add(5 * time.Second)
	require.NoError(t, f.dir.AnnounceIfDue())
	assert.Len(t, f.pub.Of(protocol.MatchmakingUpdate), 2)
}
