package commands

import (
	"context"
	"net"
	"testing"

	"peerbus/config"
	"peerbus/datastore/leveldb"
	"peerbus/ident"
	"peerbus/secure"
	"peerbus/swarm/node"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoAsksRunningNode(t *testing.T) {
	db, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := node.OpenStore(db)
	require.NoError(t, err)

	keys, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	cfg := config.NewEmptyConfig("")
	cfg.Node.AccountID = ident.Compose(42, ident.FlagLAN, 0)
	cfg.Node.Username = "Alice"
	cfg.Node.PrivateKey = keys.Hex()

	n, err := node.New(cfg, keys, store, nil, clock.NewMock())
	require.NoError(t, err)

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	n.ListenRPC(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		n.Close()
	})

	// The datastore stays locked by the node, the call layer answers instead
	cfg.Network.RpcListen = l.Addr().String()
	assert.True(t, liveInfo(context.Background(), cfg))

	cfg.Network.RpcListen = ""
	assert.False(t, liveInfo(context.Background(), cfg))
}

func TestInfoWithoutRunningNode(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := config.NewEmptyConfig("")
	cfg.Network.RpcListen = addr
	assert.False(t, liveInfo(context.Background(), cfg))
}
