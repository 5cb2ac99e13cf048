package crpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperCaller struct {
	mu        sync.Mutex
	seq       uint64
	responses map[uint64][]byte
}

func (c *upperCaller) Invoke(endpoint string, req []byte) uint64 {
	var s string
	if err := cbor.Unmarshal(req, &s); err != nil {
		s = "invalid"
	}
	res, _ := cbor.Marshal(endpoint + ":" + strings.ToUpper(s))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.responses[c.seq] = res
	return c.seq
}

func (c *upperCaller) Response(seq uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.responses[seq]
	return res, ok
}

func startServer(t *testing.T) (*Client, context.CancelFunc) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(l, &upperCaller{responses: make(map[uint64][]byte)})
	go srv.Serve(ctx)

	addrs := srv.Addr()
	require.Len(t, addrs, 1)

	client, err := Dial("tcp", addrs[0].String())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		cancel()
	})
	return client, cancel
}

func TestClientServerRoundTrip(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := cbor.Marshal("hi")
	require.NoError(t, err)
	raw, err := client.Call(ctx, "test.upper", req)
	require.NoError(t, err)

	var res string
	require.NoError(t, cbor.Unmarshal(raw, &res))
	assert.Equal(t, "test.upper:HI", res)

	// Several calls on one connection
	raw, err = client.Call(ctx, "test.other", nil)
	require.NoError(t, err)
	require.NoError(t, cbor.Unmarshal(raw, &res))
	assert.Equal(t, "test.other:", res)
}

func TestEmptyEndpoint(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "", nil)
	var serr ServerError
	require.ErrorAs(t, err, &serr)
}

func TestCallAfterClose(t *testing.T) {
	client, _ := startServer(t)
	require.NoError(t, client.Close())

	_, err := client.Call(context.Background(), "test.upper", nil)
	assert.ErrorIs(t, err, ErrShutdown)
}
