package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var ErrShutdown = errors.New("connection is shut down")

// Call represents an active request to a remote endpoint.
type Call struct {
	Endpoint string
	Request  cbor.RawMessage
	Reply    cbor.RawMessage
	Error    error
	Done     chan *Call // Receives *Call when Go is complete.
}

type Client struct {
	conn     io.ReadWriteCloser
	wmutex   sync.Mutex // serializes writes of header and body
	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // server has told us to stop
}

func (client *Client) send(call *Call) {
	// Register this call.
	client.mutex.Lock()
	if client.closing || client.shutdown {
		client.mutex.Unlock()
		call.Error = ErrShutdown
		call.done()
		return
	}
	seq := client.seq
	client.seq++
	client.pending[seq] = call
	client.mutex.Unlock()

	// Encode and send the request.
	req := &RequestHeader{
		Endpoint: call.Endpoint,
		Seq:      seq,
	}

	client.wmutex.Lock()
	encoder := cbor.NewEncoder(client.conn)
	err := encoder.Encode(req)
	if err == nil {
		err = encoder.Encode(call.Request)
	}
	client.wmutex.Unlock()

	if err != nil {
		client.mutex.Lock()
		delete(client.pending, seq)
		client.mutex.Unlock()
		call.Error = err
		call.done()
	}
}

func (call *Call) done() {
	select {
	case call.Done <- call:
		// ok
	default:
		// We don't want to block here. It is the caller's responsibility to make
		// sure the channel has enough buffer space. See comment in Go().
		log.Debugf("rpc: discarding Call reply due to insufficient Done chan capacity")
	}
}

func (client *Client) input() {
	var err error

	decoder := cbor.NewDecoder(client.conn)
	for err == nil {
		response := ResponseHeader{}
		err = decoder.Decode(&response)
		if err != nil {
			// Error will be handled by the cleanup logic after the loop
			break
		}

		seq := response.Seq

		client.mutex.Lock()
		call, ok := client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()

		switch {
		case call == nil:
			// The send failed after registration; the body still has to be consumed
			if response.Err == "" {
				var dummy cbor.RawMessage
				if e := decoder.Decode(&dummy); e != nil {
					err = e
					log.Warnf("rpc: error consuming body for unknown sequence %d: %v", seq, err)
				}
			}
			log.Warnf("rpc: received reply for unknown sequence %d (call %t), discarding", seq, ok)

		case response.Err != "":
			call.Error = ServerError(response.Err)
			call.done()

		default:
			err = decoder.Decode(&call.Reply)
			if err != nil {
				call.Error = err
			}
			call.done()
		}
	}

	// Terminate pending calls
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	shutdownError := err
	closed := err == io.EOF || errors.Is(err, net.ErrClosed)
	if client.closing || closed {
		shutdownError = ErrShutdown
	}

	if closed {
		log.Debugf("rpc: client connection closed. Notifying pending calls with: %v", shutdownError)
	} else {
		log.Warnf("rpc: client input loop error: %v. Notifying pending calls with: %v", err, shutdownError)
	}

	for _, call := range client.pending {
		call.Error = shutdownError
		call.done()
	}
	client.pending = make(map[uint64]*Call)
}

func NewClient(conn io.ReadWriteCloser) *Client {
	client := &Client{
		conn:    conn,
		pending: make(map[uint64]*Call),
	}
	go client.input()
	return client
}

// Dial connects to an RPC server at the specified network address.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// Go invokes the endpoint asynchronously. The done channel receives the same Call once
// it completes. If done is nil, Go allocates a buffered channel.
func (client *Client) Go(endpoint string, req []byte, done chan *Call) *Call {
	call := &Call{
		Endpoint: endpoint,
		Request:  req,
	}
	if done == nil {
		done = make(chan *Call, 1)
	}
	call.Done = done
	client.send(call)
	return call
}

// Call invokes the endpoint and waits for its encoded response.
func (client *Client) Call(ctx context.Context, endpoint string, req []byte) ([]byte, error) {
	call := client.Go(endpoint, req, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-call.Done:
		return resp.Reply, resp.Error
	}
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close() // This will cause client.input() to exit and cleanup
}
