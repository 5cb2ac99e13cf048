// Package call is the name-addressed synchronous call layer.
// Requests and responses are CBOR documents.
package call

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	log "github.com/sirupsen/logrus"
)

// DefaultRetained is how many responses stay valid after Call returns.
// A caller that borrows a response must consume it before making that many more calls.
const DefaultRetained = 16

var ErrNoSuchEndpoint = errors.New("no such endpoint")

// Handler serves one endpoint. The request is the raw CBOR document sent by the caller.
type Handler func(req []byte) (any, error)

// Response is the envelope of every call result.
type Response struct {
	Ok        bool            `cbor:"1,keyasint" json:"ok"`
	Error     string          `cbor:"2,keyasint,omitempty" json:"error,omitempty"`
	Endpoints []string        `cbor:"3,keyasint,omitempty" json:"endpoints,omitempty"` // Set when the endpoint is unknown
	Result    cbor.RawMessage `cbor:"4,keyasint,omitempty" json:"-"`
}

// Decode unmarshals the result into v
func (r *Response) Decode(v any) error {
	if !r.Ok {
		return errors.New(r.Error)
	}
	if len(r.Result) == 0 {
		return nil
	}
	return cbor.Unmarshal(r.Result, v)
}

type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Handler

	rmu       sync.Mutex // protects seq and responses
	seq       uint64
	responses *lru.Cache[uint64, []byte]
}

func NewRegistry(retained int) *Registry {
	if retained <= 0 {
		retained = DefaultRetained
	}
	responses, err := lru.New[uint64, []byte](retained)
	if err != nil {
		log.Fatalf("call: failed to create response cache: %v", err)
	}
	return &Registry{
		endpoints: make(map[string]Handler),
		responses: responses,
	}
}

// AddEndpoint registers a handler. A second registration under the same name replaces the first.
func (r *Registry) AddEndpoint(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.endpoints[name]; dup {
		log.Warnf("call: endpoint %s registered twice, replacing", name)
	}
	r.endpoints[name] = h
	log.Debugf("call: registered endpoint %s", name)
}

// Endpoints returns the sorted names of every registered endpoint
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) invoke(name string, req []byte) *Response {
	r.mu.RLock()
	h, ok := r.endpoints[name]
	r.mu.RUnlock()

	if !ok {
		return &Response{Error: fmt.Sprintf("%s: %s", ErrNoSuchEndpoint, name), Endpoints: r.Endpoints()}
	}

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Errorf("call: panic in endpoint %s: %v", name, p)
				err = fmt.Errorf("internal error in %s", name)
			}
		}()
		result, err = h(req)
	}()
	if err != nil {
		return &Response{Error: err.Error()}
	}

	res := &Response{Ok: true}
	if result != nil {
		raw, err := cbor.Marshal(result)
		if err != nil {
			return &Response{Error: fmt.Sprintf("encoding result of %s: %v", name, err)}
		}
		res.Result = raw
	}
	return res
}

// Invoke runs an endpoint and stores the encoded Response in the ring. It returns the
// sequence number the response can be fetched with.
func (r *Registry) Invoke(name string, req []byte) uint64 {
	res := r.invoke(name, req)

	raw, err := cbor.Marshal(res)
	if err != nil {
		log.Errorf("call: failed to encode response of %s: %v", name, err)
		raw, _ = cbor.Marshal(&Response{Error: "response encoding failed"})
	}

	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.seq++
	r.responses.Add(r.seq, raw)
	return r.seq
}

// Response returns a stored response. It is gone once Retained() newer calls were made.
func (r *Registry) Response(seq uint64) ([]byte, bool) {
	return r.responses.Peek(seq)
}

// Call invokes an endpoint and returns the encoded Response.
// The slice is owned by the registry and stays valid for the next Retained() calls.
func (r *Registry) Call(name string, req []byte) []byte {
	seq := r.Invoke(name, req)
	raw, ok := r.Response(seq)
	if !ok {
		// More than Retained() calls finished concurrently in between
		raw, _ = cbor.Marshal(&Response{Error: "response evicted, retry the call"})
	}
	return raw
}

// Retained reports how many responses are currently kept alive
func (r *Registry) Retained() int {
	return r.responses.Len()
}

// Typed adapts a function with concrete request and response types to a Handler.
// An empty request decodes to the zero value.
func Typed[Req any, Res any](fn func(req *Req) (*Res, error)) Handler {
	return func(raw []byte) (any, error) {
		req := new(Req)
		if len(raw) > 0 {
			if err := cbor.Unmarshal(raw, req); err != nil {
				return nil, fmt.Errorf("decoding request: %w", err)
			}
		}
		res, err := fn(req)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// DecodeResponse parses a Call result
func DecodeResponse(raw []byte) (*Response, error) {
	res := &Response{}
	if err := cbor.Unmarshal(raw, res); err != nil {
		return nil, err
	}
	return res, nil
}
