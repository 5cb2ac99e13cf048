// Package swarmtest provides fakes for testing services without a transport.
package swarmtest

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"peerbus/bus"
	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/net/mcast"

	"github.com/stretchr/testify/require"
)

type Sent struct {
	Channel mcast.Channel
	Type    tag.Tag
	Payload []byte
}

// Publisher records every published datagram
type Publisher struct {
	mu   sync.Mutex
	Sent []Sent
	Err  error // Returned by Publish when set
}

func (p *Publisher) Publish(ch mcast.Channel, typeTag uint32, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Sent = append(p.Sent, Sent{Channel: ch, Type: tag.Tag(typeTag), Payload: append([]byte(nil), payload...)})
	return nil
}

// Of returns the datagrams sent under a message name
func (p *Publisher) Of(name string) []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Sent
	for _, s := range p.Sent {
		if s.Type == tag.Of(name) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Sent = nil
}

// Decode unpacks a payload produced by bus.Encode
func (s Sent) Decode(t *testing.T, v any) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(string(s.Payload))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

// Message turns a sent datagram into what a receiving bus hands to its handlers
func (s Sent) Message(t *testing.T, sender string, ts time.Time) *bus.Message {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(string(s.Payload))
	require.NoError(t, err)
	return &bus.Message{Type: s.Type, Timestamp: ts, Sender: sender, Body: raw}
}

// NewMessage builds a handler input from a body
func NewMessage(t *testing.T, sender string, name string, ts time.Time, v any) *bus.Message {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &bus.Message{Type: tag.Of(name), Timestamp: ts, Sender: sender, Body: raw}
}

// Blocker records blocked senders
type Blocker struct {
	mu      sync.Mutex
	Blocked []string
}

func (b *Blocker) Block(sender string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Blocked = append(b.Blocked, sender)
}

func (b *Blocker) IsBlocked(sender string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.Blocked {
		if s == sender {
			return true
		}
	}
	return false
}

// Peers is a static peer directory
type Peers struct {
	Addresses map[string]ident.AccountID
	Keys      map[ident.AccountID][]byte
}

func NewPeers() *Peers {
	return &Peers{
		Addresses: make(map[string]ident.AccountID),
		Keys:      make(map[ident.AccountID][]byte),
	}
}

func (p *Peers) Add(addr string, a ident.AccountID, key []byte) {
	p.Addresses[addr] = a
	p.Keys[a] = key
}

func (p *Peers) AccountAt(addr string) (ident.AccountID, bool) {
	a, ok := p.Addresses[addr]
	return a, ok
}

func (p *Peers) PublicKey(a ident.AccountID) ([]byte, bool) {
	k, ok := p.Keys[a]
	return k, ok && len(k) > 0
}
