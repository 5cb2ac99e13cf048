// Package mcasttest provides an in-memory multicast network for tests.
package mcasttest

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"peerbus/net/mcast"
)

var _ mcast.Network = (*Host)(nil)

// Hub connects every Host created from it. Datagrams written to a group are queued
// on every reader of that group, the writer's own reader included.
type Hub struct {
	mu       sync.Mutex
	nextPort int
	readers  map[string][]*reader
	// FailJoin makes every ListenGroup call fail, to exercise the degraded mode
	FailJoin bool
}

func NewHub() *Hub {
	return &Hub{nextPort: 40000, readers: make(map[string][]*reader)}
}

// Host is one node's view of the hub. All its senders share one address.
type Host struct {
	hub  *Hub
	addr *net.UDPAddr
}

func (h *Hub) NewHost(ip string) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextPort++
	return &Host{hub: h, addr: &net.UDPAddr{IP: net.ParseIP(ip), Port: h.nextPort}}
}

func (h *Host) Addr() string {
	return h.addr.String()
}

func (h *Host) ListenGroup(group *net.UDPAddr) (mcast.PacketReader, error) {
	h.hub.mu.Lock()
	defer h.hub.mu.Unlock()
	if h.hub.FailJoin {
		return nil, errors.New("mcasttest: join refused")
	}
	r := &reader{hub: h.hub, group: group.String()}
	h.hub.readers[r.group] = append(h.hub.readers[r.group], r)
	return r, nil
}

func (h *Host) ListenSender() (mcast.PacketSender, error) {
	return &sender{host: h}, nil
}

type packet struct {
	from *net.UDPAddr
	data []byte
}

type reader struct {
	hub    *Hub
	group  string
	queue  []packet
	closed bool
}

func (r *reader) ReadFrom(p []byte) (int, net.Addr, error) {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if r.closed {
		return 0, nil, net.ErrClosed
	}
	if len(r.queue) == 0 {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: os.ErrDeadlineExceeded}
	}
	pkt := r.queue[0]
	r.queue = r.queue[1:]
	return copy(p, pkt.data), pkt.from, nil
}

func (r *reader) SetReadDeadline(t time.Time) error {
	return nil
}

func (r *reader) Close() error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	r.closed = true
	list := r.hub.readers[r.group]
	for i, other := range list {
		if other == r {
			r.hub.readers[r.group] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

type sender struct {
	host *Host
}

func (s *sender) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.host.hub.mu.Lock()
	defer s.host.hub.mu.Unlock()
	for _, r := range s.host.hub.readers[addr.String()] {
		r.queue = append(r.queue, packet{from: s.host.addr, data: append([]byte(nil), p...)})
	}
	return len(p), nil
}

func (s *sender) LocalAddr() net.Addr {
	return s.host.addr
}

func (s *sender) Close() error {
	return nil
}

// Inject queues a raw datagram on every reader of a group as if it was sent from addr.
func (h *Hub) Inject(group *net.UDPAddr, from string, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp", from)
	if err != nil {
		return fmt.Errorf("mcasttest: bad sender address: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.readers[group.String()] {
		r.queue = append(r.queue, packet{from: addr, data: append([]byte(nil), data...)})
	}
	return nil
}
