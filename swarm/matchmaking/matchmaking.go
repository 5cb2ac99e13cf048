// Package matchmaking replicates the session directory.
// The local session is owned by this node and announced every TTL/2 while it is hosted.
// Remote sessions are only replicated: they are keyed by (host, provider) and evicted by TTL.
package matchmaking

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"peerbus/bus"
	"peerbus/ident"
	"peerbus/net/mcast"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/protocol"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

const DefaultTTL = 10 * time.Second

var ErrNotHosting = errors.New("no local session")

type Directory struct {
	self     ident.AccountID
	keys     *secure.KeyPair
	ttl      time.Duration
	clock    clock.Clock
	peers    protocol.Peers
	sender   protocol.Publisher
	blocker  protocol.Blocker
	notifier *notify.Notifier

	mu         sync.RWMutex
	local      *protocol.Session
	lastUpdate time.Time
	remote     map[protocol.SessionKey]*protocol.Session
}

func New(self ident.AccountID, keys *secure.KeyPair, ttl time.Duration, clk clock.Clock, peers protocol.Peers, sender protocol.Publisher, blocker protocol.Blocker, notifier *notify.Notifier) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		self:     self,
		keys:     keys,
		ttl:      ttl,
		clock:    clk,
		peers:    peers,
		sender:   sender,
		blocker:  blocker,
		notifier: notifier,
		remote:   make(map[protocol.SessionKey]*protocol.Session),
	}
}

func (d *Directory) Register(b *bus.Bus) {
	b.RegisterHandler(protocol.TagMatchmakingUpdate, d.handleUpdate)
	b.RegisterHandler(protocol.TagMatchmakingTerminate, d.handleTerminate)
}

// Host replaces the local session and announces it right away
func (d *Directory) Host(s protocol.Session) error {
	s.Host = d.self

	d.mu.Lock()
	d.local = &s
	d.mu.Unlock()

	log.Infof("matchmaking: hosting %s session %q", s.Provider, s.ServerName)
	return d.announce()
}

// Local returns a copy of the hosted session
func (d *Directory) Local() (*protocol.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.local == nil {
		return nil, false
	}
	cp := *d.local
	return &cp, true
}

// Terminate drops the local session and tells the network
func (d *Directory) Terminate() error {
	d.mu.Lock()
	local := d.local
	d.local = nil
	d.mu.Unlock()

	if local == nil {
		return ErrNotHosting
	}

	log.Infof("matchmaking: terminating %s session %q", local.Provider, local.ServerName)
	signed, err := protocol.Sign(d.keys, local.Key())
	if err != nil {
		return err
	}
	return protocol.Broadcast(d.sender, mcast.ChannelMatchmaking, protocol.MatchmakingTerminate, signed)
}

func (d *Directory) announce() error {
	d.mu.Lock()
	if d.local == nil {
		d.mu.Unlock()
		return nil
	}
	now := d.clock.Now()
	d.local.Updated = now.UnixMilli()
	d.lastUpdate = now
	s := *d.local
	d.mu.Unlock()

	signed, err := protocol.Sign(d.keys, s)
	if err != nil {
		return err
	}
	return protocol.Broadcast(d.sender, mcast.ChannelMatchmaking, protocol.MatchmakingUpdate, signed)
}

// AnnounceIfDue sends the local session when the last announcement is TTL/2 old
func (d *Directory) AnnounceIfDue() error {
	d.mu.RLock()
	due := d.local != nil && d.clock.Now().Sub(d.lastUpdate) >= d.ttl/2
	d.mu.RUnlock()

	if !due {
		return nil
	}
	return d.announce()
}

func (d *Directory) handleUpdate(msg *bus.Message) bool {
	signed := &protocol.Signed[protocol.Session]{}
	if err := msg.Decode(signed); err != nil {
		return false
	}
	s := signed.Body
	if s.Host.IsZero() || s.Provider == "" {
		return false
	}

	if !protocol.VerifySigned(d.peers, d.blocker, msg.Sender, s.Host, signed) {
		return false
	}

	// Expiry counts from when we heard the update
	s.Updated = msg.Timestamp.UnixMilli()

	d.mu.Lock()
	_, known := d.remote[s.Key()]
	d.remote[s.Key()] = &s
	d.mu.Unlock()

	if !known {
		log.WithField("sender", msg.Sender).Infof("matchmaking: new %s session %q from %s", s.Provider, s.ServerName, s.Host)
	}
	d.publish(protocol.TopicSessionUpdated, &s)
	return true
}

// handleTerminate only notifies. The session stays until its TTL runs out.
func (d *Directory) handleTerminate(msg *bus.Message) bool {
	signed := &protocol.Signed[protocol.SessionKey]{}
	if err := msg.Decode(signed); err != nil {
		return false
	}
	if !protocol.VerifySigned(d.peers, d.blocker, msg.Sender, signed.Body.Host, signed) {
		return false
	}

	d.publish(protocol.TopicSessionTerminated, &signed.Body)
	return true
}

func (d *Directory) expired(s *protocol.Session, now time.Time) bool {
	return now.Sub(time.UnixMilli(s.Updated)) > d.ttl
}

// Sweep evicts remote sessions older than the TTL
func (d *Directory) Sweep() int {
	now := d.clock.Now()

	d.mu.Lock()
	var evicted []*protocol.Session
	for k, s := range d.remote {
		if d.expired(s, now) {
			delete(d.remote, k)
			evicted = append(evicted, s)
		}
	}
	d.mu.Unlock()

	for _, s := range evicted {
		log.Debugf("matchmaking: %s session %q of %s expired", s.Provider, s.ServerName, s.Host)
		d.publish(protocol.TopicSessionExpired, s)
	}
	return len(evicted)
}

// Active lists the remote sessions younger than the TTL. An empty provider matches every provider.
func (d *Directory) Active(provider string) []*protocol.Session {
	now := d.clock.Now()

	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*protocol.Session, 0, len(d.remote))
	for _, s := range d.remote {
		if d.expired(s, now) || (provider != "" && s.Provider != provider) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

func (d *Directory) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Errorf("matchmaking: failed to encode %s event: %v", topic, err)
		return
	}
	d.notifier.Publish(topic, payload)
}
