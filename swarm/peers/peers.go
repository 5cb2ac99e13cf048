// Package peers keeps the registry of peers heard on the network.
// A peer is added by its first announcement, refreshed by every further one, and
// forgotten once it has been silent for longer than the TTL.
package peers

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"peerbus/bus"
	"peerbus/datamodel/peer"
	"peerbus/ident"
	"peerbus/net/mcast"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/protocol"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const DefaultTTL = 15 * time.Second

var ErrUnknownPeer = errors.New("unknown peer")

// Peer is a live entry of the registry
type Peer struct {
	AccountID ident.AccountID `json:"account"`
	Session   uuid.UUID       `json:"session"` // Assigned when the peer is discovered, new after every loss
	Username  string          `json:"username"`
	Locale    string          `json:"locale,omitempty"`
	PublicKey []byte          `json:"key,omitempty"`
	Address   string          `json:"address"`
	FirstSeen time.Time       `json:"firstSeen"`
	LastSeen  time.Time       `json:"lastSeen"`
}

// Self describes the local node in announcements
type Self struct {
	AccountID ident.AccountID
	Username  string
	Locale    string
	Keys      *secure.KeyPair
}

type Config struct {
	TTL        time.Duration
	KeyRequest time.Duration // Minimum time between two key requests to the same peer
}

type Registry struct {
	self     Self
	cfg      Config
	clock    clock.Clock
	index    peer.PeerIndex
	sender   protocol.Publisher
	blocker  protocol.Blocker
	notifier *notify.Notifier

	mu        sync.RWMutex
	peers     map[ident.AccountID]*Peer
	byAddress map[string]ident.AccountID
	requested map[ident.AccountID]time.Time

	sg singleflight.Group
}

func New(self Self, cfg Config, clk clock.Clock, index peer.PeerIndex, sender protocol.Publisher, blocker protocol.Blocker, notifier *notify.Notifier) (*Registry, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.KeyRequest <= 0 {
		cfg.KeyRequest = time.Second
	}

	r := &Registry{
		self:      self,
		cfg:       cfg,
		clock:     clk,
		index:     index,
		sender:    sender,
		blocker:   blocker,
		notifier:  notifier,
		peers:     make(map[ident.AccountID]*Peer),
		byAddress: make(map[string]ident.AccountID),
		requested: make(map[ident.AccountID]time.Time),
	}

	// Relations reference peers through the index, ourselves included
	if _, err := index.Put(&peer.Metadata{
		AccountID: self.AccountID,
		Username:  self.Username,
		Locale:    self.Locale,
		PublicKey: self.Keys.Public(),
		LastSeen:  clk.Now(),
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// Register installs the network message handlers
func (r *Registry) Register(b *bus.Bus) {
	b.RegisterHandler(protocol.TagClientAnnounce, r.handleAnnounce)
	b.RegisterHandler(protocol.TagClientKeyExchange, r.handleKeyExchange)
}

// Announce broadcasts our identity and public key
func (r *Registry) Announce() error {
	return protocol.Broadcast(r.sender, mcast.ChannelGeneral, protocol.ClientAnnounce, &protocol.Announce{
		AccountID: r.self.AccountID,
		Username:  r.self.Username,
		Locale:    r.self.Locale,
		PublicKey: r.self.Keys.Public(),
	})
}

func (r *Registry) expired(p *Peer, now time.Time) bool {
	return now.Sub(p.LastSeen) > r.cfg.TTL
}

func (r *Registry) handleAnnounce(msg *bus.Message) bool {
	a := &protocol.Announce{}
	if err := msg.Decode(a); err != nil {
		return false
	}
	logger := log.WithField("sender", msg.Sender)

	if a.AccountID.IsZero() || !secure.ValidPublicKey(a.PublicKey) {
		logger.Debugf("peers: malformed announcement")
		return false
	}
	if a.AccountID == r.self.AccountID {
		logger.Warnf("peers: announcement for our own account %s", a.AccountID)
		return false
	}

	return r.observe(msg.Sender, msg.Timestamp, a)
}

// observe adds or refreshes a peer. It returns false for a spoofed announcement.
func (r *Registry) observe(sender string, ts time.Time, a *protocol.Announce) bool {
	r.mu.Lock()
	now := r.clock.Now()

	p, known := r.peers[a.AccountID]
	if known && r.expired(p, now) {
		r.forget(p)
		known = false
	}

	// A live peer stays bound to its address until it expires
	if known && p.Address != sender {
		address, sameKey := p.Address, bytes.Equal(p.PublicKey, a.PublicKey)
		r.mu.Unlock()
		logger := log.WithField("sender", sender)
		if !sameKey {
			logger.Warnf("peers: %s is already live at %s with another key, blocking", a.AccountID, address)
			r.blocker.Block(sender)
			return false
		}
		// Same key: either a replay or the owner restarted on a new port. The latter is
		// accepted once the old binding expires.
		logger.Debugf("peers: %s is already live at %s, ignoring announcement", a.AccountID, address)
		return false
	}

	changed := !known || p.Address != sender || p.Username != a.Username || p.Locale != a.Locale || !bytes.Equal(p.PublicKey, a.PublicKey)
	if !known {
		p = &Peer{
			AccountID: a.AccountID,
			Session:   uuid.New(),
			FirstSeen: ts,
		}
		r.peers[a.AccountID] = p
	}
	if p.Address != sender {
		delete(r.byAddress, p.Address)
	}
	p.Username = a.Username
	p.Locale = a.Locale
	p.PublicKey = a.PublicKey
	p.Address = sender
	if ts.After(p.LastSeen) {
		p.LastSeen = ts
	}
	r.byAddress[sender] = a.AccountID
	snapshot := *p
	r.mu.Unlock()

	if changed {
		r.persist(&snapshot)
	}
	if !known {
		log.WithField("sender", sender).Infof("peers: discovered %s (%s)", snapshot.AccountID, snapshot.Username)
		r.publish(protocol.TopicPeerDiscovered, &snapshot)
	}
	return true
}

// forget removes a peer. Callers hold the lock.
func (r *Registry) forget(p *Peer) {
	delete(r.peers, p.AccountID)
	if r.byAddress[p.Address] == p.AccountID {
		delete(r.byAddress, p.Address)
	}
	delete(r.requested, p.AccountID)
}

func (r *Registry) persist(p *Peer) {
	_, err := r.index.Put(&peer.Metadata{
		AccountID: p.AccountID,
		Username:  p.Username,
		Locale:    p.Locale,
		PublicKey: p.PublicKey,
		Address:   p.Address,
		LastSeen:  p.LastSeen,
	})
	if err != nil {
		log.Errorf("peers: failed to store %s: %v", p.AccountID, err)
	}
}

func (r *Registry) publish(topic string, p *Peer) {
	payload, err := json.Marshal(p)
	if err != nil {
		log.Errorf("peers: failed to encode %s event: %v", topic, err)
		return
	}
	r.notifier.Publish(topic, payload)
}

// Sweep forgets every peer silent for longer than the TTL and returns how many were removed
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	var lost []*Peer
	for _, p := range r.peers {
		if r.expired(p, now) {
			r.forget(p)
			lost = append(lost, p)
		}
	}
	r.mu.Unlock()

	for _, p := range lost {
		log.Infof("peers: lost %s (%s), last seen %v ago", p.AccountID, p.Username, now.Sub(p.LastSeen))
		r.publish(protocol.TopicPeerLost, p)
	}
	return len(lost)
}

// Get returns a live peer
func (r *Registry) Get(a ident.AccountID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[a]
	if !ok || r.expired(p, r.clock.Now()) {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Active lists the live peers ordered by account
func (r *Registry) Active() []*Peer {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if r.expired(p, now) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (r *Registry) AccountAt(addr string) (ident.AccountID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byAddress[addr]
	if !ok {
		return 0, false
	}
	if p := r.peers[a]; p == nil || r.expired(p, r.clock.Now()) {
		return 0, false
	}
	return a, true
}

// PublicKey returns the key of a live peer, or the last stored key of a peer we met before
func (r *Registry) PublicKey(a ident.AccountID) ([]byte, bool) {
	if a == r.self.AccountID {
		return r.self.Keys.Public(), true
	}

	r.mu.RLock()
	p, ok := r.peers[a]
	var key []byte
	if ok {
		key = p.PublicKey
	}
	r.mu.RUnlock()
	if len(key) > 0 {
		return key, true
	}

	has, err := r.index.Has(a)
	if err != nil || !has {
		return nil, false
	}
	md, err := r.index.Get(a)
	if err != nil || len(md.PublicKey) == 0 {
		return nil, false
	}
	return md.PublicKey, true
}

// RequestKey asks a peer for its public key. Requests to the same peer are rate limited.
// The answer arrives later through the bus.
func (r *Registry) RequestKey(a ident.AccountID) error {
	_, err, _ := r.sg.Do(a.String(), func() (interface{}, error) {
		now := r.clock.Now()

		r.mu.Lock()
		last, ok := r.requested[a]
		if ok && now.Sub(last) < r.cfg.KeyRequest {
			r.mu.Unlock()
			return nil, nil
		}
		r.requested[a] = now
		r.mu.Unlock()

		log.Debugf("peers: requesting key of %s", a)
		return nil, r.sendKeyExchange(a, false)
	})
	return err
}

func (r *Registry) sendKeyExchange(to ident.AccountID, reply bool) error {
	return protocol.Broadcast(r.sender, mcast.ChannelGeneral, protocol.ClientKeyExchange, &protocol.KeyExchange{
		From:      r.self.AccountID,
		To:        to,
		PublicKey: r.self.Keys.Public(),
		Reply:     reply,
	})
}

func (r *Registry) handleKeyExchange(msg *bus.Message) bool {
	kx := &protocol.KeyExchange{}
	if err := msg.Decode(kx); err != nil {
		return false
	}
	if kx.To != r.self.AccountID {
		return true
	}
	if !secure.ValidPublicKey(kx.PublicKey) {
		return false
	}
	if !protocol.CheckSender(r, r.blocker, msg.Sender, kx.From) {
		return false
	}

	r.mu.Lock()
	p, ok := r.peers[kx.From]
	if ok && len(p.PublicKey) > 0 && !bytes.Equal(p.PublicKey, kx.PublicKey) {
		r.mu.Unlock()
		log.WithField("sender", msg.Sender).Warnf("peers: key exchange from %s with a key that differs from its announcement", kx.From)
		return false
	}
	if ok {
		p.PublicKey = kx.PublicKey
	}
	r.mu.Unlock()

	if !kx.Reply {
		if err := r.sendKeyExchange(kx.From, true); err != nil {
			log.Warnf("peers: failed to answer key request of %s: %v", kx.From, err)
		}
	}
	return true
}
