// Package messaging sends encrypted direct messages between peers.
// Messages are broadcast on the general channel; only the recipient holds the key to read them.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"peerbus/bus"
	"peerbus/ident"
	"peerbus/net/mcast"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/protocol"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

// ErrKeyUnavailable is returned when the recipient's key is unknown. A key request has been sent;
// the caller should retry once the key arrives.
var ErrKeyUnavailable = errors.New("recipient key unavailable")

// KeySource is the part of the peer registry messaging needs
type KeySource interface {
	protocol.Peers
	RequestKey(a ident.AccountID) error
}

type Service struct {
	self     ident.AccountID
	keys     *secure.KeyPair
	clock    clock.Clock
	peers    KeySource
	sender   protocol.Publisher
	blocker  protocol.Blocker
	notifier *notify.Notifier
}

func New(self ident.AccountID, keys *secure.KeyPair, clk clock.Clock, peers KeySource, sender protocol.Publisher, blocker protocol.Blocker, notifier *notify.Notifier) *Service {
	return &Service{
		self:     self,
		keys:     keys,
		clock:    clk,
		peers:    peers,
		sender:   sender,
		blocker:  blocker,
		notifier: notifier,
	}
}

func (s *Service) Register(b *bus.Bus) {
	b.RegisterHandler(protocol.TagMessagingDirect, s.handleDirect)
}

// Send encrypts body for a peer and broadcasts it. It never waits for a missing key.
func (s *Service) Send(to ident.AccountID, body []byte) error {
	pub, ok := s.peers.PublicKey(to)
	if !ok {
		if err := s.peers.RequestKey(to); err != nil {
			log.Warnf("messaging: key request for %s failed: %v", to, err)
		}
		return ErrKeyUnavailable
	}

	key, err := s.keys.SharedKey(pub)
	if err != nil {
		return err
	}
	box, err := secure.Seal(key, body)
	if err != nil {
		return fmt.Errorf("sealing message: %w", err)
	}

	return protocol.Broadcast(s.sender, mcast.ChannelGeneral, protocol.MessagingDirect, &protocol.Direct{
		From: s.self,
		To:   to,
		Box:  box,
		Sent: s.clock.Now().UnixMilli(),
	})
}

func (s *Service) handleDirect(msg *bus.Message) bool {
	d := &protocol.Direct{}
	if err := msg.Decode(d); err != nil || d.Box == nil {
		return false
	}
	if d.To != s.self {
		// Somebody else's mail
		return true
	}
	if !protocol.CheckSender(s.peers, s.blocker, msg.Sender, d.From) {
		return false
	}

	pub, ok := s.peers.PublicKey(d.From)
	if !ok {
		s.peers.RequestKey(d.From)
		return false
	}
	key, err := s.keys.SharedKey(pub)
	if err != nil {
		return false
	}

	body, err := secure.Open(key, d.Box)
	if err != nil {
		// No answer to the sender on purpose
		log.WithField("sender", msg.Sender).Debugf("messaging: dropping message from %s: %v", d.From, err)
		return false
	}

	payload, err := json.Marshal(&protocol.MessageEvent{From: d.From, Body: body, Sent: d.Sent})
	if err != nil {
		return false
	}
	s.notifier.Publish(protocol.TopicMessageReceived, payload)
	return true
}
