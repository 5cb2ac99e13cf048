// Package presence replicates per-account key/value presence data.
// Changes travel in batches; the whole local state is re-sent on every refresh.
package presence

import (
	"errors"

	"peerbus/bus"
	"peerbus/datamodel/presence"
	"peerbus/ident"
	"peerbus/net/mcast"
	"peerbus/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

var ErrEmptyProvider = errors.New("presence provider is empty")

type Service struct {
	self    ident.AccountID
	index   presence.PresenceIndex
	peers   protocol.Peers
	sender  protocol.Publisher
	blocker protocol.Blocker
}

func New(self ident.AccountID, index presence.PresenceIndex, peers protocol.Peers, sender protocol.Publisher, blocker protocol.Blocker) *Service {
	return &Service{
		self:    self,
		index:   index,
		peers:   peers,
		sender:  sender,
		blocker: blocker,
	}
}

func (s *Service) Register(b *bus.Bus) {
	b.RegisterHandler(protocol.TagPresenceUpdate, s.handleUpdate)
}

// Set inserts or replaces values of the local account under a provider
func (s *Service) Set(provider string, values map[string]string) error {
	if provider == "" {
		return ErrEmptyProvider
	}
	items := make([]*presence.Item, 0, len(values))
	for k, v := range values {
		items = append(items, &presence.Item{
			Key:   presence.Key{AccountID: s.self.UserID(), Provider: provider, Key: k},
			Value: v,
		})
	}
	if err := s.index.Put(items); err != nil {
		return err
	}
	return s.broadcast(&protocol.PresenceBatch{AccountID: s.self, Set: items})
}

// Delete removes values of the local account
func (s *Service) Delete(provider string, keys []string) error {
	if provider == "" {
		return ErrEmptyProvider
	}
	del := make([]*presence.Key, 0, len(keys))
	for _, k := range keys {
		del = append(del, &presence.Key{AccountID: s.self.UserID(), Provider: provider, Key: k})
	}
	if err := s.index.Delete(del); err != nil {
		return err
	}
	return s.broadcast(&protocol.PresenceBatch{AccountID: s.self, Delete: del})
}

// Get lists the values of an account. An empty provider matches every provider.
func (s *Service) Get(account uint32, provider string) ([]*presence.Item, error) {
	return s.index.Get(account, provider)
}

// Refresh re-sends the whole local state
func (s *Service) Refresh() error {
	items, err := s.index.Get(s.self.UserID(), "")
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return s.broadcast(&protocol.PresenceBatch{AccountID: s.self, Set: items})
}

func (s *Service) broadcast(b *protocol.PresenceBatch) error {
	return protocol.Broadcast(s.sender, mcast.ChannelGeneral, protocol.PresenceUpdate, b)
}

func (s *Service) handleUpdate(msg *bus.Message) bool {
	b := &protocol.PresenceBatch{}
	if err := msg.Decode(b); err != nil {
		return false
	}
	if b.AccountID == s.self {
		return false
	}
	if !protocol.CheckSender(s.peers, s.blocker, msg.Sender, b.AccountID) {
		return false
	}

	// Every entry must belong to the announcing account
	user := b.AccountID.UserID()
	for _, it := range b.Set {
		if it == nil || it.AccountID != user || it.Provider == "" {
			return false
		}
	}
	for _, k := range b.Delete {
		if k == nil || k.AccountID != user || k.Provider == "" {
			return false
		}
	}

	if len(b.Delete) > 0 {
		if err := s.index.Delete(b.Delete); err != nil {
			log.Errorf("presence: failed to delete %d values of %s: %v", len(b.Delete), b.AccountID, err)
			return false
		}
	}
	if len(b.Set) > 0 {
		if err := s.index.Put(b.Set); err != nil {
			log.Errorf("presence: failed to store %d values of %s: %v", len(b.Set), b.AccountID, err)
			return false
		}
	}
	return true
}
