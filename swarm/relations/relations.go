// Package relations replicates friend and block flags between peers.
// Every update carries the full state of one (source, target) pair and is signed by its source.
package relations

import (
	"encoding/json"

	"peerbus/bus"
	"peerbus/datamodel/relation"
	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/net/mcast"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

type Service struct {
	self     ident.AccountID
	keys     *secure.KeyPair
	index    relation.RelationIndex
	peers    protocol.Peers
	sender   protocol.Publisher
	blocker  protocol.Blocker
	notifier *notify.Notifier
}

func New(self ident.AccountID, keys *secure.KeyPair, index relation.RelationIndex, peers protocol.Peers, sender protocol.Publisher, blocker protocol.Blocker, notifier *notify.Notifier) *Service {
	s := &Service{
		self:     self,
		keys:     keys,
		index:    index,
		peers:    peers,
		sender:   sender,
		blocker:  blocker,
		notifier: notifier,
	}

	// Late joiners learn what we think of them
	notifier.Subscribe(protocol.TopicPeerDiscovered, s.onPeerDiscovered)
	return s
}

func (s *Service) Register(b *bus.Bus) {
	b.RegisterHandler(protocol.TagRelationsUpdate, s.handleUpdate)
}

// Set stores our relation towards target and broadcasts it
func (s *Service) Set(target ident.AccountID, isFriend, isBlocked bool) error {
	r := &relation.Relation{Source: s.self, Target: target, IsFriend: isFriend, IsBlocked: isBlocked}
	if err := s.index.Put(r); err != nil {
		return err
	}
	s.notify(s.self, target)
	return s.broadcast(r)
}

func (s *Service) broadcast(r *relation.Relation) error {
	signed, err := protocol.Sign(s.keys, protocol.RelationUpdate{
		Source:    r.Source,
		Target:    r.Target,
		IsFriend:  r.IsFriend,
		IsBlocked: r.IsBlocked,
	})
	if err != nil {
		return err
	}
	return protocol.Broadcast(s.sender, mcast.ChannelGeneral, protocol.RelationsUpdate, signed)
}

func (s *Service) Get(source, target ident.AccountID) (*relation.Relation, error) {
	return s.index.Get(source, target)
}

// List returns every relation from or towards an account
func (s *Service) List(a ident.AccountID) ([]*relation.Relation, error) {
	out, err := s.index.BySource(a)
	if err != nil {
		return nil, err
	}
	in, err := s.index.ByTarget(a)
	if err != nil {
		return nil, err
	}
	return append(out, in...), nil
}

func (s *Service) handleUpdate(msg *bus.Message) bool {
	signed := &protocol.Signed[protocol.RelationUpdate]{}
	if err := msg.Decode(signed); err != nil {
		return false
	}
	u := signed.Body
	if u.Source.IsZero() || u.Target.IsZero() || u.Source == u.Target {
		return false
	}
	if u.Source == s.self {
		// Only we author our own relations
		return false
	}

	if !protocol.VerifySigned(s.peers, s.blocker, msg.Sender, u.Source, signed) {
		return false
	}

	err := s.index.Put(&relation.Relation{Source: u.Source, Target: u.Target, IsFriend: u.IsFriend, IsBlocked: u.IsBlocked})
	if err != nil {
		log.WithField("sender", msg.Sender).Debugf("relations: dropping update %s -> %s: %v", u.Source, u.Target, err)
		return false
	}

	s.notify(u.Source, u.Target)
	return true
}

// Classify names the topic describing the state of a pair
func Classify(ab, ba *relation.Relation) string {
	switch {
	case ab.IsBlocked || ba.IsBlocked:
		return protocol.TopicRelationBlocked
	case ab.IsFriend && ba.IsFriend:
		return protocol.TopicRelationFriends
	case ab.IsFriend || ba.IsFriend:
		return protocol.TopicRelationRequest
	default:
		return protocol.TopicRelationNeutral
	}
}

// notify announces what the pair looks like in the store now, whatever the update was
func (s *Service) notify(a, b ident.AccountID) {
	ab, err := s.index.Get(a, b)
	if err != nil {
		log.Errorf("relations: failed to read %s -> %s: %v", a, b, err)
		return
	}
	ba, err := s.index.Get(b, a)
	if err != nil {
		log.Errorf("relations: failed to read %s -> %s: %v", b, a, err)
		return
	}

	payload, err := json.Marshal(&protocol.RelationEvent{
		A:    a,
		B:    b,
		AtoB: protocol.RelationUpdate{Source: a, Target: b, IsFriend: ab.IsFriend, IsBlocked: ab.IsBlocked},
		BtoA: protocol.RelationUpdate{Source: b, Target: a, IsFriend: ba.IsFriend, IsBlocked: ba.IsBlocked},
	})
	if err != nil {
		return
	}
	s.notifier.Publish(Classify(ab, ba), payload)
}

func (s *Service) onPeerDiscovered(_ tag.Tag, payload []byte) {
	var p struct {
		AccountID ident.AccountID `json:"account"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	r, err := s.index.Get(s.self, p.AccountID)
	if err != nil || r.Neutral() {
		return
	}
	if err := s.broadcast(r); err != nil {
		log.Warnf("relations: failed to send relation to %s: %v", p.AccountID, err)
	}
}
