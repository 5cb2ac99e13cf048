package protocol

import (
	"fmt"

	"peerbus/bus"
	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/net/mcast"

	log "github.com/sirupsen/logrus"
)

// Publisher sends a datagram on a channel. *mcast.Transport satisfies it.
type Publisher interface {
	Publish(ch mcast.Channel, typeTag uint32, payload []byte) error
}

// Broadcast encodes v as a bus message body and publishes it under the tag of name.
func Broadcast(p Publisher, ch mcast.Channel, name string, v any) error {
	payload, err := bus.Encode(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := p.Publish(ch, uint32(tag.Of(name)), payload); err != nil {
		return fmt.Errorf("publishing %s: %w", name, err)
	}
	return nil
}

// Peers is the view of the peer registry used to check who sent a message.
type Peers interface {
	// AccountAt returns the account announced from a network identity
	AccountAt(addr string) (ident.AccountID, bool)
	// PublicKey returns the session key of an account, if we know it
	PublicKey(a ident.AccountID) ([]byte, bool)
}

type Blocker interface {
	Block(sender string)
}

// CheckSender reports whether claimed is the account announced from sender.
// A sender claiming somebody else's account is blocked. A sender that never announced is dropped without blocking.
func CheckSender(p Peers, b Blocker, sender string, claimed ident.AccountID) bool {
	actual, ok := p.AccountAt(sender)
	if !ok {
		log.WithField("sender", sender).Debugf("protocol: message for %s from unannounced sender", claimed)
		return false
	}
	if actual != claimed {
		log.WithField("sender", sender).Warnf("protocol: %s claims to be %s, blocking", actual, claimed)
		b.Block(sender)
		return false
	}
	return true
}

// VerifySigned checks the sender and the signature of a signed body authored by author.
// Failed verification is logged at debug level and the message is dropped.
func VerifySigned[T any](p Peers, b Blocker, sender string, author ident.AccountID, s *Signed[T]) bool {
	if !CheckSender(p, b, sender, author) {
		return false
	}
	pub, ok := p.PublicKey(author)
	if !ok {
		log.WithField("sender", sender).Debugf("protocol: no key for %s, cannot verify", author)
		return false
	}
	if !s.Verify(pub) {
		log.WithField("sender", sender).Debugf("protocol: bad signature from %s", author)
		return false
	}
	return true
}
