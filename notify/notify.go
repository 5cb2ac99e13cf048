// Package notify is the in-process pub/sub layer.
// Subscribers are called synchronously by Publish, on the publishing goroutine.
package notify

import (
	"sync"

	"peerbus/helper/tag"

	log "github.com/sirupsen/logrus"
)

// Callback receives the topic and its payload. The payload must not be retained after return.
type Callback func(topic tag.Tag, payload []byte)

// Subscription identifies a registered callback for Unsubscribe
type Subscription uint64

type subscriber struct {
	id Subscription
	cb Callback
}

type Notifier struct {
	mu     sync.RWMutex
	nextID Subscription
	topics map[tag.Tag][]subscriber
}

func New() *Notifier {
	return &Notifier{topics: make(map[tag.Tag][]subscriber)}
}

// Subscribe registers cb under a topic name
func (n *Notifier) Subscribe(topic string, cb Callback) Subscription {
	return n.SubscribeTag(tag.Of(topic), cb)
}

func (n *Notifier) SubscribeTag(topic tag.Tag, cb Callback) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.topics[topic] = append(n.topics[topic], subscriber{id: n.nextID, cb: cb})
	return n.nextID
}

// Unsubscribe removes a subscription. It reports whether anything was removed.
func (n *Notifier) Unsubscribe(topic string, id Subscription) bool {
	return n.UnsubscribeTag(tag.Of(topic), id)
}

func (n *Notifier) UnsubscribeTag(topic tag.Tag, id Subscription) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.topics[topic]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy so that a Publish iterating the old slice is unaffected
		rest := make([]subscriber, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(n.topics, topic)
		} else {
			n.topics[topic] = rest
		}
		return true
	}
	return false
}

// Publish calls every subscriber of the topic in subscription order and returns how many were called
func (n *Notifier) Publish(topic string, payload []byte) int {
	return n.PublishTag(tag.Of(topic), payload)
}

func (n *Notifier) PublishTag(topic tag.Tag, payload []byte) int {
	n.mu.RLock()
	subs := n.topics[topic]
	n.mu.RUnlock()

	for _, s := range subs {
		n.call(topic, s, payload)
	}
	return len(subs)
}

func (n *Notifier) call(topic tag.Tag, s subscriber, payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("notify: subscriber %d of topic %08x panicked: %v", s.id, uint32(topic), p)
		}
	}()
	s.cb(topic, payload)
}

// Subscribers returns the number of subscriptions for a topic
func (n *Notifier) Subscribers(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.topics[tag.Of(topic)])
}
