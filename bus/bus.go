// Package bus is the durable inbound message queue. Every payload is persisted before it is
// dispatched, so a crash between receipt and processing leads to redelivery rather than loss.
package bus

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerbus/datamodel/message"
	"peerbus/helper/tag"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

const DefaultDrainBatch = 64

var ErrBlocked = errors.New("sender is blocked")

// Message is a decoded record handed to handlers.
type Message struct {
	ID        uint64
	Type      tag.Tag
	Timestamp time.Time
	Sender    string // Transport observed network identity
	Body      []byte // JSON document
}

func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Handler processes a message. Returning false rejects the record, which deletes it for every handler.
type Handler func(msg *Message) bool

// Encode produces the wire form of a message body: base64 of its JSON encoding.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// decode reverses Encode and checks the document is well formed JSON
func decode(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

type DrainResult struct {
	Processed int
	Deleted   int
}

type Bus struct {
	queue message.Queue
	clock clock.Clock
	batch int

	mu       sync.RWMutex
	handlers map[tag.Tag][]Handler
	blocked  map[string]time.Time
}

func New(queue message.Queue, clk clock.Clock, batch int) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	if batch <= 0 {
		batch = DefaultDrainBatch
	}
	return &Bus{
		queue:    queue,
		clock:    clk,
		batch:    batch,
		handlers: make(map[tag.Tag][]Handler),
		blocked:  make(map[string]time.Time),
	}
}

// RegisterHandler adds a handler for a message type. Several handlers per type are allowed.
func (b *Bus) RegisterHandler(t tag.Tag, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Block discards every future message from a network identity.
func (b *Bus) Block(sender string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blocked[sender]; !ok {
		log.WithField("sender", sender).Warn("bus: blocking sender")
		b.blocked[sender] = b.clock.Now()
	}
}

func (b *Bus) IsBlocked(sender string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[sender]
	return ok
}

// Ingest appends a new unprocessed record.
func (b *Bus) Ingest(sender string, t tag.Tag, ts time.Time, payload []byte) error {
	if b.IsBlocked(sender) {
		return ErrBlocked
	}
	_, err := b.queue.Append(&message.Record{
		Type:      uint32(t),
		Timestamp: ts,
		Sender:    sender,
		Message:   string(payload),
	})
	if err != nil {
		log.WithField("sender", sender).Errorf("bus: failed to persist message: %v", err)
	}
	return err
}

func (b *Bus) handlersFor(t tag.Tag) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[t]...)
}

// dispatch runs every handler and reports whether all of them accepted the message.
// A panicking handler counts as a rejection.
func dispatch(hs []Handler, msg *Message) (ok bool) {
	ok = true
	for _, h := range hs {
		accepted := func() (accepted bool) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("bus: handler panic on message %d: %v", msg.ID, r)
					accepted = false
				}
			}()
			return h(msg)
		}()
		ok = ok && accepted
	}
	return ok
}

// Drain dispatches up to one batch of the oldest unprocessed records.
func (b *Bus) Drain() (*DrainResult, error) {
	recs, err := b.queue.Unprocessed(b.batch)
	if err != nil {
		return nil, err
	}

	res := &DrainResult{}
	for _, r := range recs {
		logger := log.WithField("sender", r.Sender).WithField("row", r.RowID)

		body, err := decode(r.Message)
		accepted := err == nil
		if err != nil {
			logger.Debugf("bus: dropping undecodable message: %v", err)
		} else if b.IsBlocked(r.Sender) {
			accepted = false
		} else {
			accepted = dispatch(b.handlersFor(tag.Tag(r.Type)), &Message{
				ID:        r.RowID,
				Type:      tag.Tag(r.Type),
				Timestamp: r.Timestamp,
				Sender:    r.Sender,
				Body:      body,
			})
		}

		if accepted {
			if err := b.queue.MarkProcessed(r.RowID); err != nil {
				logger.Errorf("bus: failed to mark message processed: %v", err)
				continue
			}
			res.Processed++
		} else {
			if err := b.queue.Delete(r.RowID); err != nil {
				logger.Errorf("bus: failed to delete rejected message: %v", err)
				continue
			}
			res.Deleted++
		}
	}

	return res, nil
}

// Prune removes processed records older than retention
func (b *Bus) Prune(retention time.Duration) (int, error) {
	return b.queue.PruneProcessed(b.clock.Now().Add(-retention))
}
