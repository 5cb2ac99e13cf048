// Package mcast implements the multicast transport.
// Publish: a tagged datagram is sent to the multicast group of a channel.
// Poll: pending datagrams of every joined channel are read without blocking, our own broadcasts
// are filtered out and the rest is handed to a Sink.
package mcast

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	log "github.com/sirupsen/logrus"
)

const (
	MaxDatagramSize   = 65507
	DefaultPollBudget = 64
)

var ErrNetworkDisabled = errors.New("networking is disabled")
var ErrNotJoined = errors.New("channel not joined")

// PacketReader is the receive side of a joined channel. *net.UDPConn satisfies it.
type PacketReader interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// PacketSender is the shared send socket. *net.UDPConn satisfies it.
type PacketSender interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Network opens sockets. It is replaced by an in-memory implementation in tests.
type Network interface {
	ListenGroup(group *net.UDPAddr) (PacketReader, error)
	ListenSender() (PacketSender, error)
}

// Sink receives every datagram that is not our own.
type Sink interface {
	Deliver(ch Channel, sender string, typeTag uint32, payload []byte)
}

type SinkFunc func(ch Channel, sender string, typeTag uint32, payload []byte)

func (f SinkFunc) Deliver(ch Channel, sender string, typeTag uint32, payload []byte) {
	f(ch, sender, typeTag, payload)
}

type channelState struct {
	group  *net.UDPAddr
	reader PacketReader
}

type Transport struct {
	network Network
	layout  Layout
	budget  int
	session uint32
	sink    Sink

	mu       sync.Mutex
	disabled bool
	sender   PacketSender
	channels map[Channel]*channelState
	joined   []Channel // Join order, which is also the poll order
	selfAddr string
	buf      []byte
}

func randomSession() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Fatalf("mcast: failed to generate session id: %v", err)
	}
	return binary.BigEndian.Uint32(b[:])
}

func New(network Network, layout Layout, budget int, sink Sink) *Transport {
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	t := &Transport{
		network:  network,
		layout:   layout,
		budget:   budget,
		session:  randomSession(),
		sink:     sink,
		channels: make(map[Channel]*channelState),
		buf:      make([]byte, MaxDatagramSize),
	}
	if network == nil {
		t.disabled = true
	}
	return t
}

// Session returns the random tag embedded in every datagram we send
func (t *Transport) Session() uint32 {
	return t.session
}

// Enabled reports whether networking is available. Callers must not assume connectivity otherwise.
func (t *Transport) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disabled
}

// SelfAddress is the address our own datagrams were observed from, once one has looped back.
func (t *Transport) SelfAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfAddr
}

// LocalAddress is the address of the send socket, i.e. our sender identity as seen by peers on the same host.
func (t *Transport) LocalAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sender == nil {
		return ""
	}
	return t.sender.LocalAddr().String()
}

func (t *Transport) disable(reason error) {
	log.Errorf("mcast: disabling networking: %v", reason)
	t.disabled = true
	for ch, st := range t.channels {
		st.reader.Close()
		delete(t.channels, ch)
	}
	t.joined = nil
	if t.sender != nil {
		t.sender.Close()
		t.sender = nil
	}
}

// JoinChannel opens the receive socket of a channel, and the shared send socket on first use.
// Any socket failure disables networking for the whole process.
func (t *Transport) JoinChannel(ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disabled {
		return ErrNetworkDisabled
	}
	if _, ok := t.channels[ch]; ok {
		return nil
	}

	if t.sender == nil {
		s, err := t.network.ListenSender()
		if err != nil {
			err = fmt.Errorf("open send socket: %w", err)
			t.disable(err)
			return err
		}
		t.sender = s
	}

	group := t.layout.Group(ch)
	r, err := t.network.ListenGroup(group)
	if err != nil {
		err = fmt.Errorf("join %s at %s: %w", ch, group, err)
		t.disable(err)
		return err
	}

	t.channels[ch] = &channelState{group: group, reader: r}
	t.joined = append(t.joined, ch)
	log.Infof("mcast: joined channel %s at %s", ch, group)
	return nil
}

func (t *Transport) Publish(ch Channel, typeTag uint32, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disabled {
		return ErrNetworkDisabled
	}
	st, ok := t.channels[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, ch)
	}

	d := &Datagram{Session: t.session, Type: typeTag, Payload: payload}
	buf, _ := d.MarshalBinary()
	if len(buf) > MaxDatagramSize {
		return fmt.Errorf("mcast: datagram too large (%d bytes)", len(buf))
	}

	if _, err := t.sender.WriteTo(buf, st.group); err != nil {
		return err
	}
	return nil
}

type received struct {
	ch     Channel
	sender string
	d      Datagram
}

// Poll drains up to the budget of pending datagrams per joined channel without blocking.
// The sink is called after the transport lock is released.
func (t *Transport) Poll() int {
	t.mu.Lock()
	if t.disabled {
		t.mu.Unlock()
		return 0
	}

	var batch []received
	for _, ch := range t.joined {
		st := t.channels[ch]
		for i := 0; i < t.budget; i++ {
			st.reader.SetReadDeadline(time.Now())
			n, from, err := st.reader.ReadFrom(t.buf)
			if err != nil {
				var ne net.Error
				if !errors.As(err, &ne) || !ne.Timeout() {
					log.Warnf("mcast: read on %s failed: %v", ch, err)
				}
				break
			}

			var d Datagram
			if err := d.UnmarshalBinary(t.buf[:n]); err != nil {
				log.Debugf("mcast: dropping datagram from %s on %s: %v", from, ch, err)
				continue
			}

			if d.IsFrom(t.session) {
				if t.selfAddr == "" && from != nil {
					t.selfAddr = from.String()
					log.Infof("mcast: own datagrams observed from %s", t.selfAddr)
				}
				continue
			}

			sender := ""
			if from != nil {
				sender = from.String()
			}
			batch = append(batch, received{ch: ch, sender: sender, d: d})
		}
	}
	t.mu.Unlock()

	for _, r := range batch {
		t.sink.Deliver(r.ch, r.sender, r.d.Type, r.d.Payload)
	}
	return len(batch)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	for ch, st := range t.channels {
		if cerr := st.reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(t.channels, ch)
	}
	t.joined = nil
	if t.sender != nil {
		if cerr := t.sender.Close(); cerr != nil && err == nil {
			err = cerr
		}
		t.sender = nil
	}
	t.disabled = true
	return err
}

// UDPNetwork opens real multicast sockets.
type UDPNetwork struct {
	Interface *net.Interface // nil selects the system default
	TTL       int
}

func (u *UDPNetwork) ListenGroup(group *net.UDPAddr) (PacketReader, error) {
	c, err := net.ListenMulticastUDP("udp4", u.Interface, group)
	if err != nil {
		return nil, err
	}
	c.SetReadBuffer(1 << 20)
	return c, nil
}

func (u *UDPNetwork) ListenSender() (PacketSender, error) {
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}

	// Loopback lets us see our own datagrams, which is how the external address is learned
	p := ipv4.NewPacketConn(c)
	if err := p.SetMulticastLoopback(true); err != nil {
		log.Warnf("mcast: failed to enable multicast loopback: %v", err)
	}
	if u.TTL > 0 {
		if err := p.SetMulticastTTL(u.TTL); err != nil {
			log.Warnf("mcast: failed to set multicast TTL: %v", err)
		}
	}
	if u.Interface != nil {
		if err := p.SetMulticastInterface(u.Interface); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}
