package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"peerbus/bus"
	"peerbus/call"
	"peerbus/config"
	"peerbus/datamodel/message"
	"peerbus/datamodel/peer"
	"peerbus/datamodel/presence"
	"peerbus/datamodel/relation"
	"peerbus/helper/tag"
	"peerbus/helper/timer"
	"peerbus/ident"
	"peerbus/net/crpc"
	"peerbus/net/mcast"
	"peerbus/notify"
	"peerbus/secure"
	"peerbus/swarm/matchmaking"
	"peerbus/swarm/messaging"
	"peerbus/swarm/peers"
	presencesvc "peerbus/swarm/presence"
	"peerbus/swarm/relations"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const pruneInterval = time.Minute

// Store is the durable state of a node
type Store struct {
	Queue     message.Queue
	Peers     peer.PeerIndex
	Relations relation.RelationIndex
	Presence  presence.PresenceIndex
}

type Node struct {
	AccountID ident.AccountID
	Keys      *secure.KeyPair

	cfg   *config.Config
	clock clock.Clock
	store *Store

	// Layers
	Transport *mcast.Transport
	Bus       *bus.Bus
	Calls     *call.Registry
	Notifier  *notify.Notifier
	Scheduler *timer.Scheduler
	RpcServer *crpc.Server

	// Services
	Peers       *peers.Registry
	Matchmaking *matchmaking.Directory
	Relations   *relations.Service
	Presence    *presencesvc.Service
	Messaging   *messaging.Service
}

// New wires every layer and service. A nil network runs the node without networking.
func New(cfg *config.Config, keys *secure.KeyPair, store *Store, network mcast.Network, clk clock.Clock) (*Node, error) {
	if clk == nil {
		clk = clock.New()
	}

	n := &Node{
		AccountID: cfg.Node.AccountID,
		Keys:      keys,
		cfg:       cfg,
		clock:     clk,
		store:     store,
		Notifier:  notify.New(),
		Calls:     call.NewRegistry(call.DefaultRetained),
		Scheduler: timer.NewScheduler(clk, 10*time.Millisecond),
	}

	if !cfg.Network.Enabled {
		network = nil
	}
	layout := mcast.Layout{
		GroupPrefix: cfg.Network.GroupPrefix,
		PortBase:    cfg.Network.PortBase,
		Seed:        cfg.Network.ChannelSeed,
	}
	n.Transport = mcast.New(network, layout, cfg.Network.PollBudget, mcast.SinkFunc(n.deliver))
	n.Bus = bus.New(store.Queue, clk, 0)

	var err error
	n.Peers, err = peers.New(peers.Self{
		AccountID: cfg.Node.AccountID,
		Username:  cfg.Node.Username,
		Locale:    cfg.Node.Locale,
		Keys:      keys,
	}, peers.Config{
		TTL:        cfg.Timers.PeerTTL.D(),
		KeyRequest: cfg.Timers.KeyRequest.D(),
	}, clk, store.Peers, n.Transport, n.Bus, n.Notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to store own peer record: %w", err)
	}

	n.Matchmaking = matchmaking.New(n.AccountID, keys, cfg.Timers.SessionTTL.D(), clk, n.Peers, n.Transport, n.Bus, n.Notifier)
	n.Relations = relations.New(n.AccountID, keys, store.Relations, n.Peers, n.Transport, n.Bus, n.Notifier)
	n.Presence = presencesvc.New(n.AccountID, store.Presence, n.Peers, n.Transport, n.Bus)
	n.Messaging = messaging.New(n.AccountID, keys, clk, n.Peers, n.Transport, n.Bus, n.Notifier)

	n.Peers.Register(n.Bus)
	n.Matchmaking.Register(n.Bus)
	n.Relations.Register(n.Bus)
	n.Presence.Register(n.Bus)
	n.Messaging.Register(n.Bus)

	n.registerEndpoints()
	n.scheduleTasks()

	if network != nil {
		for _, ch := range mcast.DefaultChannels {
			if err := n.Transport.JoinChannel(ch); err != nil {
				// The transport is now disabled; the node keeps running without peers
				log.Errorf("Failed to join %s, continuing without networking: %v", ch, err)
				break
			}
		}
	} else {
		log.Warn("Networking is disabled")
	}

	log.Infof("I am %s (%s)", n.AccountID, cfg.Node.Username)
	return n, nil
}

// deliver routes inbound datagrams: the plugin channel is ephemeral, everything else is queued.
func (n *Node) deliver(ch mcast.Channel, sender string, typeTag uint32, payload []byte) {
	if ch == mcast.ChannelPlugin {
		if n.Bus.IsBlocked(sender) {
			log.WithField("sender", sender).Debugf("Dropping plugin datagram %08x from blocked sender", typeTag)
			return
		}
		n.Notifier.PublishTag(tag.Tag(typeTag), payload)
		return
	}

	err := n.Bus.Ingest(sender, tag.Tag(typeTag), n.clock.Now(), payload)
	if errors.Is(err, bus.ErrBlocked) {
		log.WithField("sender", sender).Debugf("Dropping datagram %08x from blocked sender", typeTag)
	}
}

// networked skips a task while networking is down
func (n *Node) networked(fn func() error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !n.Transport.Enabled() {
			return nil
		}
		return fn()
	}
}

func (n *Node) scheduleTasks() {
	t := &n.cfg.Timers

	n.Scheduler.Add("mcast.Poll", timer.Interval{Duration: t.Poll.D()}, func(ctx context.Context) error {
		n.Transport.Poll()
		return nil
	})
	n.Scheduler.Add("bus.Drain", timer.Interval{Duration: t.Drain.D()}, func(ctx context.Context) error {
		res, err := n.Bus.Drain()
		if err != nil {
			return err
		}
		if res.Processed+res.Deleted > 0 {
			log.Debugf("Drained %d messages, %d rejected", res.Processed, res.Deleted)
		}
		return nil
	})
	n.Scheduler.Add("peers.Announce", timer.Interval{Duration: t.Announce.D(), Jitter: t.Announce.D() / 10}, n.networked(n.Peers.Announce))
	n.Scheduler.Add("peers.Sweep", timer.Interval{Duration: t.Sweep.D()}, func(ctx context.Context) error {
		n.Peers.Sweep()
		return nil
	})
	n.Scheduler.Add("matchmaking.Announce", timer.Interval{Duration: t.Sweep.D()}, n.networked(n.Matchmaking.AnnounceIfDue))
	n.Scheduler.Add("matchmaking.Sweep", timer.Interval{Duration: t.Sweep.D()}, func(ctx context.Context) error {
		n.Matchmaking.Sweep()
		return nil
	})
	n.Scheduler.Add("presence.Refresh", timer.Interval{Duration: t.PresenceRefresh.D(), Jitter: t.PresenceRefresh.D() / 10}, n.networked(n.Presence.Refresh))
	n.Scheduler.Add("bus.Prune", timer.Interval{Duration: pruneInterval}, func(ctx context.Context) error {
		pruned, err := n.Bus.Prune(t.QueueRetention.D())
		if pruned > 0 {
			log.Debugf("Pruned %d processed messages", pruned)
		}
		return err
	})
}

// ListenRPC exposes the call layer on a listener. It is served by Run.
func (n *Node) ListenRPC(l net.Listener) {
	n.RpcServer = crpc.NewServer(l, n.Calls)
	log.Infof("Call layer listening on %s", n.RpcServer.Addr())
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Scheduler.Run(cctx)
	})

	if n.RpcServer != nil {
		wg.Go(func() error {
			return n.RpcServer.Serve(cctx)
		})
	}

	err := wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close leaves every channel. The store is owned by the caller.
func (n *Node) Close() error {
	var err error
	if _, hosting := n.Matchmaking.Local(); hosting && n.Transport.Enabled() {
		err = multierr.Append(err, n.Matchmaking.Terminate())
	}
	return multierr.Append(err, n.Transport.Close())
}
