package node

import (
	"errors"

	"peerbus/call"
	"peerbus/datamodel/message"
	"peerbus/datamodel/relation"
	"peerbus/helper/tag"
	"peerbus/ident"
	"peerbus/net/mcast"
	"peerbus/swarm/peers"
	"peerbus/swarm/protocol"
)

// Request and response documents of the built-in endpoints. Keys are names so
// that callers can build requests from JSON.

type Empty struct{}

type Info struct {
	AccountID    ident.AccountID `cbor:"account"`
	Username     string          `cbor:"username"`
	Locale       string          `cbor:"locale"`
	PublicKey    []byte          `cbor:"key"`
	Networking   bool            `cbor:"networking"`
	Session      uint32          `cbor:"session"`
	LocalAddress string          `cbor:"localAddress,omitempty"`
	SelfAddress  string          `cbor:"selfAddress,omitempty"`
	Queue        *message.Stats  `cbor:"queue,omitempty"`
	Endpoints    []string        `cbor:"endpoints"`
}

type PeerList struct {
	Peers []*peers.Peer `cbor:"peers"`
}

type PluginBroadcast struct {
	Topic   string `cbor:"topic"`
	Payload []byte `cbor:"payload"`
}

type SessionQuery struct {
	Provider string `cbor:"provider"`
}

type SessionList struct {
	Local    *protocol.Session   `cbor:"local,omitempty"`
	Sessions []*protocol.Session `cbor:"sessions"`
}

type RelationSet struct {
	Target    ident.AccountID `cbor:"target"`
	IsFriend  bool            `cbor:"isFriend"`
	IsBlocked bool            `cbor:"isBlocked"`
}

type RelationQuery struct {
	Source ident.AccountID `cbor:"source"`
	Target ident.AccountID `cbor:"target"`
}

type RelationListQuery struct {
	Account ident.AccountID `cbor:"account"`
}

type RelationList struct {
	Relations []*protocol.RelationUpdate `cbor:"relations"`
}

type PresenceSet struct {
	Provider string            `cbor:"provider"`
	Values   map[string]string `cbor:"values"`
}

type PresenceDelete struct {
	Provider string   `cbor:"provider"`
	Keys     []string `cbor:"keys"`
}

type PresenceQuery struct {
	Account  uint32 `cbor:"account"`
	Provider string `cbor:"provider"`
}

type PresenceValue struct {
	Provider string `cbor:"provider"`
	Key      string `cbor:"key"`
	Value    string `cbor:"value"`
}

type PresenceList struct {
	Values []*PresenceValue `cbor:"values"`
}

type DirectMessage struct {
	To   ident.AccountID `cbor:"to"`
	Body []byte          `cbor:"body"`
}

func relationView(r *relation.Relation) *protocol.RelationUpdate {
	return &protocol.RelationUpdate{Source: r.Source, Target: r.Target, IsFriend: r.IsFriend, IsBlocked: r.IsBlocked}
}

func (n *Node) registerEndpoints() {
	c := n.Calls

	c.AddEndpoint("node.info", call.Typed(func(*Empty) (*Info, error) {
		info := &Info{
			AccountID:    n.AccountID,
			Username:     n.cfg.Node.Username,
			Locale:       n.cfg.Node.Locale,
			PublicKey:    n.Keys.Public(),
			Networking:   n.Transport.Enabled(),
			Session:      n.Transport.Session(),
			LocalAddress: n.Transport.LocalAddress(),
			SelfAddress:  n.Transport.SelfAddress(),
			Endpoints:    n.Calls.Endpoints(),
		}
		if stats, err := n.store.Queue.Stats(); err == nil {
			info.Queue = stats
		}
		return info, nil
	}))

	c.AddEndpoint("peers.list", call.Typed(func(*Empty) (*PeerList, error) {
		return &PeerList{Peers: n.Peers.Active()}, nil
	}))

	c.AddEndpoint("plugins.broadcast", call.Typed(func(req *PluginBroadcast) (*Empty, error) {
		if req.Topic == "" {
			return nil, errors.New("topic is required")
		}
		return &Empty{}, n.Transport.Publish(mcast.ChannelPlugin, uint32(tag.Of(req.Topic)), req.Payload)
	}))

	c.AddEndpoint("matchmaking.list", call.Typed(func(req *SessionQuery) (*SessionList, error) {
		res := &SessionList{Sessions: n.Matchmaking.Active(req.Provider)}
		if local, ok := n.Matchmaking.Local(); ok {
			res.Local = local
		}
		return res, nil
	}))

	c.AddEndpoint("matchmaking.host", call.Typed(func(req *protocol.Session) (*Empty, error) {
		if req.Provider == "" {
			return nil, errors.New("provider is required")
		}
		return &Empty{}, n.Matchmaking.Host(*req)
	}))

	c.AddEndpoint("matchmaking.terminate", call.Typed(func(*Empty) (*Empty, error) {
		return &Empty{}, n.Matchmaking.Terminate()
	}))

	c.AddEndpoint("relations.set", call.Typed(func(req *RelationSet) (*Empty, error) {
		if req.Target.IsZero() || req.Target == n.AccountID {
			return nil, errors.New("invalid target")
		}
		return &Empty{}, n.Relations.Set(req.Target, req.IsFriend, req.IsBlocked)
	}))

	c.AddEndpoint("relations.get", call.Typed(func(req *RelationQuery) (*protocol.RelationUpdate, error) {
		if req.Source.IsZero() {
			req.Source = n.AccountID
		}
		r, err := n.Relations.Get(req.Source, req.Target)
		if err != nil {
			return nil, err
		}
		return relationView(r), nil
	}))

	c.AddEndpoint("relations.list", call.Typed(func(req *RelationListQuery) (*RelationList, error) {
		if req.Account.IsZero() {
			req.Account = n.AccountID
		}
		rs, err := n.Relations.List(req.Account)
		if err != nil {
			return nil, err
		}
		res := &RelationList{Relations: make([]*protocol.RelationUpdate, 0, len(rs))}
		for _, r := range rs {
			res.Relations = append(res.Relations, relationView(r))
		}
		return res, nil
	}))

	c.AddEndpoint("presence.set", call.Typed(func(req *PresenceSet) (*Empty, error) {
		return &Empty{}, n.Presence.Set(req.Provider, req.Values)
	}))

	c.AddEndpoint("presence.delete", call.Typed(func(req *PresenceDelete) (*Empty, error) {
		return &Empty{}, n.Presence.Delete(req.Provider, req.Keys)
	}))

	c.AddEndpoint("presence.get", call.Typed(func(req *PresenceQuery) (*PresenceList, error) {
		if req.Account == 0 {
			req.Account = n.AccountID.UserID()
		}
		items, err := n.Presence.Get(req.Account, req.Provider)
		if err != nil {
			return nil, err
		}
		res := &PresenceList{Values: make([]*PresenceValue, 0, len(items))}
		for _, it := range items {
			res.Values = append(res.Values, &PresenceValue{Provider: it.Provider, Key: it.Key.Key, Value: it.Value})
		}
		return res, nil
	}))

	c.AddEndpoint("messaging.send", call.Typed(func(req *DirectMessage) (*Empty, error) {
		return &Empty{}, n.Messaging.Send(req.To, req.Body)
	}))
}
