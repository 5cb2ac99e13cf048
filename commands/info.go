package commands

import (
	"context"
	"time"

	"peerbus/config"
	"peerbus/datastore/leveldb"
	"peerbus/swarm/client"
	"peerbus/swarm/node"

	log "github.com/sirupsen/logrus"
)

// liveInfo asks a running node through its call layer. It reports false when no node answers.
func liveInfo(ctx context.Context, cfg *config.Config) bool {
	if cfg.Network.RpcListen == "" {
		return false
	}
	c, err := client.Dial(cfg.Network.RpcListen)
	if err != nil {
		log.Debugf("No node listening on %s: %v", cfg.Network.RpcListen, err)
		return false
	}
	defer c.Close()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := c.Info(cctx)
	if err != nil {
		log.Warnf("Node on %s did not answer: %v", cfg.Network.RpcListen, err)
		return false
	}
	log.Infof("Account %s (%s), running, networking: %t, local address: %s", info.AccountID, info.Username, info.Networking, info.LocalAddress)
	if info.Queue != nil {
		log.Infof("Message queue: %d records, %d unprocessed", info.Queue.Total, info.Queue.Unprocessed)
	}

	peers, err := c.Peers(cctx)
	if err != nil {
		log.Errorf("Failed to list peers: %v", err)
		return true
	}
	log.Infof("Live peers: %d", len(peers.Peers))
	for _, p := range peers.Peers {
		log.Infof("Peer: %s (%s), addr: %s, last seen: %v", p.AccountID, p.Username, p.Address, p.LastSeen.Format(time.RFC3339))
	}

	presence, err := c.Presence(cctx, 0, "")
	if err != nil {
		log.Errorf("Failed to read presence: %v", err)
		return true
	}
	for _, v := range presence.Values {
		log.Infof("  %s/%s = %q", v.Provider, v.Key, v.Value)
	}
	return true
}

// RunInfo prints the state of a node. A running node is asked over its call layer, otherwise
// the datastore is read directly.
func RunInfo(ctx context.Context, cfg *config.Config) {
	if liveInfo(ctx, cfg) {
		return
	}

	db, err := leveldb.Open(cfg.DataStore.Path)
	if err != nil {
		log.Fatalf("Failed to open datastore: %v", err)
	}
	defer db.Close()

	store, err := node.OpenStore(db)
	if err != nil {
		log.Fatalf("Failed to open message queue: %v", err)
	}

	log.Infof("Account %s (%s), datastore %s", cfg.Node.AccountID, cfg.Node.Username, db.Path())

	stats, err := store.Queue.Stats()
	if err != nil {
		log.Errorf("Failed to read queue stats: %v", err)
	} else {
		log.Infof("Message queue: %d records, %d unprocessed", stats.Total, stats.Unprocessed)
	}

	peers, err := store.Peers.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer index: %v", err)
		return
	}
	log.Infof("Peer index: %d peers known", len(peers))
	for _, p := range peers {
		log.Infof("Peer: %s (%s), addr: %s, last seen: %v ago", p.AccountID, p.Username, p.Address, time.Since(p.LastSeen).Round(time.Second))

		relations, err := store.Relations.BySource(p.AccountID)
		if err != nil {
			log.Errorf("Failed to read relations of %s: %v", p.AccountID, err)
			continue
		}
		for _, r := range relations {
			log.Infof("  -> %s friend: %t, blocked: %t", r.Target, r.IsFriend, r.IsBlocked)
		}

		items, err := store.Presence.Get(p.AccountID.UserID(), "")
		if err != nil {
			log.Errorf("Failed to read presence of %s: %v", p.AccountID, err)
			continue
		}
		for _, it := range items {
			log.Infof("  %s/%s = %q", it.Provider, it.Key.Key, it.Value)
		}
	}
}
