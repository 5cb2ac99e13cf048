package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"peerbus/config"
	"peerbus/datastore/leveldb"
	"peerbus/net/mcast"
	"peerbus/secure"
	"peerbus/swarm/node"

	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

func multicastInterface(name string) *net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		log.Fatalf("Unknown network interface %q: %v", name, err)
	}
	return iface
}

func RunServe(ctx context.Context, cfg *config.Config) {
	log.Infof("Starting node %s", cfg.Node.AccountID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := secure.KeyPairFromHex(cfg.Node.PrivateKey)
	if err != nil {
		log.Fatalf("Failed to load node key: %v", err)
	}

	// Creating storage
	db, err := leveldb.Open(cfg.DataStore.Path)
	if err != nil {
		log.Fatalf("Failed to open datastore: %v", err)
	}

	store, err := node.OpenStore(db)
	if err != nil {
		log.Fatalf("Failed to open message queue: %v", err)
	}

	var network mcast.Network
	if cfg.Network.Enabled {
		network = &mcast.UDPNetwork{
			Interface: multicastInterface(cfg.Network.Interface),
			TTL:       cfg.Network.TTL,
		}
	}

	// Create the node
	n, err := node.New(cfg, keys, store, network, nil)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	// Create the call layer listener
	if cfg.Network.RpcListen != "" {
		rpcl, err := net.Listen("tcp4", cfg.Network.RpcListen)
		if err != nil {
			log.Fatalf("Failed to create RPC listener: %v", err)
		}
		n.ListenRPC(rpcl)
	}

	// Run the node
	runErr := n.Run(ctx)

	if err := multierr.Combine(runErr, n.Close(), db.Close()); err != nil {
		log.Fatalf("Node stopped with error: %v", err)
	}
	log.Info("Node stopped")
}
