package commands

import (
	"context"
	"os"

	"peerbus/config"
	"peerbus/ident"
	"peerbus/secure"

	log "github.com/sirupsen/logrus"
)

// RunInit creates a fresh identity and writes the default configuration
func RunInit(ctx context.Context, cfg *config.Config, username string, force bool) {
	if _, err := os.Stat(cfg.File()); err == nil && !force {
		log.Fatalf("Config %s already exists, use -force to overwrite", cfg.File())
	}

	account, err := ident.Random(ident.FlagLAN)
	if err != nil {
		log.Fatalf("Failed to generate account id: %v", err)
	}

	keys, err := secure.GenerateKeyPair()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}

	cfg.Node.AccountID = account
	cfg.Node.Username = username
	cfg.Node.PrivateKey = keys.Hex()

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	log.Infof("Created account %s (%s)", account, username)
}
