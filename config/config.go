package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"peerbus/ident"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Duration is a time.Duration that reads and writes as a string such as "1.5s"
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are nanoseconds
		var n int64
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("duration must be a string or an integer: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config represents the configuration of a peerbus node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		AccountID  ident.AccountID `json:"account"`
		Username   string          `json:"username"`
		Locale     string          `json:"locale"`
		PrivateKey string          `json:"key"` // Hex encoded secp256k1 private key
	} `json:"node"`

	Network struct {
		Enabled     bool    `json:"enabled"`
		Interface   string  `json:"interface,omitempty"` // Empty selects the system default
		GroupPrefix [3]byte `json:"groupPrefix"`
		PortBase    int     `json:"portBase"`
		ChannelSeed uint32  `json:"channelSeed"`
		TTL         int     `json:"multicastTTL"`
		PollBudget  int     `json:"pollBudget"`
		RpcListen   string  `json:"rpc"` // Empty disables the call layer server
	} `json:"network"`

	DataStore struct {
		Path string `json:"path"`
	} `json:"datastore"`

	Timers struct {
		Poll            Duration `json:"poll"`
		Drain           Duration `json:"drain"`
		Announce        Duration `json:"announce"`
		PeerTTL         Duration `json:"peerTTL"`
		SessionTTL      Duration `json:"sessionTTL"`
		Sweep           Duration `json:"sweep"`
		PresenceRefresh Duration `json:"presenceRefresh"`
		KeyRequest      Duration `json:"keyRequest"` // Minimum time between key requests to one peer
		QueueRetention  Duration `json:"queueRetention"`
	} `json:"timers"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.Locale = "en"

	cfg.Network.Enabled = true
	cfg.Network.GroupPrefix = [3]byte{239, 255, 42}
	cfg.Network.PortBase = 27015
	cfg.Network.ChannelSeed = 0x50425553
	cfg.Network.TTL = 1
	cfg.Network.PollBudget = 64
	cfg.Network.RpcListen = "127.0.0.1:27099"

	cfg.DataStore.Path = "/tmp/peerbus/leveldb"

	cfg.Timers.Poll = Duration(50 * time.Millisecond)
	cfg.Timers.Drain = Duration(100 * time.Millisecond)
	cfg.Timers.Announce = Duration(5 * time.Second)
	cfg.Timers.PeerTTL = Duration(15 * time.Second)
	cfg.Timers.SessionTTL = Duration(10 * time.Second)
	cfg.Timers.Sweep = Duration(time.Second)
	cfg.Timers.PresenceRefresh = Duration(30 * time.Second)
	cfg.Timers.KeyRequest = Duration(time.Second)
	cfg.Timers.QueueRetention = Duration(10 * time.Minute)

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a node cannot start without
func (c *Config) Validate() error {
	if c.Node.AccountID.IsZero() {
		return fmt.Errorf("config: %w", ident.ErrorZeroAccount)
	}
	if c.Node.PrivateKey == "" {
		return fmt.Errorf("config: missing node key")
	}
	if c.Network.PortBase <= 0 || c.Network.PortBase > 65535-8*64 {
		return fmt.Errorf("config: port base %d out of range", c.Network.PortBase)
	}
	if c.Timers.PeerTTL <= 0 || c.Timers.SessionTTL <= 0 {
		return fmt.Errorf("config: TTLs must be positive")
	}
	return nil
}

func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// The file holds the private key
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
