// Package config loads the peer configuration: YAML file, defaults, env
// overrides, validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		// URL of the rendezvous service websocket. Empty disables the
		// signal link (tests, pre-wired topologies).
		URL string `yaml:"url"`
	} `yaml:"signal"`

	Peer struct {
		// ID overrides the generated peer id.
		ID string `yaml:"id"`
		// TTL stamped on outgoing forwardable messages.
		TTL int `yaml:"ttl"`
		// QueueTimeout is the retry queue sweep period.
		QueueTimeout time.Duration `yaml:"queue_timeout"`
	} `yaml:"peer"`

	WebRTC struct {
		STUNServers []string `yaml:"stun_servers"`
	} `yaml:"webrtc"`

	Gossip struct {
		C            int           `yaml:"c"`
		H            int           `yaml:"h"`
		S            int           `yaml:"s"`
		GossipPeriod time.Duration `yaml:"gossip_period"`
		Selection    string        `yaml:"selection"`
	} `yaml:"gossip"`

	Media struct {
		DownloadTimeout time.Duration `yaml:"download_timeout"`
		ConcurrentParts int           `yaml:"concurrent_parts"`
		ChunkSize       int           `yaml:"chunk_size"`
		Autoload        bool          `yaml:"autoload"`
	} `yaml:"media"`

	// Extensions lists the subsystems to attach, in order.
	Extensions []string `yaml:"extensions"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration with protocol defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Peer.TTL = 3
	cfg.Peer.QueueTimeout = 1000 * time.Millisecond

	cfg.Gossip.C = 10
	cfg.Gossip.H = 0
	cfg.Gossip.S = 0
	cfg.Gossip.GossipPeriod = 2500 * time.Millisecond
	cfg.Gossip.Selection = "random"

	cfg.Media.DownloadTimeout = 5000 * time.Millisecond
	cfg.Media.ConcurrentParts = 3
	cfg.Media.ChunkSize = 17500
	cfg.Media.Autoload = true

	cfg.Extensions = []string{"gossip", "media"}

	cfg.Metrics.Enabled = false
	cfg.Metrics.Address = ":9090"

	cfg.Logging.Level = "info"

	return cfg
}

// Load reads the YAML file at configPath, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Peer.TTL < 0 {
		return fmt.Errorf("peer.ttl must be >= 0")
	}
	if c.Peer.QueueTimeout <= 0 {
		return fmt.Errorf("peer.queue_timeout must be > 0")
	}

	if c.Gossip.C <= 0 {
		return fmt.Errorf("gossip.c must be > 0")
	}
	if c.Gossip.H < 0 || c.Gossip.S < 0 {
		return fmt.Errorf("gossip.h and gossip.s must be >= 0")
	}
	if c.Gossip.H+c.Gossip.S > c.Gossip.C {
		return fmt.Errorf("gossip.h + gossip.s must not exceed gossip.c")
	}
	if c.Gossip.GossipPeriod <= 0 {
		return fmt.Errorf("gossip.gossip_period must be > 0")
	}
	if c.Gossip.Selection != "random" && c.Gossip.Selection != "oldest" {
		return fmt.Errorf("gossip.selection must be \"random\" or \"oldest\"")
	}

	if c.Media.DownloadTimeout <= 0 {
		return fmt.Errorf("media.download_timeout must be > 0")
	}
	if c.Media.ConcurrentParts <= 0 {
		return fmt.Errorf("media.concurrent_parts must be > 0")
	}
	if c.Media.ChunkSize <= 0 {
		return fmt.Errorf("media.chunk_size must be > 0")
	}

	for _, ext := range c.Extensions {
		if ext != "gossip" && ext != "media" {
			return fmt.Errorf("unknown extension %q", ext)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address must not be empty when metrics.enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("SWARMCAST_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if id := os.Getenv("SWARMCAST_PEER_ID"); id != "" {
		c.Peer.ID = id
	}
	if level := os.Getenv("SWARMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
