// Package config holds the node's network configuration and its TOML loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/multiformats/go-multiaddr"
)

const (
	DefaultNetworkName        = "mainnet"
	DefaultListeningMultiaddr = "/ip4/0.0.0.0/tcp/0"
	DefaultTargetPeerCount    = 75
	DefaultUpgradeTimeout     = 20 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultMaxInflight        = 256
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the TOML file.
type Config struct {
	NetworkName string        `toml:"network_name"`
	KeyPath     string        `toml:"key_path"`
	Libp2p      Libp2pConfig  `toml:"libp2p"`
	Log         LogConfig     `toml:"log"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// Libp2pConfig carries the tunables consumed by the network service.
type Libp2pConfig struct {
	ListeningMultiaddr string   `toml:"listening_multiaddr"`
	BootstrapPeers     []string `toml:"bootstrap_peers"`
	MDNS               bool     `toml:"mdns"`
	Kademlia           bool     `toml:"kademlia"`
	TargetPeerCount    int      `toml:"target_peer_count"`

	MaxPendingIncoming    int `toml:"max_pending_incoming"`
	MaxPendingOutgoing    int `toml:"max_pending_outgoing"`
	MaxEstablishedPerPeer int `toml:"max_established_per_peer"`

	UpgradeTimeout time.Duration `toml:"upgrade_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	MaxInflight    int           `toml:"max_inflight"`

	RequestsPerMinute int `toml:"requests_per_minute"`
	RequestBurst      int `toml:"request_burst"`

	// TopicScoring enables the per-topic gossipsub score parameters. Off by
	// default: with it on, blocks arrived about a second later.
	TopicScoring bool `toml:"topic_scoring"`

	PeerBookPath string `toml:"peer_book_path"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

type MetricsConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		NetworkName: DefaultNetworkName,
		Libp2p:      DefaultLibp2p(),
		Log:         LogConfig{Level: "info"},
	}
}

func DefaultLibp2p() Libp2pConfig {
	return Libp2pConfig{
		ListeningMultiaddr:    DefaultListeningMultiaddr,
		MDNS:                  false,
		Kademlia:              true,
		TargetPeerCount:       DefaultTargetPeerCount,
		MaxPendingIncoming:    10,
		MaxPendingOutgoing:    30,
		MaxEstablishedPerPeer: 5,
		UpgradeTimeout:        DefaultUpgradeTimeout,
		RequestTimeout:        DefaultRequestTimeout,
		MaxInflight:           DefaultMaxInflight,
		RequestsPerMinute:     60,
		RequestBurst:          10,
	}
}

// Load reads path over the defaults. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Validate checks values that cannot be caught later by the network stack.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NetworkName) == "" {
		return fmt.Errorf("%w: network_name is empty", ErrInvalidConfig)
	}
	return c.Libp2p.Validate()
}

func (c Libp2pConfig) Validate() error {
	if c.TargetPeerCount < 0 {
		return fmt.Errorf("%w: target_peer_count must not be negative", ErrInvalidConfig)
	}
	if c.MaxPendingIncoming < 0 || c.MaxPendingOutgoing < 0 || c.MaxEstablishedPerPeer < 0 {
		return fmt.Errorf("%w: connection limits must not be negative", ErrInvalidConfig)
	}
	if c.UpgradeTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	for _, addr := range c.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("%w: bootstrap peer %q: %v", ErrInvalidConfig, addr, err)
		}
	}
	return nil
}

// ListenAddr parses the listening multiaddress.
func (c Libp2pConfig) ListenAddr() (multiaddr.Multiaddr, error) {
	return multiaddr.NewMultiaddr(c.ListeningMultiaddr)
}
