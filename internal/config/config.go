// Package config provides the engine's load-or-create YAML
// configuration, following the teacher's config layer shape but
// trimmed to the DT-messaging engine's own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind selects a concrete PeerTransport implementation.
type TransportKind string

const (
	// TransportLibp2p uses a libp2p host with mDNS/DHT discovery and
	// GossipSub broadcast.
	TransportLibp2p TransportKind = "libp2p"

	// TransportWebSocket uses plain gorilla/websocket connections, for
	// LAN/dev use without a DHT.
	TransportWebSocket TransportKind = "websocket"
)

// EngineConfig holds everything needed to construct an
// EngineCoordinator. Fields here are overridable via YAML but default
// to the fixed constants of §6.
type EngineConfig struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	API       APIConfig       `yaml:"api"`
	Tunables  Tunables        `yaml:"tunables"`
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the node's libp2p identity key file.
	KeyFile string `yaml:"key_file"`

	// SelfUserID, if set, overrides the stored self_user_id. Left
	// empty, EngineCoordinator reads a UUID from data_dir/self_user_id,
	// generating and persisting one on first run.
	SelfUserID string `yaml:"self_user_id"`
}

// TransportConfig holds PeerTransport settings.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	// ListenAddrs are multiaddrs (libp2p) or host:port strings
	// (websocket) to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	EnableMDNS bool `yaml:"enable_mdns"`
	EnableDHT  bool `yaml:"enable_dht"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds libp2p connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig holds MessageStore settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// APIConfig holds the JSON-RPC/WebSocket control surface settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Tunables holds the fixed configuration constants of §6, exposed as
// overridable fields that default to the spec's values.
type Tunables struct {
	MaxHops           int           `yaml:"max_hops"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	MaxMessageLength  int           `yaml:"max_message_length"`
	SeenSetLimit      int           `yaml:"seen_set_limit"`
	AckTTL            time.Duration `yaml:"ack_ttl"`
}

// DefaultTunables returns the fixed defaults of §6.
func DefaultTunables() Tunables {
	return Tunables{
		MaxHops:           5,
		DefaultTTL:        24 * time.Hour,
		MaxRetryAttempts:  3,
		InitialRetryDelay: 5 * time.Second,
		BackoffMultiplier: 2,
		MaxRetryDelay:     5 * time.Minute,
		MaxMessageLength:  1000,
		SeenSetLimit:      1000,
		AckTTL:            60 * time.Second,
	}
}

// DefaultConfig returns an EngineConfig with sensible defaults.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		Identity: IdentityConfig{
			KeyFile: "identity.key",
		},
		Transport: TransportConfig{
			Kind: TransportLibp2p,
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			EnableDHT:      true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir: "~/.dtmsgd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:7890",
		},
		Tunables: DefaultTunables(),
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from dataDir/config.yaml. If the file
// doesn't exist, it creates one populated with defaults.
func LoadConfig(dataDir string) (*EngineConfig, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: create default: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file at path.
func (c *EngineConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	header := []byte("# DT-messaging engine configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
