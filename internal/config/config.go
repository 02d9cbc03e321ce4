// Package config handles reading and writing the passdrop configuration file
// in YAML format.
//
// The file is stored at ~/.passdrop/config.yaml by default. Every field is
// optional; a missing file or field means the built-in default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/merlos/passdrop/internal/client"
	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/internal/server"
)

// DefaultRelayURL is used by relay mode when no URL is configured.
const DefaultRelayURL = "wss://relay.fireamulet.com"

// DefaultPeerTimeout bounds each read and write on an accepted peer.
const DefaultPeerTimeout = 30 * time.Second

// ServerSettings tunes the sending side.
type ServerSettings struct {
	// MaxFailures is the number of invalid proofs after which a peer
	// identity is denied for the rest of the run.
	MaxFailures int `yaml:"max_failures"`

	// MaxConcurrentPeers bounds simultaneous sessions in direct mode.
	MaxConcurrentPeers int `yaml:"max_concurrent_peers"`

	// MaxTrackedPeers bounds the number of identities in the failure ledger.
	MaxTrackedPeers int `yaml:"max_tracked_peers"`

	// PeerTimeout bounds each read and write on an accepted peer.
	PeerTimeout Duration `yaml:"peer_timeout"`

	// Advertise registers direct-mode senders over mDNS.
	Advertise bool `yaml:"advertise"`
}

// ClientSettings tunes the receiving side.
type ClientSettings struct {
	// Timeout bounds connecting and each message exchange.
	Timeout Duration `yaml:"timeout"`

	// DiscoveryTimeout bounds the mDNS lookup.
	DiscoveryTimeout Duration `yaml:"discovery_timeout"`
}

// Config is the top-level structure for ~/.passdrop/config.yaml.
type Config struct {
	// RelayURL is the WebSocket URL of the rendezvous relay.
	RelayURL string `yaml:"relay_url"`

	// Cipher selects the payload AEAD: "aes-256-gcm" or "chacha20-poly1305".
	// Sender and receiver must agree.
	Cipher string `yaml:"cipher"`

	Server ServerSettings `yaml:"server"`
	Client ClientSettings `yaml:"client"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RelayURL: DefaultRelayURL,
		Cipher:   string(crypto.SuiteAESGCM),
		Server: ServerSettings{
			MaxFailures:        server.DefaultMaxFailures,
			MaxConcurrentPeers: server.DefaultMaxConcurrentPeers,
			MaxTrackedPeers:    server.DefaultMaxTrackedPeers,
			PeerTimeout:        Duration{DefaultPeerTimeout},
			Advertise:          true,
		},
		Client: ClientSettings{
			Timeout:          Duration{client.DefaultTimeout},
			DiscoveryTimeout: Duration{client.DefaultDiscoveryTimeout},
		},
	}
}

// DefaultConfigPath returns the default path to the config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".passdrop/config.yaml"
	}
	return filepath.Join(home, ".passdrop", "config.yaml")
}

// Load reads and parses the config file at path over the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if _, err := crypto.ParseSuite(c.Cipher); err != nil {
		return err
	}
	if c.Server.MaxFailures < 1 {
		return fmt.Errorf("server.max_failures must be at least 1, got %d", c.Server.MaxFailures)
	}
	if c.Server.MaxConcurrentPeers < 1 {
		return fmt.Errorf("server.max_concurrent_peers must be at least 1, got %d", c.Server.MaxConcurrentPeers)
	}
	if c.Server.PeerTimeout.Duration < 0 || c.Client.Timeout.Duration < 0 || c.Client.DiscoveryTimeout.Duration < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Suite returns the configured cipher suite.
func (c *Config) Suite() crypto.Suite {
	s, err := crypto.ParseSuite(c.Cipher)
	if err != nil {
		return crypto.SuiteAESGCM
	}
	return s
}

// Duration is a wrapper around time.Duration that supports YAML marshalling
// in human-readable form (e.g. "30s", "1m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}
