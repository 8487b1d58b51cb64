// Package config loads emberd's daemon configuration: a viper
// instance reads a TOML file and is then overlaid with environment
// variables, and the result is decoded into a typed struct callers
// pass around instead of querying the viper singleton directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/emberlink/ember/internal/refdb"
	"github.com/emberlink/ember/internal/replication"
)

// Config is the full set of settings emberd needs to stand up a daemon
// (backend selection, listen addresses, tracking defaults, replication
// budget, hook timeout).
type Config struct {
	// Backend selects the refdb.Store implementation ("memory" or
	// "bolt") and the path it opens, mirroring internal/refdb/factory.
	Backend     string `mapstructure:"backend" toml:"backend"`
	BackendPath string `mapstructure:"backend_path" toml:"backend_path"`

	// Listen is the Unix-domain or TCP address emberd's request-pull
	// server listens on (opened with internal/rpc.Listen).
	Listen string `mapstructure:"listen" toml:"listen"`

	// Identity is the path to this node's ed25519 key material.
	Identity string `mapstructure:"identity" toml:"identity"`

	// Tracking holds tracking defaults in internal/tracking.Config's
	// shape. Load decodes them, but nothing in this module reads them:
	// namespaces with no explicit tracking entry do not receive them.
	Tracking TrackingDefaults `mapstructure:"tracking" toml:"tracking"`

	// Replication bounds how much one pull will fetch before aborting
	// (internal/replication.Budget).
	Replication ReplicationConfig `mapstructure:"replication" toml:"replication"`

	// Seeds are the peers pre_receive/post_upload hooks replicate from
	// and request-pull against (internal/hooks.Controller.Seeds).
	Seeds []string `mapstructure:"seeds" toml:"seeds"`

	// HookTimeout is a duration decoded by Load. Nothing in this module
	// reads it; the hooks controller applies no timeout of its own.
	HookTimeout time.Duration `mapstructure:"hook_timeout" toml:"hook_timeout"`

	// MaxSessions bounds concurrent in-flight request-pull sessions
	// (internal/requestpull.Server.MaxSessions); zero means unbounded.
	MaxSessions int `mapstructure:"max_sessions" toml:"max_sessions"`
}

// TrackingDefaults mirrors internal/tracking.Config's canonical-JSON
// shape so it can be set from TOML/env without importing that package's
// encoding rules here.
type TrackingDefaults struct {
	Data bool   `mapstructure:"data" toml:"data"`
	Cobs string `mapstructure:"cobs" toml:"cobs"` // "all", "allowed-list", or "none"
}

// ReplicationConfig is the TOML-facing form of replication.Budget.
type ReplicationConfig struct {
	MaxObjects int `mapstructure:"max_objects" toml:"max_objects"`
	MaxBytes   int `mapstructure:"max_bytes" toml:"max_bytes"`
}

// Budget converts the configured replication limits into the type
// internal/replication.Replicate expects.
func (r ReplicationConfig) Budget() *replication.Budget {
	if r.MaxObjects == 0 && r.MaxBytes == 0 {
		return nil
	}
	return &replication.Budget{MaxObjects: r.MaxObjects, MaxBytes: r.MaxBytes}
}

// SeedPeers parses Seeds into refdb.PeerIDs. Load does not parse
// Seeds; each entry is validated here, when SeedPeers is called.
func (c *Config) SeedPeers() ([]refdb.PeerID, error) {
	peers := make([]refdb.PeerID, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		p, err := refdb.ParsePeerID(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid seed %q: %w", s, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// defaults seeds viper before a config file is read, so an absent or
// partial file still produces a usable Config.
func defaults(v *viper.Viper) {
	v.SetDefault("backend", "bolt")
	v.SetDefault("backend_path", ".ember/refdb")
	v.SetDefault("listen", "")
	v.SetDefault("identity", ".ember/identity")
	v.SetDefault("tracking.data", true)
	v.SetDefault("tracking.cobs", "all")
	v.SetDefault("replication.max_objects", 0)
	v.SetDefault("replication.max_bytes", 0)
	v.SetDefault("hook_timeout", 10*time.Second)
	v.SetDefault("max_sessions", 32)
}

// Load reads configPath as TOML through viper, overlays EMBERD_-
// prefixed environment variables, and decodes the result into a
// Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("EMBERD")
	v.AutomaticEnv()
	defaults(v)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// WriteExample renders cfg as TOML, the format emberd init writes to
// disk for a new node.
func WriteExample(cfg *Config) (string, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return "", fmt.Errorf("config: encode: %w", err)
	}
	return sb.String(), nil
}
