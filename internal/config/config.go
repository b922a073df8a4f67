// Package config loads the YAML configuration shared by shieldd and
// shieldctl. Each package owns its section; this package only assembles
// and validates them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/internal/p2p"
	"github.com/ccoin/shielded/internal/rpc"
	"github.com/ccoin/shielded/internal/session"
	"github.com/ccoin/shielded/internal/storage"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/types"
)

// Hasher names
const (
	HasherPoseidon = "poseidon"
	HasherMiMC     = "mimc"
)

// Event sources
const (
	SourceRPC    = "rpc"
	SourceGossip = "gossip"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File receives logs in addition to stderr when set
	File string `yaml:"file"`
}

// StorageConfig selects where the event log, checkpoint and tree live
type StorageConfig struct {
	// Backend holds events and checkpoints: memory or postgres
	Backend  string         `yaml:"backend"`
	Postgres storage.Config `yaml:"postgres"`

	// DataDir holds the pebble tree store; the tree is kept in memory
	// when empty
	DataDir    string `yaml:"dataDir"`
	SyncWrites bool   `yaml:"syncWrites"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	// Addr is the listen address of /metrics; disabled when empty
	Addr string `yaml:"addr"`
}

// Config is the root configuration
type Config struct {
	Hasher string `yaml:"hasher"`

	// Source feeds the indexer: the ledger RPC, or events relayed by
	// peers
	Source string `yaml:"source"`

	// Assets lists the SPL mints of the asset lookup table, base58
	Assets []string `yaml:"assets"`

	// SyncInterval is the daemon's sync period
	SyncInterval time.Duration `yaml:"syncInterval"`

	Log       LogConfig        `yaml:"log"`
	RPC       rpc.Config       `yaml:"rpc"`
	Indexer   indexer.Config   `yaml:"indexer"`
	Submitter submitter.Config `yaml:"submitter"`
	Session   session.Config   `yaml:"session"`
	Storage   StorageConfig    `yaml:"storage"`
	P2P       p2p.Config       `yaml:"p2p"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Hasher:       HasherPoseidon,
		Source:       SourceRPC,
		SyncInterval: 10 * time.Second,
		Log:          LogConfig{Level: "info"},
		RPC:          rpc.DefaultConfig(),
		Indexer:      indexer.DefaultConfig(),
		Submitter:    submitter.DefaultConfig(),
		Session:      session.DefaultConfig(),
		Storage: StorageConfig{
			Backend:  BackendMemory,
			Postgres: storage.DefaultConfig(),
		},
		P2P:     p2p.DefaultConfig(),
		Metrics: MetricsConfig{Addr: "127.0.0.1:9402"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating its directory.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every section
func (c *Config) Validate() error {
	switch c.Hasher {
	case HasherPoseidon, HasherMiMC:
	default:
		return fmt.Errorf("unknown hasher %q", c.Hasher)
	}
	switch c.Source {
	case SourceRPC:
	case SourceGossip:
		if !c.P2P.Enabled {
			return fmt.Errorf("gossip source requires p2p")
		}
	default:
		return fmt.Errorf("unknown event source %q", c.Source)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval)
	}
	if _, err := c.AssetTable(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	for _, v := range []interface{ Validate() error }{c.RPC, c.Indexer, c.Submitter, c.Session} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.P2P.Enabled {
		if err := c.P2P.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NewHasher returns the configured hasher
func (c *Config) NewHasher() hasher.Hasher {
	if c.Hasher == HasherMiMC {
		return hasher.NewMiMC()
	}
	return hasher.NewPoseidon()
}

// AssetTable builds the asset lookup table from Assets
func (c *Config) AssetTable() (*utxo.AssetLookupTable, error) {
	mints := make([]types.PublicKey, 0, len(c.Assets))
	for _, s := range c.Assets {
		pk, err := types.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("invalid asset %q: %w", s, err)
		}
		mints = append(mints, pk)
	}
	return utxo.NewAssetLookupTable(mints...), nil
}

// SessionConfig returns the session section with the program id from the
// RPC section filled in.
func (c *Config) SessionConfig() (session.Config, error) {
	cfg := c.Session
	program, err := types.ParsePublicKey(c.RPC.ProgramID)
	if err != nil {
		return cfg, fmt.Errorf("invalid program id: %w", err)
	}
	cfg.ProgramID = program
	return cfg, nil
}

// TreeID returns the tree account from the RPC section
func (c *Config) TreeID() (types.PublicKey, error) {
	return types.ParsePublicKey(c.RPC.TreeAccount)
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// NewLogger builds a production logger, or a development one when
// requested.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	if cfg.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}
	return zcfg.Build()
}
