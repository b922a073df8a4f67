package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/pkg/types"
)

func validDefault() *Config {
	cfg := Default()
	cfg.RPC.ProgramID = types.PublicKey{0x50}.String()
	cfg.RPC.TreeAccount = types.PublicKey{0x71}.String()
	return cfg
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, validDefault().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shield.yaml")
	body := `
hasher: mimc
syncInterval: 3s
assets:
  - ` + types.PublicKey{0x09}.String() + `
rpc:
  endpoint: http://node:8899
  programId: ` + types.PublicKey{0x50}.String() + `
  treeAccount: ` + types.PublicKey{0x71}.String() + `
indexer:
  workers: 2
session:
  treeHeight: 20
  arity:
    inputs: 2
    outputs: 4
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.SyncInterval)
	assert.Equal(t, "http://node:8899", cfg.RPC.Endpoint)
	assert.Equal(t, 2, cfg.Indexer.Workers)
	assert.Equal(t, 20, cfg.Session.TreeHeight)
	assert.Equal(t, 4, cfg.Session.Arity.Outputs)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Indexer.PageSize, cfg.Indexer.PageSize)
	assert.Equal(t, Default().Submitter.MaxAttempts, cfg.Submitter.MaxAttempts)

	_, isMiMC := cfg.NewHasher().(*hasher.MiMC)
	assert.True(t, isMiMC)
	table, err := cfg.AssetTable()
	require.NoError(t, err)
	idx, err := table.Index(types.PublicKey{0x09})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	sc, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, types.PublicKey{0x50}, sc.ProgramID)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"hasher", func(c *Config) { c.Hasher = "sha256" }},
		{"source", func(c *Config) { c.Source = "archive" }},
		{"gossip without p2p", func(c *Config) { c.Source = SourceGossip }},
		{"sync interval", func(c *Config) { c.SyncInterval = 0 }},
		{"asset", func(c *Config) { c.Assets = []string{"not base58!"} }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"tree height", func(c *Config) { c.Session.TreeHeight = 33 }},
		{"workers", func(c *Config) { c.Indexer.Workers = 0 }},
		{"attempts", func(c *Config) { c.Submitter.MaxAttempts = 0 }},
		{"p2p", func(c *Config) {
			c.P2P.Enabled = true
			c.P2P.MaxPeers = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefault()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shield.yaml")
	cfg := validDefault()
	cfg.Storage.DataDir = "/var/lib/shield"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Storage, loaded.Storage)
	assert.Equal(t, cfg.Indexer, loaded.Indexer)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "warn", Development: true})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = NewLogger(LogConfig{Level: "chatty"})
	assert.Error(t, err)
}
