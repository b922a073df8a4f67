// Package app assembles a session and its collaborators from the root
// configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/config"
	"github.com/ccoin/shielded/internal/hasher"
	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/internal/merkle"
	"github.com/ccoin/shielded/internal/prover"
	"github.com/ccoin/shielded/internal/rpc"
	"github.com/ccoin/shielded/internal/session"
	"github.com/ccoin/shielded/internal/storage"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/internal/utxo"
	"github.com/ccoin/shielded/pkg/types"
)

// Options select the optional parts of an App.
type Options struct {
	// Prover compiles the circuit for the configured arity. Setup is
	// slow, so read-only commands leave it off.
	Prover bool
}

// App is a wired session with the resources it owns.
type App struct {
	Config    *config.Config
	Tree      types.PublicKey
	Hasher    hasher.Hasher
	Codec     *utxo.Codec
	RPC       *rpc.Client
	Gossip    *indexer.GossipSource
	Indexer   *indexer.Indexer
	Submitter *submitter.Submitter
	Session   *session.Session

	postgres *storage.PostgresStore
	pebble   *pebble.DB
	logger   *zap.Logger
}

// New wires an App for acc. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, acc *account.Account, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tree, err := cfg.TreeID()
	if err != nil {
		return nil, fmt.Errorf("invalid tree account: %w", err)
	}
	table, err := cfg.AssetTable()
	if err != nil {
		return nil, err
	}
	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Tree:   tree,
		Hasher: acc.Hasher(),
		RPC:    rpc.NewClient(cfg.RPC, logger.Named("rpc")),
		Gossip: indexer.NewGossipSource(),
		logger: logger,
	}
	a.Codec = utxo.NewCodec(a.Hasher, table, tree)

	if err := a.wire(ctx, sessCfg, acc, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, sessCfg session.Config, acc *account.Account, opts Options) error {
	cfg := a.Config

	var store indexer.Store
	if cfg.Storage.Backend == config.BackendPostgres {
		pg, err := storage.NewPostgresStore(ctx, cfg.Storage.Postgres, a.Tree, a.logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.postgres = pg
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		store = pg
	}

	var source indexer.EventSource = a.RPC
	var ledger merkle.LedgerSource = a.RPC
	if cfg.Source == config.SourceGossip {
		// peers cannot vouch for the tree account
		source, ledger = a.Gossip, nil
	}

	reconciler, err := indexer.NewReconciler(cfg.Indexer, a.Hasher, a.Codec, a.logger.Named("reconciler"))
	if err != nil {
		return err
	}
	fetcher := indexer.NewFetcher(cfg.Indexer, source, a.logger.Named("fetcher"))
	a.Indexer, err = indexer.New(cfg.Indexer, fetcher, reconciler, store, a.logger.Named("indexer"))
	if err != nil {
		return err
	}
	if err := a.Indexer.Restore(ctx); err != nil {
		return err
	}

	var treeStore merkle.TreeStore
	if cfg.Storage.DataDir != "" {
		db, err := merkle.OpenPebble(filepath.Join(cfg.Storage.DataDir, "tree"))
		if err != nil {
			return fmt.Errorf("failed to open tree store: %w", err)
		}
		a.pebble = db
		treeStore = merkle.NewPebbleTreeStore(db, a.Tree, cfg.Storage.SyncWrites)
	}

	deps := session.Deps{
		Indexer:   a.Indexer,
		Ledger:    ledger,
		TreeStore: treeStore,
	}
	if opts.Prover {
		svc := prover.NewGroth16Service(a.logger.Named("prover"))
		if err := svc.Setup(sessCfg.Arity); err != nil {
			return fmt.Errorf("failed to set up prover: %w", err)
		}
		deps.Prover = svc
	}
	a.Submitter, err = submitter.New(cfg.Submitter, a.RPC, a.logger.Named("submitter"))
	if err != nil {
		return err
	}
	deps.Submitter = a.Submitter

	a.Session, err = session.New(ctx, sessCfg, a.Hasher, acc, a.Codec, deps, a.logger.Named("session"))
	return err
}

// Postgres returns the postgres store, or nil when events are kept in
// memory.
func (a *App) Postgres() *storage.PostgresStore { return a.postgres }

// Close releases the stores.
func (a *App) Close() error {
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.pebble != nil {
		return a.pebble.Close()
	}
	return nil
}

// LoadKeys reads account keys from a YAML file.
func LoadKeys(path string) (account.PrivateKeys, error) {
	var keys account.PrivateKeys
	data, err := os.ReadFile(path)
	if err != nil {
		return keys, fmt.Errorf("failed to read keys: %w", err)
	}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return keys, fmt.Errorf("failed to parse keys %s: %w", path, err)
	}
	return keys, nil
}

// SaveKeys writes acc's keys to path, readable by the owner only.
func SaveKeys(path string, acc *account.Account) error {
	keys, err := acc.PrivateKeys()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(keys)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// LoadAccount loads the account from a keys file, or from the postgres
// accounts table when path is empty and name is set.
func LoadAccount(ctx context.Context, cfg *config.Config, path, name string, logger *zap.Logger) (*account.Account, error) {
	h := cfg.NewHasher()
	if path != "" {
		keys, err := LoadKeys(path)
		if err != nil {
			return nil, err
		}
		return account.FromPrivateKeys(h, keys)
	}
	if name == "" {
		return nil, fmt.Errorf("either a keys file or an account name is required")
	}
	if cfg.Storage.Backend != config.BackendPostgres {
		return nil, fmt.Errorf("named accounts require the postgres backend")
	}
	tree, err := cfg.TreeID()
	if err != nil {
		return nil, err
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.Storage.Postgres, tree, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pg.Close()
	keys, err := pg.LoadAccountKeys(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", name, err)
	}
	return account.FromPrivateKeys(h, keys)
}
