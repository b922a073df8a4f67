// Package storage implements the PostgreSQL persistence layer: the
// indexed event log, the sync checkpoint and account secrets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/account"
	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/pkg/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidData  = errors.New("invalid data")
	ErrDBConnection = errors.New("database connection error")
)

// PostgresStore implements persistent storage using PostgreSQL. Events
// and checkpoints are scoped to one tree.
type PostgresStore struct {
	pool   *pgxpool.Pool
	tree   types.PublicKey
	logger *zap.Logger
}

// Config holds database configuration
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
	MaxConns int32  `yaml:"maxConns"`
}

// DefaultConfig returns default database configuration
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "shielded",
		Password: "",
		Database: "shielded",
		SSLMode:  "disable",
		MaxConns: 10,
	}
}

// ConnString renders the pgx connection string
func (c Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.MaxConns,
	)
}

// NewPostgresStore connects to the database and scopes the store to tree.
func NewPostgresStore(ctx context.Context, cfg Config, tree types.PublicKey, logger *zap.Logger) (*PostgresStore, error) {
	s, err := newPostgresStoreFromDSN(ctx, cfg.ConnString(), tree)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		s.logger = logger
	}
	s.logger.Info("connected to postgres",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))
	return s, nil
}

func newPostgresStoreFromDSN(ctx context.Context, dsn string, tree types.PublicKey) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	return &PostgresStore{pool: pool, tree: tree, logger: zap.NewNop()}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	tree             BYTEA       NOT NULL,
	signature        BYTEA       NOT NULL,
	signer           BYTEA       NOT NULL,
	slot             BIGINT      NOT NULL,
	block_time       BIGINT      NOT NULL,
	first_leaf_index BIGINT      NOT NULL,
	data             BYTEA       NOT NULL,
	PRIMARY KEY (tree, signature)
);
CREATE INDEX IF NOT EXISTS events_sequence ON events (tree, first_leaf_index);

CREATE TABLE IF NOT EXISTS checkpoints (
	tree       BYTEA       PRIMARY KEY,
	signature  BYTEA       NOT NULL,
	sequence   BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	name                   TEXT        PRIMARY KEY,
	public_key             TEXT        NOT NULL,
	private_key            TEXT        NOT NULL,
	encryption_private_key TEXT        NOT NULL,
	viewing_secret         TEXT        NOT NULL,
	hashing_secret         TEXT        NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ============================================
// Event Operations
// ============================================

// eventRow is the column form of an event. The body is kept in its
// ledger encoding and decoded on load.
type eventRow struct {
	Signature      []byte
	Signer         []byte
	Slot           uint64
	BlockTime      int64
	FirstLeafIndex uint64
	Data           []byte
}

func toEventRow(ev *types.ParsedIndexedTransaction) eventRow {
	return eventRow{
		Signature:      append([]byte(nil), ev.Signature[:]...),
		Signer:         append([]byte(nil), ev.Signer[:]...),
		Slot:           ev.Slot,
		BlockTime:      ev.BlockTime,
		FirstLeafIndex: ev.FirstLeafIndex,
		Data:           indexer.EncodeEvent(ev),
	}
}

func (r eventRow) event() (*types.ParsedIndexedTransaction, error) {
	if len(r.Signature) != types.SignatureSize || len(r.Signer) != types.PublicKeySize {
		return nil, fmt.Errorf("%w: event key sizes %d/%d", ErrInvalidData, len(r.Signature), len(r.Signer))
	}
	raw := indexer.RawTransaction{Slot: r.Slot, BlockTime: r.BlockTime, Data: r.Data}
	copy(raw.Signature[:], r.Signature)
	copy(raw.Signer[:], r.Signer)
	ev, err := indexer.DecodeEvent(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return ev, nil
}

// SaveEvents stores events in one transaction. Stored events are kept.
func (s *PostgresStore) SaveEvents(ctx context.Context, events []*types.ParsedIndexedTransaction) error {
	query := `
		INSERT INTO events (tree, signature, signer, slot, block_time, first_leaf_index, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tree, signature) DO NOTHING
	`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ev := range events {
		r := toEventRow(ev)
		batch.Queue(query, s.tree[:], r.Signature, r.Signer, int64(r.Slot), r.BlockTime, int64(r.FirstLeafIndex), r.Data)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadEvents returns the tree's events in chain order
func (s *PostgresStore) LoadEvents(ctx context.Context) ([]*types.ParsedIndexedTransaction, error) {
	query := `
		SELECT signature, signer, slot, block_time, first_leaf_index, data
		FROM events WHERE tree = $1
		ORDER BY first_leaf_index ASC, signature ASC
	`

	rows, err := s.pool.Query(ctx, query, s.tree[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.ParsedIndexedTransaction
	for rows.Next() {
		var r eventRow
		var slot, first int64
		if err := rows.Scan(&r.Signature, &r.Signer, &slot, &r.BlockTime, &first, &r.Data); err != nil {
			return nil, err
		}
		r.Slot, r.FirstLeafIndex = uint64(slot), uint64(first)

		ev, err := r.event()
		if err != nil {
			// one corrupt row must not hide the rest of the log
			s.logger.Warn("skipping stored event", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ============================================
// Checkpoint Operations
// ============================================

// LoadCheckpoint implements indexer.CheckpointStore
func (s *PostgresStore) LoadCheckpoint(ctx context.Context) (*indexer.Checkpoint, error) {
	query := `SELECT signature, sequence, updated_at FROM checkpoints WHERE tree = $1`

	var sig []byte
	var seq int64
	var cp indexer.Checkpoint
	err := s.pool.QueryRow(ctx, query, s.tree[:]).Scan(&sig, &seq, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, indexer.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(sig) != types.SignatureSize {
		return nil, fmt.Errorf("%w: checkpoint signature of %d bytes", ErrInvalidData, len(sig))
	}
	copy(cp.Signature[:], sig)
	cp.Sequence = uint64(seq)
	return &cp, nil
}

// SaveCheckpoint implements indexer.CheckpointStore
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *indexer.Checkpoint) error {
	query := `
		INSERT INTO checkpoints (tree, signature, sequence, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tree) DO UPDATE SET signature = $2, sequence = $3, updated_at = $4
	`

	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.pool.Exec(ctx, query, s.tree[:], cp.Signature[:], int64(cp.Sequence), updated); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// ============================================
// Account Operations
// ============================================

// SaveAccount stores an account's secrets under name, replacing any
// previous account of that name.
func (s *PostgresStore) SaveAccount(ctx context.Context, name string, acc *account.Account) error {
	keys, err := acc.PrivateKeys()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO accounts (name, public_key, private_key, encryption_private_key, viewing_secret, hashing_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			public_key = $2, private_key = $3, encryption_private_key = $4,
			viewing_secret = $5, hashing_secret = $6
	`
	_, err = s.pool.Exec(ctx, query, name, acc.PublicKeyString(),
		keys.PrivateKey, keys.EncryptionPrivateKey, keys.ViewingSecret, keys.HashingSecret)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccountKeys returns the secrets stored under name
func (s *PostgresStore) LoadAccountKeys(ctx context.Context, name string) (account.PrivateKeys, error) {
	query := `
		SELECT private_key, encryption_private_key, viewing_secret, hashing_secret
		FROM accounts WHERE name = $1
	`

	var keys account.PrivateKeys
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&keys.PrivateKey,
		&keys.EncryptionPrivateKey,
		&keys.ViewingSecret,
		&keys.HashingSecret,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return keys, ErrNotFound
	}
	if err != nil {
		return keys, fmt.Errorf("failed to load account: %w", err)
	}
	return keys, nil
}

var _ indexer.Store = (*PostgresStore)(nil)
