package indexer

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds indexer configuration
type Config struct {
	// PageSize is the number of transactions requested per RPC page
	PageSize int `yaml:"pageSize"`

	// BatchSize is the number of events applied between checkpoints
	BatchSize int `yaml:"batchSize"`

	// Workers bounds parallel trial decryption
	Workers int `yaml:"workers"`

	// MaxRetries is the number of retries after a failed page fetch
	MaxRetries int `yaml:"maxRetries"`

	// RetryInterval is the first backoff interval
	RetryInterval time.Duration `yaml:"retryInterval"`

	// MaxRetryInterval caps the backoff interval
	MaxRetryInterval time.Duration `yaml:"maxRetryInterval"`

	// CacheSize is the number of decryption outcomes kept in memory
	CacheSize int `yaml:"cacheSize"`
}

// DefaultConfig returns the default indexer configuration
func DefaultConfig() Config {
	return Config{
		PageSize:         1000,
		BatchSize:        500,
		Workers:          8,
		MaxRetries:       4,
		RetryInterval:    500 * time.Millisecond,
		MaxRetryInterval: 10 * time.Second,
		CacheSize:        65536,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.PageSize < 1:
		return errors.Errorf("indexer: pageSize must be positive, got %d", c.PageSize)
	case c.BatchSize < 1:
		return errors.Errorf("indexer: batchSize must be positive, got %d", c.BatchSize)
	case c.Workers < 1:
		return errors.Errorf("indexer: workers must be positive, got %d", c.Workers)
	case c.MaxRetries < 0:
		return errors.Errorf("indexer: maxRetries must not be negative, got %d", c.MaxRetries)
	case c.CacheSize < 1:
		return errors.Errorf("indexer: cacheSize must be positive, got %d", c.CacheSize)
	}
	return nil
}
