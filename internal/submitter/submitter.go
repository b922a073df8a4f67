// Package submitter signs shielded transactions, sends them to the
// ledger with bounded retries and tracks them until confirmation.
package submitter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/pkg/common"
	"github.com/ccoin/shielded/pkg/types"
)

// Submitter errors
var (
	ErrSendFailed        = common.NewKind(common.KindResource, "transaction send failed")
	ErrConfirmTimeout    = common.NewKind(common.KindResource, "confirmation timed out")
	ErrTransactionFailed = common.NewKind(common.KindValidation, "transaction failed on ledger")
)

// Status is a transaction's confirmation state.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusProcessed
	StatusConfirmed
	StatusFinalized
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusConfirmed:
		return "confirmed"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reaches reports whether s satisfies the requested level.
func (s Status) Reaches(level Status) bool {
	return s != StatusFailed && s >= level
}

// ParseStatus parses a commitment level name.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "processed":
		return StatusProcessed, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "finalized":
		return StatusFinalized, nil
	case "failed":
		return StatusFailed, nil
	case "", "unknown":
		return StatusUnknown, nil
	}
	return StatusUnknown, errors.Errorf("unknown commitment level %q", s)
}

// Transport is the ledger RPC boundary for submission.
type Transport interface {
	LatestBlockhash(ctx context.Context) (types.Hash, error)
	SendTransaction(ctx context.Context, raw []byte) (types.Signature, error)
	SignatureStatus(ctx context.Context, sig types.Signature) (Status, error)
}

// SendError is a rejection carrying program logs. The program ran and
// refused the transaction, so sending it again cannot help.
type SendError struct {
	Logs []string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%v (%d log lines)", e.Err, len(e.Logs))
}

func (e *SendError) Unwrap() error { return e.Err }

// Config holds submitter configuration
type Config struct {
	// MaxAttempts is the number of send attempts per transaction
	MaxAttempts int `yaml:"maxAttempts"`

	// RetryInterval is the pause between send attempts
	RetryInterval time.Duration `yaml:"retryInterval"`

	// ConfirmPoll is the status polling interval
	ConfirmPoll time.Duration `yaml:"confirmPoll"`

	// ConfirmTimeout bounds Confirm
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`

	// MaxPending and PendingTTL bound the pending pool
	MaxPending int           `yaml:"maxPending"`
	PendingTTL time.Duration `yaml:"pendingTTL"`
}

// DefaultConfig returns default submitter configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryInterval:  time.Second,
		ConfirmPoll:    500 * time.Millisecond,
		ConfirmTimeout: time.Minute,
		MaxPending:     64,
		PendingTTL:     2 * time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.Errorf("submitter: maxAttempts must be positive, got %d", c.MaxAttempts)
	case c.ConfirmPoll <= 0:
		return errors.Errorf("submitter: confirmPoll must be positive, got %s", c.ConfirmPoll)
	case c.ConfirmTimeout <= 0:
		return errors.Errorf("submitter: confirmTimeout must be positive, got %s", c.ConfirmTimeout)
	case c.MaxPending < 1:
		return errors.Errorf("submitter: maxPending must be positive, got %d", c.MaxPending)
	}
	return nil
}

// Submitter sends envelopes and tracks them in a PendingPool.
type Submitter struct {
	cfg       Config
	transport Transport
	pool      *PendingPool
	logger    *zap.Logger

	// broadcast, when set, receives every sent envelope
	broadcast func(*Envelope)
}

// New creates a submitter over transport.
func New(cfg Config, transport Transport, logger *zap.Logger) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		cfg:       cfg,
		transport: transport,
		pool:      NewPendingPool(cfg.MaxPending, cfg.PendingTTL),
		logger:    logger,
	}, nil
}

// Pool returns the pending pool.
func (s *Submitter) Pool() *PendingPool { return s.pool }

// OnBroadcast registers fn to receive every sent envelope.
func (s *Submitter) OnBroadcast(fn func(*Envelope)) { s.broadcast = fn }

// Submit seals instructions with a fresh blockhash and sends them. The
// nullifiers the transaction spends are reserved in the pending pool
// before the send and held until Confirm or the pool TTL releases them.
func (s *Submitter) Submit(ctx context.Context, instructions []Instruction, table *LookupTable, signer Signer, nullifiers ...types.Hash) (types.Signature, error) {
	res, err := s.pool.Reserve(nullifiers)
	if err != nil {
		return types.Signature{}, err
	}
	defer res.Release()

	blockhash, err := s.transport.LatestBlockhash(ctx)
	if err != nil {
		return types.Signature{}, errors.Wrap(err, "latest blockhash")
	}
	env, err := Seal(signer, blockhash, instructions, table)
	if err != nil {
		return types.Signature{}, err
	}
	return s.send(ctx, env, res)
}

// SubmitEnvelope sends a signed envelope with up to MaxAttempts tries.
// Failures carrying program logs are returned at once.
func (s *Submitter) SubmitEnvelope(ctx context.Context, env *Envelope, nullifiers ...types.Hash) (types.Signature, error) {
	if err := env.Verify(); err != nil {
		return types.Signature{}, err
	}
	res, err := s.pool.Reserve(nullifiers)
	if err != nil {
		return types.Signature{}, err
	}
	defer res.Release()
	return s.send(ctx, env, res)
}

func (s *Submitter) send(ctx context.Context, env *Envelope, res *Reservation) (types.Signature, error) {
	raw := env.Bytes()

	var (
		sig      types.Signature
		attempts int
	)
	op := func() error {
		attempts++
		sendAttempts.Inc()
		var err error
		sig, err = s.transport.SendTransaction(ctx, raw)
		if err == nil {
			return nil
		}
		var se *SendError
		if errors.As(err, &se) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("send failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(s.cfg.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var se *SendError
		if errors.As(err, &se) {
			sendFailures.WithLabelValues("rejected").Inc()
			for _, l := range se.Logs {
				s.logger.Debug("program log", zap.String("line", l))
			}
			return types.Signature{}, errors.Wrap(ErrTransactionFailed, err.Error())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Signature{}, ctxErr
		}
		sendFailures.WithLabelValues("transport").Inc()
		return types.Signature{}, errors.Wrapf(ErrSendFailed, "after %d attempts: %v", attempts, err)
	}

	if err := res.Commit(sig); err != nil {
		s.logger.Debug("sent transaction not tracked", zap.String("signature", sig.String()), zap.Error(err))
	}
	if s.broadcast != nil {
		s.broadcast(env)
	}
	s.logger.Info("transaction sent",
		zap.String("signature", sig.String()),
		zap.Int("attempts", attempts),
		zap.Int("nullifiers", len(res.nullifiers)))
	return sig, nil
}

// Confirm polls until sig reaches level, fails or ConfirmTimeout passes.
// The pending pool entry is released once the outcome is known.
func (s *Submitter) Confirm(ctx context.Context, sig types.Signature, level Status) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		status, err := s.transport.SignatureStatus(ctx, sig)
		if err != nil {
			s.logger.Debug("status poll failed", zap.String("signature", sig.String()), zap.Error(err))
		}
		switch {
		case err == nil && status == StatusFailed:
			s.pool.Remove(sig)
			confirmations.WithLabelValues(status.String()).Inc()
			return status, errors.Wrap(ErrTransactionFailed, sig.String())
		case err == nil && status.Reaches(level):
			s.pool.Remove(sig)
			confirmations.WithLabelValues(status.String()).Inc()
			return status, nil
		}

		select {
		case <-ctx.Done():
			confirmations.WithLabelValues("timeout").Inc()
			return status, errors.Wrapf(ErrConfirmTimeout, "%s at %s", sig, status)
		case <-ticker.C:
		}
	}
}
