package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/internal/submitter"
	"github.com/ccoin/shielded/pkg/types"
)

// StatusVersion is the status message format this node speaks
const StatusVersion uint32 = 1

// Relay errors
var (
	ErrForeignTree   = errors.New("status for another tree")
	ErrStatusVersion = errors.New("unsupported status version")
)

// Publisher is the outbound side of a Node
type Publisher interface {
	PublishEvent(data []byte) error
	PublishEnvelope(data []byte) error
	PublishStatus(data []byte) error
}

// Relay bridges gossip and the local engine. Incoming events are checked
// and buffered in a GossipSource the indexer can fetch from; incoming
// envelopes are verified and optionally forwarded to the ledger.
type Relay struct {
	mu sync.RWMutex

	pub     Publisher
	gossip  *indexer.GossipSource
	tree    types.PublicKey
	forward submitter.Transport
	logger  *zap.Logger

	// peer announcements by peer
	status map[peer.ID]*StatusMessage
	onPeer func(peer.ID, uint64)
}

// NewRelay creates a relay for tree. forward may be nil, in which case
// peer envelopes are verified and dropped.
func NewRelay(pub Publisher, gossip *indexer.GossipSource, tree types.PublicKey, forward submitter.Transport, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pub:     pub,
		gossip:  gossip,
		tree:    tree,
		forward: forward,
		logger:  logger,
		status:  make(map[peer.ID]*StatusMessage),
	}
}

// Attach installs the relay's handlers on n.
func (r *Relay) Attach(n *Node) {
	n.Handle(MsgTypeEvent, r.HandleEvent)
	n.Handle(MsgTypeEnvelope, r.HandleEnvelope)
	n.Handle(MsgTypeStatus, r.HandleStatus)
	r.onPeer = n.SetPeerSequence
}

// HandleEvent buffers a peer's event once it decodes.
func (r *Relay) HandleEvent(ctx context.Context, from peer.ID, data []byte) error {
	raw, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	if _, err := indexer.DecodeEvent(raw); err != nil {
		return err
	}
	if !r.gossip.Push(raw) {
		return nil
	}
	r.logger.Debug("event received",
		zap.String("from", from.String()),
		zap.String("signature", raw.Signature.String()))
	return nil
}

// HandleEnvelope verifies a peer's envelope and forwards it.
func (r *Relay) HandleEnvelope(ctx context.Context, from peer.ID, data []byte) error {
	env, err := submitter.ParseEnvelope(data)
	if err != nil {
		return err
	}
	if err := env.Verify(); err != nil {
		return err
	}
	if r.forward == nil {
		return nil
	}
	sig, err := r.forward.SendTransaction(ctx, data)
	if err != nil {
		return fmt.Errorf("forward envelope: %w", err)
	}
	r.logger.Info("relayed envelope",
		zap.String("from", from.String()),
		zap.String("signature", sig.String()))
	return nil
}

// HandleStatus records a peer's indexing progress for this tree.
func (r *Relay) HandleStatus(ctx context.Context, from peer.ID, data []byte) error {
	st, err := DecodeStatus(data)
	if err != nil {
		return err
	}
	if st.Version != StatusVersion {
		return fmt.Errorf("%w: %d", ErrStatusVersion, st.Version)
	}
	if st.Tree != r.tree {
		return ErrForeignTree
	}

	r.mu.Lock()
	r.status[from] = st
	onPeer := r.onPeer
	r.mu.Unlock()
	if onPeer != nil {
		onPeer(from, st.Sequence)
	}
	return nil
}

// BestPeer returns the peer that announced the highest sequence.
func (r *Relay) BestPeer() (peer.ID, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best peer.ID
	var seq uint64
	for id, st := range r.status {
		if st.Sequence > seq {
			best, seq = id, st.Sequence
		}
	}
	return best, seq
}

// Behind reports whether some peer has indexed past local.
func (r *Relay) Behind(local uint64) bool {
	_, best := r.BestPeer()
	return best > local
}

// BroadcastEnvelope publishes a sent envelope. It matches the submitter's
// broadcast hook.
func (r *Relay) BroadcastEnvelope(env *submitter.Envelope) {
	if err := r.pub.PublishEnvelope(env.Bytes()); err != nil {
		r.logger.Warn("envelope broadcast failed", zap.Error(err))
	}
}

// AnnounceEvents publishes freshly indexed events and the resulting
// checkpoint.
func (r *Relay) AnnounceEvents(events []*types.ParsedIndexedTransaction, cp *indexer.Checkpoint) error {
	for _, ev := range events {
		raw := indexer.RawTransaction{
			Signature: ev.Signature,
			Signer:    ev.Signer,
			Slot:      ev.Slot,
			BlockTime: ev.BlockTime,
			Data:      indexer.EncodeEvent(ev),
		}
		r.gossip.Push(raw)
		if err := r.pub.PublishEvent(EncodeEvent(raw)); err != nil {
			return fmt.Errorf("publish event %s: %w", ev.Signature, err)
		}
	}
	if cp == nil {
		return nil
	}
	return r.pub.PublishStatus(EncodeStatus(&StatusMessage{
		Version:  StatusVersion,
		Tree:     r.tree,
		Sequence: cp.Sequence,
		Last:     cp.Signature,
	}))
}
