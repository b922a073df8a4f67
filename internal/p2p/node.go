// Package p2p implements the libp2p gossip layer: peers exchange indexed
// ledger events and signed envelopes so a node without a ledger RPC can
// still follow a tree.
package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Topic names
const (
	EventTopic    = "shielded/events"
	EnvelopeTopic = "shielded/envelopes"
	StatusTopic   = "shielded/status"

	mdnsService = "shielded-local"
)

const (
	maintainInterval = 30 * time.Second
	peerTTL          = 5 * time.Minute
	dialTimeout      = 10 * time.Second
)

// topics maps each message type to its gossip topic
var topics = map[uint8]string{
	MsgTypeEvent:    EventTopic,
	MsgTypeEnvelope: EnvelopeTopic,
	MsgTypeStatus:   StatusTopic,
}

// MessageHandler handles the payload of a message received from a peer
type MessageHandler func(ctx context.Context, from peer.ID, payload []byte) error

// channel is one joined topic carrying a single message type.
type channel struct {
	name    string
	typ     uint8
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler MessageHandler
}

// Node is a gossip participant on the shielded topics.
type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	peers     *peerBook
	bootstrap []string
	logger    *zap.Logger

	mu       sync.RWMutex
	channels map[uint8]*channel
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds P2P node configuration
type Config struct {
	Enabled        bool           `yaml:"enabled"`
	ListenAddrs    []string       `yaml:"listenAddrs"`
	BootstrapPeers []string       `yaml:"bootstrapPeers"`
	PrivateKey     crypto.PrivKey `yaml:"-"`
	MaxPeers       int            `yaml:"maxPeers"`
	EnableMDNS     bool           `yaml:"enableMDNS"`
}

// DefaultConfig returns default P2P configuration
func DefaultConfig() Config {
	return Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/9400"},
		MaxPeers:    50,
		EnableMDNS:  true,
	}
}

// Validate checks listen and bootstrap addresses parse
func (c Config) Validate() error {
	if c.MaxPeers < 1 {
		return fmt.Errorf("max peers must be positive, got %d", c.MaxPeers)
	}
	if _, err := listenAddrs(c.ListenAddrs); err != nil {
		return err
	}
	for _, a := range c.BootstrapPeers {
		if _, err := parsePeerAddr(a); err != nil {
			return fmt.Errorf("invalid bootstrap peer %q: %w", a, err)
		}
	}
	return nil
}

func listenAddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		out = append(out, ma)
	}
	return out, nil
}

func parsePeerAddr(addr string) (*peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(ma)
}

// NewNode starts a libp2p host, joins the shielded topics and dials the
// bootstrap peers. Messages are not processed until Start.
func NewNode(ctx context.Context, cfg Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addrs, err := listenAddrs(cfg.ListenAddrs)
	if err != nil {
		return nil, err
	}

	key := cfg.PrivateKey
	if key == nil {
		key, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrs(addrs...),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{
		host:      h,
		peers:     newPeerBook(cfg.MaxPeers),
		bootstrap: cfg.BootstrapPeers,
		logger:    logger.With(zap.String("peer", h.ID().String())),
		channels:  make(map[uint8]*channel),
		ctx:       nodeCtx,
		cancel:    cancel,
	}

	n.pubsub, err = pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	for typ, name := range topics {
		if err := n.join(typ, name); err != nil {
			n.Close()
			return nil, err
		}
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.onConnected,
		DisconnectedF: n.onDisconnected,
	})
	n.redialBootstrap()
	if cfg.EnableMDNS {
		if err := mdns.NewMdnsService(h, mdnsService, n).Start(); err != nil {
			n.logger.Warn("mDNS setup failed", zap.Error(err))
		}
	}
	return n, nil
}

func (n *Node) join(typ uint8, name string) error {
	topic, err := n.pubsub.Join(name)
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}
	n.channels[typ] = &channel{name: name, typ: typ, topic: topic, sub: sub}
	return nil
}

// Handle sets the handler for messages of type typ. Handlers must be set
// before Start.
func (n *Node) Handle(typ uint8, handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.channels[typ]; ok && !n.started {
		c.handler = handler
	}
}

// Start begins processing messages and maintaining peers.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	for _, c := range n.channels {
		go n.consume(c)
	}
	go n.maintain()
}

// consume feeds a channel's messages to its handler until the node closes.
func (n *Node) consume(c *channel) {
	for {
		msg, err := c.sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		messagesReceived.WithLabelValues(c.name).Inc()
		n.peers.touch(msg.ReceivedFrom)
		if c.handler == nil {
			continue
		}

		payload, err := unframe(msg.Data, c.typ)
		if err == nil {
			err = c.handler(n.ctx, msg.ReceivedFrom, payload)
		}
		if err != nil {
			messagesRejected.WithLabelValues(c.name).Inc()
			n.logger.Warn("message rejected",
				zap.String("topic", c.name),
				zap.String("from", msg.ReceivedFrom.String()),
				zap.Error(err))
		}
	}
}

func (n *Node) maintain() {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.peers.evictStale(peerTTL) {
				n.host.Network().ClosePeer(id)
			}
			n.redialBootstrap()
		}
	}
}

// redialBootstrap dials bootstrap peers that are not connected while the
// peer book has room.
func (n *Node) redialBootstrap() {
	for _, addr := range n.bootstrap {
		if n.peers.full() {
			return
		}
		info, err := parsePeerAddr(addr)
		if err != nil {
			continue
		}
		if n.host.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		if err := n.dial(*info); err != nil {
			n.logger.Debug("bootstrap dial failed", zap.String("addr", addr), zap.Error(err))
		}
	}
}

func (n *Node) dial(info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()
	return n.host.Connect(ctx, info)
}

// HandlePeerFound implements mdns.Notifee.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() || n.peers.full() {
		return
	}
	if err := n.dial(info); err != nil {
		n.logger.Debug("mDNS peer unreachable", zap.String("peer", info.ID.String()), zap.Error(err))
	}
}

func (n *Node) onConnected(_ network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if !n.peers.add(id, []multiaddr.Multiaddr{conn.RemoteMultiaddr()}) {
		// notifications run synchronously with the swarm
		go n.host.Network().ClosePeer(id)
	}
}

func (n *Node) onDisconnected(net network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if net.Connectedness(id) != network.Connected {
		n.peers.remove(id)
	}
}

func (n *Node) publish(typ uint8, payload []byte) error {
	data, err := frame(typ, payload)
	if err != nil {
		return err
	}
	return n.channels[typ].topic.Publish(n.ctx, data)
}

// PublishEvent broadcasts an encoded event
func (n *Node) PublishEvent(data []byte) error { return n.publish(MsgTypeEvent, data) }

// PublishEnvelope broadcasts a signed envelope
func (n *Node) PublishEnvelope(data []byte) error { return n.publish(MsgTypeEnvelope, data) }

// PublishStatus broadcasts a status announcement
func (n *Node) PublishStatus(data []byte) error { return n.publish(MsgTypeStatus, data) }

// SetPeerSequence records the sequence a peer announced
func (n *Node) SetPeerSequence(id peer.ID, seq uint64) { n.peers.setSequence(id, seq) }

// ID returns the node's peer ID
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the node's listen addresses
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// PeerCount returns the number of connected peers
func (n *Node) PeerCount() int { return n.peers.len() }

// Peers returns copies of the connected peers
func (n *Node) Peers() []*PeerInfo { return n.peers.snapshot() }

// Close leaves the topics and shuts down the host.
func (n *Node) Close() error {
	n.cancel()
	for _, c := range n.channels {
		c.sub.Cancel()
		c.topic.Close()
	}
	return n.host.Close()
}
