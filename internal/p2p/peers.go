package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerInfo holds information about a connected peer
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	ConnectedAt time.Time
	LastSeen    time.Time
	// Sequence is the last indexed sequence the peer announced
	Sequence uint64
}

// peerBook tracks connected peers up to a limit.
type peerBook struct {
	mu    sync.RWMutex
	max   int
	peers map[peer.ID]*PeerInfo
	now   func() time.Time
}

func newPeerBook(max int) *peerBook {
	return &peerBook{max: max, peers: make(map[peer.ID]*PeerInfo), now: time.Now}
}

// add records id and reports false when the book is full. Known peers
// are refreshed instead.
func (b *peerBook) add(id peer.ID, addrs []multiaddr.Multiaddr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if p, ok := b.peers[id]; ok {
		p.LastSeen = now
		return true
	}
	if len(b.peers) >= b.max {
		return false
	}
	b.peers[id] = &PeerInfo{ID: id, Addrs: addrs, ConnectedAt: now, LastSeen: now}
	connectedPeers.Set(float64(len(b.peers)))
	return true
}

func (b *peerBook) remove(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
	connectedPeers.Set(float64(len(b.peers)))
}

func (b *peerBook) touch(id peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[id]; ok {
		p.LastSeen = b.now()
	}
}

func (b *peerBook) setSequence(id peer.ID, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[id]; ok {
		p.Sequence = seq
	}
}

// evictStale drops peers silent for longer than ttl and returns them.
func (b *peerBook) evictStale(ttl time.Duration) []peer.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-ttl)
	var stale []peer.ID
	for id, p := range b.peers {
		if p.LastSeen.Before(cutoff) {
			stale = append(stale, id)
			delete(b.peers, id)
		}
	}
	connectedPeers.Set(float64(len(b.peers)))
	return stale
}

func (b *peerBook) full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers) >= b.max
}

func (b *peerBook) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// snapshot returns copies of the tracked peers.
func (b *peerBook) snapshot() []*PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(b.peers))
	for _, p := range b.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
