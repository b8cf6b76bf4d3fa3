package addressbook

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// flushInterval is how often batched changes reach disk.
const flushInterval = 5 * time.Second

// MaxAddrsPerPeer bounds the addresses remembered for one peer; the most
// recently confirmed come first.
const MaxAddrsPerPeer = 16

var (
	// ErrPeerNotFound is returned for peers the book does not know.
	ErrPeerNotFound = errors.New("addressbook: peer not found")

	// ErrBlacklisted is returned when updating a blacklisted peer.
	ErrBlacklisted = errors.New("addressbook: peer is blacklisted")
)

// Book is the peer address book. Structural changes (add, remove,
// blacklist) are written immediately; session bookkeeping is batched and
// flushed periodically. An empty path keeps the book in memory only.
type Book struct {
	storage *storage
	peers   map[peer.ID]*PeerEntry
	dirty   bool
	mu      sync.RWMutex

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New opens the book stored at path, creating it on first save.
func New(path string) (*Book, error) {
	b := &Book{
		peers: make(map[peer.ID]*PeerEntry),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	if path != "" {
		b.storage = newStorage(path)
		peers, err := b.storage.load()
		if err != nil {
			return nil, fmt.Errorf("failed to load address book: %w", err)
		}
		b.peers = peers
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.flushLoop(ctx)
	return b, nil
}

// AddPeer records addresses for p, merging them ahead of what is already
// known.
func (b *Book) AddPeer(p peer.ID, addrs []multiaddr.Multiaddr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.peers[p]
	if ok && e.Blacklisted {
		return fmt.Errorf("%w: %s", ErrBlacklisted, p)
	}
	if !ok {
		e = b.createLocked(p)
	}
	e.Addrs = mergeAddrs(addrs, e.Addrs)
	e.UpdatedAt = b.now()
	return b.saveLocked()
}

// RemovePeer forgets p.
func (b *Book) RemovePeer(p peer.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[p]; !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, p)
	}
	delete(b.peers, p)
	return b.saveLocked()
}

// GetPeer returns a copy of p's entry.
func (b *Book) GetPeer(p peer.ID) (*PeerEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.peers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, p)
	}
	return e.Clone(), nil
}

// HasPeer reports whether p is in the book.
func (b *Book) HasPeer(p peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.peers[p]
	return ok
}

// Addrs returns p's known addresses, or nil for unknown and blacklisted
// peers.
func (b *Book) Addrs(p peer.ID) []multiaddr.Multiaddr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.peers[p]
	if !ok || e.Blacklisted {
		return nil
	}
	return append([]multiaddr.Multiaddr(nil), e.Addrs...)
}

// ListPeers returns every peer that is not blacklisted, most recently
// seen first.
func (b *Book) ListPeers() []*PeerEntry {
	return b.list(false)
}

// ListAllPeers includes blacklisted peers.
func (b *Book) ListAllPeers() []*PeerEntry {
	return b.list(true)
}

func (b *Book) list(all bool) []*PeerEntry {
	b.mu.RLock()
	out := make([]*PeerEntry, 0, len(b.peers))
	for _, e := range b.peers {
		if all || !e.Blacklisted {
			out = append(out, e.Clone())
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// BlacklistPeer blocks p. Unknown peers get an entry so the block
// survives restarts.
func (b *Book) BlacklistPeer(p peer.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.peers[p]
	if !ok {
		e = b.createLocked(p)
	}
	e.Blacklisted = true
	e.UpdatedAt = b.now()
	return b.saveLocked()
}

// UnblacklistPeer lifts the block on p.
func (b *Book) UnblacklistPeer(p peer.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.peers[p]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, p)
	}
	e.Blacklisted = false
	e.UpdatedAt = b.now()
	return b.saveLocked()
}

// IsBlacklisted reports whether p is blocked.
func (b *Book) IsBlacklisted(p peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.peers[p]
	return ok && e.Blacklisted
}

// Gate returns an error for blacklisted peers. It fits session.Gate.
func (b *Book) Gate(p peer.ID) error {
	if b.IsBlacklisted(p) {
		return fmt.Errorf("%w: %s", ErrBlacklisted, p)
	}
	return nil
}

// RecordSession notes an established session: the proven public key, the
// address that worked (nil for relayed paths without one) and the path
// kind. It is batched.
func (b *Book) RecordSession(p peer.ID, pub ed25519.PublicKey, addr multiaddr.Multiaddr, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.peers[p]
	if !ok {
		e = b.createLocked(p)
	}
	if len(pub) == ed25519.PublicKeySize {
		e.PublicKey = append(ed25519.PublicKey(nil), pub...)
	}
	if addr != nil {
		e.Addrs = mergeAddrs([]multiaddr.Multiaddr{addr}, e.Addrs)
	}
	now := b.now()
	e.LastPath = path
	e.LastSeen = now
	e.UpdatedAt = now
	b.dirty = true
}

// Count returns the number of entries, blacklisted included.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

// CountActive returns the number of peers that are not blacklisted.
func (b *Book) CountActive() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, e := range b.peers {
		if !e.Blacklisted {
			n++
		}
	}
	return n
}

// Reload replaces the in-memory state with the file's.
func (b *Book) Reload() error {
	if b.storage == nil {
		return nil
	}
	peers, err := b.storage.load()
	if err != nil {
		return fmt.Errorf("failed to reload address book: %w", err)
	}
	b.mu.Lock()
	b.peers = peers
	b.dirty = false
	b.mu.Unlock()
	return nil
}

// Flush writes batched changes now.
func (b *Book) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return nil
	}
	return b.saveLocked()
}

// Close stops the flush loop and writes pending changes.
func (b *Book) Close() error {
	b.cancel()
	<-b.done
	return b.Flush()
}

func (b *Book) createLocked(p peer.ID) *PeerEntry {
	now := b.now()
	e := &PeerEntry{PeerID: p, CreatedAt: now, UpdatedAt: now}
	b.peers[p] = e
	return e
}

func (b *Book) saveLocked() error {
	if b.storage != nil {
		if err := b.storage.save(b.peers); err != nil {
			return err
		}
	}
	b.dirty = false
	return nil
}

func (b *Book) flushLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are retried on the next tick.
			_ = b.Flush()
		}
	}
}

// mergeAddrs returns fresh followed by the entries of known not already
// present, capped at MaxAddrsPerPeer.
func mergeAddrs(fresh, known []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(fresh)+len(known))
	seen := make(map[string]bool, len(fresh)+len(known))
	for _, list := range [][]multiaddr.Multiaddr{fresh, known} {
		for _, a := range list {
			if a == nil || seen[string(a.Bytes())] {
				continue
			}
			seen[string(a.Bytes())] = true
			out = append(out, a)
		}
	}
	if len(out) > MaxAddrsPerPeer {
		out = out[:MaxAddrsPerPeer]
	}
	return out
}
