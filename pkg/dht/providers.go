package dht

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type providerEntry struct {
	contact Contact
	expires time.Time
}

// ProviderStore maps content keys to the peers that announced them.
// Expired records are pruned lazily on lookup and by Prune.
type ProviderStore struct {
	maxPerKey int
	now       func() time.Time

	mu    sync.Mutex
	byKey map[ID]map[peer.ID]providerEntry
}

// NewProviderStore creates a store keeping at most maxPerKey providers
// for each key.
func NewProviderStore(maxPerKey int, now func() time.Time) *ProviderStore {
	if now == nil {
		now = time.Now
	}
	return &ProviderStore{
		maxPerKey: maxPerKey,
		now:       now,
		byKey:     make(map[ID]map[peer.ID]providerEntry),
	}
}

// Add records c as a provider of key for ttl. When the key is full the
// record expiring soonest is replaced.
func (s *ProviderStore) Add(key ID, c Contact, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	m := s.byKey[key]
	if m == nil {
		m = make(map[peer.ID]providerEntry)
		s.byKey[key] = m
	}
	if _, ok := m[c.PeerID]; !ok && len(m) >= s.maxPerKey {
		s.pruneKeyLocked(key, now)
		if len(m) >= s.maxPerKey {
			var victim peer.ID
			var soonest time.Time
			for p, e := range m {
				if victim == "" || e.expires.Before(soonest) {
					victim, soonest = p, e.expires
				}
			}
			delete(m, victim)
		}
	}
	m[c.PeerID] = providerEntry{contact: c, expires: now.Add(ttl)}
	s.byKey[key] = m
}

// Get returns the live providers of key.
func (s *ProviderStore) Get(key ID) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneKeyLocked(key, s.now())
	m := s.byKey[key]
	out := make([]Contact, 0, len(m))
	for _, e := range m {
		out = append(out, e.contact)
	}
	return out
}

// Prune drops every expired record and returns how many were removed.
func (s *ProviderStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for key := range s.byKey {
		n += s.pruneKeyLocked(key, now)
	}
	return n
}

func (s *ProviderStore) pruneKeyLocked(key ID, now time.Time) int {
	m := s.byKey[key]
	n := 0
	for p, e := range m {
		if !now.Before(e.expires) {
			delete(m, p)
			n++
		}
	}
	if len(m) == 0 {
		delete(s.byKey, key)
	}
	return n
}

// Len returns the number of stored records, including expired ones not
// yet pruned.
func (s *ProviderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byKey {
		n += len(m)
	}
	return n
}
