package dht

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// AddResult is the outcome of RoutingTable.Add.
type AddResult int

const (
	// Added means the contact was inserted.
	Added AddResult = iota
	// Updated means the contact was already present and was refreshed.
	Updated
	// Pending means the bucket is full. The contact went to the
	// replacement cache and the least-recently-seen entry should be
	// checked for liveness.
	Pending
	// Ignored means the contact is the local node.
	Ignored
)

type bucket struct {
	// entries are ordered least-recently-seen first.
	entries      []Contact
	replacements []Contact
	refreshed    time.Time
}

func (b *bucket) index(id ID) int {
	for i := range b.entries {
		if b.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) removeReplacement(id ID) {
	for i := range b.replacements {
		if b.replacements[i].ID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return
		}
	}
}

// RoutingTable holds contacts in IDBits buckets by shared prefix length
// with the local ID. It is safe for concurrent use.
type RoutingTable struct {
	self        ID
	k           int
	maxFailures int
	now         func() time.Time

	mu      sync.RWMutex
	buckets [IDBits]*bucket
}

// NewRoutingTable creates a table with bucket size k.
func NewRoutingTable(self ID, k, maxFailures int, now func() time.Time) *RoutingTable {
	if now == nil {
		now = time.Now
	}
	t := &RoutingTable{self: self, k: k, maxFailures: maxFailures, now: now}
	created := now()
	for i := range t.buckets {
		t.buckets[i] = &bucket{refreshed: created}
	}
	return t
}

// Self returns the local ID.
func (t *RoutingTable) Self() ID { return t.self }

func (t *RoutingTable) bucketFor(id ID) *bucket {
	cpl := t.self.CommonPrefixLen(id)
	if cpl >= IDBits {
		cpl = IDBits - 1
	}
	return t.buckets[cpl]
}

// Add records that c was seen now. When the bucket is full it returns
// Pending and the least-recently-seen entry, which the caller should ping
// before calling Replace or Touch.
func (t *RoutingTable) Add(c Contact) (AddResult, Contact) {
	if c.ID == t.self {
		return Ignored, Contact{}
	}
	c.LastSeen = t.now()
	c.Failures = 0

	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(c.ID)
	b.refreshed = c.LastSeen
	if i := b.index(c.ID); i >= 0 {
		old := b.entries[i]
		if c.Addr == nil {
			c.Addr = old.Addr
		}
		if len(c.Addrs) == 0 {
			c.Addrs = old.Addrs
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		b.entries = append(b.entries, c)
		return Updated, Contact{}
	}
	if len(b.entries) < t.k {
		b.entries = append(b.entries, c)
		b.removeReplacement(c.ID)
		return Added, Contact{}
	}
	b.removeReplacement(c.ID)
	b.replacements = append(b.replacements, c)
	if len(b.replacements) > t.k {
		b.replacements = b.replacements[1:]
	}
	return Pending, b.entries[0]
}

// Touch marks id as alive, moving it to the most-recently-seen position.
func (t *RoutingTable) Touch(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(id)
	if i := b.index(id); i >= 0 {
		c := b.entries[i]
		c.LastSeen = t.now()
		c.Failures = 0
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		b.entries = append(b.entries, c)
	}
}

// Replace evicts stale and promotes the most recent replacement-cache
// entry in its bucket.
func (t *RoutingTable) Replace(stale ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(stale)
}

func (t *RoutingTable) evictLocked(id ID) bool {
	b := t.bucketFor(id)
	i := b.index(id)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if n := len(b.replacements); n > 0 {
		b.entries = append(b.entries, b.replacements[n-1])
		b.replacements = b.replacements[:n-1]
	}
	return true
}

// Fail records an unanswered query. After maxFailures consecutive
// failures the contact is evicted. It reports whether it was.
func (t *RoutingTable) Fail(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(id)
	i := b.index(id)
	if i < 0 {
		return false
	}
	b.entries[i].Failures++
	if b.entries[i].Failures < t.maxFailures {
		return false
	}
	return t.evictLocked(id)
}

// Remove drops id from the table.
func (t *RoutingTable) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketFor(id)
	if i := b.index(id); i >= 0 {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
	}
	b.removeReplacement(id)
}

// Get returns the contact for p.
func (t *RoutingTable) Get(p peer.ID) (Contact, bool) {
	id := IDFromPeer(p)
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.bucketFor(id)
	if i := b.index(id); i >= 0 {
		return b.entries[i], true
	}
	return Contact{}, false
}

// Closest returns up to n contacts nearest to target.
func (t *RoutingTable) Closest(target ID, n int) []Contact {
	t.mu.RLock()
	all := make([]Contact, 0, n*2)
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.mu.RUnlock()
	SortByDistance(target, all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns every contact.
func (t *RoutingTable) All() []Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Contact
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// Len returns the number of contacts.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// BucketSizes returns the occupancy of each non-empty bucket by prefix
// length.
func (t *RoutingTable) BucketSizes() map[int]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]int)
	for i, b := range t.buckets {
		if len(b.entries) > 0 {
			out[i] = len(b.entries)
		}
	}
	return out
}

// StaleBuckets returns the prefix lengths of buckets not touched since
// cutoff, up to the deepest non-empty bucket.
func (t *RoutingTable) StaleBuckets(cutoff time.Time) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	deepest := -1
	for i, b := range t.buckets {
		if len(b.entries) > 0 {
			deepest = i
		}
	}
	var out []int
	for i := 0; i <= deepest; i++ {
		if t.buckets[i].refreshed.Before(cutoff) {
			out = append(out, i)
		}
	}
	return out
}

// MarkRefreshed records a lookup into bucket i.
func (t *RoutingTable) MarkRefreshed(i int) {
	if i < 0 || i >= IDBits {
		return
	}
	t.mu.Lock()
	t.buckets[i].refreshed = t.now()
	t.mu.Unlock()
}
