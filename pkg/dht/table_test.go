package dht

import (
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

var contactSeq int

// syntheticContact returns a contact whose ID falls in bucket prefix of
// self. The peer ID is not derived from a key, which the table does not
// check.
func syntheticContact(self ID, prefix int) Contact {
	contactSeq++
	return Contact{
		PeerID: peer.ID(fmt.Sprintf("peer-%d", contactSeq)),
		ID:     randomIDInBucket(self, prefix),
	}
}

func TestRoutingTable_AddAndGet(t *testing.T) {
	self := randomIDInBucket(ID{}, 0)
	rt := NewRoutingTable(self, 4, 3, nil)

	c := syntheticContact(self, 5)
	res, _ := rt.Add(c)
	assert.Equal(t, Added, res)
	res, _ = rt.Add(c)
	assert.Equal(t, Updated, res)
	assert.Equal(t, 1, rt.Len())

	res, _ = rt.Add(Contact{ID: self})
	assert.Equal(t, Ignored, res)

	_, ok := rt.Get(peer.ID("unknown"))
	assert.False(t, ok)
	assert.Equal(t, map[int]int{5: 1}, rt.BucketSizes())
}

func TestRoutingTable_FullBucket(t *testing.T) {
	self := randomIDInBucket(ID{}, 0)
	rt := NewRoutingTable(self, 3, 3, nil)

	var first Contact
	for i := 0; i < 3; i++ {
		c := syntheticContact(self, 0)
		if i == 0 {
			first = c
		}
		res, _ := rt.Add(c)
		require.Equal(t, Added, res)
	}

	extra := syntheticContact(self, 0)
	res, oldest := rt.Add(extra)
	assert.Equal(t, Pending, res)
	assert.Equal(t, first.ID, oldest.ID)
	assert.Equal(t, 3, rt.Len())

	// The oldest entry answered: it moves to the back, extra stays out.
	rt.Touch(first.ID)
	res, oldest = rt.Add(syntheticContact(self, 0))
	assert.Equal(t, Pending, res)
	assert.NotEqual(t, first.ID, oldest.ID)

	// The oldest did not answer: the newest replacement takes its place.
	require.True(t, rt.Replace(oldest.ID))
	assert.Equal(t, 3, rt.Len())
	for _, c := range rt.All() {
		assert.NotEqual(t, oldest.ID, c.ID)
	}
}

func TestRoutingTable_FailEvicts(t *testing.T) {
	self := randomIDInBucket(ID{}, 0)
	rt := NewRoutingTable(self, 4, 2, nil)
	c := syntheticContact(self, 1)
	rt.Add(c)

	assert.False(t, rt.Fail(c.ID))
	assert.True(t, rt.Fail(c.ID))
	assert.Equal(t, 0, rt.Len())
	assert.False(t, rt.Fail(c.ID))
}

func TestRoutingTable_TouchResetsFailures(t *testing.T) {
	self := randomIDInBucket(ID{}, 0)
	rt := NewRoutingTable(self, 4, 2, nil)
	c := syntheticContact(self, 1)
	rt.Add(c)

	rt.Fail(c.ID)
	rt.Touch(c.ID)
	assert.False(t, rt.Fail(c.ID))
	assert.Equal(t, 1, rt.Len())
}

func TestRoutingTable_Closest(t *testing.T) {
	self := randomIDInBucket(ID{}, 0)
	rt := NewRoutingTable(self, 20, 3, nil)
	for prefix := 0; prefix < 40; prefix++ {
		rt.Add(syntheticContact(self, prefix))
	}

	target := randomIDInBucket(self, 30)
	closest := rt.Closest(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		assert.False(t, Closer(target, closest[i].ID, closest[i-1].ID))
	}
	all := rt.All()
	SortByDistance(target, all)
	assert.Equal(t, all[0].ID, closest[0].ID)
}

func TestRoutingTable_StaleBuckets(t *testing.T) {
	clock := newFakeClock()
	self := randomIDInBucket(ID{}, 0)
	rt := NewRoutingTable(self, 4, 3, clock.now)

	assert.Empty(t, rt.StaleBuckets(clock.t), "empty table has nothing to refresh")

	rt.Add(syntheticContact(self, 3))
	clock.advance(time.Hour)
	assert.Equal(t, []int{0, 1, 2, 3}, rt.StaleBuckets(clock.t))

	rt.MarkRefreshed(1)
	rt.Add(syntheticContact(self, 3))
	assert.Equal(t, []int{0, 2}, rt.StaleBuckets(clock.t))
}
