package transfer

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordConn captures the reliable messages an engine sends.
type recordConn struct {
	id   peer.ID
	done chan struct{}

	mu   sync.Mutex
	msgs []*Message
}

func newRecordConn(id peer.ID) *recordConn {
	return &recordConn{id: id, done: make(chan struct{})}
}

func (c *recordConn) PeerID() peer.ID                    { return c.id }
func (c *recordConn) Done() <-chan struct{}              { return c.done }
func (c *recordConn) Send(context.Context, []byte) error { return nil }

func (c *recordConn) SendMessage(_ context.Context, b []byte) error {
	m, err := DecodeMessage(b)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *recordConn) sent() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.msgs...)
}

func deliver(t *testing.T, e *Engine, conn Conn, m *Message) {
	t.Helper()
	b, err := EncodeMessage(m)
	require.NoError(t, err)
	e.HandleMessage(conn, b)
}

func validOffer(t *testing.T) *Message {
	t.Helper()
	c, err := CIDFromRoot(LeafHash([]byte("limits")))
	require.NoError(t, err)
	return &Message{
		Type:         MsgOffer,
		ID:           uuid.New(),
		CID:          c.Bytes(),
		Name:         "limits.bin",
		Size:         10 * DefaultChunkSize,
		ChunkSize:    DefaultChunkSize,
		ChunkCount:   10,
		FragmentSize: DefaultFragmentSize,
	}
}

func TestOfferLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Message)
		reason string
	}{
		{
			name: "oversized content",
			mutate: func(m *Message) {
				m.Size = math.MaxUint64
				m.ChunkCount = math.MaxUint32
			},
			reason: "offer too large",
		},
		{
			name: "chunk count beyond limit",
			mutate: func(m *Message) {
				m.Size = uint64(DefaultMaxChunkCount+1) * DefaultChunkSize
				m.ChunkCount = DefaultMaxChunkCount + 1
			},
			reason: "too many chunks",
		},
		{
			name:   "forged chunk count",
			mutate: func(m *Message) { m.ChunkCount = math.MaxUint32 },
			reason: "too many chunks",
		},
		{
			name:   "short chunk count",
			mutate: func(m *Message) { m.ChunkCount = 3 },
			reason: "malformed offer",
		},
		{
			name:   "huge chunk size",
			mutate: func(m *Message) { m.ChunkSize = 1 << 30 },
			reason: "chunk size too large",
		},
		{
			name:   "fragment size over limit",
			mutate: func(m *Message) { m.FragmentSize = MaxFragmentSize + 1 },
			reason: "fragment size too large",
		},
		{
			name: "too many fragments per chunk",
			mutate: func(m *Message) {
				m.ChunkSize = 4 * DefaultChunkSize
				m.ChunkCount = 3
				m.FragmentSize = 1
			},
			reason: "fragment size too small",
		},
		{
			name:   "missing fragment size",
			mutate: func(m *Message) { m.FragmentSize = 0 },
			reason: "malformed offer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, testConfig(), nil, nil)
			conn := newRecordConn(alice)
			m := validOffer(t)
			tt.mutate(m)

			deliver(t, e, conn, m)

			assert.Empty(t, e.Offers())
			e.mu.Lock()
			assert.Empty(t, e.offers)
			assert.Empty(t, e.accepting)
			e.mu.Unlock()

			sent := conn.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, MsgReject, sent[0].Type)
			assert.Equal(t, m.ID, sent[0].ID)
			assert.Equal(t, tt.reason, sent[0].Reason)
		})
	}

	t.Run("within limits", func(t *testing.T) {
		e := newTestEngine(t, testConfig(), nil, nil)
		conn := newRecordConn(alice)
		deliver(t, e, conn, validOffer(t))
		require.Len(t, e.Offers(), 1)
		assert.Equal(t, DefaultFragmentSize, e.Offers()[0].FragmentSize)
		assert.Empty(t, conn.sent())
	})
}

func TestChunkCountLargeSizes(t *testing.T) {
	assert.Equal(t, uint64(1), chunkCount(0, DefaultChunkSize))
	assert.Equal(t, uint64(1), chunkCount(1, DefaultChunkSize))
	assert.Equal(t, uint64(1), chunkCount(DefaultChunkSize, DefaultChunkSize))
	assert.Equal(t, uint64(2), chunkCount(DefaultChunkSize+1, DefaultChunkSize))
	assert.Equal(t, uint64(math.MaxUint64/DefaultChunkSize+1), chunkCount(math.MaxUint64, DefaultChunkSize))
	assert.Equal(t, uint64(math.MaxUint64), chunkCount(math.MaxUint64, 1))
}

func TestEarlyMessageBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEarlyMessages = 2
	e := newTestEngine(t, cfg, nil, nil)
	conn := newRecordConn(alice)
	offer := validOffer(t)
	deliver(t, e, conn, offer)
	require.Len(t, e.Offers(), 1)

	hash := LeafHash([]byte("h"))
	for i := 0; i < 5; i++ {
		deliver(t, e, conn, &Message{Type: MsgHashList, ID: offer.ID, Start: uint32(i), Hashes: [][]byte{hash[:]}})
	}
	e.mu.Lock()
	po := e.offers[alice][0]
	assert.Len(t, po.early, 2)
	assert.LessOrEqual(t, po.earlyBytes, cfg.MaxEarlyBytes)
	e.mu.Unlock()

	cfg = testConfig()
	cfg.MaxEarlyBytes = 200
	e = newTestEngine(t, cfg, nil, nil)
	deliver(t, e, conn, offer)
	big := make([][]byte, HashesPerMessage)
	for i := range big {
		big[i] = hash[:]
	}
	for i := 0; i < 3; i++ {
		deliver(t, e, conn, &Message{Type: MsgHashList, ID: offer.ID, Hashes: big})
	}
	e.mu.Lock()
	assert.Empty(t, e.offers[alice][0].early)
	e.mu.Unlock()
}

func TestTransferRecoversDroppedHashLists(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEarlyBytes = 1
	cfg.HashRequestInterval = 50 * time.Millisecond
	a := newTestEngine(t, cfg, nil, nil)
	b := newTestEngine(t, cfg, nil, nil)
	ab, ba := newPipe(a, b, alice, bob)
	defer ab.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	content := randomBytes(t, 5*HashesPerMessage*DefaultChunkSize+9)
	out, err := a.Send(ctx, ab, "big.bin", bytes.NewReader(content), uint64(len(content)))
	require.NoError(t, err)

	// Every hash list arriving before Receive exceeds the budget.
	require.Eventually(t, func() bool { return len(b.Offers()) == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	b.mu.Lock()
	assert.Empty(t, b.offers[alice][0].early)
	b.mu.Unlock()

	dest := filepath.Join(t.TempDir(), "big.bin")
	in, err := b.Receive(ctx, ba, ReceiveOptions{Expected: out.CID(), Path: dest})
	require.NoError(t, err)
	require.NoError(t, in.Wait(ctx))
	require.NoError(t, out.Wait(ctx))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestReceiverBoundsFragments(t *testing.T) {
	e := newTestEngine(t, testConfig(), nil, nil)
	conn := newRecordConn(alice)
	c, err := CIDFromRoot(LeafHash([]byte("fragments")))
	require.NoError(t, err)
	r := newReceiver(e, conn, Offer{
		ID:           uuid.New(),
		Peer:         alice,
		CID:          c,
		Size:         3 * DefaultChunkSize,
		ChunkSize:    DefaultChunkSize,
		ChunkCount:   3,
		FragmentSize: DefaultFragmentSize,
	}, filepath.Join(t.TempDir(), "f.bin"))
	r.accepted = true
	// ChunkSize+1 encoded bytes in 1024-byte fragments.
	require.Equal(t, uint16(17), r.maxFrags)

	frag := func(index, count uint16, n int) *Fragment {
		return &Fragment{ID: r.h.id, Chunk: 1, Index: index, Count: count, Data: make([]byte, n)}
	}

	t.Run("fragment count above offer", func(t *testing.T) {
		require.NoError(t, r.onData(frag(0, math.MaxUint16, 1)))
		assert.Empty(t, r.partial)
	})

	t.Run("fragment larger than announced", func(t *testing.T) {
		require.NoError(t, r.onData(frag(0, 17, DefaultFragmentSize+1)))
		assert.Empty(t, r.partial)
	})

	t.Run("assembly larger than an encoded chunk", func(t *testing.T) {
		for i := uint16(0); i < 16; i++ {
			require.NoError(t, r.onData(frag(i, 17, DefaultFragmentSize)))
		}
		require.Len(t, r.partial, 1)
		require.NoError(t, r.onData(frag(16, 17, DefaultFragmentSize)))
		assert.Empty(t, r.partial)
		assert.False(t, r.verified.Has(1))
	})
}
