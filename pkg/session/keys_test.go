package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
)

// handshakePair runs a full handshake in memory.
func handshakePair(t testing.TB) (*handshake.Result, *handshake.Result) {
	t.Helper()
	a, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	b, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	init, msg1, err := handshake.NewInitiator(a, b.PeerID())
	require.NoError(t, err)
	resp, msg2, err := handshake.Respond(b, msg1)
	require.NoError(t, err)
	msg3, ri, err := init.ReadMessage2(msg2)
	require.NoError(t, err)
	rr, err := resp.ReadMessage3(msg3)
	require.NoError(t, err)
	return ri, rr
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time            { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func cryptoPair(t testing.TB, clock *fakeClock) (*CryptoState, *CryptoState) {
	t.Helper()
	ri, rr := handshakePair(t)
	opts := CryptoOptions{PreviousEpochGrace: time.Second, Now: clock.Now}
	a, err := NewCryptoState(ri, opts)
	require.NoError(t, err)
	b, err := NewCryptoState(rr, opts)
	require.NoError(t, err)
	return a, b
}

func TestCryptoState_RoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	frame, err := a.Encrypt(FrameData, []byte("payload"))
	require.NoError(t, err)

	h, pt, err := b.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, FrameData, h.Type)
	assert.Equal(t, uint16(0), h.Epoch)
	assert.Equal(t, uint64(1), h.Seq)
	assert.Equal(t, []byte("payload"), pt)

	frame, err = b.Encrypt(FramePing, nil)
	require.NoError(t, err)
	_, pt, err = a.Decrypt(frame)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestCryptoState_RejectsReplay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	frame, err := a.Encrypt(FrameData, []byte("once"))
	require.NoError(t, err)
	_, _, err = b.Decrypt(frame)
	require.NoError(t, err)

	_, _, err = b.Decrypt(frame)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestCryptoState_TamperedFrame(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	frame, err := a.Encrypt(FrameData, []byte("payload"))
	require.NoError(t, err)

	for _, i := range []int{2, 5, HeaderSize, len(frame) - 1} {
		bad := append([]byte(nil), frame...)
		bad[i] ^= 0x01
		_, _, err := b.Decrypt(bad)
		require.Error(t, err, "flip at %d", i)
	}
	assert.Greater(t, b.ConsecutiveAuthFailures(), 0)

	// The genuine frame was never marked, so it still decrypts.
	_, _, err = b.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, 0, b.ConsecutiveAuthFailures())
}

func TestCryptoState_ReorderWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	frames := make([][]byte, 100)
	for i := range frames {
		f, err := a.Encrypt(FrameData, []byte{byte(i)})
		require.NoError(t, err)
		frames[i] = f
	}
	for i := len(frames) - 1; i >= 0; i-- {
		_, pt, err := b.Decrypt(frames[i])
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, pt)
	}
}

func TestCryptoState_TooOld(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	first, err := a.Encrypt(FrameData, nil)
	require.NoError(t, err)
	var last []byte
	for i := 0; i < ReplayWindowSize+10; i++ {
		last, err = a.Encrypt(FrameData, nil)
		require.NoError(t, err)
	}
	_, _, err = b.Decrypt(last)
	require.NoError(t, err)
	_, _, err = b.Decrypt(first)
	assert.ErrorIs(t, err, ErrReplay)
}

func TestCryptoState_FrameTooLarge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, _ := cryptoPair(t, clock)
	_, err := a.Encrypt(FrameData, make([]byte, DefaultMaxFramePayload+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCryptoState_Rekey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	var promotedTo []uint16
	b.opts.OnPromote = func(e uint16) { promotedTo = append(promotedTo, e) }

	// A frame sealed before the switch, delivered late.
	late, err := b.Encrypt(FrameData, []byte("old epoch"))
	require.NoError(t, err)

	ea, err := a.BeginRekey()
	require.NoError(t, err)
	assert.True(t, a.RekeyInProgress())

	_, err = a.BeginRekey()
	assert.ErrorIs(t, err, ErrRekeyInProgress)

	eb, err := b.AcceptRekey(ea)
	require.NoError(t, err)
	assert.True(t, b.HasPending())
	assert.Equal(t, uint16(0), b.SendEpoch(), "responder keeps sending on the old epoch")

	require.NoError(t, a.CompleteRekey(eb))
	assert.False(t, a.RekeyInProgress())
	assert.Equal(t, uint16(1), a.SendEpoch())
	assert.Equal(t, uint16(1), a.RecvEpoch())

	// Old-epoch traffic from B is still accepted during the grace period.
	_, pt, err := a.Decrypt(late)
	require.NoError(t, err)
	assert.Equal(t, []byte("old epoch"), pt)

	frame, err := a.Encrypt(FrameRekeyConfirm, nil)
	require.NoError(t, err)
	h, _, err := b.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), h.Epoch)
	assert.Equal(t, []uint16{1}, promotedTo)
	assert.False(t, b.HasPending())
	assert.Equal(t, uint16(1), b.SendEpoch())

	frame, err = b.Encrypt(FrameData, []byte("new epoch"))
	require.NoError(t, err)
	_, pt, err = a.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("new epoch"), pt)
}

func TestCryptoState_StaleAfterGrace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	late, err := b.Encrypt(FrameData, nil)
	require.NoError(t, err)

	ea, err := a.BeginRekey()
	require.NoError(t, err)
	eb, err := b.AcceptRekey(ea)
	require.NoError(t, err)
	require.NoError(t, a.CompleteRekey(eb))

	clock.Advance(2 * time.Second)
	_, _, err = a.Decrypt(late)
	assert.ErrorIs(t, err, ErrStaleEpoch)
}

func TestCryptoState_UnknownEpoch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	frame, err := a.Encrypt(FrameData, nil)
	require.NoError(t, err)
	frame[1], frame[2] = 0, 7
	_, _, err = b.Decrypt(frame)
	assert.ErrorIs(t, err, ErrUnknownEpoch)
}

func TestCryptoState_TwoGenerationsOld(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, b := cryptoPair(t, clock)

	epoch0, err := b.Encrypt(FrameData, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ea, err := a.BeginRekey()
		require.NoError(t, err)
		eb, err := b.AcceptRekey(ea)
		require.NoError(t, err)
		require.NoError(t, a.CompleteRekey(eb))
		f, err := a.Encrypt(FrameRekeyConfirm, nil)
		require.NoError(t, err)
		_, _, err = b.Decrypt(f)
		require.NoError(t, err)
	}

	assert.Equal(t, uint16(2), a.RecvEpoch())
	_, _, err = a.Decrypt(epoch0)
	assert.ErrorIs(t, err, ErrStaleEpoch)
}

func TestCryptoState_CompleteWithoutBegin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, _ := cryptoPair(t, clock)
	err := a.CompleteRekey(make([]byte, 32))
	assert.ErrorIs(t, err, ErrNoRekey)
}

func TestCryptoState_CloseWipes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, _ := cryptoPair(t, clock)
	seed := a.seed
	a.Close()

	assert.True(t, isAllZero(seed))
	_, err := a.Encrypt(FrameData, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = a.Decrypt(make([]byte, 64))
	assert.ErrorIs(t, err, ErrClosed)
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func BenchmarkCryptoState_Encrypt(b *testing.B) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a, _ := cryptoPair(b, clock)
	payload := make([]byte, DefaultMaxFramePayload)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Encrypt(FrameData, payload); err != nil {
			b.Fatal(err)
		}
	}
}
