package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	hstate "github.com/doublegate/WRAITH-Protocol-sub010/internal/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
)

// Default timing for the initiator driver.
const (
	DefaultTimeout            = 10 * time.Second
	DefaultRetransmitInterval = 500 * time.Millisecond
	DefaultMaxRetransmits     = 8
)

// Conn carries handshake messages to and from a single remote address.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Options tunes Initiate.
type Options struct {
	// Timeout bounds the whole exchange.
	Timeout time.Duration

	// RetransmitInterval is how long to wait for Message2 before resending
	// Message1.
	RetransmitInterval time.Duration

	// MaxRetransmits bounds resends of Message1.
	MaxRetransmits int
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RetransmitInterval <= 0 {
		o.RetransmitInterval = DefaultRetransmitInterval
	}
	if o.MaxRetransmits <= 0 {
		o.MaxRetransmits = DefaultMaxRetransmits
	}
}

// Initiate runs the initiator side over conn and returns once Message3 has
// been sent. The returned Initiator keeps Message3 so the caller can resend
// it until the responder confirms the session.
//
// On ErrTimeout the caller may retry; a retry always uses a fresh ephemeral.
func Initiate(ctx context.Context, local *crypto.Identity, conn Conn, expected peer.ID, opts Options) (*Initiator, *Result, error) {
	opts.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	init, msg1, err := NewInitiator(local, expected)
	if err != nil {
		return nil, nil, err
	}
	tracker := hstate.NewTracker(opts.MaxRetransmits)

	send := func(step hstate.Step, msg []byte) error {
		if err := tracker.Advance(step); err != nil {
			return err
		}
		return conn.Send(ctx, msg)
	}

	if err := send(hstate.StepSentMessage1, msg1); err != nil {
		init.Abort()
		return nil, nil, fmt.Errorf("send message1: %w", err)
	}

	for {
		rctx, rcancel := context.WithTimeout(ctx, opts.RetransmitInterval)
		b, err := conn.Recv(rctx)
		rcancel()

		if err != nil {
			if ctx.Err() != nil {
				init.Abort()
				return nil, nil, timeoutOr(ctx)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if err := send(hstate.StepSentMessage1, msg1); err != nil {
					init.Abort()
					if errors.Is(err, hstate.ErrRetransmitsExhausted) {
						return nil, nil, ErrTimeout
					}
					return nil, nil, err
				}
				continue
			}
			init.Abort()
			return nil, nil, err
		}

		if t, ok := PeekType(b); !ok || t != Message2 {
			// Stray or duplicate traffic for this address.
			continue
		}

		msg3, res, err := init.ReadMessage2(b)
		if err != nil {
			tracker.Fail(err)
			return nil, nil, err
		}
		if err := tracker.Advance(hstate.StepReceivedMessage2); err != nil {
			return nil, nil, err
		}
		if err := send(hstate.StepSentMessage3, msg3); err != nil {
			return nil, nil, fmt.Errorf("send message3: %w", err)
		}
		return init, res, nil
	}
}

func timeoutOr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
