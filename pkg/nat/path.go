package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
)

// Traverser establishes paths to peers.
type Traverser struct {
	cfg     Config
	puncher *Puncher
	relays  *RelayPool
	logger  logging.Logger
}

// NewTraverser creates a traverser. relays may be nil, which disables
// punching and relaying.
func NewTraverser(cfg Config, puncher *Puncher, relays *RelayPool, logger logging.Logger) (*Traverser, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nat config: %w", err)
	}
	return &Traverser{cfg: cfg, puncher: puncher, relays: relays, logger: logging.OrNop(logger)}, nil
}

// EstablishPath finds a working path to p among its advertised
// addresses. It tries every direct address in parallel, then a hole
// punch signaled through one of p's relays, then the relays themselves,
// repeating the sequence up to Attempts times. Every candidate runs under
// its own timeout.
func (t *Traverser) EstablishPath(ctx context.Context, p peer.ID, addrs []multiaddr.Multiaddr) (Path, error) {
	direct, relayed := SplitCandidates(addrs)
	if len(direct) == 0 && len(relayed) == 0 {
		return Path{}, fmt.Errorf("%w: %s has no usable addresses", ErrUnreachable, p)
	}

	var (
		errs      []error
		punchable = true
	)
	for attempt := 0; attempt < t.cfg.Attempts; attempt++ {
		if len(direct) > 0 {
			path, err := t.tryDirect(ctx, p, direct)
			if err == nil {
				return path, nil
			}
			errs = append(errs, fmt.Errorf("direct: %w", err))
		}
		if ctx.Err() != nil {
			break
		}

		if punchable && t.relays != nil {
			for _, r := range relayed {
				path, err := t.tryPunch(ctx, p, r)
				if err == nil {
					return path, nil
				}
				errs = append(errs, fmt.Errorf("punch via %s: %w", r.Relay, err))
				if errors.Is(err, ErrNotPunchable) || errors.Is(err, ErrNoMapping) {
					punchable = false
					break
				}
				if ctx.Err() != nil {
					break
				}
			}
		}

		if t.relays != nil {
			for _, r := range relayed {
				path, err := t.tryRelay(ctx, p, r)
				if err == nil {
					return path, nil
				}
				errs = append(errs, fmt.Errorf("relay %s: %w", r.Relay, err))
				if ctx.Err() != nil {
					break
				}
			}
		}
		if ctx.Err() != nil {
			break
		}
		t.logger.Debug("Path attempt failed", "peer", p, "attempt", attempt+1)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return Path{}, fmt.Errorf("%w: %s: %w", ErrUnreachable, p, errors.Join(errs...))
}

// tryDirect probes every direct address in parallel and returns the first
// that answers.
func (t *Traverser) tryDirect(ctx context.Context, p peer.ID, direct []net.Addr) (Path, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once sync.Once
		win  Path
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range direct {
		addr := addr
		g.Go(func() error {
			from, rtt, err := t.puncher.Probe(gctx, addr, p, t.cfg.DirectTimeout)
			if err != nil {
				return nil
			}
			once.Do(func() {
				win = Path{Kind: Direct, Peer: p, Addr: from, RTT: rtt}
				cancel()
			})
			return nil
		})
	}
	_ = g.Wait()
	if win.Kind == 0 {
		return Path{}, fmt.Errorf("%w: no direct address answered", ErrTimeout)
	}
	return win, nil
}

func (t *Traverser) tryPunch(ctx context.Context, p peer.ID, r *RelayAddr) (Path, error) {
	if _, err := t.connectRelay(ctx, r); err != nil {
		return Path{}, err
	}
	from, rtt, err := t.puncher.Punch(ctx, p, r)
	if err != nil {
		return Path{}, err
	}
	return Path{Kind: Punched, Peer: p, Addr: from, RTT: rtt}, nil
}

func (t *Traverser) tryRelay(ctx context.Context, p peer.ID, r *RelayAddr) (Path, error) {
	if _, err := t.connectRelay(ctx, r); err != nil {
		return Path{}, err
	}
	_, rtt, err := t.puncher.Probe(ctx, r, p, t.cfg.RelayTimeout)
	if err != nil {
		return Path{}, err
	}
	return Path{Kind: Relayed, Peer: p, Addr: r, RTT: rtt}, nil
}

func (t *Traverser) connectRelay(ctx context.Context, r *RelayAddr) (*RelayClient, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RelayTimeout)
	defer cancel()
	return t.relays.Connect(ctx, r.Relay)
}
