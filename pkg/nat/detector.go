package nat

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// Result is the outcome of NAT detection.
type Result struct {
	Type Type
	// Mapped is the public address reflectors observed.
	Mapped   *net.UDPAddr
	Detected time.Time
}

type binding struct {
	mapped *net.UDPAddr
	from   net.Addr
}

// Detector classifies the local NAT by probing reflectors.
type Detector struct {
	out    transport.Sender
	cfg    Config
	logger logging.Logger

	mu         sync.Mutex
	reflectors []net.Addr
	pending    map[[stun.TransactionIDSize]byte]chan binding
	last       Result
}

// NewDetector creates a detector probing reflectors through out. Register
// it with STUNHandler. Full classification needs two reflectors at
// different IPs, the first with an alternate port and a partner.
func NewDetector(out transport.Sender, reflectors []net.Addr, cfg Config, logger logging.Logger) *Detector {
	cfg.applyDefaults()
	return &Detector{
		out:        out,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		reflectors: append([]net.Addr(nil), reflectors...),
		pending:    make(map[[stun.TransactionIDSize]byte]chan binding),
	}
}

// SetReflectors replaces the reflector list.
func (d *Detector) SetReflectors(addrs []net.Addr) {
	d.mu.Lock()
	d.reflectors = append([]net.Addr(nil), addrs...)
	d.mu.Unlock()
}

// Last returns the most recent detection result.
func (d *Detector) Last() Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Detector) handleResponse(m *stun.Message, from net.Addr) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err != nil {
		return
	}
	d.mu.Lock()
	ch := d.pending[m.TransactionID]
	delete(d.pending, m.TransactionID)
	d.mu.Unlock()
	if ch != nil {
		ch <- binding{mapped: &net.UDPAddr{IP: xor.IP, Port: xor.Port}, from: from}
	}
}

// Binding sends a binding request to server, with CHANGE-REQUEST flags
// when change is non-zero, and returns the mapped address. The request is
// retransmitted ProbeRetries times.
func (d *Detector) Binding(ctx context.Context, server net.Addr, change uint32) (*net.UDPAddr, error) {
	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	if change != 0 {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, change)
		setters = append(setters, stun.RawAttribute{Type: stun.AttrChangeRequest, Value: v})
	}
	setters = append(setters, stun.Fingerprint)
	req, err := stun.Build(setters...)
	if err != nil {
		return nil, err
	}

	ch := make(chan binding, 1)
	d.mu.Lock()
	d.pending[req.TransactionID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.TransactionID)
		d.mu.Unlock()
	}()

	for i := 0; i < d.cfg.ProbeRetries; i++ {
		if err := d.out.WriteTo(req.Raw, server); err != nil {
			return nil, err
		}
		timer := time.NewTimer(d.cfg.ProbeTimeout)
		select {
		case b := <-ch:
			timer.Stop()
			return b.mapped, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: binding to %s", ErrTimeout, server)
}

// Detect runs the classification tests:
//
//  1. binding to reflector A gives the mapping; equal to the local
//     address means no NAT;
//  2. a reply from another IP and port means full cone;
//  3. a different mapping toward reflector B means symmetric;
//  4. a reply from another port of A means restricted cone, otherwise
//     port-restricted cone.
func (d *Detector) Detect(ctx context.Context) (Result, error) {
	d.mu.Lock()
	reflectors := append([]net.Addr(nil), d.reflectors...)
	d.mu.Unlock()
	if len(reflectors) == 0 {
		return Result{}, ErrNoReflector
	}

	var (
		primary net.Addr
		mapped  *net.UDPAddr
	)
	for _, r := range reflectors {
		m, err := d.Binding(ctx, r, 0)
		if err == nil {
			primary, mapped = r, m
			break
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		d.logger.Debug("Reflector did not answer", "reflector", r.String(), "error", err)
	}
	if primary == nil {
		return Result{}, ErrNoReflector
	}

	res := Result{Mapped: mapped}
	res.Type = d.classify(ctx, primary, mapped, reflectors)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res.Detected = time.Now()

	d.mu.Lock()
	d.last = res
	d.mu.Unlock()
	d.logger.Info("NAT detected", "type", res.Type.String(), "mapped", mapped.String())
	return res, nil
}

func (d *Detector) classify(ctx context.Context, primary net.Addr, mapped *net.UDPAddr, reflectors []net.Addr) Type {
	if local, ok := d.out.LocalAddr().(*net.UDPAddr); ok && local.IP.Equal(mapped.IP) && local.Port == mapped.Port {
		return None
	}
	if _, err := d.Binding(ctx, primary, changeIP|changePort); err == nil {
		return FullCone
	}
	primaryIP, _, _ := ipPort(primary)
	for _, r := range reflectors {
		ip, _, ok := ipPort(r)
		if !ok || ip.Equal(primaryIP) {
			continue
		}
		other, err := d.Binding(ctx, r, 0)
		if err != nil {
			continue
		}
		if !other.IP.Equal(mapped.IP) || other.Port != mapped.Port {
			return Symmetric
		}
		break
	}
	if _, err := d.Binding(ctx, primary, changePort); err == nil {
		return RestrictedCone
	}
	return PortRestrictedCone
}
