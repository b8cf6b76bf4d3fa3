package nat

import (
	"encoding/binary"
	"net"
	"sync/atomic"

	"github.com/multiformats/go-multiaddr"
	"github.com/pion/stun/v3"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// CHANGE-REQUEST flags (RFC 5780).
const (
	changeIP   uint32 = 0x04
	changePort uint32 = 0x02
)

// Reflector answers STUN binding requests with the requester's observed
// address. With an alternate socket it honors change-port requests; with
// a partner reflector at another IP it honors change-IP requests by
// forwarding them.
type Reflector struct {
	out     transport.Sender
	alt     transport.Sender
	partner net.Addr
	logger  logging.Logger

	served    atomic.Uint64
	forwarded atomic.Uint64
}

// ReflectorOption configures a Reflector.
type ReflectorOption func(*Reflector)

// WithAltSocket sets a second socket on the same IP used to answer
// change-port requests.
func WithAltSocket(s transport.Sender) ReflectorOption {
	return func(r *Reflector) { r.alt = s }
}

// WithPartner sets the reflector at another IP that answers change-IP
// requests on our behalf. Forwarded requests are accepted only from it.
func WithPartner(addr net.Addr) ReflectorOption {
	return func(r *Reflector) { r.partner = addr }
}

// NewReflector creates a reflector answering on out.
func NewReflector(out transport.Sender, logger logging.Logger, opts ...ReflectorOption) *Reflector {
	r := &Reflector{out: out, logger: logging.OrNop(logger)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Served returns how many requests were answered.
func (r *Reflector) Served() uint64 { return r.served.Load() }

func (r *Reflector) serve(req *stun.Message, from net.Addr) {
	var flags uint32
	if v, err := req.Get(stun.AttrChangeRequest); err == nil && len(v) == 4 {
		flags = binary.BigEndian.Uint32(v)
	}

	switch {
	case flags&changeIP != 0:
		if r.partner == nil {
			return
		}
		r.forward(req, from)
	case flags&changePort != 0:
		if r.alt == nil {
			return
		}
		r.respond(r.alt, req, from)
	default:
		r.respond(r.out, req, from)
	}
}

func (r *Reflector) respond(out transport.Sender, req *stun.Message, to net.Addr) {
	ip, port, ok := ipPort(to)
	if !ok {
		return
	}
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip, Port: port},
		stun.NewSoftware("wraith"),
		stun.Fingerprint,
	)
	if err != nil {
		r.logger.Warn("Failed to build STUN response", "error", err)
		return
	}
	if err := out.WriteTo(resp.Raw, to); err != nil {
		r.logger.Debug("Failed to send STUN response", "to", to.String(), "error", err)
		return
	}
	r.served.Add(1)
}

// forward hands a change-IP request to the partner as
// [addr len u8][requester multiaddr][request].
func (r *Reflector) forward(req *stun.Message, from net.Addr) {
	ma, err := transport.FromNetAddr(from)
	if err != nil {
		return
	}
	addr := ma.Bytes()
	if len(addr) > 255 {
		return
	}
	b := transport.Encode(transport.ClassReflectForward, []byte{byte(len(addr))}, addr, req.Raw)
	if err := r.out.WriteTo(b, r.partner); err != nil {
		r.logger.Debug("Failed to forward STUN request", "partner", r.partner.String(), "error", err)
		return
	}
	r.forwarded.Add(1)
}

// HandleForward answers a request forwarded by the partner. It is the mux
// handler for transport.ClassReflectForward.
func (r *Reflector) HandleForward(b []byte, from net.Addr) {
	if r.partner == nil || !transport.SameAddr(from, r.partner) {
		return
	}
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return
	}
	ma, err := multiaddr.NewMultiaddrBytes(b[1 : 1+int(b[0])])
	if err != nil {
		return
	}
	to, err := transport.ToNetAddr(ma)
	if err != nil {
		return
	}
	req := new(stun.Message)
	if err := stun.Decode(b[1+int(b[0]):], req); err != nil {
		return
	}
	r.respond(r.out, req, to)
}

func ipPort(a net.Addr) (net.IP, int, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP, v.Port, true
	case *net.TCPAddr:
		return v.IP, v.Port, true
	default:
		return nil, 0, false
	}
}

// STUNHandler routes STUN datagrams: binding requests to r, responses to
// d. Either may be nil.
func STUNHandler(r *Reflector, d *Detector) transport.Handler {
	return func(b []byte, from net.Addr) {
		m := new(stun.Message)
		if err := stun.Decode(b, m); err != nil {
			return
		}
		if m.Type.Method != stun.MethodBinding {
			return
		}
		switch m.Type.Class {
		case stun.ClassRequest:
			if r != nil {
				r.serve(m, from)
			}
		case stun.ClassSuccessResponse:
			if d != nil {
				d.handleResponse(m, from)
			}
		}
	}
}
