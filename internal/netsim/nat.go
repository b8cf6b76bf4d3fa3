package netsim

import (
	"fmt"
	"net"
)

// Behavior is how a NAT box maps and filters.
type Behavior int

const (
	// FullCone maps each private endpoint to one public port and accepts
	// inbound traffic from anyone.
	FullCone Behavior = iota

	// RestrictedCone accepts inbound traffic from IPs the host has sent to.
	RestrictedCone

	// PortRestrictedCone accepts inbound traffic from exact endpoints the
	// host has sent to.
	PortRestrictedCone

	// Symmetric allocates a new public port per destination and accepts
	// only replies from that destination.
	Symmetric
)

func (b Behavior) String() string {
	switch b {
	case FullCone:
		return "FullCone"
	case RestrictedCone:
		return "RestrictedCone"
	case PortRestrictedCone:
		return "PortRestrictedCone"
	case Symmetric:
		return "Symmetric"
	default:
		return fmt.Sprintf("Behavior(%d)", int(b))
	}
}

type mapping struct {
	host    *Conn
	public  *net.UDPAddr
	dst     string
	allowed map[string]bool
}

// NAT is a simulated NAT box with one public IP.
type NAT struct {
	net      *Network
	publicIP net.IP
	behavior Behavior

	byKey  map[string]*mapping
	byPort map[int]*mapping
	hosts  map[string]*Conn
}

// NewNAT adds a NAT box owning publicIP.
func (n *Network) NewNAT(publicIP string, behavior Behavior) *NAT {
	n.mu.Lock()
	defer n.mu.Unlock()
	nat := &NAT{
		net:      n,
		publicIP: net.ParseIP(publicIP),
		behavior: behavior,
		byKey:    make(map[string]*mapping),
		byPort:   make(map[int]*mapping),
		hosts:    make(map[string]*Conn),
	}
	n.nats[publicIP] = nat
	return nat
}

// PublicIP returns the NAT's external address.
func (nat *NAT) PublicIP() string { return nat.publicIP.String() }

// Behavior returns the NAT's mapping and filtering behavior.
func (nat *NAT) Behavior() Behavior { return nat.behavior }

// Listen opens a host behind the NAT.
func (nat *NAT) Listen(privateIP string, port int) (*Conn, error) {
	n := nat.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if port == 0 {
		port = n.allocPort()
	}
	addr := &net.UDPAddr{IP: net.ParseIP(privateIP), Port: port}
	if _, ok := nat.hosts[addr.String()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	c := newConn(n, addr, nat)
	nat.hosts[addr.String()] = c
	return c, nil
}

// MustListen is Listen for tests.
func (nat *NAT) MustListen(privateIP string, port int) *Conn {
	c, err := nat.Listen(privateIP, port)
	if err != nil {
		panic(err)
	}
	return c
}

// Mappings returns the number of active translations.
func (nat *NAT) Mappings() int {
	nat.net.mu.Lock()
	defer nat.net.mu.Unlock()
	return len(nat.byPort)
}

// outbound translates a private source and opens the filter for dst.
// Called with the network lock held.
func (nat *NAT) outbound(src *net.UDPAddr, dst *net.UDPAddr) *net.UDPAddr {
	key := src.String()
	if nat.behavior == Symmetric {
		key += "|" + dst.String()
	}
	m, ok := nat.byKey[key]
	if !ok {
		m = &mapping{
			host:    nat.hosts[src.String()],
			public:  &net.UDPAddr{IP: nat.publicIP, Port: nat.net.allocPort()},
			dst:     dst.String(),
			allowed: make(map[string]bool),
		}
		nat.byKey[key] = m
		nat.byPort[m.public.Port] = m
	}
	switch nat.behavior {
	case RestrictedCone:
		m.allowed[dst.IP.String()] = true
	case PortRestrictedCone:
		m.allowed[dst.String()] = true
	}
	return m.public
}

// inbound returns the private host a datagram from src to dst reaches,
// or nil if the NAT filters it. Called with the network lock held.
func (nat *NAT) inbound(src *net.UDPAddr, dst *net.UDPAddr) *Conn {
	m, ok := nat.byPort[dst.Port]
	if !ok {
		return nil
	}
	switch nat.behavior {
	case FullCone:
	case RestrictedCone:
		if !m.allowed[src.IP.String()] {
			return nil
		}
	case PortRestrictedCone:
		if !m.allowed[src.String()] {
			return nil
		}
	case Symmetric:
		if m.dst != src.String() {
			return nil
		}
	}
	return m.host
}

func (nat *NAT) removeHost(c *Conn) {
	delete(nat.hosts, c.addr.String())
	for key, m := range nat.byKey {
		if m.host == c {
			delete(nat.byKey, key)
			delete(nat.byPort, m.public.Port)
		}
	}
}

// Rebind drops every translation, as a NAT does when mappings expire.
// The next outbound datagram from each host gets a fresh public port.
func (nat *NAT) Rebind() {
	nat.net.mu.Lock()
	defer nat.net.mu.Unlock()
	nat.byKey = make(map[string]*mapping)
	nat.byPort = make(map[int]*mapping)
}
