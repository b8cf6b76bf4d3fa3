package transport

import (
	"fmt"
	"net"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Listen opens the node socket described by a multiaddr: /udp/ addresses
// get a UDP socket, /tcp/ addresses the TCP fallback.
func Listen(addr multiaddr.Multiaddr) (net.PacketConn, error) {
	network, host, err := manet.DialArgs(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnsupportedNetwork, err)
	}
	switch network {
	case "udp", "udp4", "udp6":
		return net.ListenPacket(network, host)
	case "tcp", "tcp4", "tcp6":
		c, err := ListenTCP(host)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedNetwork, addr)
	}
}

// ToNetAddr converts a /ip*/udp or /ip*/tcp multiaddr to a net.Addr.
func ToNetAddr(addr multiaddr.Multiaddr) (net.Addr, error) {
	return manet.ToNetAddr(addr)
}

// FromNetAddr converts a UDP or TCP net.Addr to a multiaddr.
func FromNetAddr(addr net.Addr) (multiaddr.Multiaddr, error) {
	return manet.FromNetAddr(addr)
}

// ParseAddrs converts multiaddr strings to net.Addrs, skipping any that do
// not map onto the socket (relay circuits, DNS names).
func ParseAddrs(addrs []string) []net.Addr {
	out := make([]net.Addr, 0, len(addrs))
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		na, err := manet.ToNetAddr(ma)
		if err != nil {
			continue
		}
		out = append(out, na)
	}
	return out
}

// FormatAddrs converts net.Addrs to multiaddr strings, skipping virtual ones.
func FormatAddrs(addrs []net.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ma, err := manet.FromNetAddr(a)
		if err != nil {
			continue
		}
		out = append(out, ma.String())
	}
	return out
}

// SameAddr compares two addresses by network and string form.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
