package wraith

import (
	"fmt"
	"os"

	"github.com/multiformats/go-multiaddr"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/nat"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// ValidateMultiaddr checks that addr names a UDP or TCP socket, or a relay
// circuit through one.
func ValidateMultiaddr(addr multiaddr.Multiaddr) error {
	if addr == nil {
		return fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if _, err := transport.ToNetAddr(addr); err == nil {
		return nil
	}
	if _, err := nat.ParseRelayAddr(addr); err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s is neither a socket address nor a relay circuit", ErrInvalidAddress, addr)
}

// ValidateMultiaddrs validates a slice of addresses.
// Returns an error if any address is invalid.
func ValidateMultiaddrs(addrs []multiaddr.Multiaddr) error {
	for _, a := range addrs {
		if err := ValidateMultiaddr(a); err != nil {
			return err
		}
	}
	return nil
}

// ParseMultiaddrs parses and validates multiaddr strings.
func ParseMultiaddrs(ss []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(ss))
	for _, s := range ss {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		if err := ValidateMultiaddr(ma); err != nil {
			return nil, err
		}
		out = append(out, ma)
	}
	return out, nil
}

// ValidateSendPath checks that path is a readable regular file.
func ValidateSendPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidPath, path)
	}
	return nil
}
