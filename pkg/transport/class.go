// Package transport multiplexes every WRAITH subsystem onto one datagram
// socket. The first byte of each datagram selects the subsystem; STUN
// messages are recognised by their own header and routed to the
// reflection service.
package transport

import "fmt"

// Class is the first byte of a non-STUN datagram.
type Class byte

// Datagram classes. Values sit above the STUN range (first byte < 0x40)
// so the two never collide.
const (
	ClassHandshake      Class = 0xA1
	ClassFrame          Class = 0xA2
	ClassDHT            Class = 0xA3
	ClassRelay          Class = 0xA4
	ClassPunch          Class = 0xA5
	ClassReflectForward Class = 0xA6
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassHandshake:
		return "handshake"
	case ClassFrame:
		return "frame"
	case ClassDHT:
		return "dht"
	case ClassRelay:
		return "relay"
	case ClassPunch:
		return "punch"
	case ClassReflectForward:
		return "reflect-forward"
	default:
		return fmt.Sprintf("class(0x%02x)", byte(c))
	}
}

// Encode prepends the class byte to payload.
func Encode(c Class, payload ...[]byte) []byte {
	n := 1
	for _, p := range payload {
		n += len(p)
	}
	out := make([]byte, 1, n)
	out[0] = byte(c)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}
