package wraith

import (
	"fmt"

	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
)

// Protocol version constants. The major version is the handshake wire
// version; peers with different majors cannot complete a handshake.
const (
	ProtocolVersionMajor = handshake.Version
	ProtocolVersionMinor = 0
	ProtocolVersionPatch = 0
)

// Version is the release version of this module, reported by the CLI.
var Version = "0.1.0"

// ProtocolVersion is a semantic protocol version. Frames and handshakes
// only carry the major number.
type ProtocolVersion struct {
	Major, Minor, Patch uint8
}

// CurrentVersion returns the current WRAITH protocol version.
func CurrentVersion() ProtocolVersion {
	return ProtocolVersion{
		Major: ProtocolVersionMajor,
		Minor: ProtocolVersionMinor,
		Patch: ProtocolVersionPatch,
	}
}

// String formats v as "major.minor.patch".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether a peer at other can talk to us: majors must
// match and the peer's minor must not be ahead of ours.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return false
	}
	return other.Minor <= v.Minor
}

// IsNewer returns true if this version is newer than the other.
func (v ProtocolVersion) IsNewer(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch > other.Patch
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (ProtocolVersion, error) {
	var v ProtocolVersion
	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	if err != nil {
		return v, fmt.Errorf("%w: %q: %v", ErrVersionMismatch, s, err)
	}
	if n != 3 {
		return v, fmt.Errorf("%w: %q: expected major.minor.patch", ErrVersionMismatch, s)
	}
	return v, nil
}
