package wraith

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// DebugState represents the complete state of a Node for debugging purposes.
type DebugState struct {
	// Node identity
	PeerID    string `json:"peer_id"`
	PublicKey string `json:"public_key"`

	// Advertised addresses
	ListenAddrs []string `json:"listen_addrs"`

	// Protocol version
	Version string `json:"version"`

	// Address book summary
	AddressBook DebugAddressBook `json:"address_book"`

	// Configuration
	Config DebugConfig `json:"config"`

	Sessions  []DebugSession  `json:"sessions,omitempty"`
	Transfers []DebugTransfer `json:"transfers,omitempty"`

	// Discovery and traversal
	RoutingTableSize int      `json:"routing_table_size"`
	NATType          string   `json:"nat_type"`
	RelayCircuits    []string `json:"relay_circuits,omitempty"`

	// Socket counters
	Datagrams DebugDatagrams `json:"datagrams"`

	// Statistics summary
	PeersWithStats int `json:"peers_with_stats"`

	// Timestamp when state was captured
	CapturedAt time.Time `json:"captured_at"`
}

// DebugAddressBook represents address book state for debugging.
type DebugAddressBook struct {
	TotalPeers       int      `json:"total_peers"`
	ActivePeers      int      `json:"active_peers"`
	BlacklistedPeers int      `json:"blacklisted_peers"`
	PeerIDs          []string `json:"peer_ids,omitempty"`
}

// DebugConfig represents configuration summary for debugging.
type DebugConfig struct {
	HandshakeTimeout string `json:"handshake_timeout"`
	RekeyInterval    string `json:"rekey_interval"`
	RekeyAfterBytes  uint64 `json:"rekey_after_bytes"`
	IdleTimeout      string `json:"idle_timeout"`
	ChunkSize        int    `json:"chunk_size"`
	MaxWindow        int    `json:"max_window"`
	Compression      bool   `json:"compression"`
	DHTK             int    `json:"dht_k"`
	DHTAlpha         int    `json:"dht_alpha"`
	RelayServer      bool   `json:"relay_server"`
}

// DebugSession represents one session for debugging.
type DebugSession struct {
	PeerID        string `json:"peer_id"`
	State         string `json:"state"`
	Epoch         uint16 `json:"epoch"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
	RTT           string `json:"rtt"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	Rekeys        uint64 `json:"rekeys"`
	AuthFailures  uint64 `json:"auth_failures"`
}

// DebugTransfer represents one transfer for debugging.
type DebugTransfer struct {
	ID        string `json:"id"`
	PeerID    string `json:"peer_id"`
	Direction string `json:"direction"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Bytes     uint64 `json:"bytes"`
	Total     uint64 `json:"total"`
}

// DebugDatagrams holds socket counters.
type DebugDatagrams struct {
	Received     uint64 `json:"received"`
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	SendFailures uint64 `json:"send_failures"`
}

// DumpState captures the current state of the node for debugging.
// This is useful for troubleshooting reachability and transfer issues.
func (n *Node) DumpState() *DebugState {
	state := &DebugState{
		PeerID:     n.PeerID().String(),
		PublicKey:  fmt.Sprintf("%x", []byte(n.PublicKey())),
		Version:    Version,
		NATType:    "unknown",
		CapturedAt: time.Now(),
	}

	for _, addr := range n.Addrs() {
		state.ListenAddrs = append(state.ListenAddrs, addr.String())
	}

	state.AddressBook = n.dumpAddressBook()
	state.Config = n.dumpConfig()
	state.Sessions = n.dumpSessions()
	state.Transfers = n.dumpTransfers()

	if n.dht != nil {
		state.RoutingTableSize = n.dht.Table().Len()
	}
	if n.detector != nil {
		state.NATType = n.detector.Last().Type.String()
	}
	if n.relays != nil {
		for _, c := range n.relays.Circuits() {
			state.RelayCircuits = append(state.RelayCircuits, c.String())
		}
	}
	if n.mux != nil {
		ms := n.mux.Stats()
		state.Datagrams = DebugDatagrams{
			Received:     ms.Received,
			Sent:         ms.Sent,
			Dropped:      ms.Dropped,
			SendFailures: ms.SendFailures,
		}
	}

	n.peerStatsMu.RLock()
	state.PeersWithStats = len(n.peerStats)
	n.peerStatsMu.RUnlock()

	return state
}

// dumpAddressBook returns address book debug info.
func (n *Node) dumpAddressBook() DebugAddressBook {
	allPeers := n.book.ListAllPeers()
	activePeers := n.book.ListPeers()

	ab := DebugAddressBook{
		TotalPeers:       len(allPeers),
		ActivePeers:      len(activePeers),
		BlacklistedPeers: len(allPeers) - len(activePeers),
	}
	for _, p := range activePeers {
		ab.PeerIDs = append(ab.PeerIDs, p.PeerID.String())
	}
	return ab
}

// dumpConfig returns configuration debug info.
func (n *Node) dumpConfig() DebugConfig {
	c := n.config
	tc := n.engine.Config()
	return DebugConfig{
		HandshakeTimeout: c.Session.HandshakeTimeout.String(),
		RekeyInterval:    c.Session.RekeyInterval.String(),
		RekeyAfterBytes:  c.Session.RekeyAfterBytes,
		IdleTimeout:      c.Session.IdleTimeout.String(),
		ChunkSize:        tc.ChunkSize,
		MaxWindow:        tc.MaxWindow,
		Compression:      tc.Compression,
		DHTK:             c.DHT.K,
		DHTAlpha:         c.DHT.Alpha,
		RelayServer:      c.RelayServer,
	}
}

func (n *Node) dumpSessions() []DebugSession {
	var out []DebugSession
	for _, s := range n.Sessions() {
		st := s.Stats()
		ds := DebugSession{
			PeerID:        st.PeerID.String(),
			State:         st.State.String(),
			Epoch:         st.Epoch,
			RTT:           st.SmoothedRTT.String(),
			BytesSent:     st.BytesSent,
			BytesReceived: st.BytesReceived,
			Rekeys:        st.Rekeys,
			AuthFailures:  st.AuthFailures,
		}
		if st.RemoteAddr != nil {
			ds.RemoteAddr = st.RemoteAddr.String()
		}
		out = append(out, ds)
	}
	return out
}

func (n *Node) dumpTransfers() []DebugTransfer {
	var out []DebugTransfer
	for _, h := range n.Transfers() {
		pr := h.Progress()
		out = append(out, DebugTransfer{
			ID:        h.ID().String(),
			PeerID:    h.Peer().String(),
			Direction: h.Direction().String(),
			Name:      h.Name(),
			State:     pr.State.String(),
			Bytes:     pr.Bytes,
			Total:     pr.TotalBytes,
		})
	}
	return out
}

// DumpStateJSON returns the node state as formatted JSON.
func (n *Node) DumpStateJSON() (string, error) {
	state := n.DumpState()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

// DumpStateString returns a human-readable string representation of the node state.
func (n *Node) DumpStateString() string {
	state := n.DumpState()
	var sb strings.Builder

	sb.WriteString("=== WRAITH Node Debug State ===\n\n")

	sb.WriteString("IDENTITY:\n")
	sb.WriteString(fmt.Sprintf("  Peer ID:    %s\n", state.PeerID))
	if len(state.PublicKey) >= 16 {
		sb.WriteString(fmt.Sprintf("  Public Key: %s...\n", state.PublicKey[:16]))
	}
	sb.WriteString(fmt.Sprintf("  Version:    %s\n", state.Version))
	sb.WriteString("\n")

	sb.WriteString("ADDRESSES:\n")
	if len(state.ListenAddrs) == 0 {
		sb.WriteString("  (none)\n")
	} else {
		for _, addr := range state.ListenAddrs {
			sb.WriteString(fmt.Sprintf("  - %s\n", addr))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("REACHABILITY:\n")
	sb.WriteString(fmt.Sprintf("  NAT type:      %s\n", state.NATType))
	sb.WriteString(fmt.Sprintf("  Routing table: %d contacts\n", state.RoutingTableSize))
	sb.WriteString(fmt.Sprintf("  Relay circuits: %d\n", len(state.RelayCircuits)))
	sb.WriteString("\n")

	sb.WriteString("ADDRESS BOOK:\n")
	sb.WriteString(fmt.Sprintf("  Total:       %d peers\n", state.AddressBook.TotalPeers))
	sb.WriteString(fmt.Sprintf("  Active:      %d peers\n", state.AddressBook.ActivePeers))
	sb.WriteString(fmt.Sprintf("  Blacklisted: %d peers\n", state.AddressBook.BlacklistedPeers))
	sb.WriteString("\n")

	sb.WriteString("CONFIGURATION:\n")
	sb.WriteString(fmt.Sprintf("  Handshake Timeout: %s\n", state.Config.HandshakeTimeout))
	sb.WriteString(fmt.Sprintf("  Rekey Interval:    %s\n", state.Config.RekeyInterval))
	sb.WriteString(fmt.Sprintf("  Idle Timeout:      %s\n", state.Config.IdleTimeout))
	sb.WriteString(fmt.Sprintf("  Chunk Size:        %d bytes\n", state.Config.ChunkSize))
	sb.WriteString(fmt.Sprintf("  Compression:       %t\n", state.Config.Compression))
	sb.WriteString("\n")

	sb.WriteString("SESSIONS:\n")
	if len(state.Sessions) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, s := range state.Sessions {
		sb.WriteString(fmt.Sprintf("  %s: %s epoch=%d rtt=%s\n", s.PeerID, s.State, s.Epoch, s.RTT))
	}
	sb.WriteString("\n")

	sb.WriteString("TRANSFERS:\n")
	if len(state.Transfers) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, t := range state.Transfers {
		sb.WriteString(fmt.Sprintf("  %s %s %s: %s %d/%d\n", t.ID, t.Direction, t.Name, t.State, t.Bytes, t.Total))
	}
	sb.WriteString("\n")

	sb.WriteString("STATISTICS:\n")
	sb.WriteString(fmt.Sprintf("  Peers tracked: %d\n", state.PeersWithStats))
	sb.WriteString(fmt.Sprintf("  Datagrams:     %d in, %d out, %d dropped\n",
		state.Datagrams.Received, state.Datagrams.Sent, state.Datagrams.Dropped))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Captured at: %s\n", state.CapturedAt.Format(time.RFC3339)))
	sb.WriteString("===============================\n")

	return sb.String()
}

// ListKnownPeers returns the peer IDs of non-blacklisted address book entries.
func (n *Node) ListKnownPeers() []peer.ID {
	var peerIDs []peer.ID
	for _, p := range n.book.ListPeers() {
		peerIDs = append(peerIDs, p.PeerID)
	}
	return peerIDs
}

// PeerInfo returns basic information about a peer.
func (n *Node) PeerInfo(peerID peer.ID) (map[string]any, error) {
	entry, err := n.book.GetPeer(peerID)
	if err != nil {
		return nil, err
	}

	info := map[string]any{
		"peer_id":     entry.PeerID.String(),
		"blacklisted": entry.Blacklisted,
		"created_at":  entry.CreatedAt,
		"updated_at":  entry.UpdatedAt,
	}
	if !entry.LastSeen.IsZero() {
		info["last_seen"] = entry.LastSeen
	}
	if len(entry.Addrs) > 0 {
		var addrs []string
		for _, ma := range entry.Addrs {
			addrs = append(addrs, ma.String())
		}
		info["addresses"] = addrs
	}

	if stats := n.PeerStats(peerID); stats != nil {
		info["stats"] = map[string]any{
			"sessions":                stats.SessionCount,
			"failures":                stats.FailureCount,
			"transfers_sent":          stats.TransfersSent,
			"transfers_received":      stats.TransfersReceived,
			"transfer_bytes_sent":     stats.TransferBytesSent,
			"transfer_bytes_received": stats.TransferBytesReceived,
		}
	}
	return info, nil
}
