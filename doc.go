/*
Package wraith provides a secure peer-to-peer file transfer node.

A Node owns a single UDP socket and runs every subsystem on it:
authenticated handshakes, encrypted sessions with automatic rekeying,
chunked file transfer with per-chunk integrity, a Kademlia DHT for peer and
content discovery, and NAT traversal by hole punching with relay fallback.

# Features

  - Mutually authenticated Noise XX handshake over Ed25519 identities
  - XChaCha20-Poly1305 sessions with epoch-based forward-secure rekeying
  - Replay protection and bounded authentication failure handling
  - Content-addressed transfers (BLAKE3 CIDs) with resumable state
  - Kademlia DHT with provider records
  - STUN-based NAT classification, UDP hole punching and relay circuits
  - Persistent address book with peer blacklisting
  - Non-blocking event notifications, Prometheus metrics and OpenTelemetry spans

# Quick Start

Create and start a node:

	_, privateKey, _ := ed25519.GenerateKey(rand.Reader)
	listenAddr, _ := multiaddr.NewMultiaddr("/ip4/0.0.0.0/udp/41641")

	cfg := wraith.NewConfig(privateKey, listenAddr,
		wraith.WithAddressBook("./peers.json"),
		wraith.WithBootstrapPeers(seeds...),
		wraith.WithRelays(relays...),
	)

	node, err := wraith.Start(ctx, cfg)
	if err != nil {
		// Handle error
	}
	defer node.Shutdown(context.Background())

	<-node.Ready()

Send a file:

	s, err := node.EstablishSession(ctx, peerID)
	if err != nil {
		// Handle error
	}
	h, err := node.SendFile(ctx, s, "/path/to/file")
	if err != nil {
		// Handle error
	}
	err = h.Wait(ctx)

Receive a file offered on a session:

	h, err := node.Receive(ctx, s, &expectedCID, "/downloads/file")

Monitor events:

	for event := range node.Events() {
		switch event.Kind {
		case wraith.EventSessionEstablished:
			fmt.Printf("Session with %s\n", event.PeerID)
		case wraith.EventTransferCompleted:
			fmt.Printf("Transfer %s complete (%s)\n", event.Transfer, event.CID)
		}
	}

# Session Establishment

EstablishSession finds a path to the peer, then runs the handshake over it:

 1. Known addresses come from the address book and the routing table
 2. Otherwise the DHT is queried for the peer's contact
 3. A direct attempt is made; if it fails the NAT types decide whether to punch
 4. If punching fails or is impossible the relay circuit is used
 5. The handshake runs over the chosen path, retried with backoff on timeouts

Authentication failures are not retried.

# Security

  - Ed25519 identity keys, converted to X25519 for the handshake
  - BLAKE3 transcript hashing and HKDF-SHA256 key derivation
  - Per-epoch keys derived by a one-way ratchet; old keys are erased
  - Packets padded to size buckets to reduce length leakage

Private keys and session secrets are never logged or exposed in errors.

# Thread Safety

All public Node methods are safe for concurrent use. Events and Messages
channels are intended for a single consumer each.
*/
package wraith
