package wraith

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/backoff"
	"github.com/doublegate/WRAITH-Protocol-sub010/internal/eventdispatch"
	"github.com/doublegate/WRAITH-Protocol-sub010/otel"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/addressbook"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/dht"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/handshake"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/nat"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/session"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transfer"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

// Node is the main entry point for WRAITH. It owns the socket and every
// subsystem on it: sessions, transfers, the DHT and NAT traversal.
type Node struct {
	config   *Config
	identity *crypto.Identity
	logger   Logger
	metrics  Metrics
	tracer   *otel.Tracer

	book     *addressbook.Book
	store    transfer.ResumeStore
	engine   *transfer.Engine
	events   *eventdispatch.Dispatcher[Event]
	messages *eventdispatch.Dispatcher[Message]

	// Socket-bound components, created by Start.
	conn        net.PacketConn
	mux         *transport.Mux
	sessions    *session.Manager
	dht         *dht.DHT
	reflector   *nat.Reflector
	detector    *nat.Detector
	puncher     *nat.Puncher
	relays      *nat.RelayPool
	relayServer *nat.RelayServer
	traverser   *nat.Traverser

	routers   map[*session.Session]struct{}
	routersMu sync.Mutex

	peerStats   map[peer.ID]*PeerStatsTracker
	peerStatsMu sync.RWMutex

	ready chan struct{}
	wg    sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	startMu sync.Mutex
}

// Message is application data received on a session outside the
// transfer protocol.
type Message struct {
	PeerID peer.ID
	Data   []byte
	// Reliable is set for data sent with SendMessage.
	Reliable  bool
	Timestamp time.Time
}

// NodeStatus summarizes a running node.
type NodeStatus struct {
	Running          bool
	PeerID           peer.ID
	ListenAddr       net.Addr
	SessionCount     int
	ActiveTransfers  int
	NATType          nat.Type
	RoutingTableSize int
	RelayCircuits    int
}

// New creates a new WRAITH node with the given configuration. It opens
// the address book and resume store but no socket; call Start to begin
// serving.
func New(cfg *Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	id, err := crypto.NewIdentity(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}

	book, err := addressbook.New(cfg.AddressBookPath)
	if err != nil {
		id.Close()
		return nil, fmt.Errorf("failed to open address book: %w", err)
	}

	var store transfer.ResumeStore
	if cfg.ResumeStorePath != "" {
		bolt, err := transfer.OpenBoltStore(cfg.ResumeStorePath)
		if err != nil {
			_ = book.Close()
			id.Close()
			return nil, fmt.Errorf("failed to open resume store: %w", err)
		}
		store = bolt
	} else {
		store = transfer.NewMemoryStore()
	}

	n := &Node{
		config:    cfg,
		identity:  id,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		book:      book,
		store:     store,
		events:    eventdispatch.NewDispatcher[Event](cfg.EventBufferSize),
		messages:  eventdispatch.NewDispatcher[Message](cfg.EventBufferSize),
		routers:   make(map[*session.Session]struct{}),
		peerStats: make(map[peer.ID]*PeerStatsTracker),
		ready:     make(chan struct{}),
	}

	engine, err := transfer.NewEngine(cfg.Transfer, store, cfg.Logger, transferObserver{n})
	if err != nil {
		_ = store.Close()
		_ = book.Close()
		id.Close()
		return nil, fmt.Errorf("%w: transfer: %w", ErrInvalidConfig, err)
	}
	n.engine = engine
	return n, nil
}

// Start creates a node from cfg and starts it.
func Start(ctx context.Context, cfg *Config) (*Node, error) {
	n, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.closeStores()
		return nil, err
	}
	return n, nil
}

// Start opens the socket, wires every subsystem onto it and begins
// serving. Relay registration, NAT detection and DHT bootstrap run in the
// background, bounded by ctx and WarmupTimeout; Ready is closed when they
// finish.
func (n *Node) Start(ctx context.Context) error {
	n.startMu.Lock()
	defer n.startMu.Unlock()

	if n.started {
		return ErrNodeAlreadyStarted
	}
	if n.stopped {
		return ErrNodeStopped
	}

	conn := n.config.PacketConn
	if conn == nil {
		var err error
		conn, err = transport.Listen(n.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.config.ListenAddr, err)
		}
	}

	reflectors, err := toNetAddrs(n.config.Reflectors)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: reflectors: %w", ErrInvalidConfig, err)
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.conn = conn
	n.mux = transport.NewMux(conn, n.logger)

	n.sessions = session.NewManager(n.ctx, n.identity, n.mux, session.ManagerConfig{
		Session:   n.config.Session,
		Handshake: n.config.Handshake,
	}, n.logger, sessionObserver{n})
	n.sessions.SetGate(n.book.Gate)

	d, err := dht.New(n.identity, n.mux, n.config.DHT, n.logger, dhtObserver{n})
	if err != nil {
		n.sessions.Close()
		n.cancel()
		_ = n.mux.Close()
		return fmt.Errorf("%w: dht: %w", ErrInvalidConfig, err)
	}
	n.dht = d

	n.reflector = nat.NewReflector(n.mux, n.logger)
	n.detector = nat.NewDetector(n.mux, reflectors, n.config.NAT, n.logger)
	n.puncher = nat.NewPuncher(n.mux, n.identity.PeerID(), n.config.NAT, n.detector.Last, n.logger)
	n.relays = nat.NewRelayPool(n.identity, n.mux, n.mux.Dispatch, n.config.NAT, n.logger)
	if n.config.RelayServer {
		n.relayServer = nat.NewRelayServer(n.mux, n.config.NAT, n.logger)
	}
	n.traverser, err = nat.NewTraverser(n.config.NAT, n.puncher, n.relays, n.logger)
	if err != nil {
		n.teardown()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	n.dht.SetAddrs(n.Addrs)

	n.mux.HandleSTUN(nat.STUNHandler(n.reflector, n.detector))
	n.mux.Handle(transport.ClassHandshake, n.sessions.HandleHandshake)
	n.mux.Handle(transport.ClassFrame, n.sessions.HandleFrame)
	n.mux.Handle(transport.ClassDHT, n.dht.HandleDatagram)
	n.mux.Handle(transport.ClassRelay, nat.RelayHandler(n.relayServer, n.relays))
	n.mux.Handle(transport.ClassPunch, n.puncher.HandleDatagram)
	n.mux.Handle(transport.ClassReflectForward, n.reflector.HandleForward)
	n.mux.RegisterNetwork(nat.RelayNetwork, n.relays)

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		if err := n.mux.Serve(n.ctx); err != nil && n.ctx.Err() == nil {
			n.logger.Error("Socket read loop stopped", "error", err)
		}
	}()
	go n.acceptLoop()
	go n.warmup(ctx)
	n.dht.Start()

	n.started = true
	n.logger.Info("Node started", "peer", n.identity.PeerID(), "addr", n.mux.LocalAddr().String())
	return nil
}

// warmup registers with relays, detects the NAT type and joins the DHT.
// Failures are logged; the node keeps running without them.
func (n *Node) warmup(parent context.Context) {
	defer n.wg.Done()
	defer close(n.ready)

	ctx, cancel := context.WithTimeout(n.ctx, n.config.WarmupTimeout)
	defer cancel()
	if parent != nil {
		stop := context.AfterFunc(parent, cancel)
		defer stop()
	}

	relays, err := toNetAddrs(n.config.Relays)
	if err != nil {
		n.logger.Warn("Ignoring relays", "error", err)
	}
	var g errgroup.Group
	for _, r := range relays {
		g.Go(func() error {
			if _, err := n.relays.Connect(ctx, r); err != nil {
				n.logger.Warn("Relay registration failed", "relay", r.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(n.config.Reflectors) > 0 {
		if _, err := n.DetectNATType(ctx); err != nil {
			n.logger.Warn("NAT detection failed", "error", err)
		}
	}

	if seeds := n.bootstrapSeeds(); len(seeds) > 0 {
		if err := n.dht.Bootstrap(ctx, seeds); err != nil {
			n.logger.Warn("DHT bootstrap failed", "error", err)
		}
	}
}

// bootstrapSeeds returns the configured bootstrap peers followed by the
// socket addresses of known, non-blacklisted peers.
func (n *Node) bootstrapSeeds() []net.Addr {
	seeds, _ := toNetAddrs(n.config.BootstrapPeers)
	seen := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seen[s.String()] = true
	}
	for _, entry := range n.book.ListPeers() {
		for _, a := range entry.Addrs {
			na, err := transport.ToNetAddr(a)
			if err != nil || seen[na.String()] {
				continue
			}
			seen[na.String()] = true
			seeds = append(seeds, na)
		}
	}
	return seeds
}

// Ready is closed once the background work of Start has finished.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Shutdown closes every session gracefully, stops all subsystems and
// releases the socket. ctx bounds the graceful part.
func (n *Node) Shutdown(ctx context.Context) error {
	n.startMu.Lock()
	if !n.started {
		n.startMu.Unlock()
		return ErrNodeNotStarted
	}
	n.started = false
	n.stopped = true
	n.startMu.Unlock()

	var g errgroup.Group
	for _, s := range n.sessions.Sessions() {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				n.logger.Debug("Session close", "peer", s.PeerID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	if err := n.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transfer engine: %w", err))
	}
	n.teardown()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := n.closeStores(); err != nil {
		errs = append(errs, err)
	}
	n.events.Close()
	n.messages.Close()

	n.logger.Info("Node stopped", "peer", n.identity.PeerID())
	n.identity.Close()
	return errors.Join(errs...)
}

// teardown stops the socket-bound components.
func (n *Node) teardown() {
	if n.dht != nil {
		_ = n.dht.Close()
	}
	if n.puncher != nil {
		n.puncher.Close()
	}
	if n.relays != nil {
		n.relays.Close()
	}
	if n.relayServer != nil {
		n.relayServer.Close()
	}
	n.sessions.Close()
	n.cancel()
	_ = n.mux.Close()
}

func (n *Node) closeStores() error {
	var errs []error
	if err := n.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("resume store: %w", err))
	}
	if err := n.book.Close(); err != nil {
		errs = append(errs, fmt.Errorf("address book: %w", err))
	}
	return errors.Join(errs...)
}

func (n *Node) running() bool {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	return n.started
}

// PeerID returns this node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.identity.PeerID()
}

// PublicKey returns this node's Ed25519 public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.identity.PublicKey()
}

// LocalAddr returns the socket address, or nil before Start.
func (n *Node) LocalAddr() net.Addr {
	if n.mux == nil {
		return nil
	}
	return n.mux.LocalAddr()
}

// Addrs returns the addresses this node advertises: its public mapping
// when known, its bound address unless it is a wildcard, and a circuit
// address per registered relay.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	if n.mux == nil {
		return nil
	}
	var out []multiaddr.Multiaddr
	seen := make(map[string]bool)
	add := func(a multiaddr.Multiaddr) {
		if a == nil || seen[a.String()] {
			return
		}
		seen[a.String()] = true
		out = append(out, a)
	}

	if res := n.detector.Last(); res.Mapped != nil {
		if ma, err := transport.FromNetAddr(res.Mapped); err == nil {
			add(ma)
		}
	}
	if ma, err := transport.FromNetAddr(n.mux.LocalAddr()); err == nil && !manet.IsIPUnspecified(ma) {
		add(ma)
	}
	for _, c := range n.relays.Circuits() {
		add(c)
	}
	return out
}

// EstablishSession returns an open session with p, creating one if
// needed. Addresses come from the address book and routing table, then a
// DHT lookup. A path is found by direct probing, hole punching or relay,
// and the handshake is retried with backoff on transient failures.
func (n *Node) EstablishSession(ctx context.Context, p peer.ID) (s *session.Session, err error) {
	if !n.running() {
		return nil, classify(ErrNodeNotStarted, p)
	}
	if p == n.identity.PeerID() {
		return nil, NewPeerError(ErrCodeInvalidConfig, "cannot establish a session with self", p)
	}
	if n.book.IsBlacklisted(p) {
		return nil, classify(ErrPeerBlacklisted, p)
	}
	if existing, ok := n.sessions.Get(p); ok && existing.State().IsOpen() {
		n.attach(existing)
		return existing, nil
	}

	ctx, span := n.tracer.StartEstablish(ctx, p)
	defer func() {
		n.tracer.EndSpan(span, err)
		if err != nil {
			n.stats(p).RecordFailure()
			err = classify(err, p)
		}
	}()

	path, err := n.findPath(ctx, p)
	if err != nil {
		return nil, err
	}
	n.tracer.RecordPath(span, path.Kind.String())

	calc := backoff.New(n.config.EstablishBaseDelay, n.config.EstablishMaxDelay)
	attempt := 0
	err = calc.Retry(ctx, n.config.EstablishAttempts, func(ctx context.Context) error {
		attempt++
		hctx, hspan := n.tracer.StartHandshake(ctx, p, attempt)
		dialed, err := n.sessions.Dial(hctx, p, path.Addr)
		n.tracer.RecordHandshakeResult(hspan, handshakeResult(err), err)
		hspan.End()
		if err != nil {
			n.logger.Debug("Handshake attempt failed", "peer", p, "attempt", attempt, "error", err)
			if permanentHandshakeError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		s = dialed
		return nil
	})
	if err != nil {
		return nil, err
	}

	n.book.RecordSession(p, s.PeerPublicKey(), addrToMultiaddr(path.Addr), path.Kind.String())
	n.stats(p).RecordPath(path.Kind.String())
	n.attach(s)
	n.logger.Info("Session established", "peer", p, "path", path.Kind.String(), "rtt", path.RTT)
	return s, nil
}

// findPath gathers candidate addresses for p and establishes a path. If
// the known addresses fail, a fresh DHT lookup is tried once.
func (n *Node) findPath(ctx context.Context, p peer.ID) (nat.Path, error) {
	addrs := n.knownAddrs(p)
	looked := false
	if len(addrs) == 0 {
		found, err := n.lookupAddrs(ctx, p)
		if err != nil {
			return nat.Path{}, err
		}
		addrs, looked = found, true
	}

	path, err := n.establishPath(ctx, p, addrs)
	if err == nil || looked || !errors.Is(err, nat.ErrUnreachable) {
		return path, err
	}
	found, lerr := n.lookupAddrs(ctx, p)
	if lerr != nil {
		return nat.Path{}, err
	}
	return n.establishPath(ctx, p, found)
}

func (n *Node) establishPath(ctx context.Context, p peer.ID, addrs []multiaddr.Multiaddr) (nat.Path, error) {
	ctx, span := n.tracer.StartPath(ctx, p)
	path, err := n.traverser.EstablishPath(ctx, p, addrs)
	if err == nil {
		n.tracer.RecordPath(span, path.Kind.String())
		n.metrics.PathEstablished(path.Kind.String())
		n.emit(Event{Kind: EventPathEstablished, PeerID: p, Detail: path.Kind.String()})
	}
	n.tracer.EndSpan(span, err)
	return path, err
}

// knownAddrs merges the address book entry with the routing table contact.
func (n *Node) knownAddrs(p peer.ID) []multiaddr.Multiaddr {
	addrs := n.book.Addrs(p)
	if c, ok := n.dht.Table().Get(p); ok {
		addrs = mergeAddrs(addrs, contactAddrs(c))
	}
	return addrs
}

func (n *Node) lookupAddrs(ctx context.Context, p peer.ID) ([]multiaddr.Multiaddr, error) {
	ctx, span := n.tracer.StartLookup(ctx, p.String())
	c, err := n.dht.FindPeer(ctx, p)
	n.tracer.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	addrs := contactAddrs(c)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, p)
	}
	_ = n.book.AddPeer(p, addrs)
	return addrs, nil
}

// SendFile offers the file at path to the peer on s and streams it once
// accepted. The returned handle tracks progress.
func (n *Node) SendFile(ctx context.Context, s *session.Session, path string) (*transfer.Handle, error) {
	if !n.running() {
		return nil, classify(ErrNodeNotStarted, s.PeerID())
	}
	if err := ValidateSendPath(path); err != nil {
		return nil, err
	}
	n.attach(s)

	ctx, span := n.tracer.StartTransfer(ctx, s.PeerID(), "send")
	h, err := n.engine.SendFile(ctx, s, path)
	if err != nil {
		n.tracer.EndSpan(span, err)
		return nil, classify(err, s.PeerID())
	}
	n.tracer.RecordTransfer(span, h.CID().String(), h.Size())
	go func() {
		<-h.Done()
		n.tracer.EndSpan(span, h.Err())
	}()
	return h, nil
}

// Receive accepts the next offer from the peer on s, or the offer for
// expected when it is non-nil, and writes the content to destPath. An
// empty destPath places the file in the download directory under the
// offered name. Offers that arrived before the call are queued.
func (n *Node) Receive(ctx context.Context, s *session.Session, expected *cid.Cid, destPath string) (*transfer.Handle, error) {
	if !n.running() {
		return nil, classify(ErrNodeNotStarted, s.PeerID())
	}
	n.attach(s)

	opts := transfer.ReceiveOptions{Path: destPath, Dir: n.config.DownloadDir}
	if expected != nil {
		opts.Expected = *expected
	}

	ctx, span := n.tracer.StartTransfer(ctx, s.PeerID(), "receive")
	h, err := n.engine.Receive(ctx, s, opts)
	if err != nil {
		n.tracer.EndSpan(span, err)
		return nil, classify(err, s.PeerID())
	}
	n.tracer.RecordTransfer(span, h.CID().String(), h.Size())
	go func() {
		<-h.Done()
		n.tracer.EndSpan(span, h.Err())
	}()
	return h, nil
}

// Offers returns pending incoming offers.
func (n *Node) Offers() []transfer.Offer {
	return n.engine.Offers()
}

// Transfers returns every tracked transfer.
func (n *Node) Transfers() []*transfer.Handle {
	return n.engine.Transfers()
}

// Announce records this node as a provider of c on the closest DHT nodes
// and returns how many acknowledged.
func (n *Node) Announce(ctx context.Context, c cid.Cid) (int, error) {
	if !n.running() {
		return 0, classify(ErrNodeNotStarted, "")
	}
	ctx, span := n.tracer.StartAnnounce(ctx, c.String())
	acks, err := n.dht.Announce(ctx, c)
	n.tracer.EndSpan(span, err)
	return acks, classify(err, "")
}

// FindProviders returns peers providing c. Their addresses are added to
// the address book.
func (n *Node) FindProviders(ctx context.Context, c cid.Cid) ([]dht.Contact, error) {
	if !n.running() {
		return nil, classify(ErrNodeNotStarted, "")
	}
	ctx, span := n.tracer.StartLookup(ctx, c.String())
	providers, err := n.dht.FindProviders(ctx, c)
	n.tracer.EndSpan(span, err)
	if err != nil {
		return nil, classify(err, "")
	}
	for _, p := range providers {
		if p.PeerID != n.identity.PeerID() {
			_ = n.book.AddPeer(p.PeerID, contactAddrs(p))
		}
	}
	return providers, nil
}

// FindPeer looks p up in the DHT and records its addresses.
func (n *Node) FindPeer(ctx context.Context, p peer.ID) (dht.Contact, error) {
	if !n.running() {
		return dht.Contact{}, classify(ErrNodeNotStarted, p)
	}
	ctx, span := n.tracer.StartLookup(ctx, p.String())
	c, err := n.dht.FindPeer(ctx, p)
	n.tracer.EndSpan(span, err)
	if err != nil {
		return dht.Contact{}, classify(err, p)
	}
	_ = n.book.AddPeer(p, contactAddrs(c))
	return c, nil
}

// Bootstrap joins the DHT through seeds.
func (n *Node) Bootstrap(ctx context.Context, seeds []multiaddr.Multiaddr) error {
	if !n.running() {
		return classify(ErrNodeNotStarted, "")
	}
	addrs, err := toNetAddrs(seeds)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return classify(n.dht.Bootstrap(ctx, addrs), "")
}

// DetectNATType classifies the local NAT using the configured reflectors.
func (n *Node) DetectNATType(ctx context.Context) (nat.Type, error) {
	if n.detector == nil {
		return nat.Unknown, classify(ErrNodeNotStarted, "")
	}
	ctx, span := n.tracer.StartDetectNAT(ctx)
	res, err := n.detector.Detect(ctx)
	if err != nil {
		n.tracer.EndSpan(span, err)
		return nat.Unknown, classify(err, "")
	}
	n.tracer.RecordNATType(span, res.Type.String())
	n.tracer.EndSpan(span, nil)

	n.metrics.NATType(res.Type.String())
	n.emit(Event{Kind: EventNATDetected, Detail: res.Type.String()})
	n.logger.Info("NAT detected", "type", res.Type.String(), "mapped", res.Mapped)
	return res.Type, nil
}

// Status returns a summary of the node.
func (n *Node) Status() NodeStatus {
	st := NodeStatus{
		Running: n.running(),
		PeerID:  n.identity.PeerID(),
	}
	if n.mux == nil {
		return st
	}
	st.ListenAddr = n.mux.LocalAddr()
	st.SessionCount = n.sessions.Count()
	st.NATType = n.detector.Last().Type
	st.RoutingTableSize = n.dht.Table().Len()
	st.RelayCircuits = len(n.relays.Circuits())
	for _, h := range n.engine.Transfers() {
		if !h.State().Finished() {
			st.ActiveTransfers++
		}
	}
	return st
}

// Session returns the open session with p, if any.
func (n *Node) Session(p peer.ID) (*session.Session, bool) {
	if n.sessions == nil {
		return nil, false
	}
	s, ok := n.sessions.Get(p)
	if !ok || !s.State().IsOpen() {
		return nil, false
	}
	return s, true
}

// Sessions returns every session.
func (n *Node) Sessions() []*session.Session {
	if n.sessions == nil {
		return nil
	}
	return n.sessions.Sessions()
}

// Events returns a channel that receives node events.
// Events that do not fit the buffer are dropped.
func (n *Node) Events() <-chan Event {
	return n.events.Events()
}

// Messages returns a channel that receives application data sent on
// sessions outside the transfer protocol.
func (n *Node) Messages() <-chan Message {
	return n.messages.Events()
}

// AddPeer records addresses for a peer in the address book.
func (n *Node) AddPeer(p peer.ID, addrs []multiaddr.Multiaddr) error {
	if err := ValidateMultiaddrs(addrs); err != nil {
		return err
	}
	return n.book.AddPeer(p, addrs)
}

// RemovePeer removes a peer from the address book.
func (n *Node) RemovePeer(p peer.ID) error {
	return n.book.RemovePeer(p)
}

// GetPeer returns the address book entry for a peer.
func (n *Node) GetPeer(p peer.ID) (*addressbook.PeerEntry, error) {
	return n.book.GetPeer(p)
}

// ListPeers returns all non-blacklisted peers.
func (n *Node) ListPeers() []*addressbook.PeerEntry {
	return n.book.ListPeers()
}

// BlacklistPeer blacklists a peer and closes its session. Inbound
// handshakes from it are refused from now on.
func (n *Node) BlacklistPeer(p peer.ID) error {
	if err := n.book.BlacklistPeer(p); err != nil {
		return err
	}
	if s, ok := n.Session(p); ok {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.Session.CloseTimeout+time.Second)
		defer cancel()
		_ = s.Close(ctx)
	}
	n.emit(Event{Kind: EventPeerBlacklisted, PeerID: p})
	return nil
}

// UnblacklistPeer removes a peer from the blacklist.
func (n *Node) UnblacklistPeer(p peer.ID) error {
	return n.book.UnblacklistPeer(p)
}

// PeerStats returns statistics for a peer, or nil if the node has never
// had a session with it.
func (n *Node) PeerStats(p peer.ID) *PeerStats {
	n.peerStatsMu.RLock()
	tracker := n.peerStats[p]
	n.peerStatsMu.RUnlock()

	live, _ := n.Session(p)
	if tracker == nil {
		if live == nil {
			return nil
		}
		tracker = NewPeerStatsTracker()
	}
	return tracker.Snapshot(p, live)
}

// AllPeerStats returns statistics for every peer seen.
func (n *Node) AllPeerStats() map[peer.ID]*PeerStats {
	n.peerStatsMu.RLock()
	ids := make([]peer.ID, 0, len(n.peerStats))
	for p := range n.peerStats {
		ids = append(ids, p)
	}
	n.peerStatsMu.RUnlock()

	out := make(map[peer.ID]*PeerStats, len(ids))
	for _, p := range ids {
		out[p] = n.PeerStats(p)
	}
	return out
}

func (n *Node) stats(p peer.ID) *PeerStatsTracker {
	n.peerStatsMu.Lock()
	defer n.peerStatsMu.Unlock()
	t := n.peerStats[p]
	if t == nil {
		t = NewPeerStatsTracker()
		n.peerStats[p] = t
	}
	return t
}

func (n *Node) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if !n.events.Emit(e) && !n.events.IsClosed() {
		n.metrics.EventDropped()
	}
}

// acceptLoop records inbound sessions and routes their traffic.
func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		select {
		case s, ok := <-n.sessions.Accept():
			if !ok {
				return
			}
			kind := nat.Direct
			if _, relayed := s.RemoteAddr().(*nat.RelayAddr); relayed {
				kind = nat.Relayed
			}
			n.book.RecordSession(s.PeerID(), s.PeerPublicKey(), addrToMultiaddr(s.RemoteAddr()), kind.String())
			n.stats(s.PeerID()).RecordPath(kind.String())
			n.attach(s)
			n.logger.Info("Inbound session", "peer", s.PeerID(), "addr", s.RemoteAddr().String())
		case <-n.ctx.Done():
			return
		}
	}
}

// attach starts the traffic router for s unless one is running.
func (n *Node) attach(s *session.Session) {
	n.routersMu.Lock()
	defer n.routersMu.Unlock()
	if _, ok := n.routers[s]; ok || n.ctx.Err() != nil {
		return
	}
	n.routers[s] = struct{}{}
	n.wg.Add(1)
	go n.route(s)
}

// route feeds transfer traffic on s to the engine and everything else to
// Messages until the session ends.
func (n *Node) route(s *session.Session) {
	defer n.wg.Done()
	defer func() {
		n.routersMu.Lock()
		delete(n.routers, s)
		n.routersMu.Unlock()
	}()

	data, msgs := s.Data(), s.Messages()
	for data != nil || msgs != nil {
		select {
		case b, ok := <-data:
			if !ok {
				data = nil
				continue
			}
			if len(b) > 0 && b[0] == transfer.Service {
				n.engine.HandleData(s, b)
			} else {
				n.deliver(s, b, false)
			}
		case b, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if len(b) > 0 && b[0] == transfer.Service {
				n.engine.HandleMessage(s, b)
			} else {
				n.deliver(s, b, true)
			}
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) deliver(s *session.Session, b []byte, reliable bool) {
	m := Message{PeerID: s.PeerID(), Data: b, Reliable: reliable, Timestamp: time.Now()}
	if !n.messages.Emit(m) && !n.messages.IsClosed() {
		n.logger.Debug("Dropping application message", "peer", s.PeerID(), "size", len(b))
	}
}

func handshakeResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, handshake.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "failure"
	}
}

func permanentHandshakeError(err error) bool {
	return errors.Is(err, handshake.ErrAuthenticationFailed) ||
		errors.Is(err, handshake.ErrPeerMismatch) ||
		errors.Is(err, handshake.ErrMalformed) ||
		errors.Is(err, session.ErrRejected) ||
		errors.Is(err, session.ErrManagerClosed)
}

func toNetAddrs(addrs []multiaddr.Multiaddr) ([]net.Addr, error) {
	out := make([]net.Addr, 0, len(addrs))
	for _, a := range addrs {
		na, err := transport.ToNetAddr(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a, err)
		}
		out = append(out, na)
	}
	return out, nil
}

// addrToMultiaddr converts socket and relay addresses; others yield nil.
func addrToMultiaddr(a net.Addr) multiaddr.Multiaddr {
	if a == nil {
		return nil
	}
	if ra, ok := a.(*nat.RelayAddr); ok {
		ma, err := ra.Multiaddr()
		if err != nil {
			return nil
		}
		return ma
	}
	ma, err := transport.FromNetAddr(a)
	if err != nil {
		return nil
	}
	return ma
}

// contactAddrs returns the advertised addresses of c, preceded by the
// address the DHT observed it at.
func contactAddrs(c dht.Contact) []multiaddr.Multiaddr {
	var observed []multiaddr.Multiaddr
	if ma := addrToMultiaddr(c.Addr); ma != nil {
		observed = append(observed, ma)
	}
	return mergeAddrs(observed, c.Addrs)
}

func mergeAddrs(first, second []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(first)+len(second))
	seen := make(map[string]bool, len(first)+len(second))
	for _, list := range [][]multiaddr.Multiaddr{first, second} {
		for _, a := range list {
			if a == nil || seen[a.String()] {
				continue
			}
			seen[a.String()] = true
			out = append(out, a)
		}
	}
	return out
}
