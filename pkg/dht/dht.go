// Package dht implements Kademlia-style peer and content discovery over
// the node socket. Messages are signed CBOR envelopes; node IDs are BLAKE3
// hashes of peer IDs.
package dht

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/doublegate/WRAITH-Protocol-sub010/internal/logging"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/crypto"
	"github.com/doublegate/WRAITH-Protocol-sub010/pkg/transport"
)

var (
	// ErrNotFound is returned when a lookup ends without a result.
	ErrNotFound = errors.New("dht: not found")
	// ErrTimeout is returned when a query goes unanswered.
	ErrTimeout = errors.New("dht: query timed out")
	// ErrNoPeers is returned when no peer could be reached.
	ErrNoPeers = errors.New("dht: no reachable peers")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dht: closed")
)

// Observer receives DHT events. Implementations must not block.
type Observer interface {
	QuerySent(t MsgType)
	QueryFailed(t MsgType)
	LookupCompleted(rounds int, found bool)
	TableSize(n int)
	RequestDropped()
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) QuerySent(MsgType)         {}
func (NopObserver) QueryFailed(MsgType)       {}
func (NopObserver) LookupCompleted(int, bool) {}
func (NopObserver) TableSize(int)             {}
func (NopObserver) RequestDropped()           {}

type response struct {
	env    *Envelope
	sender Contact
	from   net.Addr
}

// query is an outstanding request. A response is matched only when it
// comes from expect, or from the queried address when the peer is not
// yet known.
type query struct {
	ch     chan response
	expect peer.ID
	to     net.Addr
}

func (q *query) matches(sender Contact, from net.Addr) bool {
	if q.expect != "" {
		return sender.PeerID == q.expect
	}
	return transport.SameAddr(q.to, from)
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// DHT is one node's view of the distributed hash table.
type DHT struct {
	cfg      Config
	id       *crypto.Identity
	selfID   ID
	out      transport.Sender
	logger   logging.Logger
	observer Observer

	table     *RoutingTable
	providers *ProviderStore

	mu       sync.Mutex
	addrs    func() []multiaddr.Multiaddr
	pending  map[uint64]*query
	provided map[ID]cid.Cid
	checking map[ID]bool
	limiters map[string]*limiterEntry
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a DHT for id that sends through out. Register
// HandleDatagram for transport.ClassDHT and call Start to run
// maintenance.
func New(id *crypto.Identity, out transport.Sender, cfg Config, logger logging.Logger, observer Observer) (*DHT, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dht config: %w", err)
	}
	if observer == nil {
		observer = NopObserver{}
	}
	self := IDFromPeer(id.PeerID())
	ctx, cancel := context.WithCancel(context.Background())
	d := &DHT{
		cfg:       cfg,
		id:        id,
		selfID:    self,
		out:       out,
		logger:    logging.OrNop(logger),
		observer:  observer,
		table:     NewRoutingTable(self, cfg.K, cfg.MaxFailures, cfg.Now),
		providers: NewProviderStore(cfg.MaxProvidersPerKey, cfg.Now),
		pending:   make(map[uint64]*query),
		provided:  make(map[ID]cid.Cid),
		checking:  make(map[ID]bool),
		limiters:  make(map[string]*limiterEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
	return d, nil
}

// SetAddrs sets the source of the addresses advertised in our peer record.
// Without it the socket's local address is advertised.
func (d *DHT) SetAddrs(fn func() []multiaddr.Multiaddr) {
	d.mu.Lock()
	d.addrs = fn
	d.mu.Unlock()
}

// Self returns the local node ID.
func (d *DHT) Self() ID { return d.selfID }

// Table returns the routing table.
func (d *DHT) Table() *RoutingTable { return d.table }

// Providers returns the provider store.
func (d *DHT) Providers() *ProviderStore { return d.providers }

// Start launches bucket refresh, provider re-announcement and pruning.
func (d *DHT) Start() {
	d.wg.Add(1)
	go d.maintain()
}

// Close stops maintenance and fails pending queries.
func (d *DHT) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *DHT) selfInfo() PeerInfo {
	d.mu.Lock()
	fn := d.addrs
	d.mu.Unlock()

	c := Contact{PeerID: d.id.PeerID(), PubKey: d.id.PublicKey()}
	if fn != nil {
		c.Addrs = fn()
	} else if ma, err := transport.FromNetAddr(d.out.LocalAddr()); err == nil {
		c.Addrs = []multiaddr.Multiaddr{ma}
	}
	return c.Info()
}

func (d *DHT) send(to net.Addr, t MsgType, txid uint64, body any) error {
	b, err := Seal(d.id, d.selfInfo(), t, txid, body)
	if err != nil {
		return err
	}
	return d.out.WriteTo(transport.Encode(transport.ClassDHT, b), to)
}

// newTxID returns an unpredictable transaction ID not already pending.
// The caller holds d.mu.
func (d *DHT) newTxID() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint64(b[:])
		if _, taken := d.pending[id]; !taken {
			return id, nil
		}
	}
}

// request sends a query to addr and waits for the matching response. When
// expect is set the response must come from that peer; otherwise it must
// come from addr.
func (d *DHT) request(ctx context.Context, to net.Addr, expect peer.ID, t MsgType, body any) (response, error) {
	if to == nil {
		return response{}, ErrNoPeers
	}
	q := &query{ch: make(chan response, 1), expect: expect, to: to}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return response{}, ErrClosed
	}
	txid, err := d.newTxID()
	if err != nil {
		d.mu.Unlock()
		return response{}, err
	}
	d.pending[txid] = q
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, txid)
		d.mu.Unlock()
	}()

	d.observer.QuerySent(t)
	if err := d.send(to, t, txid, body); err != nil {
		d.observer.QueryFailed(t)
		return response{}, err
	}

	timer := time.NewTimer(d.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case r := <-q.ch:
		return r, nil
	case <-timer.C:
		d.observer.QueryFailed(t)
		return response{}, fmt.Errorf("%w: %s to %s", ErrTimeout, t, to)
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-d.ctx.Done():
		return response{}, ErrClosed
	}
}

// HandleDatagram processes one DHT datagram. It is the mux handler for
// transport.ClassDHT.
func (d *DHT) HandleDatagram(b []byte, from net.Addr) {
	env, sender, err := Open(b)
	if err != nil {
		d.logger.Debug("Dropping DHT message", "from", from.String(), "error", err)
		return
	}
	if sender.ID == d.selfID {
		return
	}
	if env.Type.isRequest() && !d.allow(from) {
		d.observer.RequestDropped()
		return
	}

	sender.Addr = from
	d.observe(sender)

	if env.Type.isRequest() {
		d.serve(env, sender, from)
		return
	}
	d.mu.Lock()
	q := d.pending[env.TxID]
	if q != nil && !q.matches(sender, from) {
		d.mu.Unlock()
		d.logger.Debug("Dropping response from unexpected peer",
			"type", env.Type, "peer", sender.PeerID, "from", from.String())
		return
	}
	delete(d.pending, env.TxID)
	d.mu.Unlock()
	if q != nil {
		q.ch <- response{env: env, sender: sender, from: from}
	}
}

// observe records a verified sender in the routing table, checking the
// least-recently-seen entry of a full bucket.
func (d *DHT) observe(c Contact) {
	res, oldest := d.table.Add(c)
	if res == Pending {
		d.mu.Lock()
		busy := d.checking[oldest.ID] || d.closed
		if !busy {
			d.checking[oldest.ID] = true
		}
		d.mu.Unlock()
		if !busy {
			d.wg.Add(1)
			go d.checkLiveness(oldest)
		}
	}
	d.observer.TableSize(d.table.Len())
}

func (d *DHT) checkLiveness(c Contact) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.checking, c.ID)
		d.mu.Unlock()
	}()
	_, err := d.request(d.ctx, c.Addr, c.PeerID, MsgPing, Ping{})
	if err == nil {
		d.table.Touch(c.ID)
		return
	}
	if d.table.Replace(c.ID) {
		d.logger.Debug("Evicted unresponsive peer", "peer", c.PeerID)
	}
}

func (d *DHT) allow(from net.Addr) bool {
	host := from.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.limiters[host]
	if e == nil {
		e = &limiterEntry{limiter: rate.NewLimiter(d.cfg.RequestRate, d.cfg.RequestBurst)}
		d.limiters[host] = e
	}
	e.seen = d.cfg.Now()
	return e.limiter.Allow()
}

func (d *DHT) serve(env *Envelope, sender Contact, from net.Addr) {
	var (
		reply MsgType
		body  any
	)
	switch env.Type {
	case MsgPing:
		pong := Pong{}
		if ma, err := transport.FromNetAddr(from); err == nil {
			pong.Observed = ma.Bytes()
		}
		reply, body = MsgPong, pong

	case MsgFindNode:
		var req FindNode
		if err := env.DecodeBody(&req); err != nil || len(req.Target) != len(ID{}) {
			return
		}
		reply, body = MsgNodes, Nodes{Peers: d.closestInfos(ID(req.Target), sender.ID)}

	case MsgFindProviders:
		var req FindProviders
		if err := env.DecodeBody(&req); err != nil || len(req.Key) != len(ID{}) {
			return
		}
		key := ID(req.Key)
		var infos []PeerInfo
		for _, p := range d.providers.Get(key) {
			infos = append(infos, reachableInfo(p))
		}
		reply, body = MsgProviders, Providers{Providers: infos, Closer: d.closestInfos(key, sender.ID)}

	case MsgAnnounce:
		var req Announce
		if err := env.DecodeBody(&req); err != nil || len(req.Key) != len(ID{}) {
			return
		}
		ttl := time.Duration(req.TTL) * time.Second
		if ttl <= 0 || ttl > d.cfg.ProviderTTL {
			ttl = d.cfg.ProviderTTL
		}
		d.providers.Add(ID(req.Key), sender, ttl)
		reply, body = MsgAnnounceAck, AnnounceAck{}

	default:
		return
	}
	if err := d.send(from, reply, env.TxID, body); err != nil {
		d.logger.Debug("Failed to answer DHT request", "type", env.Type, "to", from.String(), "error", err)
	}
}

func (d *DHT) closestInfos(target, exclude ID) []PeerInfo {
	closest := d.table.Closest(target, d.cfg.K+1)
	infos := make([]PeerInfo, 0, len(closest))
	for _, c := range closest {
		if c.ID == exclude || len(infos) == d.cfg.K {
			continue
		}
		infos = append(infos, reachableInfo(c))
	}
	return infos
}

// reachableInfo returns the wire record of c with the observed address
// first, so that peers behind NAT are reached where we reached them.
func reachableInfo(c Contact) PeerInfo {
	info := c.Info()
	if c.Addr == nil {
		return info
	}
	ma, err := transport.FromNetAddr(c.Addr)
	if err != nil {
		return info
	}
	addrs := [][]byte{ma.Bytes()}
	for _, a := range c.Addrs {
		if !a.Equal(ma) && len(addrs) < maxAddrs {
			addrs = append(addrs, a.Bytes())
		}
	}
	info.Addrs = addrs
	return info
}

// Ping checks that a peer answers at addr and returns its verified record
// and our address as it observed it. Only a response from addr counts.
func (d *DHT) Ping(ctx context.Context, addr net.Addr) (Contact, multiaddr.Multiaddr, error) {
	return d.ping(ctx, addr, "")
}

// PingPeer is Ping for a known peer: only a response signed by id counts.
func (d *DHT) PingPeer(ctx context.Context, id peer.ID, addr net.Addr) (Contact, multiaddr.Multiaddr, error) {
	return d.ping(ctx, addr, id)
}

func (d *DHT) ping(ctx context.Context, addr net.Addr, expect peer.ID) (Contact, multiaddr.Multiaddr, error) {
	r, err := d.request(ctx, addr, expect, MsgPing, Ping{})
	if err != nil {
		return Contact{}, nil, err
	}
	var pong Pong
	if err := r.env.DecodeBody(&pong); err != nil {
		return Contact{}, nil, err
	}
	var observed multiaddr.Multiaddr
	if len(pong.Observed) > 0 {
		observed, _ = multiaddr.NewMultiaddrBytes(pong.Observed)
	}
	return r.sender, observed, nil
}
