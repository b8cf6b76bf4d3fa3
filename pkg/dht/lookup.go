package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"
)

type candidateState int

const (
	unqueried candidateState = iota
	inflight
	responded
	failed
)

type candidate struct {
	contact Contact
	state   candidateState
}

// queryFunc asks one contact about the lookup target and returns the
// contacts it suggests.
type queryFunc func(ctx context.Context, c Contact) ([]Contact, error)

// lookup runs an iterative Kademlia lookup toward target. Each round
// queries up to Alpha unqueried contacts among the K closest known, in
// parallel. It ends when the K closest have all answered or failed, when
// done reports true, or after MaxRounds. It returns the closest contacts
// that answered.
func (d *DHT) lookup(ctx context.Context, target ID, query queryFunc, done func() bool) ([]Contact, int) {
	var mu sync.Mutex
	seen := make(map[ID]*candidate)
	var order []*candidate

	add := func(c Contact) {
		if c.ID == d.selfID || c.Addr == nil {
			return
		}
		if _, ok := seen[c.ID]; ok {
			return
		}
		cand := &candidate{contact: c}
		seen[c.ID] = cand
		order = append(order, cand)
	}
	for _, c := range d.table.Closest(target, d.cfg.K) {
		add(c)
	}

	sortOrder := func() {
		for i := 1; i < len(order); i++ {
			for j := i; j > 0 && Closer(target, order[j].contact.ID, order[j-1].contact.ID); j-- {
				order[j], order[j-1] = order[j-1], order[j]
			}
		}
	}

	rounds := 0
	for rounds < d.cfg.MaxRounds {
		if ctx.Err() != nil || (done != nil && done()) {
			break
		}
		mu.Lock()
		sortOrder()
		var batch []*candidate
		considered := 0
		for _, cand := range order {
			if cand.state == failed {
				continue
			}
			if considered == d.cfg.K {
				break
			}
			considered++
			if cand.state == unqueried && len(batch) < d.cfg.Alpha {
				cand.state = inflight
				batch = append(batch, cand)
			}
		}
		mu.Unlock()
		if len(batch) == 0 {
			break
		}
		rounds++

		var g errgroup.Group
		for _, cand := range batch {
			cand := cand
			g.Go(func() error {
				found, err := query(ctx, cand.contact)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					cand.state = failed
					d.table.Fail(cand.contact.ID)
					return nil
				}
				cand.state = responded
				for _, c := range found {
					add(c)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	sortOrder()
	var out []Contact
	for _, cand := range order {
		if cand.state == responded {
			out = append(out, cand.contact)
			if len(out) == d.cfg.K {
				break
			}
		}
	}
	return out, rounds
}

// contactsFromInfos validates peer records carried in a response. Records
// that fail validation or carry no usable address are skipped.
func contactsFromInfos(infos []PeerInfo) []Contact {
	out := make([]Contact, 0, len(infos))
	for _, info := range infos {
		c, err := ContactFromInfo(info)
		if err != nil || c.Addr == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (d *DHT) findNode(target ID) queryFunc {
	return func(ctx context.Context, c Contact) ([]Contact, error) {
		r, err := d.request(ctx, c.Addr, c.PeerID, MsgFindNode, FindNode{Target: target[:]})
		if err != nil {
			return nil, err
		}
		var nodes Nodes
		if err := r.env.DecodeBody(&nodes); err != nil {
			return nil, err
		}
		return contactsFromInfos(nodes.Peers), nil
	}
}

// Closest runs a lookup and returns up to K live contacts nearest to
// target.
func (d *DHT) Closest(ctx context.Context, target ID) []Contact {
	out, rounds := d.lookup(ctx, target, d.findNode(target), nil)
	d.observer.LookupCompleted(rounds, len(out) > 0)
	return out
}

// FindPeer locates the record of p.
func (d *DHT) FindPeer(ctx context.Context, p peer.ID) (Contact, error) {
	if c, ok := d.table.Get(p); ok {
		return c, nil
	}
	target := IDFromPeer(p)
	var (
		mu    sync.Mutex
		found *Contact
	)
	base := d.findNode(target)
	query := func(ctx context.Context, c Contact) ([]Contact, error) {
		cs, err := base(ctx, c)
		for i := range cs {
			if cs[i].PeerID == p {
				mu.Lock()
				if found == nil {
					f := cs[i]
					found = &f
				}
				mu.Unlock()
			}
		}
		return cs, err
	}
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return found != nil
	}
	_, rounds := d.lookup(ctx, target, query, done)

	mu.Lock()
	defer mu.Unlock()
	d.observer.LookupCompleted(rounds, found != nil)
	if found == nil {
		if err := ctx.Err(); err != nil {
			return Contact{}, err
		}
		return Contact{}, ErrNotFound
	}
	return *found, nil
}

// FindProviders returns peers that announced content c, including the
// local node when it provides c.
func (d *DHT) FindProviders(ctx context.Context, c cid.Cid) ([]Contact, error) {
	key := KeyForCID(c)
	var mu sync.Mutex
	providers := make(map[peer.ID]Contact)
	collect := func(cs []Contact) {
		mu.Lock()
		for _, p := range cs {
			if _, ok := providers[p.PeerID]; !ok {
				providers[p.PeerID] = p
			}
		}
		mu.Unlock()
	}
	collect(d.providers.Get(key))

	query := func(ctx context.Context, peerC Contact) ([]Contact, error) {
		r, err := d.request(ctx, peerC.Addr, peerC.PeerID, MsgFindProviders, FindProviders{Key: key[:]})
		if err != nil {
			return nil, err
		}
		var resp Providers
		if err := r.env.DecodeBody(&resp); err != nil {
			return nil, err
		}
		collect(contactsFromInfos(resp.Providers))
		return contactsFromInfos(resp.Closer), nil
	}
	done := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(providers) >= d.cfg.K
	}
	_, rounds := d.lookup(ctx, key, query, done)

	mu.Lock()
	defer mu.Unlock()
	d.observer.LookupCompleted(rounds, len(providers) > 0)
	if len(providers) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	out := make([]Contact, 0, len(providers))
	for _, p := range providers {
		out = append(out, p)
	}
	SortByDistance(key, out)
	return out, nil
}

// Announce stores a provider record for c on the K nodes closest to its
// key and keeps re-announcing it until Withdraw. It returns the number of
// nodes that acknowledged.
func (d *DHT) Announce(ctx context.Context, c cid.Cid) (int, error) {
	key := KeyForCID(c)
	d.mu.Lock()
	d.provided[key] = c
	d.mu.Unlock()

	self := Contact{PeerID: d.id.PeerID(), ID: d.selfID, PubKey: d.id.PublicKey()}
	if info, err := ContactFromInfo(d.selfInfo()); err == nil {
		self = info
	}
	d.providers.Add(key, self, d.cfg.ProviderTTL)

	closest := d.Closest(ctx, key)
	if len(closest) == 0 {
		return 0, ErrNoPeers
	}
	ttl := uint32(d.cfg.ProviderTTL / time.Second)
	var (
		g    errgroup.Group
		mu   sync.Mutex
		acks int
	)
	for _, peerC := range closest {
		peerC := peerC
		g.Go(func() error {
			if _, err := d.request(ctx, peerC.Addr, peerC.PeerID, MsgAnnounce, Announce{Key: key[:], TTL: ttl}); err != nil {
				d.logger.Debug("Announce not acknowledged", "peer", peerC.PeerID, "error", err)
				return nil
			}
			mu.Lock()
			acks++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if acks == 0 {
		return 0, ErrNoPeers
	}
	return acks, nil
}

// Withdraw stops re-announcing c. Remote records expire with their TTL.
func (d *DHT) Withdraw(c cid.Cid) {
	d.mu.Lock()
	delete(d.provided, KeyForCID(c))
	d.mu.Unlock()
}

// Bootstrap joins the network through seeds: each seed is pinged, then a
// lookup for our own ID fills the buckets near us.
func (d *DHT) Bootstrap(ctx context.Context, seeds []net.Addr) error {
	var (
		g  errgroup.Group
		mu sync.Mutex
		ok int
	)
	for _, addr := range seeds {
		addr := addr
		g.Go(func() error {
			if _, _, err := d.Ping(ctx, addr); err != nil {
				d.logger.Warn("Bootstrap peer unreachable", "addr", addr.String(), "error", err)
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ok == 0 && d.table.Len() == 0 {
		return ErrNoPeers
	}
	d.Closest(ctx, d.selfID)
	d.logger.Info("DHT bootstrapped", "seeds", ok, "peers", d.table.Len())
	return nil
}

// Refresh looks up a random ID in every bucket that has not seen a lookup
// within RefreshInterval.
func (d *DHT) Refresh(ctx context.Context) {
	cutoff := d.cfg.Now().Add(-d.cfg.RefreshInterval)
	for _, i := range d.table.StaleBuckets(cutoff) {
		if ctx.Err() != nil {
			return
		}
		d.Closest(ctx, randomIDInBucket(d.selfID, i))
		d.table.MarkRefreshed(i)
	}
}

// Reannounce re-publishes every provided CID.
func (d *DHT) Reannounce(ctx context.Context) {
	d.mu.Lock()
	cids := make([]cid.Cid, 0, len(d.provided))
	for _, c := range d.provided {
		cids = append(cids, c)
	}
	d.mu.Unlock()
	for _, c := range cids {
		if _, err := d.Announce(ctx, c); err != nil {
			d.logger.Debug("Re-announce failed", "cid", c.String(), "error", err)
		}
	}
}

func (d *DHT) pruneLimiters() {
	cutoff := d.cfg.Now().Add(-time.Minute)
	d.mu.Lock()
	defer d.mu.Unlock()
	for host, e := range d.limiters {
		if e.seen.Before(cutoff) {
			delete(d.limiters, host)
		}
	}
}

func (d *DHT) maintain() {
	defer d.wg.Done()
	refresh := time.NewTicker(d.cfg.RefreshInterval / 2)
	defer refresh.Stop()
	reannounce := time.NewTicker(d.cfg.ReannounceInterval)
	defer reannounce.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-refresh.C:
			d.Refresh(d.ctx)
			if n := d.providers.Prune(); n > 0 {
				d.logger.Debug("Pruned provider records", "count", n)
			}
			d.pruneLimiters()
		case <-reannounce.C:
			d.Reannounce(d.ctx)
		}
	}
}
