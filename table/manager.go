// Package table implements the routing-table manager: the three
// maintenance tasks that keep a KademliaTable alive (a liveness pinger, an
// iterative discovery lookup, and a PING/FINDNODE server), wired onto the
// dispatcher's request/response API and the identity manager's local/peer
// ENR store.
package table

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/eth2030/discv5/dispatch"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/metrics"
	"github.com/eth2030/discv5/p2p/discover"
	"github.com/eth2030/discv5/p2p/enr"
	"github.com/eth2030/discv5/packet"
)

// KeepAlive is the liveness pinger's base tick interval.
const KeepAlive = 300 * time.Second

// KeepAliveJitter bounds the random jitter added to each pinger tick so
// peers across a large table don't all get re-pinged in lockstep.
const KeepAliveJitter = 30 * time.Second

// FoundNodesMaxPayloadSize bounds a single NODES fragment's encoded size, in
// bytes under the wire layer's DISCOVERY_MAX_PACKET_SIZE (1280) once session
// and packet framing overhead is accounted for.
const FoundNodesMaxPayloadSize = 1024

// IdentitySource is everything the manager needs from the local identity:
// the local ENR (to answer distance-0 FINDNODE requests and for liveness
// pings' enr_seq) and the peer ENR store (to answer farther distances).
// identity.Manager implements this.
type IdentitySource interface {
	NodeID() [32]byte
	Local() *enr.Record
	PeerRecord(id [32]byte) (*enr.Record, error)
}

// Config controls Manager construction.
type Config struct {
	Table      *discover.KademliaTable
	Dispatcher *dispatch.Dispatcher
	Identity   IdentitySource
	Endpoints  *EndpointTracker
	Metrics    *metrics.Registry
	Logger     *log.Logger
	Lookup     discover.LookupConfig
}

// Manager runs the three routing-table maintenance tasks against a shared
// KademliaTable. Start launches them as goroutines bound to the supplied
// context; Stop (via context cancellation) tears them down.
type Manager struct {
	table      *discover.KademliaTable
	dispatcher *dispatch.Dispatcher
	identity   IdentitySource
	endpoints  *EndpointTracker
	metrics    *metrics.Registry
	log        *log.Logger

	lookupCfg discover.LookupConfig

	wg sync.WaitGroup
}

// New creates a Manager. cfg.Table must already be constructed (the caller
// owns its lifetime beyond this Manager, since the dispatcher's own request
// handlers and the lookup task both reach into it independently).
func New(cfg Config) *Manager {
	lg := cfg.Logger
	if lg == nil {
		lg = log.Default().Module("table")
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	return &Manager{
		table:      cfg.Table,
		dispatcher: cfg.Dispatcher,
		identity:   cfg.Identity,
		endpoints:  cfg.Endpoints,
		metrics:    reg,
		log:        lg,
		lookupCfg:  cfg.Lookup,
	}
}

// Start launches the liveness pinger and the PING/FINDNODE server as
// background goroutines. Both run until ctx is cancelled. Start does not
// launch a standing discovery-lookup loop; callers drive discovery lookups
// explicitly via Lookup, typically on their own schedule (e.g. once at
// startup and then periodically against random targets).
func (m *Manager) Start(ctx context.Context) error {
	pingSub, err := m.dispatcher.AddRequestHandler(packet.MsgIDPing)
	if err != nil {
		return fmt.Errorf("table: register ping handler: %w", err)
	}
	findNodeSub, err := m.dispatcher.AddRequestHandler(packet.MsgIDFindNode)
	if err != nil {
		pingSub.Cancel()
		return fmt.Errorf("table: register findnode handler: %w", err)
	}

	m.wg.Add(3)
	go m.runLivenessPinger(ctx)
	go m.runPingServer(ctx, pingSub)
	go m.runFindNodeServer(ctx, findNodeSub)

	go func() {
		<-ctx.Done()
		pingSub.Cancel()
		findNodeSub.Cancel()
	}()

	return nil
}

// Wait blocks until every task launched by Start has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// --- Liveness pinger ---------------------------------------------------------

func (m *Manager) runLivenessPinger(ctx context.Context) {
	defer m.wg.Done()
	for {
		wait := KeepAlive + time.Duration(rand.Int63n(int64(KeepAliveJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		m.pingStalestEntry(ctx)
	}
}

func (m *Manager) pingStalestEntry(ctx context.Context) {
	entry := m.table.LeastRecentlyUpdatedEntry()
	if entry == nil {
		return
	}

	reqID, err := m.dispatcher.GetFreeRequestID(entry.ID)
	if err != nil {
		m.log.Warn("liveness pinger could not allocate request id", "peer", fmt.Sprintf("%x", entry.ID), "err", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, dispatch.RequestResponseTimeout)
	defer cancel()

	resp, err := m.dispatcher.Request(reqCtx, entry.ID, &packet.Ping{ReqID: reqID, ENRSeq: m.identity.Local().Seq}, entryEndpoint(*entry))
	if err != nil {
		m.log.Debug("liveness ping failed, removing entry", "peer", fmt.Sprintf("%x", entry.ID), "err", err)
		m.table.Remove(entry.ID)
		m.metrics.Counter("table.liveness.removed").Inc()
		return
	}

	pong, ok := resp.(*packet.Pong)
	if !ok {
		m.table.Remove(entry.ID)
		m.metrics.Counter("table.liveness.removed").Inc()
		return
	}

	m.table.Update(*entry)
	m.metrics.Counter("table.liveness.alive").Inc()
	if m.endpoints != nil && pong.PacketIP != nil {
		m.endpoints.Vote(entry.ID, pong.PacketIP, pong.PacketPort)
	}
}

// entryEndpoint builds a UDP address from a routing-table entry's recorded
// Address/Port, if both are present, so Request/RequestNodes can skip the
// EndpointResolver round-trip for a node we're already tracking. Returns nil
// when the entry doesn't carry a usable address, leaving endpoint
// resolution to the dispatcher's configured EndpointResolver.
func entryEndpoint(n discover.NodeEntry) *net.UDPAddr {
	if n.Address == "" || n.Port == 0 {
		return nil
	}
	ip := net.ParseIP(n.Address)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: n.Port}
}

// --- Discovery lookup --------------------------------------------------------

// QueryPeer issues a single FINDNODE to a candidate node for the given
// distances and returns whatever NODES fragments it reports, decoded into
// routing-table entries. It is the discover.QueryFunc this manager feeds to
// IterativeLookup.
func (m *Manager) QueryPeer(n discover.NodeEntry, distances []int) []discover.NodeEntry {
	reqID, err := m.dispatcher.GetFreeRequestID(n.ID)
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatch.RequestResponseTimeout)
	defer cancel()

	fragments, err := m.dispatcher.RequestNodes(ctx, n.ID, &packet.FindNode{ReqID: reqID, Distances: distances}, entryEndpoint(n))
	if err != nil {
		return nil
	}

	var out []discover.NodeEntry
	for _, frag := range fragments {
		for _, raw := range frag.ENRs {
			rec, err := enr.DecodeENR(raw)
			if err != nil {
				continue
			}
			if err := verifyAndStore(m.identity, rec); err != nil {
				continue
			}
			out = append(out, recordToEntry(rec))
		}
	}
	return out
}

// Lookup performs one iterative Kademlia lookup toward target, inserting
// every freshly-learned node into the routing table as it arrives.
func (m *Manager) Lookup(target [32]byte) *discover.LookupResult {
	result := m.table.IterativeLookup(target, m.QueryPeer, m.lookupCfg)
	m.metrics.Counter("table.lookup.rounds").Add(int64(result.Rounds))
	m.metrics.Gauge("table.size").Set(int64(m.table.TableSize()))
	return result
}

// --- PING/FINDNODE server ----------------------------------------------------

func (m *Manager) runPingServer(ctx context.Context, sub *dispatch.Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-sub.Messages():
			if !ok {
				return
			}
			ping, ok := in.Message.(*packet.Ping)
			if !ok {
				continue
			}
			m.handlePing(in.Peer, ping)
		}
	}
}

func (m *Manager) handlePing(peer [32]byte, ping *packet.Ping) {
	ep, _ := m.dispatcher.LastEndpoint(peer)

	pong := &packet.Pong{ReqID: ping.ReqID, ENRSeq: m.identity.Local().Seq}
	if ep != nil {
		pong.PacketIP = ep.IP
		pong.PacketPort = uint16(ep.Port)
	}
	if err := m.dispatcher.SendResponse(peer, ep, pong); err != nil {
		m.log.Debug("failed to send pong", "peer", fmt.Sprintf("%x", peer), "err", err)
	}
}

func (m *Manager) runFindNodeServer(ctx context.Context, sub *dispatch.Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-sub.Messages():
			if !ok {
				return
			}
			fn, ok := in.Message.(*packet.FindNode)
			if !ok {
				continue
			}
			m.handleFindNode(in.Peer, fn)
		}
	}
}

func (m *Manager) handleFindNode(peer [32]byte, fn *packet.FindNode) {
	ep, _ := m.dispatcher.LastEndpoint(peer)

	var candidates []discover.NodeEntry
	for _, d := range fn.Distances {
		if d == 0 {
			continue // distance 0 names the local record, handled below
		}
		bucketIdx := discover.BucketForDistance(d)
		candidates = append(candidates, m.table.BucketEntries(bucketIdx)...)
	}

	var enrs [][]byte
	includeSelf := false
	for _, d := range fn.Distances {
		// Distance 0 is the local record; the farthest bucket also answers
		// with it alongside its stored peers.
		if d == 0 || d == discover.NumBuckets {
			includeSelf = true
		}
	}
	if includeSelf {
		if raw, err := enr.EncodeENR(m.identity.Local()); err == nil {
			enrs = append(enrs, raw)
		}
	}
	for _, c := range candidates {
		rec, err := m.identity.PeerRecord(c.ID)
		if err != nil {
			continue
		}
		raw, err := enr.EncodeENR(rec)
		if err != nil {
			continue
		}
		enrs = append(enrs, raw)
	}

	fragments := fragmentENRs(enrs, FoundNodesMaxPayloadSize)
	total := uint64(len(fragments))
	if total == 0 {
		total = 1
		fragments = [][][]byte{nil}
	}
	for _, frag := range fragments {
		nodes := &packet.Nodes{ReqID: fn.ReqID, Total: total, ENRs: frag}
		if err := m.dispatcher.SendResponse(peer, ep, nodes); err != nil {
			m.log.Debug("failed to send nodes fragment", "peer", fmt.Sprintf("%x", peer), "err", err)
			return
		}
	}
}

// fragmentENRs packs raw ENR blobs into fragments whose approximate encoded
// size stays under limit, preserving order.
func fragmentENRs(enrs [][]byte, limit int) [][][]byte {
	if len(enrs) == 0 {
		return nil
	}
	var fragments [][][]byte
	var current [][]byte
	size := 0
	for _, e := range enrs {
		if size+len(e) > limit && len(current) > 0 {
			fragments = append(fragments, current)
			current = nil
			size = 0
		}
		current = append(current, e)
		size += len(e)
	}
	if len(current) > 0 {
		fragments = append(fragments, current)
	}
	return fragments
}

func verifyAndStore(identity IdentitySource, rec *enr.Record) error {
	if err := enr.VerifyENR(rec); err != nil {
		return err
	}
	type storer interface {
		StoreENR(r *enr.Record) error
	}
	if s, ok := identity.(storer); ok {
		return s.StoreENR(rec)
	}
	return nil
}

func recordToEntry(rec *enr.Record) discover.NodeEntry {
	ip := enr.IP(rec)
	if ip == nil {
		ip = enr.IP6(rec)
	}
	port := enr.UDP(rec)
	if port == 0 {
		port = enr.UDP6(rec)
	}
	addr := ""
	if ip != nil {
		addr = ip.String()
	}
	return discover.NodeEntry{
		ID:       rec.NodeID(),
		Address:  addr,
		Port:     int(port),
		LastSeen: time.Now(),
	}
}

