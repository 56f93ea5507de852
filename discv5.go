// Package discv5 wires the six pipeline stages of the discovery protocol
// into a single running service: a UDP socket, the packet codec, the
// session/handshake layer, the message dispatcher, the routing-table
// manager, and the ENR manager. Start/Stop delegate to a node.LifecycleManager
// that registers the UDP listener, the routing-table manager, and (when
// enabled) the metrics HTTP server as three independent node.Service entries,
// started in priority order and stopped in reverse; Service itself also
// satisfies node.Service so an embedder can register it alongside other
// long-lived components of its own.
package discv5

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/discv5/dispatch"
	"github.com/eth2030/discv5/identity"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/metrics"
	"github.com/eth2030/discv5/node"
	"github.com/eth2030/discv5/p2p/discover"
	"github.com/eth2030/discv5/p2p/enr"
	"github.com/eth2030/discv5/packet"
	"github.com/eth2030/discv5/session"
	"github.com/eth2030/discv5/table"
)

// ErrAlreadyStarted is returned by Start if the service is already running.
var ErrAlreadyStarted = errors.New("discv5: service already started")

// ErrNotStarted is returned by operations that require a bound socket.
var ErrNotStarted = errors.New("discv5: service not started")

// Service is the top-level discv5 node: it owns the UDP socket and wires
// the identity manager, session packer, message dispatcher, and
// routing-table manager together.
type Service struct {
	cfg node.Config
	log *log.Logger
	reg *metrics.Registry

	identity *identity.Manager
	store    identity.Store
	packer   *session.Packer
	dispatch *dispatch.Dispatcher
	table    *discover.KademliaTable
	endpoint *table.EndpointTracker
	tableMgr *table.Manager

	mu        sync.Mutex
	conn      *net.UDPConn
	readLoopW sync.WaitGroup
	lifecycle *node.LifecycleManager

	addrMu sync.Mutex
	addrs  map[string][32]byte // remote UDP addr -> peer id, for matching inbound WhoAreYou
}

// Config bundles the construction-time dependencies Service needs beyond
// node.Config: the local static identity key and the ENR store to persist
// to. Reading the key from disk and choosing between identity.MemStore and
// identity.FileStore are the caller's job.
type Config struct {
	Node   node.Config
	Key    *ecdsa.PrivateKey
	Store  identity.Store
	Logger *log.Logger
	Metric *metrics.Registry

	// LocalRecord seeds the initial ENR's non-identity fields (ip/tcp/udp).
	// KeyID and KeySecp256k1 are always set by New regardless of what's
	// passed here.
	LocalRecord map[string][]byte
}

// New constructs a Service without starting it. Call Start to bind the UDP
// socket and launch the background tasks.
func New(cfg Config) (*Service, error) {
	if cfg.Key == nil {
		return nil, errors.New("discv5: config.Key is required")
	}
	if err := cfg.Node.Validate(); err != nil {
		return nil, err
	}

	lg := cfg.Logger
	if lg == nil {
		lg = log.Default().Module("discv5")
	}
	reg := cfg.Metric
	if reg == nil {
		reg = metrics.DefaultRegistry
	}

	store := cfg.Store
	if store == nil {
		store = identity.NewMemStore()
	}

	initial := map[string][]byte{}
	for k, v := range cfg.LocalRecord {
		initial[k] = v
	}
	initial[enr.KeyID] = []byte("v4")
	initial[enr.KeySecp256k1] = crypto.CompressPubkey(&cfg.Key.PublicKey)

	idMgr, err := identity.NewManager(cfg.Key, store, initial)
	if err != nil {
		return nil, fmt.Errorf("discv5: init identity: %w", err)
	}

	tbl := discover.NewKademliaTable(idMgr.NodeID(), discover.DefaultKademliaConfig())
	endpoints := table.NewEndpointTracker(idMgr, lg.Module("table.endpoint"))

	svc := &Service{
		cfg:      cfg.Node,
		log:      lg,
		reg:      reg,
		identity: idMgr,
		store:    store,
		table:    tbl,
		endpoint: endpoints,
		addrs:    make(map[string][32]byte),
	}

	svc.packer = session.NewPacker(idMgr.NodeID(), cfg.Key, idMgr.Local, idMgr)
	svc.dispatch = dispatch.New(dispatch.Config{
		Sender:   svc,
		Resolver: svc,
		Logger:   lg.Module("dispatch"),
	})
	svc.tableMgr = table.New(table.Config{
		Table:      tbl,
		Dispatcher: svc.dispatch,
		Identity:   idMgr,
		Endpoints:  endpoints,
		Metrics:    reg,
		Logger:     lg.Module("table"),
	})

	return svc, nil
}

// Name implements node.Service.
func (s *Service) Name() string { return "discv5" }

// NodeID returns the local node's identifier.
func (s *Service) NodeID() [32]byte { return s.identity.NodeID() }

// LocalENR returns the current local ENR.
func (s *Service) LocalENR() *enr.Record { return s.identity.Local() }

// Dispatcher exposes the message dispatcher, e.g. so an embedder can
// register a TALKREQ handler before or after Start.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatch }

// Table exposes the routing table for read-only inspection (size, bucket
// contents, ...).
func (s *Service) Table() *discover.KademliaTable { return s.table }

// Start binds the UDP socket and launches the routing-table manager's
// liveness pinger and PING/FINDNODE server, plus this service's own
// inbound-datagram loop, and (when configured) the metrics HTTP server.
// Each of these is registered as a node.Service with a node.LifecycleManager,
// which starts them in priority order (socket, then table manager, then
// metrics) and is also what Stop unwinds in reverse. Implements node.Service.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != nil {
		return ErrAlreadyStarted
	}

	lm := node.NewLifecycleManager(node.DefaultLifecycleConfig())
	if err := lm.Register(&udpListenerService{svc: s}, 0); err != nil {
		return fmt.Errorf("discv5: register udp listener: %w", err)
	}
	if err := lm.Register(&tableManagerService{mgr: s.tableMgr}, 1); err != nil {
		return fmt.Errorf("discv5: register table manager: %w", err)
	}
	if s.cfg.Metrics {
		if err := lm.Register(&metricsServerService{cfg: s.cfg, reg: s.reg, log: s.log}, 2); err != nil {
			return fmt.Errorf("discv5: register metrics server: %w", err)
		}
	}

	if errs := lm.StartAll(); len(errs) > 0 {
		lm.StopAll()
		return fmt.Errorf("discv5: start: %w", errors.Join(errs...))
	}

	s.lifecycle = lm
	s.log.Info("discv5 service started", "addr", s.conn.LocalAddr(), "node_id", fmt.Sprintf("%x", s.identity.NodeID()))
	return nil
}

// Stop stops all services registered with the lifecycle manager in reverse
// priority order (metrics, then table manager, then socket). Implements
// node.Service.
func (s *Service) Stop() error {
	s.mu.Lock()
	lm := s.lifecycle
	s.lifecycle = nil
	s.mu.Unlock()

	if lm == nil {
		return nil
	}
	if errs := lm.StopAll(); len(errs) > 0 {
		return fmt.Errorf("discv5: stop: %w", errors.Join(errs...))
	}
	return nil
}

// --- node.Service adapters ---------------------------------------------------

// udpListenerService binds the UDP socket and runs the inbound-datagram read
// loop. It is registered with Service's node.LifecycleManager as the
// lowest-priority (first-started, last-stopped) service, since the table
// manager and message dispatch both depend on the socket being live.
type udpListenerService struct {
	svc    *Service
	cancel context.CancelFunc
}

func (u *udpListenerService) Name() string { return "discv5.udp" }

func (u *udpListenerService) Start() error {
	s := u.svc
	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	s.conn = conn
	s.readLoopW.Add(2)
	go s.readLoop(ctx, conn)
	go s.sessionExpiryLoop(ctx)
	return nil
}

func (u *udpListenerService) Stop() error {
	if u.cancel != nil {
		u.cancel()
	}
	s := u.svc
	conn := s.conn
	s.conn = nil
	if conn != nil {
		conn.Close()
	}
	s.readLoopW.Wait()
	return nil
}

// tableManagerService starts and stops the routing table's liveness pinger
// and PING/FINDNODE server.
type tableManagerService struct {
	mgr    *table.Manager
	cancel context.CancelFunc
}

func (t *tableManagerService) Name() string { return "discv5.table" }

func (t *tableManagerService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if err := t.mgr.Start(ctx); err != nil {
		cancel()
		return err
	}
	return nil
}

func (t *tableManagerService) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mgr.Wait()
	return nil
}

// metricsServerService serves the Prometheus /metrics endpoint. It is only
// registered when Config.Metrics is set, and is the highest-priority
// (last-started, first-stopped) of the three services.
type metricsServerService struct {
	cfg node.Config
	reg *metrics.Registry
	log *log.Logger
	srv *http.Server
}

func (m *metricsServerService) Name() string { return "discv5.metrics" }

func (m *metricsServerService) Start() error {
	pe := metrics.NewPrometheusExporter(m.reg, metrics.PrometheusConfig{
		Namespace:     "discv5",
		EnableRuntime: true,
		Path:          "/metrics",
	})
	srv := &http.Server{Addr: m.cfg.MetricsAddr, Handler: pe.Handler()}
	m.srv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Warn("metrics server stopped", "err", err)
		}
	}()
	return nil
}

func (m *metricsServerService) Stop() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Close()
}

// AddBootnode verifies a bootstrap ENR, stores it, and seeds the routing
// table with it so the first discovery lookup has somewhere to start.
func (s *Service) AddBootnode(raw []byte) error {
	rec, err := enr.DecodeENR(raw)
	if err != nil {
		return fmt.Errorf("discv5: decode bootnode enr: %w", err)
	}
	if err := enr.VerifyENR(rec); err != nil {
		return fmt.Errorf("discv5: verify bootnode enr: %w", err)
	}
	if err := s.identity.StoreENR(rec); err != nil {
		return err
	}

	ip := enr.IP(rec)
	if ip == nil {
		ip = enr.IP6(rec)
	}
	port := enr.UDP(rec)
	if port == 0 {
		port = enr.UDP6(rec)
	}
	entry := discover.NodeEntry{ID: rec.NodeID(), LastSeen: time.Now()}
	if ip != nil {
		entry.Address = ip.String()
		entry.Port = int(port)
	}
	s.table.Update(entry)
	return nil
}

// Lookup runs one iterative Kademlia lookup toward target.
func (s *Service) Lookup(target [32]byte) *discover.LookupResult {
	return s.tableMgr.Lookup(target)
}

// Ping sends a PING to peer and waits for a matching PONG, using
// REQUEST_RESPONSE_TIMEOUT as its deadline unless ctx carries an earlier
// one.
func (s *Service) Ping(ctx context.Context, peer [32]byte) (*packet.Pong, error) {
	reqID, err := s.dispatch.GetFreeRequestID(peer)
	if err != nil {
		return nil, err
	}
	resp, err := s.dispatch.Request(ctx, peer, &packet.Ping{ReqID: reqID, ENRSeq: s.identity.Local().Seq}, nil)
	if err != nil {
		metrics.RequestTimeouts.Inc()
		return nil, err
	}
	pong, ok := resp.(*packet.Pong)
	if !ok {
		return nil, dispatch.ErrUnexpectedMessage
	}
	return pong, nil
}

// --- dispatch.OutboundSender / dispatch.EndpointResolver --------------------

// SendMessage implements dispatch.OutboundSender: it encodes msg, runs it
// through the session packer (initiating a handshake if no session exists
// yet), remembers which peer this endpoint maps to (for a later WhoAreYou
// reply), and writes the resulting packet to the socket.
func (s *Service) SendMessage(peer [32]byte, endpoint *net.UDPAddr, msg packet.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	if endpoint == nil {
		return dispatch.ErrUnknownPeer
	}

	body, err := packet.EncodeMessage(msg)
	if err != nil {
		return err
	}
	out, err := s.packer.EncodeOutbound(peer, body)
	if err != nil {
		return err
	}
	s.rememberAddr(endpoint, peer)
	if out == nil {
		// A handshake is already mid-flight for this peer; message was
		// buffered and will go out once it completes.
		return nil
	}
	metrics.RequestsSent.Inc()
	_, err = conn.WriteToUDP(out, endpoint)
	return err
}

// ResolveEndpoint implements dispatch.EndpointResolver: it prefers a
// routing-table entry's last-known address, falling back to the ENR store.
func (s *Service) ResolveEndpoint(peer [32]byte) (*net.UDPAddr, error) {
	if entry := s.table.GetNode(peer); entry != nil && entry.Address != "" && entry.Port != 0 {
		if ip := net.ParseIP(entry.Address); ip != nil {
			return &net.UDPAddr{IP: ip, Port: entry.Port}, nil
		}
	}
	rec, err := s.store.Get(peer)
	if err != nil {
		return nil, dispatch.ErrUnknownPeer
	}
	ip := enr.IP(rec)
	if ip == nil {
		ip = enr.IP6(rec)
	}
	port := enr.UDP(rec)
	if port == 0 {
		port = enr.UDP6(rec)
	}
	if ip == nil || port == 0 {
		return nil, dispatch.ErrUnknownPeer
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// --- inbound datagram handling ----------------------------------------------

func (s *Service) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.readLoopW.Done()
	buf := make([]byte, packet.DiscoveryMaxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Debug("udp read error", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, addr)
	}
}

// sessionExpiryLoop periodically tears down sessions idle for longer than
// session.IdleTimeout, forcing a fresh handshake on the next exchange with
// that peer.
func (s *Service) sessionExpiryLoop(ctx context.Context) {
	defer s.readLoopW.Done()
	ticker := time.NewTicker(session.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.packer.ExpireIdle(session.IdleTimeout); n > 0 {
				s.log.Debug("expired idle sessions", "count", n)
			}
			metrics.SessionsActive.Set(int64(s.packer.ActiveSessions()))
		}
	}
}

func (s *Service) handleDatagram(data []byte, addr *net.UDPAddr) {
	kind, decoded, err := packet.Decode(data, s.identity.NodeID())
	if err != nil {
		metrics.PacketDecodeErrors.Inc()
		return
	}
	metrics.PacketsDecoded.Inc()

	if kind == packet.KindWhoAreYou {
		s.handleWhoAreYou(decoded.(*packet.WhoAreYouPacket), addr)
		return
	}

	msg, replies, peer, err := s.packer.HandleInbound(data)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		s.log.Debug("inbound handshake step failed", "remote", addr, "err", err)
		return
	}
	if len(replies) > 0 {
		s.rememberAddr(addr, peer)
		for _, reply := range replies {
			if _, werr := s.conn.WriteToUDP(reply, addr); werr != nil {
				s.log.Debug("failed to send handshake reply", "remote", addr, "err", werr)
			}
		}
	}
	if msg == nil {
		return
	}

	metrics.SessionsEstablished.Inc()
	decodedMsg, err := packet.DecodeMessage(msg)
	if err != nil {
		s.log.Debug("message decode failed", "peer", fmt.Sprintf("%x", peer), "err", err)
		return
	}

	s.dispatch.NoteEndpoint(peer, addr)
	s.table.Update(discover.NodeEntry{ID: peer, Address: addr.IP.String(), Port: addr.Port, LastSeen: time.Now()})
	s.dispatch.Dispatch(peer, decodedMsg)
}

func (s *Service) handleWhoAreYou(w *packet.WhoAreYouPacket, addr *net.UDPAddr) {
	peer, ok := s.peerForAddr(addr)
	if !ok {
		s.log.Debug("who-are-you from unrecognized endpoint, dropping", "remote", addr)
		return
	}
	remotePub, ok := s.identity.StaticPubkey(peer)
	if !ok {
		s.log.Debug("who-are-you for peer with no known static key, dropping", "peer", fmt.Sprintf("%x", peer))
		return
	}
	packets, err := s.packer.HandleWhoAreYou(peer, w, remotePub)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		s.log.Debug("handshake completion failed", "peer", fmt.Sprintf("%x", peer), "err", err)
		return
	}
	metrics.SessionsEstablished.Inc()
	for _, out := range packets {
		if _, err := s.conn.WriteToUDP(out, addr); err != nil {
			s.log.Debug("failed to send auth header", "peer", fmt.Sprintf("%x", peer), "err", err)
		}
	}
}

func (s *Service) rememberAddr(addr *net.UDPAddr, peer [32]byte) {
	s.addrMu.Lock()
	s.addrs[addr.String()] = peer
	s.addrMu.Unlock()
}

func (s *Service) peerForAddr(addr *net.UDPAddr) ([32]byte, bool) {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	peer, ok := s.addrs[addr.String()]
	return peer, ok
}
