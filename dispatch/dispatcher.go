// Package dispatch implements the message dispatcher: it routes inbound
// messages to request handlers by message type or to response handlers by
// (peer, request-id), and exposes a request/response API with
// deadline-based cancellation.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/packet"
)

// MaxRequestIDAttempts bounds how many random ids GetFreeRequestID will try
// before giving up.
const MaxRequestIDAttempts = 3

// RequestResponseTimeout is the default deadline for Request/RequestNodes.
const RequestResponseTimeout = 10 * time.Second

// Dispatcher errors.
var (
	ErrHandlerAlreadyRegistered = errors.New("dispatch: handler already registered")
	ErrRequestTimeout           = errors.New("dispatch: request timed out")
	ErrUnexpectedMessage        = errors.New("dispatch: unexpected message type")
	ErrUnknownPeer              = errors.New("dispatch: unknown peer, cannot resolve endpoint")
)

// ExhaustedRequestIdsError is returned by GetFreeRequestID when no
// collision-free id could be found. It carries the attempt count so a
// caller or logger can see how close the request-id space was to
// exhaustion for this peer.
type ExhaustedRequestIdsError struct {
	Peer     [32]byte
	Attempts int
}

func (e *ExhaustedRequestIdsError) Error() string {
	return fmt.Sprintf("dispatch: exhausted request ids for peer %x after %d attempts", e.Peer, e.Attempts)
}

// EndpointResolver resolves a peer's best-known datagram endpoint, used by
// Request/RequestNodes when the caller does not supply one explicitly.
type EndpointResolver interface {
	ResolveEndpoint(peer [32]byte) (*net.UDPAddr, error)
}

// OutboundSender delivers a plaintext Message to a peer at an endpoint. The
// top-level Service wires this to the session Packer plus the UDP socket.
type OutboundSender interface {
	SendMessage(peer [32]byte, endpoint *net.UDPAddr, msg packet.Message) error
}

// TalkHandlerFunc handles an inbound TALKREQ for a registered protocol name
// and returns the TALKRESP payload. Payload semantics live above discv5;
// this is only the attachment point.
type TalkHandlerFunc func(peer [32]byte, payload []byte) []byte

// Inbound pairs a delivered Message with the peer it came from. Request
// handlers need the peer (a PING server has no other way to learn who to
// PONG back to); response handlers don't, since the caller of Request
// already knows which peer it asked.
type Inbound struct {
	Peer    [32]byte
	Message packet.Message
}

// Subscription is a live registration returned by AddRequestHandler or
// AddResponseHandler: a receive-only channel plus a Cancel hook that
// deregisters it. Cancel is idempotent and must be called on every exit
// path so no orphaned subscription survives.
type Subscription struct {
	ch     chan Inbound
	cancel func()
}

// Messages returns the channel this subscription delivers matching inbound
// messages on.
func (s *Subscription) Messages() <-chan Inbound { return s.ch }

// Cancel deregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

type responseKey struct {
	peer  [32]byte
	reqID uint64
}

// Dispatcher owns the request-handler and response-handler registries and
// drives the request/response API.
type Dispatcher struct {
	mu               sync.Mutex
	requestHandlers  map[byte]*Subscription
	responseHandlers map[responseKey]*Subscription
	talkHandlers     map[string]TalkHandlerFunc

	sender   OutboundSender
	resolver EndpointResolver
	log      *log.Logger

	endpointsMu   sync.Mutex
	lastEndpoints map[[32]byte]*net.UDPAddr
}

// Config controls Dispatcher construction.
type Config struct {
	Sender   OutboundSender
	Resolver EndpointResolver
	Logger   *log.Logger
}

// New creates a Dispatcher. cfg.Logger defaults to log.Default().Module("dispatch").
func New(cfg Config) *Dispatcher {
	lg := cfg.Logger
	if lg == nil {
		lg = log.Default().Module("dispatch")
	}
	return &Dispatcher{
		requestHandlers:  make(map[byte]*Subscription),
		responseHandlers: make(map[responseKey]*Subscription),
		talkHandlers:     make(map[string]TalkHandlerFunc),
		sender:           cfg.Sender,
		resolver:         cfg.Resolver,
		log:              lg,
		lastEndpoints:    make(map[[32]byte]*net.UDPAddr),
	}
}

// NoteEndpoint records the datagram address a message from peer was actually
// observed arriving from. The top-level socket loop calls this for every
// inbound packet before handing its decoded Message to Dispatch, so server
// tasks (e.g. the routing-table manager's PING handler) can report a peer's
// observed endpoint back to it without re-deriving it from the ENR store.
func (d *Dispatcher) NoteEndpoint(peer [32]byte, addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	d.endpointsMu.Lock()
	d.lastEndpoints[peer] = addr
	d.endpointsMu.Unlock()
}

// LastEndpoint returns the most recently observed datagram address for peer,
// if any.
func (d *Dispatcher) LastEndpoint(peer [32]byte) (*net.UDPAddr, bool) {
	d.endpointsMu.Lock()
	defer d.endpointsMu.Unlock()
	addr, ok := d.lastEndpoints[peer]
	return addr, ok
}

// AddRequestHandler registers interest in every inbound message of the
// given type. At most one handler may exist per message type at a time.
func (d *Dispatcher) AddRequestHandler(messageType byte) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.requestHandlers[messageType]; exists {
		return nil, ErrHandlerAlreadyRegistered
	}
	sub := &Subscription{ch: make(chan Inbound, 16)}
	sub.cancel = d.removeRequestHandlerOnce(messageType)
	d.requestHandlers[messageType] = sub
	return sub, nil
}

func (d *Dispatcher) removeRequestHandlerOnce(messageType byte) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.requestHandlers, messageType)
			d.mu.Unlock()
		})
	}
}

// AddResponseHandler registers interest in every inbound message matching
// (peer, requestID). Duplicate registration for the same pair fails with
// ErrHandlerAlreadyRegistered, which is what makes concurrent Request calls
// for the same id race safely.
func (d *Dispatcher) AddResponseHandler(peer [32]byte, requestID uint64) (*Subscription, error) {
	key := responseKey{peer: peer, reqID: requestID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.responseHandlers[key]; exists {
		return nil, ErrHandlerAlreadyRegistered
	}
	sub := &Subscription{ch: make(chan Inbound, 16)}
	sub.cancel = d.removeResponseHandlerOnce(key)
	d.responseHandlers[key] = sub
	return sub, nil
}

func (d *Dispatcher) removeResponseHandlerOnce(key responseKey) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.responseHandlers, key)
			d.mu.Unlock()
		})
	}
}

// RegisterTalkHandler attaches fn as the handler for inbound TALKREQ
// messages naming protocol. Replacing an existing registration is allowed
// (unlike request/response handlers) since a higher layer may legitimately
// swap its own TALK handler at runtime.
func (d *Dispatcher) RegisterTalkHandler(protocol string, fn TalkHandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.talkHandlers[protocol] = fn
}

// GetFreeRequestID returns a random 64-bit id with no active response
// handler for peer. After MaxRequestIDAttempts failures it gives up.
func (d *Dispatcher) GetFreeRequestID(peer [32]byte) (uint64, error) {
	for attempt := 1; attempt <= MaxRequestIDAttempts; attempt++ {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint64(buf[:])

		d.mu.Lock()
		_, taken := d.responseHandlers[responseKey{peer: peer, reqID: id}]
		d.mu.Unlock()
		if !taken {
			return id, nil
		}
	}
	return 0, &ExhaustedRequestIdsError{Peer: peer, Attempts: MaxRequestIDAttempts}
}

// Dispatch delivers one inbound message from peer to every matching
// handler: its message-type request handler (if registered) and/or its
// (peer, request-id) response handler (if registered). Both may fire;
// every outcome, including a drop with no match, is logged at debug level.
func (d *Dispatcher) Dispatch(peer [32]byte, msg packet.Message) {
	if talk, ok := msg.(*packet.TalkRequest); ok {
		d.mu.Lock()
		fn := d.talkHandlers[talk.Protocol]
		d.mu.Unlock()
		if fn != nil {
			resp := fn(peer, talk.Payload)
			if d.sender != nil {
				endpoint, _ := d.resolveEndpoint(peer, nil)
				_ = d.sender.SendMessage(peer, endpoint, &packet.TalkResponse{ReqID: talk.ReqID, Payload: resp})
			}
			return
		}
	}

	d.mu.Lock()
	reqSub := d.requestHandlers[msg.MessageID()]
	respSub := d.responseHandlers[responseKey{peer: peer, reqID: msg.RequestID()}]
	d.mu.Unlock()

	isRequest := reqSub != nil
	isResponse := respSub != nil

	if !isRequest && !isResponse {
		d.log.Debug("dispatch: dropped unmatched message", "peer", fmt.Sprintf("%x", peer), "msg_id", msg.MessageID())
		return
	}
	if isRequest {
		d.log.Debug("dispatch: routed as request", "peer", fmt.Sprintf("%x", peer), "msg_id", msg.MessageID())
		nonBlockingSend(reqSub.ch, Inbound{Peer: peer, Message: msg})
	}
	if isResponse {
		d.log.Debug("dispatch: routed as response", "peer", fmt.Sprintf("%x", peer), "request_id", msg.RequestID())
		nonBlockingSend(respSub.ch, Inbound{Peer: peer, Message: msg})
	}
}

func nonBlockingSend(ch chan Inbound, in Inbound) {
	select {
	case ch <- in:
	default:
		// Slow subscriber: drop rather than block cross-peer dispatch.
	}
}

func (d *Dispatcher) resolveEndpoint(peer [32]byte, endpoint *net.UDPAddr) (*net.UDPAddr, error) {
	if endpoint != nil {
		return endpoint, nil
	}
	if d.resolver == nil {
		return nil, ErrUnknownPeer
	}
	ep, err := d.resolver.ResolveEndpoint(peer)
	if err != nil {
		return nil, ErrUnknownPeer
	}
	return ep, nil
}

// SendResponse sends msg to peer through the dispatcher's configured
// OutboundSender, resolving the endpoint the same way Request does when
// endpoint is nil. Server tasks (the routing-table manager's PING and
// FINDNODE handlers, most notably) use this to reply to an inbound request
// without needing their own OutboundSender wiring.
func (d *Dispatcher) SendResponse(peer [32]byte, endpoint *net.UDPAddr, msg packet.Message) error {
	ep, err := d.resolveEndpoint(peer, endpoint)
	if err != nil {
		return err
	}
	if d.sender == nil {
		return errors.New("dispatch: no outbound sender configured")
	}
	return d.sender.SendMessage(peer, ep, msg)
}

// Request reserves a response handler for msg's request-id, sends msg to
// peer (resolving endpoint from the ENR store if endpoint is nil), and
// returns the first matching response. The handler is released on every
// exit path: success, timeout, or caller cancellation via ctx.
func (d *Dispatcher) Request(ctx context.Context, peer [32]byte, msg packet.Message, endpoint *net.UDPAddr) (packet.Message, error) {
	ep, err := d.resolveEndpoint(peer, endpoint)
	if err != nil {
		return nil, err
	}

	sub, err := d.AddResponseHandler(peer, msg.RequestID())
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	if d.sender == nil {
		return nil, errors.New("dispatch: no outbound sender configured")
	}
	if err := d.sender.SendMessage(peer, ep, msg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, RequestResponseTimeout)
	defer cancel()

	select {
	case resp := <-sub.ch:
		return resp.Message, nil
	case <-ctx.Done():
		return nil, ErrRequestTimeout
	}
}

// RequestNodes is Request specialised for FINDNODE/NODES: it reads Total
// from the first NODES response, bounds it to packet.MaxNodesMessageTotal,
// and collects that many fragments sharing the request-id, in order.
func (d *Dispatcher) RequestNodes(ctx context.Context, peer [32]byte, msg *packet.FindNode, endpoint *net.UDPAddr) ([]*packet.Nodes, error) {
	ep, err := d.resolveEndpoint(peer, endpoint)
	if err != nil {
		return nil, err
	}

	sub, err := d.AddResponseHandler(peer, msg.RequestID())
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	if d.sender == nil {
		return nil, errors.New("dispatch: no outbound sender configured")
	}
	if err := d.sender.SendMessage(peer, ep, msg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, RequestResponseTimeout)
	defer cancel()

	var fragments []*packet.Nodes
	var total uint64 = 1
	for uint64(len(fragments)) < total {
		select {
		case resp := <-sub.ch:
			nodes, ok := resp.Message.(*packet.Nodes)
			if !ok {
				return nil, ErrUnexpectedMessage
			}
			if len(fragments) == 0 {
				if nodes.Total > packet.MaxNodesMessageTotal {
					return nil, ErrUnexpectedMessage
				}
				total = nodes.Total
				if total == 0 {
					total = 1
				}
			}
			fragments = append(fragments, nodes)
		case <-ctx.Done():
			return nil, ErrRequestTimeout
		}
	}
	return fragments, nil
}
