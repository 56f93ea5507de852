// packer.go implements the Packer: the per-peer session map. It owns a
// map[nodeID]*Session. A per-Session lock serialises that peer's FSM
// transitions and pending-message buffer; the outer Packer lock is only
// held for the map lookup/insert, so cross-peer work never contends on a
// single lock.
package session

import (
	"crypto/ecdsa"
	"crypto/rand"
	"sync"
	"time"

	"github.com/eth2030/discv5/p2p/enr"
	"github.com/eth2030/discv5/packet"
)

// IdleTimeout is how long an established session may sit unused before it
// is torn down and a fresh handshake is required.
const IdleTimeout = 60 * time.Second

// Session holds the completed symmetric keys for one peer, plus whichever
// handshake FSM is currently in flight for that peer (at most one of
// initiating or recipient is non-nil at a time).
type Session struct {
	mu sync.Mutex

	peerID [32]byte

	established bool
	encKey      [KeySize]byte
	decKey      [KeySize]byte
	lastActive  time.Time

	initiating *InitiatorFSM
	responding *RecipientFSM

	pending [][]byte // messages buffered while an Initiator handshake is in flight
}

// Established reports whether this session has completed keys.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// Packer owns the node_id -> Session map and drives handshake FSMs on
// behalf of callers that only want to send and receive plaintext messages.
type Packer struct {
	localID  [32]byte
	localKey *ecdsa.PrivateKey
	localENR func() *enr.Record
	resolver ENRResolver

	mu       sync.Mutex
	sessions map[[32]byte]*Session
}

// NewPacker creates a Packer for the local node. localENR is a callback so
// the packer always signs handshakes with the current ENR, not a snapshot
// taken at construction time.
func NewPacker(localID [32]byte, localKey *ecdsa.PrivateKey, localENR func() *enr.Record, resolver ENRResolver) *Packer {
	return &Packer{
		localID:  localID,
		localKey: localKey,
		localENR: localENR,
		resolver: resolver,
		sessions: make(map[[32]byte]*Session),
	}
}

// sessionFor returns the Session for peerID, creating one if absent.
func (pk *Packer) sessionFor(peerID [32]byte) *Session {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	s, ok := pk.sessions[peerID]
	if !ok {
		s = &Session{peerID: peerID}
		pk.sessions[peerID] = s
	}
	return s
}

// seal encrypts message under the session's established encryption key and
// frames it as an AuthTag packet. Caller must hold s.mu.
func (pk *Packer) seal(s *Session, message []byte) ([]byte, error) {
	var authTag [12]byte
	if _, err := rand.Read(authTag[:]); err != nil {
		return nil, err
	}
	tag := packet.ComputeTag(s.peerID, pk.localID)
	ciphertext, err := EncryptMessage(s.encKey, authTag, tag[:], message)
	if err != nil {
		return nil, err
	}
	p := &packet.AuthTagPacket{Tag: tag, AuthTag: authTag, Ciphertext: ciphertext}
	return p.Encode()
}

// flushPending seals every buffered message under the freshly established
// keys. Caller must hold s.mu and have set s.established.
func (pk *Packer) flushPending(s *Session) ([][]byte, error) {
	var out [][]byte
	for _, msg := range s.pending {
		sealed, err := pk.seal(s, msg)
		if err != nil {
			return out, err
		}
		out = append(out, sealed)
	}
	s.pending = nil
	return out, nil
}

// EncodeOutbound prepares message for peerID. If a live session exists, it
// is sealed and returned as an AuthTag packet ready to send. Otherwise an
// Initiator handshake is started: the returned bytes are the initial random
// packet, and message is buffered until the handshake completes.
func (pk *Packer) EncodeOutbound(peerID [32]byte, message []byte) ([]byte, error) {
	s := pk.sessionFor(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.established {
		s.lastActive = time.Now()
		return pk.seal(s, message)
	}

	if s.initiating == nil {
		var localENR *enr.Record
		if pk.localENR != nil {
			localENR = pk.localENR()
		}
		s.initiating = NewInitiatorFSM(pk.localID, peerID, pk.localKey, localENR)
	}
	s.pending = append(s.pending, message)
	if s.initiating.State() == InitiatorSentRandom {
		return s.initiating.BeginRandom()
	}
	// A handshake is already underway; nothing new to emit.
	return nil, nil
}

// HandleInbound processes one received datagram. It returns the decrypted
// message if one was produced, and any packets that must be sent back to
// the peer: a WhoAreYou challenge, or messages that were buffered during an
// abandoned initiation and can be flushed now that a session exists.
func (pk *Packer) HandleInbound(raw []byte) (message []byte, replies [][]byte, peerID [32]byte, err error) {
	kind, decoded, err := packet.Decode(raw, pk.localID)
	if err != nil {
		return nil, nil, peerID, err
	}

	switch kind {
	case packet.KindAuthTag:
		p := decoded.(*packet.AuthTagPacket)
		source := packet.RecoverSourceID(pk.localID, p.Tag)
		s := pk.sessionFor(source)
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.established {
			msg, derr := DecryptMessage(s.decKey, p.AuthTag, p.Tag[:], p.Ciphertext)
			if derr == nil {
				s.lastActive = time.Now()
				return msg, nil, source, nil
			}
			// Authenticated decrypt failed; fall through to a fresh challenge.
		}

		// Simultaneous initiate: both sides sent a random AuthTag before
		// either had a session. The smaller node-id's initiation wins; the
		// larger side abandons its own attempt and answers as Recipient
		// instead. Its buffered messages stay pending and are flushed once
		// the winning handshake establishes the session.
		if s.initiating != nil && s.initiating.State() != InitiatorComplete {
			if lessNodeID(pk.localID, source) {
				return nil, nil, source, nil
			}
			s.initiating = nil
		}

		if s.responding == nil {
			var localENR *enr.Record
			if pk.localENR != nil {
				localENR = pk.localENR()
			}
			s.responding = NewRecipientFSM(pk.localID, source, pk.localKey, localENR, pk.resolver)
		}
		challenge, rerr := s.responding.HandleAuthTag(p)
		if rerr != nil {
			return nil, nil, source, rerr
		}
		return nil, [][]byte{challenge}, source, nil

	case packet.KindWhoAreYou:
		// WhoAreYou carries no source tag; the caller must match it to a
		// peer by remote address and route it through HandleWhoAreYou.
		return nil, nil, peerID, ErrUnexpectedState

	case packet.KindAuthHeader:
		p := decoded.(*packet.AuthHeaderPacket)
		source := packet.RecoverSourceID(pk.localID, p.Tag)
		s := pk.sessionFor(source)
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.responding == nil {
			return nil, nil, source, ErrUnexpectedState
		}
		msg, herr := s.responding.HandleAuthHeader(p)
		if herr != nil {
			return nil, nil, source, herr
		}
		s.established = true
		s.encKey = s.responding.EncryptionKey
		s.decKey = s.responding.DecryptionKey
		s.responding = nil
		s.lastActive = time.Now()
		flushed, ferr := pk.flushPending(s)
		if ferr != nil {
			return msg, flushed, source, ferr
		}
		return msg, flushed, source, nil
	}

	return nil, nil, peerID, ErrUnexpectedState
}

// HandleWhoAreYou completes the initiator side when a WhoAreYou challenge
// arrives for peerID. remoteStaticPub is the peer's known static public key
// (from the ENR store). The first returned packet is the AuthHeader; any
// further packets are additional buffered messages sealed under the new
// session keys, to be sent in order after it.
func (pk *Packer) HandleWhoAreYou(peerID [32]byte, w *packet.WhoAreYouPacket, remoteStaticPub *ecdsa.PublicKey) ([][]byte, error) {
	s := pk.sessionFor(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initiating == nil {
		return nil, ErrUnexpectedState
	}

	var toSend []byte
	if len(s.pending) > 0 {
		toSend = s.pending[0]
	}
	out, err := s.initiating.HandleWhoAreYou(w, remoteStaticPub, toSend)
	if err != nil {
		return nil, err
	}
	if len(s.pending) > 0 {
		s.pending = s.pending[1:]
	}

	s.established = true
	s.encKey = s.initiating.EncryptionKey
	s.decKey = s.initiating.DecryptionKey
	s.initiating = nil
	s.lastActive = time.Now()

	packets := [][]byte{out}
	flushed, err := pk.flushPending(s)
	if err != nil {
		return packets, err
	}
	return append(packets, flushed...), nil
}

// DropSession discards any handshake state or established keys for peerID.
func (pk *Packer) DropSession(peerID [32]byte) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	delete(pk.sessions, peerID)
}

// ExpireIdle tears down established sessions that have been unused for
// longer than maxIdle, returning how many were removed. In-flight
// handshakes are left alone; they resolve or get replaced on the next
// packet either way.
func (pk *Packer) ExpireIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	pk.mu.Lock()
	defer pk.mu.Unlock()

	removed := 0
	for id, s := range pk.sessions {
		s.mu.Lock()
		expired := s.established && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(pk.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveSessions returns the number of currently established sessions.
func (pk *Packer) ActiveSessions() int {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	n := 0
	for _, s := range pk.sessions {
		if s.Established() {
			n++
		}
	}
	return n
}

// lessNodeID compares two node-ids as big-endian unsigned integers; it is
// the tie-break for simultaneous handshake initiations.
func lessNodeID(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
