// manager.go implements the ENR manager: it owns the local ENR, applies
// edits transactionally (bump sequence number, re-sign, persist), and
// answers the handshake layer's ENRResolver questions about peers by
// delegating to the injected Store.
package identity

import (
	"crypto/ecdsa"
	"encoding/binary"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/discv5/p2p/enr"
)

// Manager owns the local node's ENR and mediates all reads/writes to the
// peer ENR store. Concurrent Update calls are serialised by mu.
type Manager struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	local   *enr.Record
	store   Store
	nodeID  [32]byte
}

// NewManager creates a Manager for the local identity key, signing an
// initial ENR at sequence 1 with the given kv pairs, and persisting it to
// store under its own node-id.
func NewManager(key *ecdsa.PrivateKey, store Store, initial map[string][]byte) (*Manager, error) {
	r := &enr.Record{}
	r.SetSeq(1)
	for k, v := range initial {
		r.Set(k, v)
	}
	if err := enr.SignENR(r, key); err != nil {
		return nil, err
	}

	m := &Manager{key: key, local: r, store: store, nodeID: r.NodeID()}
	if store != nil {
		if err := store.Set(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NodeID returns the local node's identifier.
func (m *Manager) NodeID() [32]byte { return m.nodeID }

// PrivateKey returns the local static identity key.
func (m *Manager) PrivateKey() *ecdsa.PrivateKey { return m.key }

// Local returns the current local ENR. Callers must not mutate the
// returned record; it is shared with readers under m.mu.
func (m *Manager) Local() *enr.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Update applies kv transactionally: if any value differs from the current
// record, the sequence number is incremented, the record is re-signed, and
// it is persisted. Returns true iff a change (and therefore a re-sign) was
// made.
func (m *Manager) Update(kv map[string][]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for k, v := range kv {
		if !bytesEqual(m.local.Get(k), v) {
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}

	next := *m.local
	next.Pairs = append([]enr.Pair(nil), m.local.Pairs...)
	for k, v := range kv {
		next.Set(k, v)
	}
	next.SetSeq(m.local.Seq + 1)
	if err := enr.SignENR(&next, m.key); err != nil {
		return false, err
	}

	m.local = &next
	if m.store != nil {
		if err := m.store.Set(&next); err != nil {
			return false, err
		}
	}
	return true, nil
}

// PeerRecord returns the stored ENR for a peer, or ErrNotFound. Unlike
// KnownSeq/StaticPubkey (which quietly degrade to zero-value answers for the
// session handshake's benefit), PeerRecord surfaces the lookup error so
// callers that actually need the record — the routing-table manager's
// FINDNODE server, most notably — can tell "no record" apart from "record
// with no useful fields".
func (m *Manager) PeerRecord(id [32]byte) (*enr.Record, error) {
	if m.store == nil {
		return nil, ErrNotFound
	}
	return m.store.Get(id)
}

// UpdateEndpoint implements table.EndpointUpdater: it folds an
// endpoint-tracker vote winner into the local ENR's ip/udp fields via the
// same transactional Update path everything else uses, so a vote that
// doesn't actually change anything does not burn a sequence number.
func (m *Manager) UpdateEndpoint(ip net.IP, port uint16) (bool, error) {
	v4 := ip.To4()
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, port)

	if v4 != nil {
		return m.Update(map[string][]byte{enr.KeyIP: v4, enr.KeyUDP: portBuf})
	}
	return m.Update(map[string][]byte{enr.KeyIP6: ip.To16(), enr.KeyUDP6: portBuf})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// KnownSeq implements session.ENRResolver: the best-known sequence number
// for a peer, or 0 if no record is stored.
func (m *Manager) KnownSeq(remoteID [32]byte) uint64 {
	if m.store == nil {
		return 0
	}
	r, err := m.store.Get(remoteID)
	if err != nil {
		return 0
	}
	return r.Seq
}

// StaticPubkey implements session.ENRResolver: the peer's compressed
// secp256k1 static public key, decompressed, from its stored ENR.
func (m *Manager) StaticPubkey(remoteID [32]byte) (*ecdsa.PublicKey, bool) {
	if m.store == nil {
		return nil, false
	}
	r, err := m.store.Get(remoteID)
	if err != nil {
		return nil, false
	}
	pub := r.Get(enr.KeySecp256k1)
	if len(pub) == 0 {
		return nil, false
	}
	key, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return nil, false
	}
	return key, true
}

// StoreENR implements session.ENRResolver: persists a peer ENR learned
// during a handshake or a FINDNODE/NODES exchange, enforcing the
// sequence-number-never-decreases invariant at the one place every inbound
// ENR passes through.
func (m *Manager) StoreENR(r *enr.Record) error {
	if m.store == nil {
		return nil
	}
	id := r.NodeID()
	if existing, err := m.store.Get(id); err == nil && r.Seq <= existing.Seq {
		return nil
	}
	return m.store.Set(r)
}
