// fsm.go implements the two handshake roles as explicit state machines
// driven by packets: Initiator (SENT_RANDOM -> AWAIT_WHO_ARE_YOU -> COMPLETE)
// and Recipient (IDLE -> SENT_WHO_ARE_YOU -> COMPLETE). Any validation or
// decryption failure aborts without a response; handshakes never emit an
// error packet, to avoid a decryption oracle.
package session

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/discv5/p2p/enr"
	"github.com/eth2030/discv5/packet"
)

// authResponseVersion is the fixed version field of the auth-response payload.
const authResponseVersion = 5

// randomPacketSize is the size of the filler ciphertext sent with the
// initial AuthTag packet, before any session exists.
const randomPacketSize = 44

// Handshake errors. A failure at any step aborts the FSM to its zero state;
// callers drop the packet and emit nothing further.
var (
	ErrWhoAreYouTokenMismatch = errors.New("session: who-are-you token does not match outstanding auth tag")
	ErrAuthHeaderTagMismatch  = errors.New("session: auth header tag does not recover to expected source")
	ErrAuthResponseDecrypt    = errors.New("session: auth-response decryption failed")
	ErrENRSignature           = errors.New("session: enr signature invalid")
	ErrENRNodeIDMismatch      = errors.New("session: enr node-id does not match expected peer")
	ErrENRSequenceStale       = errors.New("session: enr sequence number did not advance")
	ErrIdentityProofInvalid   = errors.New("session: id_nonce_signature verification failed")
	ErrMessageDecrypt         = errors.New("session: message decryption failed")
	ErrUnexpectedState        = errors.New("session: packet received in the wrong handshake state")
)

// InitiatorState enumerates the initiator FSM's states.
type InitiatorState int

const (
	InitiatorSentRandom InitiatorState = iota
	InitiatorAwaitWhoAreYou
	InitiatorComplete
)

func (s InitiatorState) String() string {
	switch s {
	case InitiatorSentRandom:
		return "sent-random"
	case InitiatorAwaitWhoAreYou:
		return "await-who-are-you"
	case InitiatorComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// InitiatorFSM drives the initiating side of a handshake for one peer.
type InitiatorFSM struct {
	localID  [32]byte
	remoteID [32]byte
	localKey *ecdsa.PrivateKey
	localENR *enr.Record

	state   InitiatorState
	authTag [12]byte // the auth_tag of our outstanding random packet

	ephemeralKey *ecdsa.PrivateKey
	keys         *SessionKeys

	EncryptionKey [KeySize]byte
	DecryptionKey [KeySize]byte
}

// NewInitiatorFSM creates an initiator FSM for a handshake with remoteID.
func NewInitiatorFSM(localID, remoteID [32]byte, localKey *ecdsa.PrivateKey, localENR *enr.Record) *InitiatorFSM {
	return &InitiatorFSM{
		localID:  localID,
		remoteID: remoteID,
		localKey: localKey,
		localENR: localENR,
		state:    InitiatorSentRandom,
	}
}

// State returns the FSM's current state.
func (f *InitiatorFSM) State() InitiatorState { return f.state }

// BeginRandom produces the initial AuthTag packet carrying random filler
// ciphertext, and records its auth_tag so a later WhoAreYou can be matched
// against it via the token field.
func (f *InitiatorFSM) BeginRandom() ([]byte, error) {
	if _, err := rand.Read(f.authTag[:]); err != nil {
		return nil, fmt.Errorf("session: generate auth tag: %w", err)
	}
	filler := make([]byte, randomPacketSize)
	if _, err := rand.Read(filler); err != nil {
		return nil, fmt.Errorf("session: generate filler: %w", err)
	}
	p := &packet.AuthTagPacket{
		Tag:        packet.ComputeTag(f.remoteID, f.localID),
		AuthTag:    f.authTag,
		Ciphertext: filler,
	}
	f.state = InitiatorAwaitWhoAreYou
	return p.Encode()
}

// HandleWhoAreYou consumes a WhoAreYou packet whose token matches our
// outstanding auth_tag, completes the ECDH + HKDF derivation, signs the
// identity proof, and emits the AuthHeader packet carrying message as its
// encrypted payload.
func (f *InitiatorFSM) HandleWhoAreYou(w *packet.WhoAreYouPacket, remoteStaticPub *ecdsa.PublicKey, message []byte) ([]byte, error) {
	if f.state != InitiatorAwaitWhoAreYou {
		return nil, ErrUnexpectedState
	}
	if w.Token != f.authTag {
		return nil, ErrWhoAreYouTokenMismatch
	}

	ephemeralKey, err := GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	f.ephemeralKey = ephemeralKey

	shared, err := ECDH(ephemeralKey, remoteStaticPub)
	if err != nil {
		return nil, err
	}

	keys, err := DeriveSessionKeys(shared, w.IDNonce[:], f.localID, f.remoteID)
	if err != nil {
		return nil, err
	}
	f.keys = keys

	epkCompressed := crypto.CompressPubkey(&ephemeralKey.PublicKey)
	idNonceSig, err := SignIdentityProof(f.localKey, w.IDNonce, epkCompressed)
	if err != nil {
		return nil, err
	}

	var enrBytes []byte
	if f.localENR != nil && w.ENRSeq < f.localENR.Seq {
		enc, err := enr.EncodeENR(f.localENR)
		if err != nil {
			return nil, err
		}
		enrBytes = enc
	}

	authRespPlain, err := rlp.EncodeToBytes([]interface{}{uint64(authResponseVersion), idNonceSig, enrBytes})
	if err != nil {
		return nil, err
	}
	encAuthResp, err := EncryptAuthResponse(keys.AuthResponseKey, authRespPlain)
	if err != nil {
		return nil, err
	}

	var newAuthTag [12]byte
	if _, err := rand.Read(newAuthTag[:]); err != nil {
		return nil, fmt.Errorf("session: generate auth tag: %w", err)
	}
	tag := packet.ComputeTag(f.remoteID, f.localID)

	ciphertext, err := EncryptMessage(keys.InitiatorKey, newAuthTag, tag[:], message)
	if err != nil {
		return nil, err
	}

	out := &packet.AuthHeaderPacket{
		Tag:             tag,
		AuthTag:         newAuthTag,
		IDNonce:         w.IDNonce,
		Scheme:          "gcm",
		EphemeralPubkey: epkCompressed,
		EncAuthResponse: encAuthResp,
		Ciphertext:      ciphertext,
	}

	f.EncryptionKey = keys.InitiatorKey
	f.DecryptionKey = keys.RecipientKey
	f.state = InitiatorComplete
	return out.Encode()
}

// RecipientState enumerates the recipient FSM's states.
type RecipientState int

const (
	RecipientIdle RecipientState = iota
	RecipientSentWhoAreYou
	RecipientComplete
)

func (s RecipientState) String() string {
	switch s {
	case RecipientIdle:
		return "idle"
	case RecipientSentWhoAreYou:
		return "sent-who-are-you"
	case RecipientComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ENRResolver looks up the best-known sequence number and static public key
// for a remote node, used to answer WhoAreYou and to verify the identity
// proof signature when the auth-response carries no fresh ENR.
type ENRResolver interface {
	KnownSeq(remoteID [32]byte) uint64
	StaticPubkey(remoteID [32]byte) (*ecdsa.PublicKey, bool)
	StoreENR(r *enr.Record) error
}

// RecipientFSM drives the responding side of a handshake for one peer.
type RecipientFSM struct {
	localID  [32]byte
	remoteID [32]byte
	localKey *ecdsa.PrivateKey
	localENR *enr.Record
	resolver ENRResolver

	state   RecipientState
	token   [12]byte
	idNonce [32]byte

	EncryptionKey [KeySize]byte
	DecryptionKey [KeySize]byte
}

// NewRecipientFSM creates a recipient FSM for a handshake with remoteID.
func NewRecipientFSM(localID, remoteID [32]byte, localKey *ecdsa.PrivateKey, localENR *enr.Record, resolver ENRResolver) *RecipientFSM {
	return &RecipientFSM{
		localID:  localID,
		remoteID: remoteID,
		localKey: localKey,
		localENR: localENR,
		resolver: resolver,
		state:    RecipientIdle,
	}
}

// State returns the FSM's current state.
func (f *RecipientFSM) State() RecipientState { return f.state }

// HandleAuthTag responds to an unauthenticated or session-less AuthTag
// packet with a WhoAreYou challenge.
func (f *RecipientFSM) HandleAuthTag(p *packet.AuthTagPacket) ([]byte, error) {
	if _, err := rand.Read(f.idNonce[:]); err != nil {
		return nil, fmt.Errorf("session: generate id_nonce: %w", err)
	}
	f.token = p.AuthTag

	seq := uint64(0)
	if f.resolver != nil {
		seq = f.resolver.KnownSeq(f.remoteID)
	}

	w := &packet.WhoAreYouPacket{Token: f.token, IDNonce: f.idNonce, ENRSeq: seq}
	f.state = RecipientSentWhoAreYou
	return w.Encode(f.remoteID)
}

// HandleAuthHeader completes the handshake: derives keys, validates the
// auth-response and identity proof, and returns the decrypted inner message.
func (f *RecipientFSM) HandleAuthHeader(p *packet.AuthHeaderPacket) ([]byte, error) {
	if f.state != RecipientSentWhoAreYou {
		return nil, ErrUnexpectedState
	}
	expectedSource := packet.RecoverSourceID(f.localID, p.Tag)
	if expectedSource != f.remoteID {
		return nil, ErrAuthHeaderTagMismatch
	}

	remotePub, err := crypto.DecompressPubkey(p.EphemeralPubkey)
	if err != nil {
		return nil, ErrInvalidEphemeralKey
	}

	shared, err := ECDH(f.localKey, remotePub)
	if err != nil {
		return nil, err
	}

	keys, err := DeriveSessionKeys(shared, f.idNonce[:], f.remoteID, f.localID)
	if err != nil {
		return nil, err
	}

	authRespPlain, err := DecryptAuthResponse(keys.AuthResponseKey, p.EncAuthResponse)
	if err != nil {
		return nil, ErrAuthResponseDecrypt
	}

	var payload struct {
		Version      uint64
		IDNonceSig   []byte
		ENR          []byte
	}
	if err := rlp.DecodeBytes(authRespPlain, &payload); err != nil {
		return nil, ErrAuthResponseDecrypt
	}

	var remoteStaticPub *ecdsa.PublicKey
	if len(payload.ENR) > 0 {
		remoteRecord, err := enr.DecodeENR(payload.ENR)
		if err != nil {
			return nil, ErrENRSignature
		}
		if err := enr.VerifyENR(remoteRecord); err != nil {
			return nil, ErrENRSignature
		}
		if remoteRecord.NodeID() != f.remoteID {
			return nil, ErrENRNodeIDMismatch
		}
		if f.resolver != nil && remoteRecord.Seq <= f.resolver.KnownSeq(f.remoteID) && f.resolver.KnownSeq(f.remoteID) != 0 {
			return nil, ErrENRSequenceStale
		}
		pub := remoteRecord.Get(enr.KeySecp256k1)
		remoteStaticPub, err = crypto.DecompressPubkey(pub)
		if err != nil {
			return nil, ErrENRSignature
		}
		if f.resolver != nil {
			if err := f.resolver.StoreENR(remoteRecord); err != nil {
				return nil, err
			}
		}
	} else if f.resolver != nil {
		pub, ok := f.resolver.StaticPubkey(f.remoteID)
		if !ok {
			return nil, ErrIdentityProofInvalid
		}
		remoteStaticPub = pub
	} else {
		return nil, ErrIdentityProofInvalid
	}

	uncompressed := crypto.FromECDSAPub(remoteStaticPub)
	if !VerifyIdentityProof(uncompressed, f.idNonce, p.EphemeralPubkey, payload.IDNonceSig) {
		return nil, ErrIdentityProofInvalid
	}

	// The enclosed message was sealed under the initiator's send key.
	message, err := DecryptMessage(keys.InitiatorKey, p.AuthTag, p.Tag[:], p.Ciphertext)
	if err != nil {
		return nil, ErrMessageDecrypt
	}

	f.EncryptionKey = keys.RecipientKey
	f.DecryptionKey = keys.InitiatorKey
	f.state = RecipientComplete
	return message, nil
}
