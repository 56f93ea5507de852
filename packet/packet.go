// Package packet implements the discv5 wire framing layer: encoding and
// decoding the three packet shapes (AuthTag, WhoAreYou, AuthHeader) to and
// from bytes, with no cryptographic verification. Session establishment and
// message decryption are the session package's job; this package only knows
// how to frame and parse bytes.
package packet

import (
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
)

// DiscoveryMaxPacketSize is the maximum UDP datagram size for the discv5
// wire protocol.
const DiscoveryMaxPacketSize = 1280

// AuthTagSize is the length in bytes of an auth tag (also used as the
// AES-GCM nonce for session-encrypted packets).
const AuthTagSize = 12

// IDNonceSize is the length in bytes of a WhoAreYou id_nonce.
const IDNonceSize = 32

// ErrPacketDecodeFailure is returned for any malformed or unrecognized packet.
var ErrPacketDecodeFailure = errors.New("packet: decode failure")

// Tag is the 32-byte routing tag prefixed to AuthTag and AuthHeader packets.
type Tag [32]byte

// ComputeTag returns tag = sha256(destNodeID) XOR sourceNodeID.
func ComputeTag(destNodeID, sourceNodeID [32]byte) Tag {
	h := sha256.Sum256(destNodeID[:])
	var tag Tag
	for i := range tag {
		tag[i] = h[i] ^ sourceNodeID[i]
	}
	return tag
}

// RecoverSourceID returns source = sha256(localNodeID) XOR tag, as seen by
// the recipient of a tagged packet.
func RecoverSourceID(localNodeID [32]byte, tag Tag) [32]byte {
	h := sha256.Sum256(localNodeID[:])
	var source [32]byte
	for i := range source {
		source[i] = h[i] ^ tag[i]
	}
	return source
}

// WhoAreYouMagic returns magic = sha256(destNodeID ++ "WHOAREYOU").
func WhoAreYouMagic(destNodeID [32]byte) [32]byte {
	h := sha256.New()
	h.Write(destNodeID[:])
	h.Write([]byte("WHOAREYOU"))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AuthTagPacket is the ordinary session-encrypted packet:
// tag ‖ rlp(auth_tag) ‖ ciphertext.
type AuthTagPacket struct {
	Tag        Tag
	AuthTag    [AuthTagSize]byte
	Ciphertext []byte
}

// Encode serializes an AuthTagPacket to its wire form.
func (p *AuthTagPacket) Encode() ([]byte, error) {
	authTagRLP, err := rlp.EncodeToBytes(p.AuthTag[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(p.Tag)+len(authTagRLP)+len(p.Ciphertext))
	out = append(out, p.Tag[:]...)
	out = append(out, authTagRLP...)
	out = append(out, p.Ciphertext...)
	return out, nil
}

// WhoAreYouPacket is the handshake challenge: no tag prefix, no outer
// encryption. magic ‖ rlp([token, id_nonce, enr_seq]).
type WhoAreYouPacket struct {
	Token   [AuthTagSize]byte
	IDNonce [IDNonceSize]byte
	ENRSeq  uint64
}

// Encode serializes a WhoAreYouPacket, given the destination node id used
// to compute the magic prefix.
func (p *WhoAreYouPacket) Encode(destNodeID [32]byte) ([]byte, error) {
	magic := WhoAreYouMagic(destNodeID)
	body, err := rlp.EncodeToBytes([]interface{}{p.Token[:], p.IDNonce[:], p.ENRSeq})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+len(body))
	out = append(out, magic[:]...)
	out = append(out, body...)
	return out, nil
}

// AuthHeaderPacket is the handshake response:
// tag ‖ rlp([auth_tag, id_nonce, "gcm", ephemeral_pub_compressed, enc_auth_response]) ‖ ciphertext.
type AuthHeaderPacket struct {
	Tag             Tag
	AuthTag         [AuthTagSize]byte
	IDNonce         [IDNonceSize]byte
	Scheme          string // always "gcm"
	EphemeralPubkey []byte // compressed secp256k1 point, 33 bytes
	EncAuthResponse []byte
	Ciphertext      []byte
}

// Encode serializes an AuthHeaderPacket to its wire form.
func (p *AuthHeaderPacket) Encode() ([]byte, error) {
	header, err := rlp.EncodeToBytes([]interface{}{
		p.AuthTag[:], p.IDNonce[:], p.Scheme, p.EphemeralPubkey, p.EncAuthResponse,
	})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(p.Tag)+len(header)+len(p.Ciphertext))
	out = append(out, p.Tag[:]...)
	out = append(out, header...)
	out = append(out, p.Ciphertext...)
	return out, nil
}

// Kind identifies which of the three packet shapes a decoded datagram is.
type Kind int

const (
	KindAuthTag Kind = iota
	KindWhoAreYou
	KindAuthHeader
)

// Decode inspects a raw datagram and dispatches to the matching packet
// shape. localNodeID is used to recognize a WhoAreYou addressed to us.
func Decode(data []byte, localNodeID [32]byte) (Kind, interface{}, error) {
	if len(data) < 32 {
		return 0, nil, ErrPacketDecodeFailure
	}

	magic := WhoAreYouMagic(localNodeID)
	if string(data[:32]) == string(magic[:]) {
		p, err := decodeWhoAreYou(data[32:])
		if err != nil {
			return 0, nil, err
		}
		return KindWhoAreYou, p, nil
	}

	var tag Tag
	copy(tag[:], data[:32])
	rest := data[32:]

	kind, content, remainder, err := rlp.Split(rest)
	if err != nil {
		return 0, nil, ErrPacketDecodeFailure
	}

	switch kind {
	case rlp.List:
		p, err := decodeAuthHeaderList(tag, content)
		if err != nil {
			return 0, nil, err
		}
		p.Ciphertext = append([]byte(nil), remainder...)
		return KindAuthHeader, p, nil
	case rlp.String, rlp.Byte:
		if len(content) != AuthTagSize {
			return 0, nil, ErrPacketDecodeFailure
		}
		p := &AuthTagPacket{Tag: tag, Ciphertext: append([]byte(nil), remainder...)}
		copy(p.AuthTag[:], content)
		return KindAuthTag, p, nil
	default:
		return 0, nil, ErrPacketDecodeFailure
	}
}

func decodeWhoAreYou(body []byte) (*WhoAreYouPacket, error) {
	_, content, _, err := rlp.Split(body)
	if err != nil {
		return nil, ErrPacketDecodeFailure
	}

	_, token, rest, err := rlp.Split(content)
	if err != nil || len(token) != AuthTagSize {
		return nil, ErrPacketDecodeFailure
	}
	_, nonce, rest, err := rlp.Split(rest)
	if err != nil || len(nonce) != IDNonceSize {
		return nil, ErrPacketDecodeFailure
	}
	var seq uint64
	if err := rlp.DecodeBytes(rest, &seq); err != nil {
		return nil, ErrPacketDecodeFailure
	}

	p := &WhoAreYouPacket{ENRSeq: seq}
	copy(p.Token[:], token)
	copy(p.IDNonce[:], nonce)
	return p, nil
}

// decodeAuthHeaderList decodes the inner list content of an AuthHeader:
// [auth_tag, id_nonce, scheme, epk, enc_auth_response].
func decodeAuthHeaderList(tag Tag, content []byte) (*AuthHeaderPacket, error) {
	_, authTag, rest, err := rlp.Split(content)
	if err != nil || len(authTag) != AuthTagSize {
		return nil, ErrPacketDecodeFailure
	}
	_, nonce, rest, err := rlp.Split(rest)
	if err != nil || len(nonce) != IDNonceSize {
		return nil, ErrPacketDecodeFailure
	}
	_, scheme, rest, err := rlp.Split(rest)
	if err != nil {
		return nil, ErrPacketDecodeFailure
	}
	_, epk, rest, err := rlp.Split(rest)
	if err != nil {
		return nil, ErrPacketDecodeFailure
	}
	_, encAuthResp, _, err := rlp.Split(rest)
	if err != nil {
		return nil, ErrPacketDecodeFailure
	}

	p := &AuthHeaderPacket{
		Tag:             tag,
		Scheme:          string(scheme),
		EphemeralPubkey: append([]byte(nil), epk...),
		EncAuthResponse: append([]byte(nil), encAuthResp...),
	}
	copy(p.AuthTag[:], authTag)
	copy(p.IDNonce[:], nonce)
	return p, nil
}
