// keys.go derives discv5 session keys from an ECDH shared secret via
// HKDF-SHA256, and wraps the AES-128-GCM session cipher.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of a single derived session key.
const KeySize = 16

// hkdfInfoPrefix is the HKDF info string prefix for key-agreement derivation.
const hkdfInfoPrefix = "discovery v5 key agreement"

// idProofPrefix is prepended to the hash signed as proof of identity during
// the handshake.
const idProofPrefix = "discovery v5 identity proof"

// ErrInvalidEphemeralKey is returned when a received ephemeral public key is
// not a valid point on the secp256k1 curve.
var ErrInvalidEphemeralKey = errors.New("session: invalid ephemeral public key")

// SessionKeys holds the three 16-byte keys derived via HKDF for one
// handshake: one per direction, plus one to encrypt the auth-response.
type SessionKeys struct {
	InitiatorKey    [KeySize]byte
	RecipientKey    [KeySize]byte
	AuthResponseKey [KeySize]byte
}

// GenerateEphemeralKey creates a fresh secp256k1 key pair for one handshake.
func GenerateEphemeralKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// ECDH computes the shared secret x-coordinate between a local private key
// and a remote public key on the secp256k1 curve.
func ECDH(local *ecdsa.PrivateKey, remote *ecdsa.PublicKey) ([]byte, error) {
	if remote == nil || remote.X == nil || remote.Y == nil {
		return nil, ErrInvalidEphemeralKey
	}
	curve := crypto.S256()
	if !curve.IsOnCurve(remote.X, remote.Y) {
		return nil, ErrInvalidEphemeralKey
	}
	x, _ := curve.ScalarMult(remote.X, remote.Y, local.D.Bytes())
	if x == nil {
		return nil, ErrInvalidEphemeralKey
	}
	secret := make([]byte, 32)
	b := x.Bytes()
	copy(secret[32-len(b):], b)
	return secret, nil
}

// DeriveSessionKeys runs HKDF-SHA256 over the ECDH shared secret, with
// salt = idNonce and info = "discovery v5 key agreement" ‖ initNodeID ‖
// recipNodeID, producing 48 bytes split into three 16-byte keys.
func DeriveSessionKeys(sharedSecret, idNonce []byte, initNodeID, recipNodeID [32]byte) (*SessionKeys, error) {
	info := make([]byte, 0, len(hkdfInfoPrefix)+64)
	info = append(info, []byte(hkdfInfoPrefix)...)
	info = append(info, initNodeID[:]...)
	info = append(info, recipNodeID[:]...)

	reader := hkdf.New(sha256.New, sharedSecret, idNonce, info)

	out := make([]byte, 3*KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("session: hkdf expand: %w", err)
	}

	keys := &SessionKeys{}
	copy(keys.InitiatorKey[:], out[0:16])
	copy(keys.RecipientKey[:], out[16:32])
	copy(keys.AuthResponseKey[:], out[32:48])
	return keys, nil
}

// IdentityProofHash computes sha256("discovery v5 identity proof" ‖ idNonce ‖ epkCompressed),
// the value signed by the initiator and checked by the recipient.
func IdentityProofHash(idNonce [32]byte, epkCompressed []byte) []byte {
	h := sha256.New()
	h.Write([]byte(idProofPrefix))
	h.Write(idNonce[:])
	h.Write(epkCompressed)
	return h.Sum(nil)
}

// SignIdentityProof signs the identity-proof hash with the local static key,
// returning a 64-byte compact signature (no recovery id, per ENR convention).
func SignIdentityProof(key *ecdsa.PrivateKey, idNonce [32]byte, epkCompressed []byte) ([]byte, error) {
	hash := IdentityProofHash(idNonce, epkCompressed)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	return sig[:64], nil
}

// VerifyIdentityProof checks a 64-byte compact signature over the identity
// proof hash against the remote's uncompressed static public key.
func VerifyIdentityProof(remoteStaticPub []byte, idNonce [32]byte, epkCompressed, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	hash := IdentityProofHash(idNonce, epkCompressed)
	return crypto.VerifySignature(remoteStaticPub, hash, sig)
}

// sealGCM encrypts plaintext with AES-128-GCM under key, using nonce and aad.
func sealGCM(key, nonce, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// openGCM decrypts ciphertext with AES-128-GCM under key, using nonce and aad.
func openGCM(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}

// EncryptMessage encrypts a message under key using authTag as the GCM nonce
// and tag as additional authenticated data.
func EncryptMessage(key [KeySize]byte, authTag [12]byte, tag, plaintext []byte) ([]byte, error) {
	return sealGCM(key[:], authTag[:], tag, plaintext)
}

// DecryptMessage reverses EncryptMessage.
func DecryptMessage(key [KeySize]byte, authTag [12]byte, tag, ciphertext []byte) ([]byte, error) {
	return openGCM(key[:], authTag[:], tag, ciphertext)
}

// zeroNonce is the fixed all-zero nonce used to encrypt/decrypt the
// auth-response payload.
var zeroNonce [12]byte

// EncryptAuthResponse encrypts the auth-response plaintext under
// authResponseKey with a zero nonce and no AAD.
func EncryptAuthResponse(key [KeySize]byte, plaintext []byte) ([]byte, error) {
	return sealGCM(key[:], zeroNonce[:], nil, plaintext)
}

// DecryptAuthResponse reverses EncryptAuthResponse.
func DecryptAuthResponse(key [KeySize]byte, ciphertext []byte) ([]byte, error) {
	return openGCM(key[:], zeroNonce[:], nil, ciphertext)
}
