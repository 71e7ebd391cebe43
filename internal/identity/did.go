// Package identity implements DID↔public-key resolution and Ed25519
// envelope signing/verification for the broker.
package identity

import (
	"crypto/ed25519"
	"strings"

	"github.com/mr-tron/base58"
)

// multicodecEd25519Pub is the varint-encoded multicodec prefix for an
// Ed25519 public key (0xed, 0x01), per the did:key method spec.
var multicodecEd25519Pub = []byte{0xed, 0x01}

const didKeyPrefix = "did:key:z"

// PublicKeyOf derives the Ed25519 public key embedded in a self-certifying
// did:key DID. The DID is never trusted blindly: the public key is always
// re-derived from the DID string, never accepted as a separately
// supplied value.
func PublicKeyOf(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, errIdentity("unsupported DID method or malformed DID %q", did)
	}
	encoded := strings.TrimPrefix(did, didKeyPrefix)
	decoded, err := base58.Decode(encoded)
	if err != nil {
		return nil, errIdentity("invalid base58btc encoding in DID: %v", err)
	}
	if len(decoded) != len(multicodecEd25519Pub)+ed25519.PublicKeySize {
		return nil, errIdentity("unexpected decoded key length %d", len(decoded))
	}
	if decoded[0] != multicodecEd25519Pub[0] || decoded[1] != multicodecEd25519Pub[1] {
		return nil, errIdentity("DID does not embed an Ed25519 key (multicodec prefix %x%x)", decoded[0], decoded[1])
	}
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, decoded[len(multicodecEd25519Pub):])
	return ed25519.PublicKey(pub), nil
}

// NewDID constructs a did:key DID string from an Ed25519 public key. Used
// by agents (and in tests) to derive their own self-certifying identifier.
func NewDID(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errIdentity("invalid public key length %d", len(pub))
	}
	buf := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	buf = append(buf, multicodecEd25519Pub...)
	buf = append(buf, pub...)
	return didKeyPrefix + base58.Encode(buf), nil
}
