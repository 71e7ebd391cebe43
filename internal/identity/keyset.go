package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Sign computes sig as base64(Ed25519 signature of canonicalized bytes).
func Sign(priv ed25519.PrivateKey, canonical []byte) string {
	sig := ed25519.Sign(priv, canonical)
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 Ed25519 signature over canonicalized bytes.
func Verify(pub ed25519.PublicKey, canonical []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, canonical, sig)
}

// VerifyFromDID derives the public key from a DID and verifies a
// signature over canonicalized bytes in one step — the hot path used by
// the envelope pipeline (C5 step 3).
func VerifyFromDID(did string, canonical []byte, sigB64 string) error {
	pub, err := PublicKeyOf(did)
	if err != nil {
		return err
	}
	if !Verify(pub, canonical, sigB64) {
		return errInvalidSignature("signature does not verify for %s", did)
	}
	return nil
}

// KeySet manages the broker's own signing identity (used for payment
// challenges, committee-selection receipts) with rotation support.
type KeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
	createdAt  map[string]time.Time
}

// NewKeySet creates a KeySet with one freshly generated key.
func NewKeySet() (*KeySet, error) {
	ks := &KeySet{
		keys:      make(map[string]ed25519.PrivateKey),
		createdAt: make(map[string]time.Time),
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a new signing key and makes it current, retaining
// prior keys for verification of already-issued signatures.
func (ks *KeySet) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	kid := fmt.Sprintf("key-%d", len(ks.keys)+1)
	ks.keys[kid] = priv
	ks.createdAt[kid] = time.Now()
	ks.currentKID = kid
	return nil
}

// Sign signs canonical bytes with the current key, returning the key id
// used so verifiers can look up the right historical key later.
func (ks *KeySet) Sign(canonical []byte) (kid string, sig string) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID, Sign(ks.keys[ks.currentKID], canonical)
}

// PublicKey returns the public half of the current signing key.
func (ks *KeySet) PublicKey() ed25519.PublicKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keys[ks.currentKID].Public().(ed25519.PublicKey)
}

// VerifyByKID verifies against a specific historical key id.
func (ks *KeySet) VerifyByKID(kid string, canonical []byte, sigB64 string) bool {
	ks.mu.RLock()
	priv, ok := ks.keys[kid]
	ks.mu.RUnlock()
	if !ok {
		return false
	}
	return Verify(priv.Public().(ed25519.PublicKey), canonical, sigB64)
}

// CurrentKeyID returns the active key id.
func (ks *KeySet) CurrentKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}
