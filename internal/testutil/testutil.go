// Package testutil holds fixtures shared across package tests: a
// controllable fake clock and an Ed25519 identity generator, so
// individual _test.go files don't each reinvent them.
package testutil

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/ainp-network/broker/internal/identity"
)

// FakeClock is an injectable clock for deterministic expiry/TTL tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Identity is a generated Ed25519 keypair and its derived DID.
type Identity struct {
	DID     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewIdentity generates a fresh keypair and its did:key DID. Panics on
// key-generation failure since test fixtures should never need to
// propagate that error up through every caller.
func NewIdentity() Identity {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	did, err := identity.NewDID(pub)
	if err != nil {
		panic(err)
	}
	return Identity{DID: did, Public: pub, Private: priv}
}
