// Package antifraud implements the replay/dedupe/greylist cache and
// rate limiter: short-lived keyed entries backed by a networked store,
// failing open with an observable degraded flag when that store is
// unavailable.
package antifraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache implements the anti-fraud checks. When the backing store is
// unreachable they fall back to an in-process check and report
// degraded=true, rather than blocking traffic on an outage.
type Cache interface {
	// CheckAndMarkReplay returns fresh=true on first sight of key,
	// false on a duplicate within the replay window.
	CheckAndMarkReplay(ctx context.Context, key string) (fresh bool, degraded bool, err error)
	// CheckAndMarkContentHash dedupes a message by its normalized content hash.
	CheckAndMarkContentHash(ctx context.Context, from, to, subject, body string) (fresh bool, degraded bool, err error)
	// ShouldGreylistFirstContact returns true iff this is a first contact
	// that should be deferred; a retry after the greylist delay succeeds.
	ShouldGreylistFirstContact(ctx context.Context, from, to string) (greylist bool, degraded bool, err error)
	// MarkPostagePaid returns firstTime=true the first time it is called
	// for a (from, to) pair, and false on every subsequent call — used by
	// the ingress pipeline's intent-guard stage to charge postage exactly
	// once per direct first contact.
	MarkPostagePaid(ctx context.Context, from, to string) (firstTime bool, degraded bool, err error)
}

// PostageTTL bounds how long a (from, to) pair is remembered as having
// already paid postage; after it elapses, a new message between the
// same pair is treated as a fresh first contact.
const PostageTTL = 30 * 24 * time.Hour

// ContentHash computes the SHA-256 hex digest over the normalized
// concatenation of a message's identifying fields.
func ContentHash(from, to, subject, body string) string {
	h := sha256.New()
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(to))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

const (
	DefaultReplayTTL      = 5 * time.Minute
	DefaultContentHashTTL = 24 * time.Hour
)
