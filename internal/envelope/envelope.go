// Package envelope implements canonicalization and the structural,
// version, and freshness checks of the envelope pipeline (steps 1-2-4).
// Signature verification (step 3) lives in internal/identity;
// replay/guards/rate-limit (steps 5-7) need anti-fraud and ledger state
// and are composed in internal/api's Pipeline.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/gowebpki/jcs"
)

// MsgType enumerates the supported envelope message types.
type MsgType string

const (
	MsgIntent    MsgType = "INTENT"
	MsgResult    MsgType = "RESULT"
	MsgError     MsgType = "ERROR"
	MsgNegotiate MsgType = "NEGOTIATE"
	MsgAck       MsgType = "ACK"
)

var validMsgTypes = map[MsgType]bool{
	MsgIntent: true, MsgResult: true, MsgError: true, MsgNegotiate: true, MsgAck: true,
}

// SupportedVersion is the only envelope format version this broker accepts.
const SupportedVersion = "1.0"

// Envelope is the signed outer record carrying a payload between agents.
type Envelope struct {
	ID          string          `json:"id"`
	TraceID     string          `json:"trace_id,omitempty"`
	FromDID     string          `json:"from_did"`
	ToDID       string          `json:"to_did,omitempty"`
	MsgType     MsgType         `json:"msg_type"`
	Version     string          `json:"version,omitempty"`
	TTLMs       int64           `json:"ttl_ms"`
	TimestampMs int64           `json:"timestamp_ms"`
	Sig         string          `json:"sig"`
	Payload     json.RawMessage `json:"payload"`
}

// Canonicalize produces deterministic JCS (RFC 8785) bytes of the
// envelope with `sig` removed. Signing and verifying must operate on
// identical bytes.
func Canonicalize(env *Envelope) ([]byte, error) {
	cp := *env
	cp.Sig = ""
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "failed to marshal envelope: %v", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "failed to canonicalize envelope: %v", err)
	}
	return canonical, nil
}

// ValidateStructure checks that all required fields are present and the
// msg_type is recognized (pipeline step 1).
func ValidateStructure(env *Envelope) error {
	if env.ID == "" {
		return errs.New("INVALID_ENVELOPE", "missing id")
	}
	if env.FromDID == "" {
		return errs.New("INVALID_ENVELOPE", "missing from_did")
	}
	if env.Sig == "" {
		return errs.New("INVALID_ENVELOPE", "missing sig")
	}
	if env.TTLMs <= 0 {
		return errs.New("INVALID_ENVELOPE", "missing or non-positive ttl")
	}
	if env.TimestampMs <= 0 {
		return errs.New("INVALID_ENVELOPE", "missing timestamp")
	}
	if len(env.Payload) == 0 {
		return errs.New("INVALID_ENVELOPE", "missing payload")
	}
	if !validMsgTypes[env.MsgType] {
		return errs.New("INVALID_ENVELOPE", "unknown msg_type %q", env.MsgType)
	}
	return nil
}

// ValidateVersion checks the optional version field against the single
// supported version (pipeline step 2).
func ValidateVersion(env *Envelope) error {
	if env.Version != "" && env.Version != SupportedVersion {
		return errs.New("UNSUPPORTED_VERSION", "unsupported version %q, expected %q", env.Version, SupportedVersion)
	}
	return nil
}

// CheckFreshness rejects envelopes whose TTL has elapsed, honoring the
// configured clock-skew tolerance for forward-dated envelopes (pipeline
// step 4). skew is applied symmetrically in both directions.
func CheckFreshness(env *Envelope, now time.Time, skew time.Duration) error {
	ts := time.UnixMilli(env.TimestampMs)
	expiry := ts.Add(time.Duration(env.TTLMs) * time.Millisecond)
	if expiry.Add(skew).Before(now) {
		return errs.New("STALE", "envelope expired at %s", expiry.UTC().Format(time.RFC3339))
	}
	if ts.After(now.Add(skew)) {
		return errs.New("STALE", "envelope timestamp %s is too far in the future", ts.UTC().Format(time.RFC3339))
	}
	return nil
}
