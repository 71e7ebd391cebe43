package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

// Session authentication lets a caller DID prove control of its private
// key once, via a signed-nonce challenge, and reuse a short-lived JWT
// for subsequent HTTP calls that aren't individually envelope-signed
// (the /api/mail/* routes, such as GET /api/mail/inbox).
// Envelope-carrying routes (POST /api/intents/send, negotiation
// actions) keep authenticating per-request via the Ed25519 signature
// already present on the envelope (internal/identity.VerifyFromDID);
// SessionAuth exists only for the surface that has no envelope to sign.

const (
	// ChallengeTTL bounds how long an issued nonce remains redeemable.
	ChallengeTTL = 2 * time.Minute
	// SessionTTL bounds how long an issued JWT remains valid.
	SessionTTL = 15 * time.Minute
	sessionIssuer = "ainp-broker"
)

// ChallengeStore issues and redeems single-use login nonces per DID.
type ChallengeStore interface {
	Issue(did string) (nonce string)
	Redeem(did, nonce string) bool
}

// MemoryChallengeStore is an in-process ChallengeStore; fine for a
// single-instance deployment, and the default when none is wired.
type MemoryChallengeStore struct {
	mu      sync.Mutex
	pending map[string]challengeEntry
}

type challengeEntry struct {
	nonce     string
	expiresAt time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{pending: make(map[string]challengeEntry)}
}

func (s *MemoryChallengeStore) Issue(did string) string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	nonce := base64.RawURLEncoding.EncodeToString(buf)
	s.mu.Lock()
	s.pending[did] = challengeEntry{nonce: nonce, expiresAt: time.Now().Add(ChallengeTTL)}
	s.mu.Unlock()
	return nonce
}

func (s *MemoryChallengeStore) Redeem(did, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[did]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.pending, did)
		return false
	}
	delete(s.pending, did)
	return entry.nonce == nonce
}

// SessionAuth issues and verifies JWTs binding a session to a caller
// DID, signed with the broker's own Ed25519 identity.KeySet so the
// signing key can rotate without invalidating the whole scheme.
type SessionAuth struct {
	keys      *identity.KeySet
	challenge ChallengeStore
}

func NewSessionAuth(keys *identity.KeySet, challenge ChallengeStore) *SessionAuth {
	if challenge == nil {
		challenge = NewMemoryChallengeStore()
	}
	return &SessionAuth{keys: keys, challenge: challenge}
}

// IssueChallenge returns a fresh nonce for did to sign.
func (a *SessionAuth) IssueChallenge(did string) string {
	return a.challenge.Issue(did)
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Redeem verifies that sig is a valid Ed25519 signature over nonce by
// did's key, consumes the single-use nonce, and mints a session JWT.
func (a *SessionAuth) Redeem(did, nonce, sigB64 string) (token string, err error) {
	if !a.challenge.Redeem(did, nonce) {
		return "", errs.New("UNAUTHORIZED", "challenge not found or already used")
	}
	if err := identity.VerifyFromDID(did, []byte(nonce), sigB64); err != nil {
		return "", errs.New("UNAUTHORIZED", "challenge signature invalid: %v", err)
	}

	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = a.keys.CurrentKeyID()
	signed, err := signEdDSA(tok, a.keys)
	if err != nil {
		return "", errs.New("INTERNAL_ERROR", "failed to sign session token: %v", err)
	}
	return signed, nil
}

// signEdDSA signs tok with the KeySet's current private key. jwt/v5's
// EdDSA method requires an ed25519.PrivateKey directly; KeySet doesn't
// expose one, so the signing string is signed with KeySet.Sign and the
// signature appended by hand instead of calling tok.SignedString,
// keeping all signing on one Ed25519 key path.
func signEdDSA(tok *jwt.Token, keys *identity.KeySet) (string, error) {
	signing, err := tok.SigningString()
	if err != nil {
		return "", err
	}
	_, sigB64 := keys.Sign([]byte(signing))
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", err
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify parses and validates a session JWT, returning the caller DID.
func (a *SessionAuth) Verify(token string) (did string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errs.New("UNAUTHORIZED", "malformed session token")
	}
	headerB, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errs.New("UNAUTHORIZED", "malformed session token header")
	}
	var header struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerB, &header); err != nil {
		return "", errs.New("UNAUTHORIZED", "malformed session token header")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", errs.New("UNAUTHORIZED", "malformed session token signature")
	}
	signing := parts[0] + "." + parts[1]
	if !a.keys.VerifyByKID(header.Kid, []byte(signing), base64.StdEncoding.EncodeToString(sig)) {
		return "", errs.New("UNAUTHORIZED", "session token signature invalid")
	}

	claimsB, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errs.New("UNAUTHORIZED", "malformed session token claims")
	}
	var claims sessionClaims
	if err := json.Unmarshal(claimsB, &claims); err != nil {
		return "", errs.New("UNAUTHORIZED", "malformed session token claims")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return "", errs.New("UNAUTHORIZED", "session token expired")
	}
	if claims.Issuer != sessionIssuer {
		return "", errs.New("UNAUTHORIZED", "session token issuer mismatch")
	}
	return claims.Subject, nil
}

type challengeRequest struct {
	DID string `json:"did"`
}

// handleChallenge issues a fresh nonce for the caller's DID to sign
// with its Ed25519 key, the first half of the session-auth handshake.
func (a *SessionAuth) handleChallenge() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req challengeRequest
		if err := DecodeJSON(r, &req); err != nil {
			WriteProblem(w, r, err)
			return
		}
		if req.DID == "" {
			WriteProblem(w, r, errs.New("INVALID_REQUEST", "missing did"))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"nonce": a.IssueChallenge(req.DID)})
	}
}

type redeemRequest struct {
	DID   string `json:"did"`
	Nonce string `json:"nonce"`
	Sig   string `json:"sig"`
}

// handleRedeem verifies the signed nonce and mints a session JWT.
func (a *SessionAuth) handleRedeem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req redeemRequest
		if err := DecodeJSON(r, &req); err != nil {
			WriteProblem(w, r, err)
			return
		}
		token, err := a.Redeem(req.DID, req.Nonce, req.Sig)
		if err != nil {
			WriteProblem(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"session_token": token, "expires_in_seconds": int(SessionTTL.Seconds())})
	}
}

type sessionDIDKey struct{}

// SessionDID returns the authenticated caller DID stashed by
// RequireSession, or "" if the request reached here unauthenticated.
func SessionDID(ctx context.Context) string {
	did, _ := ctx.Value(sessionDIDKey{}).(string)
	return did
}

// RequireSession rejects requests without a valid "Bearer <jwt>"
// Authorization header and stashes the resolved caller DID in context.
func RequireSession(auth *SessionAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authz, "Bearer ")
			if !ok || token == "" {
				WriteProblem(w, r, errs.New("UNAUTHORIZED", "missing bearer session token"))
				return
			}
			did, err := auth.Verify(token)
			if err != nil {
				WriteProblem(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionDIDKey{}, did)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
