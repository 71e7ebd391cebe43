package api

import (
	"net/http"
	"strings"
)

// NewRouter builds the broker's HTTP surface using the standard
// library's Go 1.22 http.ServeMux method+path patterns — no external
// router.
func NewRouter(s *Server, idempotency IdempotencyStorer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /health/ready", s.HandleHealthReady)

	mux.HandleFunc("POST /api/agents/register", s.HandleAgentsRegister)
	mux.HandleFunc("GET /api/agents/{did}", func(w http.ResponseWriter, r *http.Request) {
		s.HandleAgentsGet(w, r, r.PathValue("did"))
	})

	mux.HandleFunc("POST /api/discovery/search", s.HandleDiscoverySearch)
	mux.HandleFunc("POST /api/intents/send", s.HandleIntentsSend)

	sessionRequired := RequireSession(s.SessionAuth)
	mux.Handle("GET /api/mail/inbox", sessionRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleMailInbox(w, r, SessionDID(r.Context()))
	})))
	mux.Handle("GET /api/mail/threads/{conversation_id}", sessionRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleMailThread(w, r, SessionDID(r.Context()), r.PathValue("conversation_id"))
	})))
	mux.Handle("POST /api/mail/read", sessionRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleMailRead(w, r, SessionDID(r.Context()))
	})))
	mux.Handle("POST /api/mail/label", sessionRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.HandleMailLabel(w, r, SessionDID(r.Context()))
	})))

	mux.HandleFunc("POST /api/negotiations", s.HandleNegotiationsInitiate)
	mux.HandleFunc("POST /api/negotiations/{id}/propose", func(w http.ResponseWriter, r *http.Request) {
		s.HandleNegotiationsPropose(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/negotiations/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		s.HandleNegotiationsAccept(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/negotiations/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		s.HandleNegotiationsReject(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/negotiations/{id}/settle", func(w http.ResponseWriter, r *http.Request) {
		s.HandleNegotiationsSettle(w, r, r.PathValue("id"))
	})

	mux.HandleFunc("GET /api/reputation/{did}", func(w http.ResponseWriter, r *http.Request) {
		s.HandleReputationGet(w, r, r.PathValue("did"))
	})
	mux.HandleFunc("POST /api/receipts", s.HandleReceiptsCreate)
	mux.HandleFunc("GET /api/receipts/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.HandleReceiptsGet(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/receipts/{id}/attestations", func(w http.ResponseWriter, r *http.Request) {
		s.HandleReceiptsAttest(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("GET /api/receipts/{id}/committee", func(w http.ResponseWriter, r *http.Request) {
		s.HandleReceiptsCommittee(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/receipts/{id}/finalize", func(w http.ResponseWriter, r *http.Request) {
		s.HandleReceiptsFinalize(w, r, r.PathValue("id"))
	})

	mux.HandleFunc("POST /api/payments/requests", s.HandlePaymentsRequest)
	mux.HandleFunc("POST /api/payments/webhooks/{provider}", func(w http.ResponseWriter, r *http.Request) {
		s.HandlePaymentsWebhook(w, r, r.PathValue("provider"))
	})

	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	mux.HandleFunc("POST /api/auth/challenge", s.HandleAuthChallenge)
	mux.HandleFunc("POST /api/auth/redeem", s.HandleAuthRedeem)

	// RequireSession runs inside the mux, after this chain, so the
	// session DID is resolved here from the bearer token directly.
	actorOf := func(r *http.Request) string {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || s.SessionAuth == nil {
			return ""
		}
		did, err := s.SessionAuth.Verify(token)
		if err != nil {
			return ""
		}
		return did
	}
	return Chain(
		WithRecover,
		WithRequestID,
		WithLogging(s.Logger),
		IdempotencyMiddleware(idempotency),
		WithRateLimit(s.Pipeline.cfg.Limiter, rateLimitMaxPerMinute, actorOf),
	)(mux)
}

// rateLimitMaxPerMinute is overridden at startup from config's
// RATE_LIMIT_MAX_PER_MINUTE scalar.
var rateLimitMaxPerMinute = 60

// SetRateLimitMaxPerMinute lets the composition root apply the
// configured value.
func SetRateLimitMaxPerMinute(n int) { rateLimitMaxPerMinute = n }

// NewAdminRouter builds brokerctl's operational surface: account
// inspection and key rotation. cmd/broker/main.go serves this on a
// separate listener from NewRouter's public one, so it never shares
// the public rate limiter or idempotency cache.
func NewAdminRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/accounts/{did}", func(w http.ResponseWriter, r *http.Request) {
		s.HandleAdminAccountGet(w, r, r.PathValue("did"))
	})
	mux.HandleFunc("POST /admin/keys/rotate", s.HandleAdminRotateKey)
	return Chain(WithRecover, WithRequestID, WithLogging(s.Logger))(mux)
}
