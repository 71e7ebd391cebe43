package api

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/identity"
	"github.com/ainp-network/broker/internal/ledger"
	"github.com/ainp-network/broker/internal/negotiation"
	"github.com/ainp-network/broker/internal/push"
	"github.com/ainp-network/broker/internal/receipts"
	"github.com/ainp-network/broker/internal/registry"
	"github.com/ainp-network/broker/internal/reputation"
	"github.com/ainp-network/broker/internal/routing"
)

// Deps bundles every domain engine the HTTP/WS surface dispatches into.
// One Server per broker process; cmd/broker's composition root
// constructs and wires it.
type Deps struct {
	Logger *slog.Logger

	Registry    registry.Store
	Ledger      ledger.Store
	Discovery   discovery.Store
	Mailbox     routing.Store
	Reputation  reputation.Store
	Negotiation *negotiation.Engine
	Receipts    *receipts.Engine
	Router      *routing.Router
	Hub         *push.Hub
	SessionAuth *SessionAuth
	Payments    PaymentVerifier
	Keys        *identity.KeySet

	DiscoveryWeights discovery.Weights
	ReputationBlend  reputation.BlendWeights
	Pipeline         *Pipeline

	InitialGrant    *big.Int // funded on agent registration; zero disables auto-funding
	AgentTTL        time.Duration
	DefaultMaxRound int
	DefaultNegTTL   time.Duration
}

// PaymentVerifier abstracts the out-of-core payment-provider webhook
// surface. A concrete verifier lives outside this module; the shipped
// implementation is an idempotent-by-reference stub exercised by a
// trusted internal caller in tests.
type PaymentVerifier interface {
	// IssueChallenge returns a payment URL and request id for a priced request.
	IssueChallenge(agentDID string, amountAtomic *big.Int) (requestID, payURL string, err error)
	// VerifyWebhook reports whether provider's payload marks requestID paid,
	// idempotently: a repeat call for an already-settled requestID returns
	// alreadyProcessed=true without crediting twice.
	VerifyWebhook(provider, requestID string, payload []byte) (agentDID string, amountAtomic *big.Int, alreadyProcessed bool, err error)
}

// Server holds the Deps plus anything derived that handlers need
// repeatedly (e.g. default weights when a request omits them).
type Server struct {
	Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.AgentTTL <= 0 {
		deps.AgentTTL = registry.DefaultTTL
	}
	if deps.DefaultMaxRound <= 0 {
		deps.DefaultMaxRound = negotiation.DefaultMaxRounds
	}
	if deps.DefaultNegTTL <= 0 {
		deps.DefaultNegTTL = time.Hour
	}
	return &Server{Deps: deps}
}
