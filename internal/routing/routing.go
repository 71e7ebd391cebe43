// Package routing implements envelope delivery and the durable
// mailbox: push-channel best-effort delivery, durable mailbox storage
// for persistent messages, and discovery-assisted fan-out when no
// recipient is named.
package routing

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/envelope"
	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/push"
)

// DefaultFanoutLimit is the top-k discovery-assisted fan-out width.
const DefaultFanoutLimit = 3

// intentPayload is the subset of an INTENT envelope's payload routing
// cares about: whether it is a persistent message (any intent_type
// ending in "_MESSAGE", e.g. "EMAIL_MESSAGE") and, for unresolved
// recipients, the text/embedding to search on.
type intentPayload struct {
	IntentType  string              `json:"intent_type"`
	Description string              `json:"description"`
	Embedding   discovery.Embedding `json:"embedding"`
}

func isPersistentMessage(env *envelope.Envelope) bool {
	if env.MsgType != envelope.MsgIntent {
		return false
	}
	var p intentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return false
	}
	return strings.HasSuffix(p.IntentType, "_MESSAGE")
}

// Outcome summarizes what Route did with one envelope, for the API
// layer's response.
type Outcome struct {
	Pushed      []string // DIDs the push hub attempted delivery to
	MailboxedTo []string // DIDs a durable mailbox copy was stored for
}

// Router wires C5-validated envelopes to C10 push delivery, the
// durable mailbox, and C3 discovery-assisted fan-out.
type Router struct {
	hub       *push.Hub
	mailbox   Store
	discovery discovery.Store
	weights   discovery.Weights
	fanout    int
}

func NewRouter(hub *push.Hub, mailbox Store, disc discovery.Store, weights discovery.Weights) *Router {
	return &Router{hub: hub, mailbox: mailbox, discovery: disc, weights: weights, fanout: DefaultFanoutLimit}
}

// WithFanout overrides the discovery-assisted fan-out width, for tests.
func (r *Router) WithFanout(n int) *Router {
	r.fanout = n
	return r
}

// Route delivers env. A named recipient is used as given, without
// checking that it resolves, and gets a best-effort push plus (for
// persistent messages) a durable mailbox copy. An absent recipient
// (empty to_did) triggers a semantic
// discovery fan-out to up to r.fanout agents, each of which receives
// the same push + mailbox treatment.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (Outcome, error) {
	var out Outcome
	persistent := isPersistentMessage(env)

	recipients := []string{}
	if env.ToDID != "" {
		recipients = append(recipients, env.ToDID)
	} else {
		resolved, err := r.resolveByDiscovery(ctx, env)
		if err != nil {
			return out, err
		}
		recipients = resolved
	}

	for _, did := range recipients {
		if r.hub.Send(did, push.Message{EnvelopeID: env.ID, Payload: env.Payload}) {
			out.Pushed = append(out.Pushed, did)
		}
		if persistent {
			if err := r.storeMailbox(ctx, env, did); err != nil {
				return out, err
			}
			out.MailboxedTo = append(out.MailboxedTo, did)
		}
	}
	return out, nil
}

func (r *Router) resolveByDiscovery(ctx context.Context, env *envelope.Envelope) ([]string, error) {
	var p intentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errs.New("INVALID_ENVELOPE", "cannot resolve recipient: unparseable payload")
	}
	if len(p.Embedding) == 0 {
		return nil, errs.New("INVALID_REQUEST", "no to_did and no embedding to resolve a recipient")
	}
	ranked, err := r.discovery.Search(ctx, discovery.Query{
		Embedding: p.Embedding,
		Limit:     r.fanout,
	}, r.weights)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var dids []string
	for _, rk := range ranked {
		if seen[rk.Capability.AgentDID] {
			continue
		}
		seen[rk.Capability.AgentDID] = true
		dids = append(dids, rk.Capability.AgentDID)
		if len(dids) >= r.fanout {
			break
		}
	}
	return dids, nil
}

func (r *Router) storeMailbox(ctx context.Context, env *envelope.Envelope, toDID string) error {
	msg := Message{
		ID:           env.ID,
		FromDID:      env.FromDID,
		ToDID:        toDID,
		Participants: participantsOf(env.FromDID, toDID),
		Payload:      env.Payload,
	}
	return r.mailbox.Store(ctx, msg)
}

func participantsOf(from, to string) []string {
	if from == to {
		return []string{from}
	}
	return []string{from, to}
}
