package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/envelope"
	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/identity"
)

// Stage is one ordered step of the envelope ingress pipeline. A stage
// returns a non-nil *errs.Error to reject the envelope; the pipeline
// stops at the first rejecting stage. result accumulates side
// information (e.g. postage due) later stages or the caller need after
// Run succeeds.
type Stage func(ctx context.Context, env *envelope.Envelope, result *Result) error

// PipelineConfig bundles the dependencies the seven ingress steps need.
// Steps 1-2-4 are pure functions of internal/envelope; step 3 needs
// internal/identity; steps 5-7 need internal/antifraud state, which is
// why this pipeline lives in internal/api rather than inside
// internal/envelope, which only owns the dependency-free checks.
type PipelineConfig struct {
	Cache        antifraud.Cache
	Limiter      antifraud.Limiter
	ClockSkew    time.Duration
	Now          func() time.Time
	MaxPerMinute int
}

// intentDedupePayload is the subset of an INTENT payload the content
// dedupe / postage guards key on.
type intentDedupePayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Pipeline runs the seven ordered ingress stages over a raw envelope:
// structure, version, signature, freshness, replay, intent guards
// (content dedupe, greylist, postage), rate limit.
type Pipeline struct {
	stages []Stage
	cfg    PipelineConfig
}

// NewPipeline builds the stage chain from cfg. Stages are plain
// functions in a slice, mirroring internal/envelope's one-function-
// per-check shape rather than a generic middleware abstraction.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 60
	}
	p := &Pipeline{cfg: cfg}
	p.stages = []Stage{
		p.stepStructure,
		p.stepVersion,
		p.stepSignature,
		p.stepFreshness,
		p.stepReplay,
		p.stepIntentGuards,
		p.stepRateLimit,
	}
	return p
}

// Result carries side information the handler needs after a successful
// Run: whether this was the first contact from env.FromDID to
// env.ToDID, which determines whether the handler must debit postage
// from the ledger (C2) before admitting the intent.
type Result struct {
	PostageDue bool
}

// Run executes every stage in order against env, returning the first
// rejection or nil if env passed all seven checks.
func (p *Pipeline) Run(ctx context.Context, env *envelope.Envelope) (Result, error) {
	result := Result{}
	for _, stage := range p.stages {
		if err := stage(ctx, env, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (p *Pipeline) stepStructure(_ context.Context, env *envelope.Envelope, _ *Result) error {
	return envelope.ValidateStructure(env)
}

func (p *Pipeline) stepVersion(_ context.Context, env *envelope.Envelope, _ *Result) error {
	return envelope.ValidateVersion(env)
}

func (p *Pipeline) stepSignature(_ context.Context, env *envelope.Envelope, _ *Result) error {
	canonical, err := envelope.Canonicalize(env)
	if err != nil {
		return err
	}
	return identity.VerifyFromDID(env.FromDID, canonical, env.Sig)
}

func (p *Pipeline) stepFreshness(_ context.Context, env *envelope.Envelope, _ *Result) error {
	return envelope.CheckFreshness(env, p.cfg.Now(), p.cfg.ClockSkew)
}

func (p *Pipeline) stepReplay(ctx context.Context, env *envelope.Envelope, _ *Result) error {
	fresh, _, err := p.cfg.Cache.CheckAndMarkReplay(ctx, env.ID)
	if err != nil {
		return errs.New("INTERNAL_ERROR", "replay check failed: %v", err)
	}
	if !fresh {
		return errs.New("REPLAY_DETECTED", "envelope id %s already processed", env.ID)
	}
	return nil
}

// stepIntentGuards applies the three intent-level anti-fraud guards
// (content dedupe, first-contact greylist, postage) only to INTENT
// envelopes; other msg types (RESULT, ERROR, NEGOTIATE, ACK) pass
// straight through — these guards scope to new intents rather than
// every wire message.
func (p *Pipeline) stepIntentGuards(ctx context.Context, env *envelope.Envelope, result *Result) error {
	if env.MsgType != envelope.MsgIntent {
		return nil
	}

	var payload intentDedupePayload
	_ = json.Unmarshal(env.Payload, &payload)

	fresh, _, err := p.cfg.Cache.CheckAndMarkContentHash(ctx, env.FromDID, env.ToDID, payload.Subject, payload.Body)
	if err != nil {
		return errs.New("INTERNAL_ERROR", "content dedupe check failed: %v", err)
	}
	if !fresh {
		return errs.New("DUPLICATE_EMAIL", "duplicate message content from %s to %s", env.FromDID, env.ToDID)
	}

	if env.ToDID != "" {
		greylist, _, err := p.cfg.Cache.ShouldGreylistFirstContact(ctx, env.FromDID, env.ToDID)
		if err != nil {
			return errs.New("INTERNAL_ERROR", "greylist check failed: %v", err)
		}
		if greylist {
			return errs.New("GREYLISTED", "first contact from %s to %s deferred, retry shortly", env.FromDID, env.ToDID).WithRetryAfter(int(antifraud.DefaultContentHashTTL.Seconds()))
		}

		firstTime, _, err := p.cfg.Cache.MarkPostagePaid(ctx, env.FromDID, env.ToDID)
		if err != nil {
			return errs.New("INTERNAL_ERROR", "postage check failed: %v", err)
		}
		result.PostageDue = firstTime
	}
	return nil
}

func (p *Pipeline) stepRateLimit(ctx context.Context, env *envelope.Envelope, _ *Result) error {
	allowed, _, err := p.cfg.Limiter.Allow(ctx, env.FromDID, p.cfg.MaxPerMinute)
	if err != nil {
		return errs.New("INTERNAL_ERROR", "rate limiter error: %v", err)
	}
	if !allowed {
		return errs.New("RATE_LIMIT_EXCEEDED", "rate limit exceeded for %s", env.FromDID).WithRetryAfter(60)
	}
	return nil
}
