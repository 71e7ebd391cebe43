package scheduler

import (
	"context"
	"time"

	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/negotiation"
	"github.com/ainp-network/broker/internal/receipts"
	"github.com/ainp-network/broker/internal/reputation"
)

// FinalizerJob runs the finalization sweep over up to
// DefaultFinalizerReceiptLimit pending receipts.
func FinalizerJob(engine *receipts.Engine) Job {
	return Job{
		Name:     "finalizer",
		Interval: DefaultFinalizerInterval,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			_, err := engine.Sweep(ctx, DefaultFinalizerReceiptLimit)
			return err
		},
	}
}

// ExpirySweepJob expires stale negotiations and purges expired agent
// advertisements.
func ExpirySweepJob(negotiations *negotiation.Engine, disc discovery.Store) Job {
	return Job{
		Name:     "expiry_sweep",
		Interval: DefaultExpirySweepInterval,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			now := time.Now()
			if _, err := negotiations.ExpireStale(ctx, now); err != nil {
				return err
			}
			_, err := disc.PurgeExpired(ctx, now)
			return err
		},
	}
}

// UsefulnessAggregatorJob recomputes usefulness_score_cached for every
// advertised agent from its reputation vector and writes it back to
// the discovery index.
func UsefulnessAggregatorJob(disc discovery.Store, reputations reputation.Store, blend reputation.BlendWeights) Job {
	return Job{
		Name:     "usefulness_aggregator",
		Interval: DefaultUsefulnessAggregatorInterval,
		Enabled:  true,
		Run: func(ctx context.Context) error {
			dids, err := disc.ListAgentDIDs(ctx)
			if err != nil {
				return err
			}
			for _, did := range dids {
				vec, err := reputations.Get(ctx, did)
				if err != nil {
					return err
				}
				score := reputation.Usefulness(vec, blend)
				if err := disc.UpdateSignals(ctx, did, discovery.AgentSignals{
					Trust:      vec.Quality,
					Usefulness: score,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// MailboxDistillerJob is an optional job left disabled by default; a
// real summarizer is out of scope here. The hook is still wired so a
// deployment can supply its own Run.
func MailboxDistillerJob(run func(ctx context.Context) error) Job {
	if run == nil {
		run = func(ctx context.Context) error { return nil }
	}
	return Job{
		Name:     "mailbox_distiller",
		Interval: DefaultMailboxDistillerInterval,
		Enabled:  false,
		Run:      run,
	}
}
