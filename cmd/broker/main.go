// Command broker runs the AINP message broker: HTTP/WS admission
// surface, the seven domain engines it dispatches into, and the
// background jobs that finalize receipts, sweep expiries, and
// recompute usefulness scores. Wiring uses staged construction and
// signal-based graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/api"
	"github.com/ainp-network/broker/internal/config"
	"github.com/ainp-network/broker/internal/discovery"
	"github.com/ainp-network/broker/internal/identity"
	"github.com/ainp-network/broker/internal/ledger"
	"github.com/ainp-network/broker/internal/negotiation"
	"github.com/ainp-network/broker/internal/observability"
	"github.com/ainp-network/broker/internal/push"
	"github.com/ainp-network/broker/internal/receipts"
	"github.com/ainp-network/broker/internal/registry"
	"github.com/ainp-network/broker/internal/reputation"
	"github.com/ainp-network/broker/internal/routing"
	"github.com/ainp-network/broker/internal/scheduler"
	"github.com/ainp-network/broker/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("[ainp-broker] %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled || cfg.MonitoringEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	// 1. Identity: the broker's own signing key, used for committee
	// attestation challenges and session JWTs.
	keys, err := identity.NewKeySet()
	if err != nil {
		return err
	}

	// 2. Storage backends. Ledger and discovery run Postgres-backed
	// when DATABASE_URL is set (startup fails if that database cannot be
	// reached); antifraud runs Redis-backed when
	// REDIS_ADDR is set. Everything else (routing, reputation,
	// negotiation, receipts, registry) is single-instance, memory-only
	// by design.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		logger.Info("postgres connected")
	}

	var ledgerStore ledger.Store
	var discoveryStore discovery.Store
	if db != nil {
		ledgerStore = ledger.NewPostgresStore(db)
		discoveryStore = discovery.NewPostgresStore(db, cfg.EmbeddingDimension)
	} else {
		ledgerStore = ledger.NewMemoryStore()
		discoveryStore = discovery.NewFlatStore()
		logger.Warn("no DATABASE_URL set; running ledger and discovery in-memory")
	}

	var cache antifraud.Cache
	var limiter antifraud.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		cache = antifraud.NewRedisCache(rdb, cfg.GreylistDelay)
		limiter = antifraud.NewRedisLimiter(rdb)
		logger.Info("redis connected")
	} else {
		cache = antifraud.NewLocalCache(cfg.GreylistDelay, false)
		limiter = antifraud.NewLocalLimiter()
		logger.Warn("no REDIS_ADDR set; running antifraud cache/limiter in-memory")
	}

	regStore := registry.NewMemoryStore()
	mailboxStore := routing.NewMemoryStore()
	reputationStore := reputation.NewMemoryStore()
	negotiationStore := negotiation.NewMemoryStore()
	receiptsStore := receipts.NewMemoryStore()

	discoveryWeights := discovery.Weights{
		Similarity: cfg.DiscoverySimilarityWeight,
		Trust:      cfg.DiscoveryTrustWeight,
		Usefulness: cfg.DiscoveryUsefulnessWeight,
	}
	reputationBlend := reputation.BlendWeights{
		Compute:    0.4,
		Memory:     0.3,
		Routing:    0.2,
		Validation: 0.1,
		Learning:   0.5,
	}
	incentiveSplit := negotiation.IncentiveSplit{
		Agent:     cfg.IncentiveSplitAgent,
		Broker:    cfg.IncentiveSplitBroker,
		Validator: cfg.IncentiveSplitValidator,
		Pool:      cfg.IncentiveSplitPool,
	}

	// 3. Push hub: bounded per-DID queues, wired to the observability
	// provider's drop counter.
	hub := push.NewHub().WithQueueSize(cfg.PushQueueCapacity).WithDropHook(func(did string) {
		obs.RecordPushDropped(ctx, did)
	})

	router := routing.NewRouter(hub, mailboxStore, discoveryStore, discoveryWeights)
	negotiationEngine := negotiation.NewEngine(negotiationStore, ledgerStore, incentiveSplit)

	// receipts.NewEngine needs the current roster of active agents for
	// committee selection; discovery.Store (not registry.Store, which
	// has no list-all method) already tracks every advertised DID.
	activeRoster := func(ctx context.Context) ([]string, error) {
		return discoveryStore.ListAgentDIDs(ctx)
	}
	receiptsEngine := receipts.NewEngine(receiptsStore, activeRoster, cfg.ServiceName)

	// Audit log: hash-chained record of negotiation settlements and
	// receipt finalizations.
	auditLog := store.NewAuditLog()

	var archiveSink store.ArchiveSink
	if cfg.ArchiveS3Bucket != "" {
		sink, err := store.NewS3ArchiveSink(ctx, store.S3ArchiveConfig{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveS3Endpoint,
			Prefix:   cfg.ArchiveS3Prefix,
		})
		if err != nil {
			return err
		}
		archiveSink = sink
		logger.Info("receipt archival enabled", "bucket", cfg.ArchiveS3Bucket)
	}

	reputationWeights := reputation.Weights{Alpha: cfg.ReputationAlpha, LRef: cfg.ReputationLRef}

	// Finalizing a receipt updates the agent's reputation vector,
	// records an audit entry, and archives the receipt if a sink is
	// configured.
	receiptsEngine.OnFinalize(func(ctx context.Context, r *receipts.Receipt) {
		obs := reputation.Observation{Finalized: r.Status == receipts.StatusFinalized, LatencyMs: r.LatencyMs}
		for _, a := range r.Attestations {
			switch a.Type {
			case receipts.AttestationAccepted:
				obs.AcceptedScore = a.Score
			case receipts.AttestationAuditPass:
				obs.AuditPassScore = a.Score
			}
		}
		prior, err := reputationStore.Get(ctx, r.AgentDID)
		if err != nil {
			logger.Error("reputation lookup failed", "did", r.AgentDID, "error", err)
			return
		}
		next := reputation.Update(prior, obs, reputationWeights)
		if err := reputationStore.Set(ctx, r.AgentDID, next); err != nil {
			logger.Error("reputation update failed", "did", r.AgentDID, "error", err)
		}
		if _, err := auditLog.Append(ctx, store.EventReceiptFinalized, r.AgentDID, map[string]interface{}{
			"receipt_id": r.ID, "negotiation_id": r.NegotiationID,
		}); err != nil {
			logger.Error("audit append failed", "error", err)
		}
		if archiveSink != nil {
			if err := archiveSink.Archive(ctx, r); err != nil {
				logger.Error("receipt archive failed", "receipt_id", r.ID, "error", err)
			}
		}
	})

	// Settling a negotiation opens the receipt that the finalizer sweep
	// and committee will later attest against.
	negotiationEngine.OnSettle(func(ctx context.Context, s *negotiation.Session, latencyMs float64) {
		amount := int64(0)
		if s.PriceAtomic != nil {
			amount = s.PriceAtomic.Int64()
		}
		_, err := receiptsEngine.CreateReceipt(ctx, &receipts.Receipt{
			ID:            uuid.NewString(),
			NegotiationID: s.ID,
			AgentDID:      s.ResponderDID,
			ClientDID:     s.InitiatorDID,
			AmountAtomic:  amount,
			K:             cfg.PouK,
			M:             cfg.PouM,
			LatencyMs:     latencyMs,
		})
		if err != nil {
			logger.Error("receipt creation on settle failed", "negotiation_id", s.ID, "error", err)
			return
		}
		if _, err := auditLog.Append(ctx, store.EventNegotiationSettled, s.InitiatorDID, map[string]interface{}{
			"negotiation_id": s.ID, "amount_atomic": amount,
		}); err != nil {
			logger.Error("audit append failed", "error", err)
		}
	})

	pipeline := api.NewPipeline(api.PipelineConfig{
		Cache:        cache,
		Limiter:      limiter,
		ClockSkew:    cfg.ClockSkewTolerance,
		MaxPerMinute: cfg.RateLimitMaxPerMinute,
	})

	sessionAuth := api.NewSessionAuth(keys, api.NewMemoryChallengeStore())

	api.SetPostageAmount(bigFromInt64(cfg.PostageAmountAtomic))
	api.SetRateLimitMaxPerMinute(cfg.RateLimitMaxPerMinute)

	server := api.NewServer(api.Deps{
		Logger:           logger,
		Registry:         regStore,
		Ledger:           ledgerStore,
		Discovery:        discoveryStore,
		Mailbox:          mailboxStore,
		Reputation:       reputationStore,
		Negotiation:      negotiationEngine,
		Receipts:         receiptsEngine,
		Router:           router,
		Hub:              hub,
		SessionAuth:      sessionAuth,
		DiscoveryWeights: discoveryWeights,
		ReputationBlend:  reputationBlend,
		Pipeline:         pipeline,
		AgentTTL:         registry.DefaultTTL,
		Keys:             keys,
	})

	idempotencyStore := api.NewIdempotencyStore(10 * time.Minute)
	handler := api.NewRouter(server, idempotencyStore)
	adminHandler := api.NewAdminRouter(server)

	// 4. Background jobs.
	sched := scheduler.New(logger,
		scheduler.FinalizerJob(receiptsEngine),
		scheduler.ExpirySweepJob(negotiationEngine, discoveryStore),
		scheduler.UsefulnessAggregatorJob(discoveryStore, reputationStore, reputationBlend),
		scheduler.MailboxDistillerJob(nil),
	)
	sched.Start(ctx)
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	adminServer := &http.Server{
		Addr:    ":" + cfg.AdminPort,
		Handler: adminHandler,
	}
	go func() {
		logger.Info("admin listening", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminServer.Shutdown(shutdownCtx)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func bigFromInt64(n int64) *big.Int {
	return big.NewInt(n)
}
