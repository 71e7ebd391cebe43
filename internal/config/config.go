// Package config loads and validates the broker's typed configuration
// from environment variables. Every recognized option is a field here;
// validation fails startup rather than letting a bad value surface
// later as a confusing runtime error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all broker configuration.
type Config struct {
	Port      string
	AdminPort string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	RedisAddr   string
	RedisPassword string
	RedisDB     int

	// Feature toggles
	SignatureVerificationEnabled bool
	ReplayCheckEnabled           bool
	ContentDedupeEnabled         bool
	GreylistEnabled              bool
	PostageEnabled               bool
	LedgerEnabled                bool
	UsefulnessAggregationEnabled bool
	UsefulnessWeightedDiscovery  bool
	NegotiationEnabled           bool
	FinalizerEnabled             bool
	TracingEnabled               bool
	MonitoringEnabled            bool

	// Anti-fraud scalars
	DedupeTTL            time.Duration
	GreylistDelay        time.Duration
	PostageAmountAtomic  int64
	ReplayWindow         time.Duration

	// Discovery weights
	DiscoverySimilarityWeight float64
	DiscoveryTrustWeight      float64
	DiscoveryUsefulnessWeight float64
	EmbeddingDimension        int
	DiscoveryDefaultLimit     int

	// Proof-of-usefulness / committee
	PouK             int
	PouM             int
	FinalizerCadence time.Duration

	// Reputation
	ReputationAlpha float64
	ReputationLRef  float64

	// Rate limiting
	RateLimitMaxPerMinute int

	// Negotiation
	NegotiationMaxRounds     int
	NegotiationHardCapRounds int
	IncentiveSplitAgent      float64
	IncentiveSplitBroker     float64
	IncentiveSplitValidator  float64
	IncentiveSplitPool       float64

	// Push
	PushQueueCapacity int

	// Scheduler cadences
	FinalizerIntervalSeconds            int
	UsefulnessAggregatorIntervalSeconds int
	ExpirySweepIntervalSeconds          int
	MailboxDistillerIntervalSeconds     int

	// Clock skew tolerance for envelope freshness and proofs.
	ClockSkewTolerance time.Duration

	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string

	// Optional finalized-receipt archival sink; disabled when
	// ArchiveS3Bucket is empty.
	ArchiveS3Bucket   string
	ArchiveS3Region   string
	ArchiveS3Endpoint string
	ArchiveS3Prefix   string
}

// Load reads configuration from the environment, applying defaults,
// then validates it.
func Load() (*Config, error) {
	c := &Config{
		Port:      getenv("PORT", "8080"),
		AdminPort: getenv("ADMIN_PORT", "8081"),
		LogLevel:  getenv("LOG_LEVEL", "INFO"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SignatureVerificationEnabled: getenvBool("SIGNATURE_VERIFICATION_ENABLED", true),
		ReplayCheckEnabled:           getenvBool("REPLAY_CHECK_ENABLED", true),
		ContentDedupeEnabled:         getenvBool("CONTENT_DEDUPE_ENABLED", true),
		GreylistEnabled:              getenvBool("GREYLIST_ENABLED", true),
		PostageEnabled:               getenvBool("POSTAGE_ENABLED", false),
		LedgerEnabled:                getenvBool("LEDGER_ENABLED", true),
		UsefulnessAggregationEnabled: getenvBool("USEFULNESS_AGGREGATION_ENABLED", true),
		UsefulnessWeightedDiscovery:  getenvBool("USEFULNESS_WEIGHTED_DISCOVERY", true),
		NegotiationEnabled:           getenvBool("NEGOTIATION_ENABLED", true),
		FinalizerEnabled:             getenvBool("FINALIZER_ENABLED", true),
		TracingEnabled:               getenvBool("TRACING_ENABLED", false),
		MonitoringEnabled:            getenvBool("MONITORING_ENABLED", false),

		DedupeTTL:           getenvDuration("DEDUPE_TTL_SECONDS", 24*time.Hour),
		GreylistDelay:       getenvDuration("GREYLIST_DELAY_SECONDS", 60*time.Second),
		PostageAmountAtomic: int64(getenvInt("POSTAGE_AMOUNT_ATOMIC", 100)),
		ReplayWindow:        getenvDuration("REPLAY_WINDOW_SECONDS", 5*time.Minute),

		DiscoverySimilarityWeight: getenvFloat("DISCOVERY_SIMILARITY_WEIGHT", 0.6),
		DiscoveryTrustWeight:      getenvFloat("DISCOVERY_TRUST_WEIGHT", 0.3),
		DiscoveryUsefulnessWeight: getenvFloat("DISCOVERY_USEFULNESS_WEIGHT", 0.1),
		EmbeddingDimension:        getenvInt("EMBEDDING_DIMENSION", 1536),
		DiscoveryDefaultLimit:     getenvInt("DISCOVERY_DEFAULT_LIMIT", 10),

		PouK:             getenvInt("POU_K", 3),
		PouM:             getenvInt("POU_M", 5),
		FinalizerCadence: getenvDuration("POU_FINALIZER_CRON_SECONDS", time.Minute),

		ReputationAlpha: getenvFloat("REPUTATION_ALPHA", 0.2),
		ReputationLRef:  getenvFloat("REPUTATION_L_REF_MS", 5000),

		RateLimitMaxPerMinute: getenvInt("RATE_LIMIT_MAX_PER_MINUTE", 120),

		NegotiationMaxRounds:     getenvInt("NEGOTIATION_MAX_ROUNDS", 10),
		NegotiationHardCapRounds: getenvInt("NEGOTIATION_HARD_CAP_ROUNDS", 20),
		IncentiveSplitAgent:      getenvFloat("INCENTIVE_SPLIT_AGENT", 0.70),
		IncentiveSplitBroker:     getenvFloat("INCENTIVE_SPLIT_BROKER", 0.10),
		IncentiveSplitValidator:  getenvFloat("INCENTIVE_SPLIT_VALIDATOR", 0.10),
		IncentiveSplitPool:       getenvFloat("INCENTIVE_SPLIT_POOL", 0.10),

		PushQueueCapacity: getenvInt("PUSH_QUEUE_CAPACITY", 1000),

		FinalizerIntervalSeconds:            getenvInt("FINALIZER_INTERVAL_SECONDS", 60),
		UsefulnessAggregatorIntervalSeconds:  getenvInt("USEFULNESS_AGGREGATOR_INTERVAL_SECONDS", 3600),
		ExpirySweepIntervalSeconds:           getenvInt("EXPIRY_SWEEP_INTERVAL_SECONDS", 60),
		MailboxDistillerIntervalSeconds:      getenvInt("MAILBOX_DISTILLER_INTERVAL_SECONDS", 300),

		ClockSkewTolerance: getenvDuration("CLOCK_SKEW_TOLERANCE_SECONDS", 5*time.Minute),

		ServiceName:    getenv("SERVICE_NAME", "ainp-broker"),
		ServiceVersion: getenv("SERVICE_VERSION", "0.1.0"),
		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),

		ArchiveS3Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Region:   getenv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Prefix:   getenv("ARCHIVE_S3_PREFIX", ""),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate enforces cross-field invariants and ranges: weight and split
// sums, non-negative postage, reputation alpha, committee and round
// caps, and a positive embedding dimension and rate limit.
func (c *Config) Validate() error {
	sum := c.DiscoverySimilarityWeight + c.DiscoveryTrustWeight + c.DiscoveryUsefulnessWeight
	if sum < 1-1e-3 || sum > 1+1e-3 {
		return fmt.Errorf("discovery weights must sum to 1 (±1e-3), got %f", sum)
	}
	splitSum := c.IncentiveSplitAgent + c.IncentiveSplitBroker + c.IncentiveSplitValidator + c.IncentiveSplitPool
	if splitSum < 1-1e-4 || splitSum > 1+1e-4 {
		return fmt.Errorf("incentive split must sum to 1 (±1e-4), got %f", splitSum)
	}
	if c.PostageAmountAtomic < 0 {
		return fmt.Errorf("postage amount must be non-negative")
	}
	if c.ReputationAlpha <= 0 || c.ReputationAlpha > 1 {
		return fmt.Errorf("reputation alpha must be in (0,1], got %f", c.ReputationAlpha)
	}
	if c.PouK <= 0 || c.PouM <= 0 || c.PouK > c.PouM {
		return fmt.Errorf("invalid committee parameters: k=%d m=%d", c.PouK, c.PouM)
	}
	if c.NegotiationMaxRounds <= 0 || c.NegotiationMaxRounds > c.NegotiationHardCapRounds {
		return fmt.Errorf("invalid negotiation round caps: max=%d hard=%d", c.NegotiationMaxRounds, c.NegotiationHardCapRounds)
	}
	if c.NegotiationHardCapRounds > 20 {
		return fmt.Errorf("negotiation hard cap must not exceed 20, got %d", c.NegotiationHardCapRounds)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.RateLimitMaxPerMinute <= 0 {
		return fmt.Errorf("rate limit max per minute must be positive")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
