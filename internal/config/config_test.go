package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	c := &Config{
		DiscoverySimilarityWeight: 0.6,
		DiscoveryTrustWeight:      0.3,
		DiscoveryUsefulnessWeight: 0.1,
		IncentiveSplitAgent:       0.70,
		IncentiveSplitBroker:      0.10,
		IncentiveSplitValidator:   0.10,
		IncentiveSplitPool:        0.10,
		PostageAmountAtomic:       100,
		ReputationAlpha:           0.2,
		PouK:                      3,
		PouM:                      5,
		NegotiationMaxRounds:      10,
		NegotiationHardCapRounds:  20,
		EmbeddingDimension:        1536,
		RateLimitMaxPerMinute:     60,
	}
	return c
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, baseConfig().Validate())
}

func TestValidate_DiscoveryWeightsMustSumToOne(t *testing.T) {
	c := baseConfig()
	c.DiscoveryUsefulnessWeight = 0.5
	require.Error(t, c.Validate())
}

func TestValidate_IncentiveSplitMustSumToOne(t *testing.T) {
	c := baseConfig()
	c.IncentiveSplitPool = 0.5
	require.Error(t, c.Validate())
}

func TestValidate_NegativePostageRejected(t *testing.T) {
	c := baseConfig()
	c.PostageAmountAtomic = -1
	require.Error(t, c.Validate())
}

func TestValidate_ReputationAlphaRange(t *testing.T) {
	c := baseConfig()
	c.ReputationAlpha = 0
	require.Error(t, c.Validate())
	c.ReputationAlpha = 1.5
	require.Error(t, c.Validate())
}

func TestValidate_CommitteeParams(t *testing.T) {
	c := baseConfig()
	c.PouK = 6
	c.PouM = 5
	require.Error(t, c.Validate())
}

func TestValidate_NegotiationRoundCaps(t *testing.T) {
	c := baseConfig()
	c.NegotiationHardCapRounds = 25
	require.Error(t, c.Validate())

	c = baseConfig()
	c.NegotiationMaxRounds = 25
	c.NegotiationHardCapRounds = 20
	require.Error(t, c.Validate())
}
