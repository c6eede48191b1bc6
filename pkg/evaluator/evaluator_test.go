package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/types"
)

func testEvaluator() *Evaluator {
	cfg := config.Default().Scheduler
	return New(&cfg)
}

// TestPointsPerCore checks benchmark normalization against the baseline
func TestPointsPerCore(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		expected float64
	}{
		{"baseline machine", 1000, 1.0},
		{"half of baseline", 500, 0.5},
		{"double baseline", 2000, 2.0},
		{"capped at max multiplier", 5000, 3.0},
		{"exactly at cap", 3000, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, testEvaluator().PointsPerCore(tt.score), 1e-9)
		})
	}
}

// TestEligibleTiers checks tier admission ordering, best tier first
func TestEligibleTiers(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		expected []types.QualityTier
	}{
		{
			name:     "top machine qualifies for everything",
			score:    2500,
			expected: []types.QualityTier{types.TierGuaranteed, types.TierStandard, types.TierBalanced, types.TierBurstable},
		},
		{
			name:     "mid machine misses guaranteed",
			score:    1500,
			expected: []types.QualityTier{types.TierStandard, types.TierBalanced, types.TierBurstable},
		},
		{
			name:     "weak machine is burstable only",
			score:    600,
			expected: []types.QualityTier{types.TierBurstable},
		},
		{
			name:     "below every minimum",
			score:    100,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, testEvaluator().EligibleTiers(tt.score))
		})
	}
}

func TestEligibleFor(t *testing.T) {
	e := testEvaluator()

	assert.True(t, e.EligibleFor(2000, types.TierGuaranteed))
	assert.False(t, e.EligibleFor(1999, types.TierGuaranteed))
	assert.True(t, e.EligibleFor(500, types.TierBurstable))
	assert.False(t, e.EligibleFor(1000, "platinum"), "unknown tier never qualifies")
}

func TestEvaluate(t *testing.T) {
	eval := testEvaluator().Evaluate(&types.HardwareInventory{BenchmarkScore: 1500})

	assert.InDelta(t, 1.5, eval.PointsPerCore, 1e-9)
	assert.Equal(t, types.TierStandard, eval.EligibleTiers[0])
	assert.False(t, eval.EvaluatedAt.IsZero())
}
