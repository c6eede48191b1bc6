package evaluator

import (
	"sort"
	"time"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/types"
)

// Evaluator grades nodes: maps a benchmark score to compute points per core
// and decides which quality tiers the node may host.
type Evaluator struct {
	cfg *config.SchedulerConfig
}

// New creates an evaluator from the scheduler configuration
func New(cfg *config.SchedulerConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// PointsPerCore converts a benchmark score to compute points per physical
// core. The score is capped at baseline x maxMultiplier so an outlier
// machine cannot claim unbounded capacity.
func (e *Evaluator) PointsPerCore(benchmarkScore float64) float64 {
	capped := benchmarkScore
	if max := e.cfg.BaselineBenchmark * e.cfg.MaxPerformanceMultiplier; capped > max {
		capped = max
	}
	return capped / e.cfg.BaselineBenchmark
}

// EligibleTiers returns the quality tiers whose minimum benchmark the node
// meets, best tier first.
func (e *Evaluator) EligibleTiers(benchmarkScore float64) []types.QualityTier {
	var tiers []types.QualityTier
	for tier, policy := range e.cfg.Tiers {
		if benchmarkScore >= policy.MinimumBenchmark {
			tiers = append(tiers, tier)
		}
	}
	sort.Slice(tiers, func(i, j int) bool {
		return e.cfg.Tiers[tiers[i]].MinimumBenchmark > e.cfg.Tiers[tiers[j]].MinimumBenchmark
	})
	return tiers
}

// EligibleFor reports whether the node's benchmark qualifies it for the tier
func (e *Evaluator) EligibleFor(benchmarkScore float64, tier types.QualityTier) bool {
	policy, ok := e.cfg.Tiers[tier]
	if !ok {
		return false
	}
	return benchmarkScore >= policy.MinimumBenchmark
}

// Evaluate produces the persisted evaluation record for a node
func (e *Evaluator) Evaluate(hw *types.HardwareInventory) *types.PerformanceEvaluation {
	return &types.PerformanceEvaluation{
		BenchmarkScore: hw.BenchmarkScore,
		PointsPerCore:  e.PointsPerCore(hw.BenchmarkScore),
		EligibleTiers:  e.EligibleTiers(hw.BenchmarkScore),
		EvaluatedAt:    time.Now(),
	}
}
