package capacity

import (
	"math"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/evaluator"
	"github.com/decloudhq/decloud/pkg/types"
)

// Calculator derives a node's effective capacity under the overcommit
// policy. Compute points and storage are overcommitted per the baseline
// tier ratios; memory never is.
type Calculator struct {
	cfg  *config.SchedulerConfig
	eval *evaluator.Evaluator
}

// New creates a capacity calculator
func New(cfg *config.SchedulerConfig, eval *evaluator.Evaluator) *Calculator {
	return &Calculator{cfg: cfg, eval: eval}
}

// EffectiveTotals computes the node's schedulable totals from hardware.
// Compute points scale with the balanced-tier (baseline) CPU overcommit;
// storage with the burstable storage overcommit, matching how tiers share
// a node's physical resources.
func (c *Calculator) EffectiveTotals(hw *types.HardwareInventory) types.NodeResources {
	pointsPerCore := c.eval.PointsPerCore(hw.BenchmarkScore)

	cpuOvercommit := 1.0
	if p, ok := c.cfg.Tiers[types.TierBalanced]; ok {
		cpuOvercommit = p.CPUOvercommitRatio
	}
	storageOvercommit := 1.0
	if p, ok := c.cfg.Tiers[types.TierBurstable]; ok {
		storageOvercommit = p.StorageOvercommitRatio
	}

	return types.NodeResources{
		TotalComputePoints: int64(math.Floor(pointsPerCore * float64(hw.PhysicalCores) * cpuOvercommit)),
		TotalMemoryBytes:   hw.MemoryBytes,
		TotalStorageBytes:  int64(math.Floor(float64(hw.TotalStorageBytes()) * storageOvercommit)),
	}
}

// Fits reports whether the spec fits within the node's unreserved capacity
func (c *Calculator) Fits(res *types.NodeResources, spec *types.VmSpec) bool {
	return res.AvailableComputePoints() >= spec.ComputePointCost &&
		res.AvailableMemoryBytes() >= spec.MemoryBytes &&
		res.AvailableStorageBytes() >= spec.DiskBytes
}

// ProjectedUtilization returns the highest per-resource utilization percent
// the node would reach after placing spec.
func (c *Calculator) ProjectedUtilization(res *types.NodeResources, spec *types.VmSpec) float64 {
	util := func(reserved, add, total int64) float64 {
		if total <= 0 {
			return 100
		}
		return float64(reserved+add) / float64(total) * 100
	}

	u := util(res.ReservedComputePoints, spec.ComputePointCost, res.TotalComputePoints)
	if m := util(res.ReservedMemoryBytes, spec.MemoryBytes, res.TotalMemoryBytes); m > u {
		u = m
	}
	if s := util(res.ReservedStorageBytes, spec.DiskBytes, res.TotalStorageBytes); s > u {
		u = s
	}
	return u
}

// RemainingFraction is the equal-weighted fraction of capacity left after
// placing spec, used as the scheduler's capacity score.
func (c *Calculator) RemainingFraction(res *types.NodeResources, spec *types.VmSpec) float64 {
	frac := func(reserved, add, total int64) float64 {
		if total <= 0 {
			return 0
		}
		remaining := float64(total-reserved-add) / float64(total)
		if remaining < 0 {
			return 0
		}
		return remaining
	}

	points := frac(res.ReservedComputePoints, spec.ComputePointCost, res.TotalComputePoints)
	memory := frac(res.ReservedMemoryBytes, spec.MemoryBytes, res.TotalMemoryBytes)
	storage := frac(res.ReservedStorageBytes, spec.DiskBytes, res.TotalStorageBytes)
	return (points + memory + storage) / 3
}
