package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/capacity"
	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/delivery"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

// Scheduler places pending VMs on nodes. Placement is two-phase: a hard
// feasibility filter, then weighted scoring across remaining capacity, load,
// reputation and locality. Reservation is atomic under the scheduler lock so
// concurrent placements never oversubscribe a node.
type Scheduler struct {
	cfg       *config.SchedulerConfig
	gw        *gateway.Gateway
	calc      *capacity.Calculator
	deliverer *delivery.Deliverer
	vms       *lifecycle.Manager

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates the scheduler
func New(cfg *config.SchedulerConfig, gw *gateway.Gateway, calc *capacity.Calculator, deliverer *delivery.Deliverer, vms *lifecycle.Manager) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		gw:        gw,
		calc:      calc,
		deliverer: deliverer,
		vms:       vms,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the pending-VM sweep loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep retries every VM parked in Pending. VMs land there when no node
// could take them; capacity freed since then may make them placeable now.
func (s *Scheduler) sweep() {
	for _, vm := range s.gw.ListVms() {
		if vm.Status == types.VmStatusPending {
			s.Schedule(vm)
		}
	}
}

// Schedule places one VM. On success the VM moves through Scheduling into
// Provisioning with a CreateVm command on its way to the chosen node. With
// no feasible node the VM parks in Pending for the next sweep.
func (s *Scheduler) Schedule(vm *types.VirtualMachine) {
	logger := log.WithComponent("scheduler")
	timer := metrics.NewTimer()

	if vm.Status == types.VmStatusPending {
		if !s.vms.Transition(vm.ID, types.VmStatusScheduling, lifecycle.TransitionContext{
			Trigger: lifecycle.TriggerManual,
			Source:  "scheduler",
		}) {
			return
		}
	}

	s.mu.Lock()
	node, err := s.selectNode(vm)
	if err == nil {
		// Reserve inside the lock; a competing placement sees the new
		// reservation immediately.
		node.Resources.ReservedComputePoints += vm.Spec.ComputePointCost
		node.Resources.ReservedMemoryBytes += vm.Spec.MemoryBytes
		node.Resources.ReservedStorageBytes += vm.Spec.DiskBytes
		node.TotalVmsHosted++
		if saveErr := s.gw.SaveNode(node); saveErr != nil {
			node.Resources.ReservedComputePoints -= vm.Spec.ComputePointCost
			node.Resources.ReservedMemoryBytes -= vm.Spec.MemoryBytes
			node.Resources.ReservedStorageBytes -= vm.Spec.DiskBytes
			node.TotalVmsHosted--
			err = saveErr
		}
	}
	s.mu.Unlock()

	if err != nil {
		metrics.VmsUnschedulable.Inc()
		logger.Debug().
			Str("vm_id", vm.ID).
			Err(err).
			Msg("no feasible node, vm stays pending")
		s.vms.Transition(vm.ID, types.VmStatusPending, lifecycle.TransitionContext{
			Trigger: lifecycle.TriggerManual,
			Source:  "scheduler",
			Message: "Waiting for available resources",
		})
		return
	}

	vm.NodeID = node.ID
	if err := s.gw.SaveVm(vm); err != nil {
		log.Errorf("failed to persist vm placement", err)
		return
	}

	if !s.vms.Transition(vm.ID, types.VmStatusProvisioning, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerManual,
		Source:  "scheduler",
	}) {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"vm_id":        vm.ID,
		"name":         vm.Name,
		"vcpus":        vm.Spec.VCpus,
		"memory_bytes": vm.Spec.MemoryBytes,
		"disk_bytes":   vm.Spec.DiskBytes,
		"template_id":  vm.Spec.TemplateID,
	})
	s.deliverer.Deliver(node, &types.NodeCommand{
		ID:          uuid.New().String(),
		NodeID:      node.ID,
		Type:        types.CommandCreateVm,
		PayloadJSON: string(payload),
		CreatedAt:   time.Now(),
	})

	metrics.VmsScheduled.Inc()
	timer.ObserveDuration(metrics.SchedulingLatency)
	logger.Info().
		Str("vm_id", vm.ID).
		Str("node_id", node.ID).
		Str("tier", string(vm.Spec.Tier)).
		Msg("vm scheduled")
}

// selectNode runs the feasibility filter and scoring over all nodes and
// returns the winner. Ties break on node id so placement is deterministic.
func (s *Scheduler) selectNode(vm *types.VirtualMachine) (*types.Node, error) {
	var candidates []*types.Node
	for _, node := range s.gw.ListNodes() {
		if s.feasible(node, vm) {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no feasible node for vm %s", vm.ID)
	}

	type scored struct {
		node  *types.Node
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, node := range candidates {
		ranked = append(ranked, scored{node, s.score(node, vm)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].node.ID < ranked[j].node.ID
	})
	return ranked[0].node, nil
}

// feasible applies the hard constraints a node must pass before scoring
func (s *Scheduler) feasible(node *types.Node, vm *types.VirtualMachine) bool {
	if node.Status != types.NodeStatusOnline {
		return false
	}
	if node.Resources == nil || node.Evaluation == nil {
		return false
	}
	if !tierEligible(node.Evaluation.EligibleTiers, vm.Spec.Tier) {
		return false
	}
	if !s.calc.Fits(node.Resources, vm.Spec) {
		return false
	}
	if s.calc.ProjectedUtilization(node.Resources, vm.Spec) > s.cfg.MaxUtilizationPercent {
		return false
	}
	freeAfter := node.Resources.AvailableMemoryBytes() - vm.Spec.MemoryBytes
	if freeAfter < s.cfg.MinFreeMemoryMb*1024*1024 {
		return false
	}
	if vm.Spec.GPURequired && !hasGPU(node, vm.Spec.GPUModel) {
		return false
	}
	return true
}

// score computes the weighted placement score in [0,1]
func (s *Scheduler) score(node *types.Node, vm *types.VirtualMachine) float64 {
	w := s.cfg.Weights

	capScore := s.calc.RemainingFraction(node.Resources, vm.Spec)
	repScore := reputation(node)
	locScore := locality(node, vm)

	return w.Capacity*capScore + w.Load*loadScore(node) + w.Reputation*repScore + w.Locality*locScore
}

// loadScore is 1 minus the node's load average normalized by core count.
// Nodes that never reported metrics score zero.
func loadScore(node *types.Node) float64 {
	if node.Metrics == nil || node.Hardware == nil || node.Hardware.PhysicalCores <= 0 {
		return 0
	}
	norm := node.Metrics.LoadAverage / float64(node.Hardware.PhysicalCores)
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	return 1 - norm
}

// reputation blends completion ratio and reported uptime. New nodes with no
// history start at a neutral 0.5.
func reputation(node *types.Node) float64 {
	if node.TotalVmsHosted == 0 {
		return 0.5
	}
	completion := float64(node.SuccessfulVmCompletions) / float64(node.TotalVmsHosted)
	if completion > 1 {
		completion = 1
	}
	uptime := node.UptimePercent / 100
	if uptime <= 0 {
		return completion
	}
	return (completion + uptime) / 2
}

// locality scores region affinity against the requested placement labels
func locality(node *types.Node, vm *types.VirtualMachine) float64 {
	region := vm.Labels["region"]
	if region == "" {
		return 1.0 // no preference, every node is local enough
	}
	if node.Region != region {
		return 0
	}
	zone := vm.Labels["zone"]
	if zone == "" || node.Zone == zone {
		return 1.0
	}
	return 0.5
}

func tierEligible(tiers []types.QualityTier, want types.QualityTier) bool {
	for _, t := range tiers {
		if t == want {
			return true
		}
	}
	return false
}

func hasGPU(node *types.Node, model string) bool {
	if node.Hardware == nil {
		return false
	}
	for _, gpu := range node.Hardware.GPUs {
		if gpu.Count <= 0 {
			continue
		}
		if model == "" || gpu.Model == model {
			return true
		}
	}
	return false
}
