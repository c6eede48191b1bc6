package scheduler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloudhq/decloud/pkg/capacity"
	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/delivery"
	"github.com/decloudhq/decloud/pkg/evaluator"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/types"
)

type noopHooks struct{}

func (noopHooks) OnVmStarted(*types.VirtualMachine) error { return nil }
func (noopHooks) OnVmStopped(string) error                { return nil }
func (noopHooks) OnVmDeleted(string) error                { return nil }

func newTestScheduler(t *testing.T) (*Scheduler, *gateway.Gateway) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw, err := gateway.New(store)
	require.NoError(t, err)

	cfg := config.Default()
	eval := evaluator.New(&cfg.Scheduler)
	calc := capacity.New(&cfg.Scheduler, eval)
	vms := lifecycle.NewManager(gw, events.NewBroker(nil), noopHooks{}, lifecycle.NewPortAllocator())
	deliverer := delivery.New(&cfg.Delivery, gw, vms)
	return New(&cfg.Scheduler, gw, calc, deliverer, vms), gw
}

// feasibleNode builds an online node with ample capacity for small VMs.
// Push stays disabled so shipped commands remain visible in the queue.
func feasibleNode(id string) *types.Node {
	return &types.Node{
		ID:     id,
		Status: types.NodeStatusOnline,
		Resources: &types.NodeResources{
			TotalComputePoints: 36,
			TotalMemoryBytes:   32 << 30,
			TotalStorageBytes:  1 << 40,
		},
		Evaluation: &types.PerformanceEvaluation{
			PointsPerCore: 1.5,
			EligibleTiers: []types.QualityTier{types.TierStandard, types.TierBalanced, types.TierBurstable},
		},
	}
}

func pendingVm(id string) *types.VirtualMachine {
	return &types.VirtualMachine{
		ID:      id,
		Name:    "vm-" + id,
		OwnerID: "user-1",
		Type:    types.VmTypeGeneral,
		Status:  types.VmStatusPending,
		Spec: &types.VmSpec{
			VCpus:            2,
			MemoryBytes:      2 << 30,
			DiskBytes:        20 << 30,
			Tier:             types.TierBalanced,
			ComputePointCost: 3,
		},
	}
}

// TestSchedulePlacesVm covers the happy path end to end: selection,
// reservation and command delivery.
func TestSchedulePlacesVm(t *testing.T) {
	s, gw := newTestScheduler(t)

	node := feasibleNode("node-1")
	require.NoError(t, gw.SaveNode(node))
	vm := pendingVm("vm-1")
	require.NoError(t, gw.SaveVm(vm))

	s.Schedule(vm)

	placed, err := gw.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmStatusProvisioning, placed.Status)
	assert.Equal(t, "node-1", placed.NodeID)

	saved, err := gw.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.Resources.ReservedComputePoints)
	assert.Equal(t, int64(2<<30), saved.Resources.ReservedMemoryBytes)
	assert.Equal(t, int64(20<<30), saved.Resources.ReservedStorageBytes)
	assert.Equal(t, 1, saved.TotalVmsHosted)

	cmds := gw.PendingCommands("node-1")
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CommandCreateVm, cmds[0].Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(cmds[0].PayloadJSON), &payload))
	assert.Equal(t, "vm-1", payload["vm_id"])
}

func TestScheduleNoFeasibleNode(t *testing.T) {
	s, gw := newTestScheduler(t)

	vm := pendingVm("vm-1")
	require.NoError(t, gw.SaveVm(vm))

	s.Schedule(vm)

	parked, err := gw.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmStatusPending, parked.Status)
	assert.Empty(t, parked.NodeID)
}

// TestSweepRetriesPendingVms verifies a parked VM places once capacity shows up
func TestSweepRetriesPendingVms(t *testing.T) {
	s, gw := newTestScheduler(t)

	vm := pendingVm("vm-1")
	require.NoError(t, gw.SaveVm(vm))
	s.Schedule(vm)

	require.NoError(t, gw.SaveNode(feasibleNode("node-1")))
	s.sweep()

	placed, err := gw.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmStatusProvisioning, placed.Status)
	assert.Equal(t, "node-1", placed.NodeID)
}

// TestFeasibility walks the hard constraints one by one
func TestFeasibility(t *testing.T) {
	s, _ := newTestScheduler(t)

	tests := []struct {
		name     string
		mut      func(n *types.Node, vm *types.VirtualMachine)
		feasible bool
	}{
		{"healthy node passes", func(n *types.Node, vm *types.VirtualMachine) {}, true},
		{"offline node", func(n *types.Node, vm *types.VirtualMachine) {
			n.Status = types.NodeStatusOffline
		}, false},
		{"ungraded node", func(n *types.Node, vm *types.VirtualMachine) {
			n.Evaluation = nil
		}, false},
		{"tier above the node's grade", func(n *types.Node, vm *types.VirtualMachine) {
			vm.Spec.Tier = types.TierGuaranteed
		}, false},
		{"memory exhausted", func(n *types.Node, vm *types.VirtualMachine) {
			n.Resources.ReservedMemoryBytes = n.Resources.TotalMemoryBytes - 1<<30
		}, false},
		{"free memory floor after placement", func(n *types.Node, vm *types.VirtualMachine) {
			n.Resources.TotalMemoryBytes = vm.Spec.MemoryBytes + 256<<20
		}, false},
		{"gpu required but absent", func(n *types.Node, vm *types.VirtualMachine) {
			vm.Spec.GPURequired = true
		}, false},
		{"gpu present", func(n *types.Node, vm *types.VirtualMachine) {
			vm.Spec.GPURequired = true
			n.Hardware = &types.HardwareInventory{GPUs: []*types.GPUInfo{{Model: "rtx4090", Count: 1}}}
		}, true},
		{"wrong gpu model", func(n *types.Node, vm *types.VirtualMachine) {
			vm.Spec.GPURequired = true
			vm.Spec.GPUModel = "h100"
			n.Hardware = &types.HardwareInventory{GPUs: []*types.GPUInfo{{Model: "rtx4090", Count: 1}}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := feasibleNode("node-1")
			vm := pendingVm("vm-1")
			tt.mut(node, vm)
			assert.Equal(t, tt.feasible, s.feasible(node, vm))
		})
	}
}

// TestSelectNodePrefersSpareCapacity verifies scoring favors the emptier of
// two otherwise identical nodes.
func TestSelectNodePrefersSpareCapacity(t *testing.T) {
	s, gw := newTestScheduler(t)

	empty := feasibleNode("empty")
	busy := feasibleNode("busy")
	busy.Resources.ReservedComputePoints = 24
	busy.Resources.ReservedMemoryBytes = 20 << 30
	busy.Resources.ReservedStorageBytes = 1 << 39
	require.NoError(t, gw.SaveNode(empty))
	require.NoError(t, gw.SaveNode(busy))

	chosen, err := s.selectNode(pendingVm("vm-1"))
	require.NoError(t, err)
	assert.Equal(t, "empty", chosen.ID)
}

func TestSelectNodeTieBreaksOnID(t *testing.T) {
	s, gw := newTestScheduler(t)

	require.NoError(t, gw.SaveNode(feasibleNode("bravo")))
	require.NoError(t, gw.SaveNode(feasibleNode("alpha")))

	chosen, err := s.selectNode(pendingVm("vm-1"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", chosen.ID)
}

// TestLoadScore checks the reported-load term of the placement score
func TestLoadScore(t *testing.T) {
	cores := &types.HardwareInventory{PhysicalCores: 8}

	tests := []struct {
		name     string
		node     *types.Node
		expected float64
	}{
		{"no metrics reported", &types.Node{Hardware: cores}, 0},
		{"no hardware inventory", &types.Node{Metrics: &types.NodeMetrics{LoadAverage: 1}}, 0},
		{"idle node", &types.Node{Hardware: cores, Metrics: &types.NodeMetrics{LoadAverage: 0.8}}, 0.9},
		{"saturated node", &types.Node{Hardware: cores, Metrics: &types.NodeMetrics{LoadAverage: 8}}, 0},
		{"overloaded clamps at zero", &types.Node{Hardware: cores, Metrics: &types.NodeMetrics{LoadAverage: 20}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, loadScore(tt.node), 0.0001)
		})
	}
}

// TestSelectNodePrefersIdleNode verifies live load average splits otherwise
// identical nodes.
func TestSelectNodePrefersIdleNode(t *testing.T) {
	s, gw := newTestScheduler(t)

	idle := feasibleNode("idle")
	idle.Hardware = &types.HardwareInventory{PhysicalCores: 8}
	idle.Metrics = &types.NodeMetrics{LoadAverage: 0.4}
	loaded := feasibleNode("loaded")
	loaded.Hardware = &types.HardwareInventory{PhysicalCores: 8}
	loaded.Metrics = &types.NodeMetrics{LoadAverage: 7.2}
	require.NoError(t, gw.SaveNode(idle))
	require.NoError(t, gw.SaveNode(loaded))

	chosen, err := s.selectNode(pendingVm("vm-1"))
	require.NoError(t, err)
	assert.Equal(t, "idle", chosen.ID)
}

// TestReputation checks the blend of completions and uptime
func TestReputation(t *testing.T) {
	tests := []struct {
		name     string
		node     *types.Node
		expected float64
	}{
		{"new node is neutral", &types.Node{}, 0.5},
		{"perfect record with uptime", &types.Node{
			TotalVmsHosted: 10, SuccessfulVmCompletions: 10, UptimePercent: 100,
		}, 1.0},
		{"half completions no uptime data", &types.Node{
			TotalVmsHosted: 10, SuccessfulVmCompletions: 5,
		}, 0.5},
		{"completion capped at one", &types.Node{
			TotalVmsHosted: 2, SuccessfulVmCompletions: 5,
		}, 1.0},
		{"blend of both", &types.Node{
			TotalVmsHosted: 10, SuccessfulVmCompletions: 8, UptimePercent: 60,
		}, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, reputation(tt.node), 0.0001)
		})
	}
}

// TestLocality checks region and zone affinity scoring
func TestLocality(t *testing.T) {
	node := &types.Node{Region: "eu-west", Zone: "a"}

	tests := []struct {
		name     string
		labels   map[string]string
		expected float64
	}{
		{"no preference", nil, 1.0},
		{"region match", map[string]string{"region": "eu-west"}, 1.0},
		{"region mismatch", map[string]string{"region": "us-east"}, 0},
		{"region and zone match", map[string]string{"region": "eu-west", "zone": "a"}, 1.0},
		{"zone mismatch within region", map[string]string{"region": "eu-west", "zone": "b"}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := &types.VirtualMachine{Labels: tt.labels}
			assert.Equal(t, tt.expected, locality(node, vm))
		})
	}
}
