package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/types"
)

type recordingHooks struct {
	mu      sync.Mutex
	started []string
	stopped []string
	deleted []string
}

func (h *recordingHooks) OnVmStarted(vm *types.VirtualMachine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, vm.ID)
	return nil
}

func (h *recordingHooks) OnVmStopped(vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, vmID)
	return nil
}

func (h *recordingHooks) OnVmDeleted(vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, vmID)
	return nil
}

func (h *recordingHooks) startedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started)
}

func newTestManager(t *testing.T) (*Manager, *gateway.Gateway, *recordingHooks) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw, err := gateway.New(store)
	require.NoError(t, err)

	hooks := &recordingHooks{}
	return NewManager(gw, events.NewBroker(nil), hooks, NewPortAllocator()), gw, hooks
}

// TestIsLegal walks representative edges of the transition graph
func TestIsLegal(t *testing.T) {
	tests := []struct {
		name  string
		from  types.VmStatus
		to    types.VmStatus
		legal bool
	}{
		{"pending to scheduling", types.VmStatusPending, types.VmStatusScheduling, true},
		{"pending to running skips provisioning", types.VmStatusPending, types.VmStatusRunning, false},
		{"scheduling back to pending", types.VmStatusScheduling, types.VmStatusPending, true},
		{"provisioning to running", types.VmStatusProvisioning, types.VmStatusRunning, true},
		{"running to stopping", types.VmStatusRunning, types.VmStatusStopping, true},
		{"running to stopped directly", types.VmStatusRunning, types.VmStatusStopped, false},
		{"stopping back to running on failed stop", types.VmStatusStopping, types.VmStatusRunning, true},
		{"stopped restart", types.VmStatusStopped, types.VmStatusProvisioning, true},
		{"error recovery to running", types.VmStatusError, types.VmStatusRunning, true},
		{"deleting to deleted", types.VmStatusDeleting, types.VmStatusDeleted, true},
		{"deleted is terminal", types.VmStatusDeleted, types.VmStatusProvisioning, false},
		{"anything can be deleted", types.VmStatusRunning, types.VmStatusDeleting, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, IsLegal(tt.from, tt.to))
		})
	}
}

func TestTransitionRejectsIllegal(t *testing.T) {
	m, gw, _ := newTestManager(t)

	vm := &types.VirtualMachine{ID: "vm-1", Status: types.VmStatusPending}
	require.NoError(t, gw.SaveVm(vm))

	ok := m.Transition("vm-1", types.VmStatusRunning, TransitionContext{Trigger: TriggerManual})
	assert.False(t, ok)

	got, err := gw.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmStatusPending, got.Status, "status must not change on refusal")
}

func TestTransitionUnknownVm(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.False(t, m.Transition("no-such-vm", types.VmStatusRunning, TransitionContext{}))
}

func TestTransitionSameStatusIsNoop(t *testing.T) {
	m, gw, _ := newTestManager(t)

	vm := &types.VirtualMachine{ID: "vm-1", Status: types.VmStatusRunning}
	require.NoError(t, gw.SaveVm(vm))

	assert.True(t, m.Transition("vm-1", types.VmStatusRunning, TransitionContext{Trigger: TriggerHeartbeat}))
}

func TestTransitionPersistsAndStampsPowerState(t *testing.T) {
	m, gw, hooks := newTestManager(t)

	vm := &types.VirtualMachine{
		ID:      "vm-1",
		Status:  types.VmStatusProvisioning,
		Network: &types.NetworkConfig{PrivateIP: "192.168.64.10"},
	}
	require.NoError(t, gw.SaveVm(vm))

	ok := m.Transition("vm-1", types.VmStatusRunning, TransitionContext{
		Trigger: TriggerCommandAck,
		Source:  "cmd-1",
	})
	require.True(t, ok)

	got, err := gw.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmStatusRunning, got.Status)
	assert.Equal(t, types.PowerStateOn, got.PowerState)
	assert.False(t, got.StartedAt.IsZero())

	// Ingress registration runs asynchronously after the private IP is known
	assert.Eventually(t, func() bool { return hooks.startedCount() == 1 },
		2*time.Second, 20*time.Millisecond)
}

func TestTransitionToStoppedRunsIngressCleanup(t *testing.T) {
	m, gw, hooks := newTestManager(t)

	vm := &types.VirtualMachine{ID: "vm-1", Status: types.VmStatusStopping}
	require.NoError(t, gw.SaveVm(vm))

	require.True(t, m.Transition("vm-1", types.VmStatusStopped, TransitionContext{Trigger: TriggerCommandAck}))

	got, err := gw.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.PowerStateOff, got.PowerState)
	assert.False(t, got.StoppedAt.IsZero())
	assert.Equal(t, []string{"vm-1"}, hooks.stopped)
}

func TestDeletedReleasesNodeResourcesAndQuota(t *testing.T) {
	m, gw, hooks := newTestManager(t)

	node := &types.Node{
		ID: "node-1",
		Resources: &types.NodeResources{
			TotalComputePoints:    10,
			TotalMemoryBytes:      8 << 30,
			TotalStorageBytes:     100 << 30,
			ReservedComputePoints: 2,
			ReservedMemoryBytes:   2 << 30,
			ReservedStorageBytes:  10 << 30,
		},
		TotalVmsHosted: 1,
	}
	require.NoError(t, gw.SaveNode(node))

	user := &types.User{ID: "0xAbC", UsedVms: 1, QuotaVms: 5}
	require.NoError(t, gw.SaveUser(user))

	vm := &types.VirtualMachine{
		ID:      "vm-1",
		OwnerID: "0xAbC",
		NodeID:  "node-1",
		Status:  types.VmStatusDeleting,
		Spec: &types.VmSpec{
			ComputePointCost: 2,
			MemoryBytes:      2 << 30,
			DiskBytes:        10 << 30,
		},
	}
	require.NoError(t, gw.SaveVm(vm))

	require.True(t, m.Transition("vm-1", types.VmStatusDeleted, TransitionContext{Trigger: TriggerCommandAck}))

	gotNode, err := gw.GetNode("node-1")
	require.NoError(t, err)
	assert.Zero(t, gotNode.Resources.ReservedComputePoints)
	assert.Zero(t, gotNode.Resources.ReservedMemoryBytes)
	assert.Zero(t, gotNode.Resources.ReservedStorageBytes)
	assert.Equal(t, 1, gotNode.SuccessfulVmCompletions)

	gotUser, err := gw.GetUser("0xAbC")
	require.NoError(t, err)
	assert.Zero(t, gotUser.UsedVms)

	assert.Equal(t, []string{"vm-1"}, hooks.deleted)
}

func TestPortAllocator(t *testing.T) {
	t.Run("allocates distinct ports per node", func(t *testing.T) {
		p := NewPortAllocator()

		first, err := p.Allocate("node-1", "vm-1", 5432, "tcp")
		require.NoError(t, err)
		second, err := p.Allocate("node-1", "vm-2", 5432, "tcp")
		require.NoError(t, err)

		assert.Equal(t, portRangeStart, first.HostPort)
		assert.NotEqual(t, first.HostPort, second.HostPort)
		assert.Equal(t, 5432, first.GuestPort)
		assert.Equal(t, "tcp", first.Protocol)
	})

	t.Run("same port is free on a different node", func(t *testing.T) {
		p := NewPortAllocator()

		a, err := p.Allocate("node-1", "vm-1", 6379, "tcp")
		require.NoError(t, err)
		b, err := p.Allocate("node-2", "vm-2", 6379, "tcp")
		require.NoError(t, err)
		assert.Equal(t, a.HostPort, b.HostPort)
	})

	t.Run("release frees all of a vm's ports", func(t *testing.T) {
		p := NewPortAllocator()

		_, err := p.Allocate("node-1", "vm-1", 5432, "tcp")
		require.NoError(t, err)
		_, err = p.Allocate("node-1", "vm-1", 6379, "tcp")
		require.NoError(t, err)
		_, err = p.Allocate("node-1", "vm-2", 9000, "udp")
		require.NoError(t, err)

		assert.Equal(t, 2, p.ReleaseVm("node-1", "vm-1"))

		// Freed ports are handed out again from the range start
		next, err := p.Allocate("node-1", "vm-3", 8080, "tcp")
		require.NoError(t, err)
		assert.Equal(t, portRangeStart, next.HostPort)
	})

	t.Run("restore reserves a port without allocating", func(t *testing.T) {
		p := NewPortAllocator()
		p.Restore("node-1", "vm-1", portRangeStart)

		next, err := p.Allocate("node-1", "vm-2", 80, "tcp")
		require.NoError(t, err)
		assert.Equal(t, portRangeStart+1, next.HostPort)
	})
}
