package lifecycle

import (
	"sync"
	"time"

	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

// Trigger identifies what caused a transition
type Trigger string

const (
	TriggerCommandAck    Trigger = "command_ack"
	TriggerCommandFailed Trigger = "command_failed"
	TriggerHeartbeat     Trigger = "heartbeat"
	TriggerManual        Trigger = "manual"
	TriggerTimeout       Trigger = "timeout"
	TriggerNodeOffline   Trigger = "node_offline"
)

// TransitionContext carries the trigger and source metadata for a transition
type TransitionContext struct {
	Trigger Trigger
	Source  string // command id, node id, or operator
	Message string
}

// legalTransitions maps each status to its allowed destinations
var legalTransitions = map[types.VmStatus][]types.VmStatus{
	types.VmStatusPending:      {types.VmStatusScheduling, types.VmStatusProvisioning, types.VmStatusError, types.VmStatusDeleting},
	types.VmStatusScheduling:   {types.VmStatusProvisioning, types.VmStatusPending, types.VmStatusError, types.VmStatusDeleting},
	types.VmStatusProvisioning: {types.VmStatusRunning, types.VmStatusError, types.VmStatusDeleting},
	types.VmStatusRunning:      {types.VmStatusStopping, types.VmStatusError, types.VmStatusDeleting},
	types.VmStatusStopping:     {types.VmStatusStopped, types.VmStatusRunning, types.VmStatusError, types.VmStatusDeleting},
	types.VmStatusStopped:      {types.VmStatusProvisioning, types.VmStatusRunning, types.VmStatusDeleting, types.VmStatusError},
	types.VmStatusError:        {types.VmStatusProvisioning, types.VmStatusRunning, types.VmStatusStopped, types.VmStatusDeleting, types.VmStatusError},
	types.VmStatusDeleting:     {types.VmStatusDeleted, types.VmStatusError},
	types.VmStatusDeleted:      {},
}

// IsLegal reports whether from -> to is a legal lifecycle move
func IsLegal(from, to types.VmStatus) bool {
	for _, dest := range legalTransitions[from] {
		if dest == to {
			return true
		}
	}
	return false
}

// IngressHooks is the slice of the central ingress the lifecycle manager
// drives. Kept as an interface so ingress can depend on the gateway without
// a package cycle.
type IngressHooks interface {
	OnVmStarted(vm *types.VirtualMachine) error
	OnVmStopped(vmID string) error
	OnVmDeleted(vmID string) error
}

// Manager is the sole authority over VirtualMachine.Status. All transitions
// go through Transition; everything else in the system treats VM status as
// read-only.
type Manager struct {
	gw      *gateway.Gateway
	broker  *events.Broker
	ingress IngressHooks
	ports   *PortAllocator

	// Load-then-save races are prevented by a process-wide transition
	// lock. Transitions are cheap; side effects run outside it.
	mu sync.Mutex
}

// NewManager creates the lifecycle manager
func NewManager(gw *gateway.Gateway, broker *events.Broker, ingress IngressHooks, ports *PortAllocator) *Manager {
	return &Manager{
		gw:      gw,
		broker:  broker,
		ingress: ingress,
		ports:   ports,
	}
}

// Transition moves the VM to newStatus if the move is legal. Returns true
// when the status was changed (or was already newStatus). Side effects are
// dispatched after the write and never roll the transition back.
func (m *Manager) Transition(vmID string, newStatus types.VmStatus, tctx TransitionContext) bool {
	logger := log.WithComponent("lifecycle")

	m.mu.Lock()
	vm, err := m.gw.GetVm(vmID)
	if err != nil {
		m.mu.Unlock()
		logger.Warn().Str("vm_id", vmID).Msg("transition requested for unknown vm")
		return false
	}

	oldStatus := vm.Status
	if oldStatus == newStatus {
		m.mu.Unlock()
		return true
	}

	if !IsLegal(oldStatus, newStatus) {
		m.mu.Unlock()
		metrics.VmTransitionsRejected.Inc()
		logger.Warn().
			Str("vm_id", vmID).
			Str("from", string(oldStatus)).
			Str("to", string(newStatus)).
			Str("trigger", string(tctx.Trigger)).
			Msg("illegal transition refused")
		return false
	}

	now := time.Now()
	vm.Status = newStatus
	vm.StatusMessage = tctx.Message
	vm.UpdatedAt = now

	switch newStatus {
	case types.VmStatusRunning:
		vm.PowerState = types.PowerStateOn
		vm.StartedAt = now
	case types.VmStatusStopped, types.VmStatusError, types.VmStatusDeleted:
		vm.PowerState = types.PowerStateOff
		if newStatus == types.VmStatusStopped {
			vm.StoppedAt = now
		}
	}

	if err := m.gw.SaveVm(vm); err != nil {
		m.mu.Unlock()
		logger.Error().Err(err).Str("vm_id", vmID).Msg("failed to persist transition")
		return false
	}
	m.mu.Unlock()

	metrics.VmTransitionsTotal.WithLabelValues(string(oldStatus), string(newStatus)).Inc()
	logger.Info().
		Str("vm_id", vmID).
		Str("from", string(oldStatus)).
		Str("to", string(newStatus)).
		Str("trigger", string(tctx.Trigger)).
		Msg("vm transitioned")

	m.dispatchSideEffects(vm, oldStatus, newStatus)

	m.broker.Publish(&events.Event{
		Type:   events.EventVmLifecycle,
		VmID:   vm.ID,
		NodeID: vm.NodeID,
		Metadata: map[string]string{
			"from":    string(oldStatus),
			"to":      string(newStatus),
			"trigger": string(tctx.Trigger),
			"source":  tctx.Source,
		},
		Message: tctx.Message,
	})

	if newStatus == types.VmStatusError {
		m.broker.Publish(&events.Event{
			Type:    events.EventVmError,
			VmID:    vm.ID,
			NodeID:  vm.NodeID,
			Message: tctx.Message,
		})
	}
	if oldStatus == types.VmStatusRunning && newStatus != types.VmStatusRunning {
		// Metering consumes this to bill the final interval
		m.broker.Publish(&events.Event{
			Type: events.EventVmStop,
			VmID: vm.ID,
		})
	}

	return true
}
