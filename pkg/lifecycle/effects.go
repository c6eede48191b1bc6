package lifecycle

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

const (
	privateIPPollTimeout  = 30 * time.Second
	privateIPPollInterval = 2 * time.Second
)

// dispatchSideEffects runs the effects keyed by (from, to). Each effect has
// its own error boundary: a failed effect is logged and replayed by the next
// reconcile tick, never rolled back into the status.
func (m *Manager) dispatchSideEffects(vm *types.VirtualMachine, from, to types.VmStatus) {
	switch {
	case to == types.VmStatusRunning:
		// The private-IP poll can take up to 30s; never block the caller
		// (often a heartbeat handler) on it.
		go m.onEnterRunning(vm.ID)

	case from == types.VmStatusRunning &&
		(to == types.VmStatusStopping || to == types.VmStatusError || to == types.VmStatusDeleting):
		m.runEffect(vm.ID, "ingress pause", func() error {
			return m.ingress.OnVmStopped(vm.ID)
		})

	case to == types.VmStatusStopped:
		m.runEffect(vm.ID, "ingress cleanup", func() error {
			return m.ingress.OnVmStopped(vm.ID)
		})
	}

	if to == types.VmStatusDeleted {
		m.onEnterDeleted(vm)
	}
}

func (m *Manager) runEffect(vmID, name string, fn func() error) {
	if err := fn(); err != nil {
		log.WithComponent("lifecycle").Error().
			Err(err).
			Str("vm_id", vmID).
			Str("effect", name).
			Msg("side effect failed")
	}
}

// onEnterRunning handles everything a freshly running VM needs to be
// reachable: wait for the node to report a private IP, register the ingress
// route, allocate direct-access ports, and settle any one-shot template fee.
func (m *Manager) onEnterRunning(vmID string) {
	logger := log.WithComponent("lifecycle")

	vm, ok := m.pollPrivateIP(vmID)
	if !ok {
		return
	}

	m.runEffect(vmID, "ingress register", func() error {
		return m.ingress.OnVmStarted(vm)
	})

	m.runEffect(vmID, "port allocation", func() error {
		return m.allocateDirectPorts(vm)
	})

	m.runEffect(vmID, "template fee", func() error {
		return m.settleTemplateFee(vm)
	})

	logger.Debug().Str("vm_id", vmID).Msg("running side effects complete")
}

// pollPrivateIP waits up to 30s for the heartbeat reconciler to fill in the
// VM's private IP. Bails out early if the VM leaves Running.
func (m *Manager) pollPrivateIP(vmID string) (*types.VirtualMachine, bool) {
	deadline := time.Now().Add(privateIPPollTimeout)
	for {
		vm, err := m.gw.GetVm(vmID)
		if err != nil {
			return nil, false
		}
		if vm.Status != types.VmStatusRunning {
			return nil, false
		}
		if vm.Network != nil && vm.Network.PrivateIP != "" {
			return vm, true
		}
		if time.Now().After(deadline) {
			log.WithComponent("lifecycle").Warn().
				Str("vm_id", vmID).
				Msg("vm running without private ip after poll window")
			return nil, false
		}
		time.Sleep(privateIPPollInterval)
	}
}

// allocateDirectPorts reserves host ports for the template's exposed
// non-HTTP ports. HTTP and WebSocket traffic rides the subdomain route.
func (m *Manager) allocateDirectPorts(vm *types.VirtualMachine) error {
	if vm.Spec == nil || vm.Spec.TemplateID == "" {
		return nil
	}

	template, err := m.gw.GetTemplate(vm.Spec.TemplateID)
	if err != nil {
		return fmt.Errorf("template lookup failed: %w", err)
	}

	if vm.Ingress == nil {
		vm.Ingress = &types.IngressConfig{}
	}

	existing := make(map[int]bool)
	for _, p := range vm.Ingress.DirectPorts {
		existing[p.GuestPort] = true
	}

	changed := false
	for _, tp := range template.ExposedPorts {
		if tp.Protocol == "http" || tp.Protocol == "ws" {
			continue
		}
		if existing[tp.Port] {
			continue
		}
		dp, err := m.ports.Allocate(vm.NodeID, vm.ID, tp.Port, tp.Protocol)
		if err != nil {
			return err
		}
		dp.Name = tp.Name
		vm.Ingress.DirectPorts = append(vm.Ingress.DirectPorts, dp)
		changed = true
	}

	if changed {
		return m.gw.SaveVm(vm)
	}
	return nil
}

// settleTemplateFee records the template's one-shot fee as a usage record.
// A label on the VM makes the effect idempotent across restarts.
func (m *Manager) settleTemplateFee(vm *types.VirtualMachine) error {
	if vm.Spec == nil || vm.Spec.TemplateID == "" {
		return nil
	}

	feeLabel := "template_fee_settled:" + vm.Spec.TemplateID
	if vm.Labels[feeLabel] == "true" {
		return nil
	}

	template, err := m.gw.GetTemplate(vm.Spec.TemplateID)
	if err != nil {
		return fmt.Errorf("template lookup failed: %w", err)
	}
	if template.OneShotFeeUsdc <= 0 {
		return nil
	}

	node, err := m.gw.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("node lookup failed: %w", err)
	}

	now := time.Now()
	record := &types.UsageRecord{
		ID:          uuid.New().String(),
		UserID:      vm.OwnerID,
		VmID:        vm.ID,
		NodeID:      vm.NodeID,
		UserWallet:  vm.OwnerID,
		NodeWallet:  node.WalletAddress,
		AmountUsdc:  template.OneShotFeeUsdc,
		PeriodStart: now,
		PeriodEnd:   now,
		CreatedAt:   now,
	}
	if err := m.gw.SaveUsageRecord(record); err != nil {
		return err
	}

	if vm.Labels == nil {
		vm.Labels = make(map[string]string)
	}
	vm.Labels[feeLabel] = "true"
	return m.gw.SaveVm(vm)
}

// onEnterDeleted tears down everything the VM held: ingress routes, direct
// ports, reserved node resources, and the owner's quota slot.
func (m *Manager) onEnterDeleted(vm *types.VirtualMachine) {
	m.runEffect(vm.ID, "ingress delete", func() error {
		return m.ingress.OnVmDeleted(vm.ID)
	})

	if vm.NodeID != "" {
		m.runEffect(vm.ID, "port release", func() error {
			m.ports.ReleaseVm(vm.NodeID, vm.ID)
			return nil
		})

		m.runEffect(vm.ID, "resource release", func() error {
			node, err := m.gw.GetNode(vm.NodeID)
			if err != nil {
				return err
			}
			if vm.Spec != nil && node.Resources != nil {
				node.Resources.ReservedComputePoints -= vm.Spec.ComputePointCost
				node.Resources.ReservedMemoryBytes -= vm.Spec.MemoryBytes
				node.Resources.ReservedStorageBytes -= vm.Spec.DiskBytes
				if node.Resources.ReservedComputePoints < 0 {
					node.Resources.ReservedComputePoints = 0
				}
				if node.Resources.ReservedMemoryBytes < 0 {
					node.Resources.ReservedMemoryBytes = 0
				}
				if node.Resources.ReservedStorageBytes < 0 {
					node.Resources.ReservedStorageBytes = 0
				}
			}
			node.SuccessfulVmCompletions++
			return m.gw.SaveNode(node)
		})
	}

	m.runEffect(vm.ID, "quota release", func() error {
		user, err := m.gw.GetUser(vm.OwnerID)
		if err != nil {
			// System VMs have no tenant owner
			return nil
		}
		if user.UsedVms > 0 {
			user.UsedVms--
		}
		return m.gw.SaveUser(user)
	})
}
