package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

// HeartbeatRequest is the periodic node report
type HeartbeatRequest struct {
	Vms     []*types.ReportedVm `json:"vms"`
	Metrics *types.NodeMetrics  `json:"metrics"`
}

// HeartbeatResponse carries back queued commands and operator notices
type HeartbeatResponse struct {
	Commands []*types.NodeCommand `json:"commands"`
	Warning  string               `json:"warning,omitempty"`
}

// Heartbeat processes a node report: refreshes liveness, reconciles the
// node's VM set against the orchestrator's records, and drains the node's
// pending command queue into the response.
func (r *Registry) Heartbeat(nodeID string, req *HeartbeatRequest, tokenWarning string) (*HeartbeatResponse, error) {
	logger := log.WithComponent("registry")

	node, err := r.gw.GetNode(nodeID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	wasOffline := node.Status != types.NodeStatusOnline
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = now
	node.UpdatedAt = now
	if req.Metrics != nil {
		node.Metrics = req.Metrics
	}

	// A heartbeat proves the node is reachable again
	if !node.PushEnabled {
		logger.Info().Str("node_id", nodeID).Msg("re-enabling command push after heartbeat")
		node.PushEnabled = true
		node.ConsecutivePushFailures = 0
	}

	if err := r.gw.SaveNode(node); err != nil {
		return nil, err
	}

	if wasOffline {
		r.broker.Publish(&events.Event{
			Type:   events.EventNodeOnline,
			NodeID: nodeID,
		})
	}

	r.reconcileVms(node, req.Vms)

	return &HeartbeatResponse{
		Commands: r.gw.GetAndClearPendingCommands(nodeID),
		Warning:  tokenWarning,
	}, nil
}

// reconcileVms drives VM state toward what the node actually reports.
// The node is the source of truth for runtime state; the orchestrator is
// the source of truth for intent.
func (r *Registry) reconcileVms(node *types.Node, reported []*types.ReportedVm) {
	logger := log.WithComponent("registry")

	seen := make(map[string]bool, len(reported))
	for _, rv := range reported {
		seen[rv.VmID] = true

		vm, err := r.gw.GetVm(rv.VmID)
		if err != nil {
			r.recoverOrphan(node, rv)
			continue
		}

		if vm.NodeID != node.ID {
			logger.Warn().
				Str("vm_id", rv.VmID).
				Str("reported_by", node.ID).
				Str("assigned_to", vm.NodeID).
				Msg("vm reported by a node it is not assigned to")
			r.broker.Publish(&events.Event{
				Type:    events.EventSecurityViolation,
				VmID:    rv.VmID,
				NodeID:  node.ID,
				Message: "VM reported by unassigned node",
			})
			continue
		}

		if rv.PrivateIP != "" && (vm.Network == nil || vm.Network.PrivateIP != rv.PrivateIP) {
			if vm.Network == nil {
				vm.Network = &types.NetworkConfig{}
			}
			vm.Network.PrivateIP = rv.PrivateIP
			if err := r.gw.SaveVm(vm); err != nil {
				log.Errorf("failed to record vm private ip", err)
			}
		}

		if vm.Attestation == nil ||
			vm.Attestation.Verified != rv.AttestationVerified ||
			vm.Attestation.BillingPaused != rv.BillingPaused {
			vm.Attestation = &types.AttestationInfo{
				Verified:      rv.AttestationVerified,
				BillingPaused: rv.BillingPaused,
				CheckedAt:     time.Now(),
			}
			if err := r.gw.SaveVm(vm); err != nil {
				log.Errorf("failed to record vm attestation", err)
			}
		}

		if vm.Status == types.VmStatusProvisioning && rv.State == types.VmStatusRunning {
			r.vms.Transition(vm.ID, types.VmStatusRunning, lifecycle.TransitionContext{
				Trigger: lifecycle.TriggerHeartbeat,
				Source:  node.ID,
			})
		}
		if vm.Status == types.VmStatusStopping && rv.State == types.VmStatusStopped {
			r.vms.Transition(vm.ID, types.VmStatusStopped, lifecycle.TransitionContext{
				Trigger: lifecycle.TriggerHeartbeat,
				Source:  node.ID,
			})
		}
	}

	// VMs we expect on this node but the node did not report. Running and
	// Provisioning are the states where the node must know about the VM.
	for _, vm := range r.gw.ListVmsByNode(node.ID) {
		if seen[vm.ID] {
			continue
		}
		if vm.Status != types.VmStatusRunning && vm.Status != types.VmStatusProvisioning {
			continue
		}
		r.vms.Transition(vm.ID, types.VmStatusError, lifecycle.TransitionContext{
			Trigger: lifecycle.TriggerHeartbeat,
			Source:  node.ID,
			Message: "VM missing from node",
		})
	}
}

// recoverOrphan re-adopts a VM the node reports but the orchestrator has no
// record of, typically after a control-plane restore from an older backup.
// Every claim in the report is validated before adoption.
func (r *Registry) recoverOrphan(node *types.Node, rv *types.ReportedVm) {
	logger := log.WithComponent("registry")

	reject := func(reason string) {
		logger.Warn().
			Str("vm_id", rv.VmID).
			Str("node_id", node.ID).
			Str("reason", reason).
			Msg("orphan vm rejected")
		r.broker.Publish(&events.Event{
			Type:    events.EventSecurityViolation,
			VmID:    rv.VmID,
			NodeID:  node.ID,
			Message: "Orphan VM rejected: " + reason,
		})
	}

	if _, err := uuid.Parse(rv.VmID); err != nil {
		reject("vm id is not a valid uuid")
		return
	}
	if rv.State == types.VmStatusError || rv.State == types.VmStatusDeleted {
		reject("reported state not recoverable")
		return
	}
	if rv.TenantID != "" {
		user, err := r.gw.GetUser(rv.TenantID)
		if err != nil {
			reject("unknown tenant")
			return
		}
		if user.Suspended {
			reject("tenant suspended")
			return
		}
	}
	if node.Resources != nil {
		if rv.MemoryBytes > node.Resources.TotalMemoryBytes {
			reject("claimed memory exceeds node capacity")
			return
		}
	}
	if node.Hardware != nil && node.Hardware.PhysicalCores > 0 {
		// Most aggressive tier overcommit; no single VM legitimately exceeds it
		if rv.VCpus > node.Hardware.PhysicalCores*5 {
			reject("claimed vcpus exceed node capacity")
			return
		}
	}

	now := time.Now()
	vm := &types.VirtualMachine{
		ID:      rv.VmID,
		Name:    "recovered-" + rv.VmID[:8],
		OwnerID: rv.TenantID,
		NodeID:  node.ID,
		Type:    types.VmTypeGeneral,
		Spec: &types.VmSpec{
			VCpus:       rv.VCpus,
			MemoryBytes: rv.MemoryBytes,
			Tier:        types.TierBalanced,
		},
		Status:     rv.State,
		PowerState: types.PowerStateOff,
		Network:    &types.NetworkConfig{PrivateIP: rv.PrivateIP},
		Labels:     map[string]string{"recovered": "true"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rv.State == types.VmStatusRunning {
		vm.PowerState = types.PowerStateOn
		vm.StartedAt = now
	}

	if err := r.gw.SaveVm(vm); err != nil {
		log.Errorf("failed to persist recovered vm", err)
		return
	}

	logger.Info().
		Str("vm_id", vm.ID).
		Str("node_id", node.ID).
		Str("state", string(rv.State)).
		Msg("orphan vm recovered")

	r.broker.Publish(&events.Event{
		Type:   events.EventVmRecovered,
		VmID:   vm.ID,
		NodeID: node.ID,
	})
}
