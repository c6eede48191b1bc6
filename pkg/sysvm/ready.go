package sysvm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/mesh"
	"github.com/decloudhq/decloud/pkg/types"
)

// ReadyHandler processes system-VM ready callbacks. Callbacks are signed
// with the obligation's auth token, so only the VM the orchestrator itself
// deployed can mark a role active.
type ReadyHandler struct {
	ctrl *Controller
	mesh *mesh.Manager
}

// NewReadyHandler creates the ready-callback handler
func NewReadyHandler(ctrl *Controller, meshMgr *mesh.Manager) *ReadyHandler {
	return &ReadyHandler{ctrl: ctrl, mesh: meshMgr}
}

// signPayload computes the hex HMAC-SHA256 a system VM presents
func signPayload(authToken, payload string) string {
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature checks a presented HMAC against the obligation secret
func ValidSignature(authToken, payload, presented string) bool {
	expected := signPayload(authToken, payload)
	return hmac.Equal([]byte(expected), []byte(presented))
}

// HandleDhtReady records a DHT VM's identity and activates the obligation.
// The signature covers "vmId:peerId".
func (h *ReadyHandler) HandleDhtReady(vmID, peerID, signature string) error {
	logger := log.WithComponent("sysvm")

	vm, err := h.ctrl.gw.GetVm(vmID)
	if err != nil {
		return fmt.Errorf("unknown dht vm: %s", vmID)
	}
	node, err := h.ctrl.gw.GetNode(vm.NodeID)
	if err != nil {
		return err
	}

	ob, ok := Obligation(node, types.RoleDht)
	if !ok || ob.VmID != vmID {
		return fmt.Errorf("vm %s is not the node's dht obligation", vmID)
	}
	if !ValidSignature(ob.AuthToken, vmID+":"+peerID, signature) {
		h.ctrl.broker.Publish(&events.Event{
			Type:    events.EventSecurityViolation,
			VmID:    vmID,
			NodeID:  node.ID,
			Message: "Invalid DHT ready signature",
		})
		return fmt.Errorf("invalid ready signature")
	}

	node.DhtInfo = &types.DhtInfo{
		VmID:        vmID,
		PeerID:      peerID,
		AdvertiseIP: advertiseIP(node),
		ReadyAt:     time.Now(),
	}
	ob.Status = types.ObligationActive
	ob.UpdatedAt = time.Now()
	if err := h.ctrl.gw.SaveNode(node); err != nil {
		return err
	}

	logger.Info().
		Str("node_id", node.ID).
		Str("vm_id", vmID).
		Str("peer_id", peerID).
		Msg("dht participant ready")
	return nil
}

// HandleRelayReady activates a relay obligation and marks the relay
// serviceable in the mesh. The signature covers "nodeId:relayVmId".
func (h *ReadyHandler) HandleRelayReady(nodeID, relayVmID, signature string) error {
	logger := log.WithComponent("sysvm")

	node, err := h.ctrl.gw.GetNode(nodeID)
	if err != nil {
		return err
	}

	ob, ok := Obligation(node, types.RoleRelay)
	if !ok || ob.VmID != relayVmID {
		return fmt.Errorf("vm %s is not the node's relay obligation", relayVmID)
	}
	if !ValidSignature(ob.AuthToken, nodeID+":"+relayVmID, signature) {
		h.ctrl.broker.Publish(&events.Event{
			Type:    events.EventSecurityViolation,
			VmID:    relayVmID,
			NodeID:  nodeID,
			Message: "Invalid relay ready signature",
		})
		return fmt.Errorf("invalid ready signature")
	}

	ob.Status = types.ObligationActive
	ob.UpdatedAt = time.Now()
	if err := h.ctrl.gw.SaveNode(node); err != nil {
		return err
	}

	if err := h.mesh.MarkRelayReady(nodeID); err != nil {
		return err
	}

	logger.Info().
		Str("node_id", nodeID).
		Str("vm_id", relayVmID).
		Msg("relay ready")
	return nil
}
