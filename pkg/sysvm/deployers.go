package sysvm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/cloudinit"
	"github.com/decloudhq/decloud/pkg/delivery"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/mesh"
	"github.com/decloudhq/decloud/pkg/types"
)

// DhtDeployer deploys the DHT participant VM every node must run
type DhtDeployer struct {
	gw        *gateway.Gateway
	renderer  *cloudinit.Renderer
	deliverer *delivery.Deliverer
}

// NewDhtDeployer creates the DHT role deployer
func NewDhtDeployer(gw *gateway.Gateway, renderer *cloudinit.Renderer, deliverer *delivery.Deliverer) *DhtDeployer {
	return &DhtDeployer{gw: gw, renderer: renderer, deliverer: deliverer}
}

func (d *DhtDeployer) Role() types.SystemVmRole { return types.RoleDht }
func (d *DhtDeployer) Enabled() bool            { return true }

// Deploy creates the DHT VM on the node and ships it the create command
func (d *DhtDeployer) Deploy(node *types.Node, ob *types.SystemVmObligation) error {
	vm := newSystemVm(node, types.VmTypeDht, "dht", &types.VmSpec{
		VCpus:       1,
		MemoryBytes: 1 << 30,
		DiskBytes:   10 << 30,
		Tier:        types.TierBalanced,
	})

	userData, err := d.renderer.Render(types.RoleDht, arch(node), &cloudinit.Params{
		VmID:           vm.ID,
		NodeID:         node.ID,
		Region:         node.Region,
		AdvertiseIP:    advertiseIP(node),
		BootstrapPeers: d.bootstrapPeers(node.ID),
		AuthToken:      ob.AuthToken,
	})
	if err != nil {
		return err
	}

	if err := d.gw.SaveVm(vm); err != nil {
		return err
	}
	ob.VmID = vm.ID

	deliverSystemVm(d.deliverer, node, vm, userData)
	log.WithComponent("sysvm").Info().
		Str("node_id", node.ID).
		Str("vm_id", vm.ID).
		Msg("dht vm deploying")
	return nil
}

// bootstrapPeers lists the multiaddrs of every active DHT participant,
// excluding the node being deployed.
func (d *DhtDeployer) bootstrapPeers(excludeNodeID string) []string {
	var peers []string
	for _, n := range d.gw.ListNodes() {
		if n.ID == excludeNodeID || n.Status != types.NodeStatusOnline {
			continue
		}
		if n.DhtInfo == nil || n.DhtInfo.PeerID == "" {
			continue
		}
		if ob, ok := Obligation(n, types.RoleDht); !ok || ob.Status != types.ObligationActive {
			continue
		}
		peers = append(peers, fmt.Sprintf("/ip4/%s/tcp/4001/p2p/%s", n.DhtInfo.AdvertiseIP, n.DhtInfo.PeerID))
	}
	return peers
}

// RelayDeployer deploys WireGuard relay VMs on eligible public nodes
type RelayDeployer struct {
	gw        *gateway.Gateway
	renderer  *cloudinit.Renderer
	mesh      *mesh.Manager
	deliverer *delivery.Deliverer
}

// NewRelayDeployer creates the relay role deployer
func NewRelayDeployer(gw *gateway.Gateway, renderer *cloudinit.Renderer, meshMgr *mesh.Manager, deliverer *delivery.Deliverer) *RelayDeployer {
	return &RelayDeployer{gw: gw, renderer: renderer, mesh: meshMgr, deliverer: deliverer}
}

func (r *RelayDeployer) Role() types.SystemVmRole { return types.RoleRelay }
func (r *RelayDeployer) Enabled() bool            { return true }

// Deploy provisions the relay's mesh identity, creates the relay VM and
// ships the create command.
func (r *RelayDeployer) Deploy(node *types.Node, ob *types.SystemVmObligation) error {
	vm := newSystemVm(node, types.VmTypeRelay, "relay", &types.VmSpec{
		VCpus:       1,
		MemoryBytes: 2 << 30,
		DiskBytes:   10 << 30,
		Tier:        types.TierBalanced,
	})

	info, err := r.mesh.ProvisionRelay(node, vm.ID)
	if err != nil {
		return err
	}

	userData, err := r.renderer.Render(types.RoleRelay, arch(node), &cloudinit.Params{
		VmID:                vm.ID,
		NodeID:              node.ID,
		Region:              node.Region,
		TunnelIP:            info.TunnelIP,
		WireGuardPrivateKey: info.PrivateKey,
		RelaySubnet:         info.Subnet,
		AuthToken:           ob.AuthToken,
	})
	if err != nil {
		return err
	}

	if err := r.gw.SaveVm(vm); err != nil {
		return err
	}
	ob.VmID = vm.ID

	deliverSystemVm(r.deliverer, node, vm, userData)
	log.WithComponent("sysvm").Info().
		Str("node_id", node.ID).
		Str("vm_id", vm.ID).
		Int("subnet", info.Subnet).
		Msg("relay vm deploying")
	return nil
}

// DisabledDeployer registers a role the platform plans for but cannot
// deploy yet. Obligations for it stay pending and never error.
type DisabledDeployer struct {
	role types.SystemVmRole
}

// NewDisabledDeployer creates a placeholder deployer for a role
func NewDisabledDeployer(role types.SystemVmRole) *DisabledDeployer {
	return &DisabledDeployer{role: role}
}

func (d *DisabledDeployer) Role() types.SystemVmRole { return d.role }
func (d *DisabledDeployer) Enabled() bool            { return false }

func (d *DisabledDeployer) Deploy(node *types.Node, ob *types.SystemVmObligation) error {
	return fmt.Errorf("role %s is not deployable", d.role)
}

// newSystemVm builds the orchestrator-owned VM record for a system role
func newSystemVm(node *types.Node, vmType types.VmType, prefix string, spec *types.VmSpec) *types.VirtualMachine {
	id := uuid.New().String()
	now := time.Now()
	return &types.VirtualMachine{
		ID:         id,
		Name:       fmt.Sprintf("%s-%s", prefix, id[:8]),
		NodeID:     node.ID,
		Type:       vmType,
		Spec:       spec,
		Status:     types.VmStatusProvisioning,
		PowerState: types.PowerStateOff,
		Labels:     map[string]string{"system": "true"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func deliverSystemVm(deliverer *delivery.Deliverer, node *types.Node, vm *types.VirtualMachine, userData string) {
	payload, _ := json.Marshal(map[string]any{
		"vm_id":        vm.ID,
		"name":         vm.Name,
		"vcpus":        vm.Spec.VCpus,
		"memory_bytes": vm.Spec.MemoryBytes,
		"disk_bytes":   vm.Spec.DiskBytes,
		"user_data":    userData,
	})
	deliverer.Deliver(node, &types.NodeCommand{
		ID:          uuid.New().String(),
		NodeID:      node.ID,
		Type:        types.CommandCreateVm,
		PayloadJSON: string(payload),
		CreatedAt:   time.Now(),
	})
}

// advertiseIP is the address a system VM should advertise to peers
func advertiseIP(node *types.Node) string {
	if node.NATType == types.NATTypeCGNAT && node.CgnatInfo != nil && node.CgnatInfo.TunnelIP != "" {
		return node.CgnatInfo.TunnelIP
	}
	return node.PublicIP
}

func arch(node *types.Node) string {
	if node.Hardware != nil && node.Hardware.Architecture != "" {
		return node.Hardware.Architecture
	}
	return "amd64"
}
