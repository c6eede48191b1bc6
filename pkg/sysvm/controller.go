package sysvm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

const (
	relayMinCores         = 2
	relayMinMemoryBytes   = 4 << 30
	relayMinBandwidthMbps = 50

	blockStoreMinStorage = 100 << 30
	blockStoreMinMemory  = 4 << 30
)

// Deployer deploys one system VM role onto a node. Disabled deployers keep
// their obligations visible without the reconciler retrying them.
type Deployer interface {
	Role() types.SystemVmRole
	Enabled() bool
	Deploy(node *types.Node, ob *types.SystemVmObligation) error
}

// Controller computes each node's system-VM obligations and reconciles
// pending ones through role deployers.
type Controller struct {
	cfg       *config.SystemVmsConfig
	gw        *gateway.Gateway
	broker    *events.Broker
	deployers map[types.SystemVmRole]Deployer

	stopCh chan struct{}
}

// New creates the system-VM controller
func New(cfg *config.SystemVmsConfig, gw *gateway.Gateway, broker *events.Broker, deployers ...Deployer) *Controller {
	byRole := make(map[types.SystemVmRole]Deployer, len(deployers))
	for _, d := range deployers {
		byRole[d.Role()] = d
	}
	return &Controller{
		cfg:       cfg,
		gw:        gw,
		broker:    broker,
		deployers: byRole,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the reconcile loop
func (c *Controller) Start() {
	go c.run()
}

// Stop stops the reconcile loop
func (c *Controller) Stop() {
	close(c.stopCh)
}

func (c *Controller) run() {
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reconcile()
		case <-c.stopCh:
			return
		}
	}
}

// ComputeObligations derives the roles a node must host from its hardware
// and reachability. Every node runs a DHT participant.
func ComputeObligations(node *types.Node) []types.SystemVmRole {
	roles := []types.SystemVmRole{types.RoleDht}

	hw := node.Hardware
	if hw == nil {
		return roles
	}

	if node.NATType == types.NATTypeNone &&
		hw.PhysicalCores >= relayMinCores &&
		hw.MemoryBytes >= relayMinMemoryBytes &&
		hw.BandwidthMbps >= relayMinBandwidthMbps {
		roles = append(roles, types.RoleRelay)
	}

	if hw.TotalStorageBytes() >= blockStoreMinStorage && hw.MemoryBytes >= blockStoreMinMemory {
		roles = append(roles, types.RoleBlockStore)
	}

	return roles
}

// reconcile merges computed obligations onto every online node and deploys
// whatever is still pending.
func (c *Controller) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration.WithLabelValues("sysvm"))
	logger := log.WithComponent("sysvm")

	for _, node := range c.gw.ListNodes() {
		if node.Status != types.NodeStatusOnline {
			continue
		}

		if c.mergeObligations(node) {
			if err := c.gw.SaveNode(node); err != nil {
				log.Errorf("failed to persist obligations", err)
				continue
			}
		}

		for _, ob := range node.Obligations {
			if ob.Status != types.ObligationPending {
				continue
			}

			deployer, ok := c.deployers[ob.Role]
			if !ok || !deployer.Enabled() {
				// Role planned but not deployable yet; leave it pending
				// without burning a retry.
				continue
			}

			if err := deployer.Deploy(node, ob); err != nil {
				logger.Error().
					Err(err).
					Str("node_id", node.ID).
					Str("role", string(ob.Role)).
					Msg("system vm deployment failed")
				ob.Status = types.ObligationFailed
			} else {
				ob.Status = types.ObligationInitializing
			}
			ob.UpdatedAt = time.Now()
			if err := c.gw.SaveNode(node); err != nil {
				log.Errorf("failed to persist obligation status", err)
			}
		}

		// Failed obligations retry on the next pass
		for _, ob := range node.Obligations {
			if ob.Status == types.ObligationFailed &&
				time.Since(ob.UpdatedAt) > c.cfg.ReconcileInterval {
				ob.Status = types.ObligationPending
			}
		}
	}
}

// mergeObligations adds newly required roles without touching the status of
// roles already tracked. Returns true when anything changed.
func (c *Controller) mergeObligations(node *types.Node) bool {
	have := make(map[types.SystemVmRole]bool, len(node.Obligations))
	for _, ob := range node.Obligations {
		have[ob.Role] = true
	}

	changed := false
	for _, role := range ComputeObligations(node) {
		if have[role] {
			continue
		}
		token, err := newAuthToken()
		if err != nil {
			log.Errorf("failed to generate obligation token", err)
			continue
		}
		node.Obligations = append(node.Obligations, &types.SystemVmObligation{
			Role:      role,
			Status:    types.ObligationPending,
			AuthToken: token,
			UpdatedAt: time.Now(),
		})
		changed = true
	}
	return changed
}

// newAuthToken mints the shared secret a system VM uses to sign its ready
// callback.
func newAuthToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Obligation returns a node's obligation for a role, if tracked
func Obligation(node *types.Node, role types.SystemVmRole) (*types.SystemVmObligation, bool) {
	for _, ob := range node.Obligations {
		if ob.Role == role {
			return ob, true
		}
	}
	return nil, false
}
