package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

// Deliverer moves commands to node agents. Delivery is hybrid: a command is
// enqueued first, then pushed immediately when the node accepts pushes and
// has no backlog. Nodes that cannot be pushed to pick up their queue on the
// next heartbeat.
type Deliverer struct {
	cfg    *config.DeliveryConfig
	gw     *gateway.Gateway
	vms    *lifecycle.Manager
	client *http.Client

	trackMu sync.Mutex
	tracked map[string]*trackedCommand // command id -> dispatch record

	stopCh chan struct{}
}

type trackedCommand struct {
	cmd    *types.NodeCommand
	sentAt time.Time
}

// New creates the command deliverer
func New(cfg *config.DeliveryConfig, gw *gateway.Gateway, vms *lifecycle.Manager) *Deliverer {
	return &Deliverer{
		cfg:     cfg,
		gw:      gw,
		vms:     vms,
		client:  &http.Client{Timeout: cfg.PushTimeout},
		tracked: make(map[string]*trackedCommand),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the stale-command cleanup loop
func (d *Deliverer) Start() {
	go d.cleanupLoop()
}

// Stop stops the background loop
func (d *Deliverer) Stop() {
	close(d.stopCh)
}

// Deliver hands a command to the node. The command always enters the node's
// FIFO queue first; a push attempt then tries to drain it immediately so an
// idle reachable node gets sub-second delivery instead of waiting out a
// heartbeat interval.
func (d *Deliverer) Deliver(node *types.Node, cmd *types.NodeCommand) {
	logger := log.WithComponent("delivery")

	d.track(cmd)

	hadBacklog := false
	d.gw.WithCommandQueue(node.ID, func(queueLen int, enqueue func(*types.NodeCommand)) {
		hadBacklog = queueLen > 0
		enqueue(cmd)
	})

	if !node.PushEnabled || hadBacklog {
		metrics.CommandPushesTotal.WithLabelValues("queued").Inc()
		logger.Debug().
			Str("node_id", node.ID).
			Str("command_id", cmd.ID).
			Bool("push_enabled", node.PushEnabled).
			Msg("command queued for next heartbeat")
		return
	}

	if err := d.push(node); err != nil {
		metrics.CommandPushesTotal.WithLabelValues("failed").Inc()
		d.recordPushFailure(node, err)
		return
	}

	metrics.CommandPushesTotal.WithLabelValues("pushed").Inc()
	d.recordPushSuccess(node)
}

// push POSTs the node's entire pending queue to its agent. On success the
// queue is cleared; on failure the commands stay queued for heartbeat pickup.
func (d *Deliverer) push(node *types.Node) error {
	cmds := d.gw.PendingCommands(node.ID)
	if len(cmds) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"commands": cmds})
	if err != nil {
		return fmt.Errorf("failed to encode commands: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/commands/receive", d.agentHost(node), node.AgentPort)
	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push to %s failed: %w", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push to %s returned status %d", node.ID, resp.StatusCode)
	}

	pushed := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		pushed[c.ID] = true
	}
	d.gw.FilterPendingCommands(node.ID, func(c *types.NodeCommand) bool {
		return !pushed[c.ID]
	})
	return nil
}

// agentHost picks the address the agent listens on: CGNAT nodes are only
// reachable over their relay tunnel.
func (d *Deliverer) agentHost(node *types.Node) string {
	if node.NATType == types.NATTypeCGNAT && node.CgnatInfo != nil && node.CgnatInfo.TunnelIP != "" {
		return node.CgnatInfo.TunnelIP
	}
	return node.PublicIP
}

func (d *Deliverer) recordPushSuccess(node *types.Node) {
	node.ConsecutivePushFailures = 0
	node.ConsecutivePushSuccess++
	node.LastCommandPushedAt = time.Now()
	if err := d.gw.SaveNode(node); err != nil {
		log.Errorf("failed to record push success", err)
	}
}

// recordPushFailure counts the miss and disables push entirely once the node
// has failed too many times in a row. The next heartbeat re-enables it.
func (d *Deliverer) recordPushFailure(node *types.Node, pushErr error) {
	logger := log.WithComponent("delivery")

	node.ConsecutivePushSuccess = 0
	node.ConsecutivePushFailures++
	if node.PushEnabled && node.ConsecutivePushFailures >= d.cfg.MaxPushFailures {
		node.PushEnabled = false
		logger.Warn().
			Str("node_id", node.ID).
			Int("failures", node.ConsecutivePushFailures).
			Msg("disabling command push, node falls back to heartbeat polling")
	} else {
		logger.Debug().
			Err(pushErr).
			Str("node_id", node.ID).
			Int("failures", node.ConsecutivePushFailures).
			Msg("command push failed, command stays queued")
	}
	if err := d.gw.SaveNode(node); err != nil {
		log.Errorf("failed to record push failure", err)
	}
}

func (d *Deliverer) track(cmd *types.NodeCommand) {
	d.trackMu.Lock()
	d.tracked[cmd.ID] = &trackedCommand{cmd: cmd, sentAt: time.Now()}
	d.trackMu.Unlock()
}

func (d *Deliverer) untrack(cmdID string) *types.NodeCommand {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	tc, ok := d.tracked[cmdID]
	if !ok {
		return nil
	}
	delete(d.tracked, cmdID)
	return tc.cmd
}

// HandleAck processes a node's acknowledgement of a completed command and
// advances the VM lifecycle accordingly.
func (d *Deliverer) HandleAck(nodeID string, result *types.CommandResult) {
	logger := log.WithComponent("delivery")

	cmd := d.untrack(result.CommandID)
	if cmd == nil {
		logger.Warn().
			Str("command_id", result.CommandID).
			Str("node_id", nodeID).
			Msg("ack for unknown command")
		return
	}

	vmID := result.VmID
	if vmID == "" {
		vmID = cmd.PayloadVmID()
	}

	if !result.Success {
		if vmID != "" {
			d.vms.Transition(vmID, types.VmStatusError, lifecycle.TransitionContext{
				Trigger: lifecycle.TriggerCommandFailed,
				Source:  result.CommandID,
				Message: result.Error,
			})
		}
		return
	}

	if vmID == "" {
		return
	}

	var target types.VmStatus
	switch cmd.Type {
	case types.CommandCreateVm, types.CommandStartVm:
		target = types.VmStatusRunning
	case types.CommandStopVm:
		target = types.VmStatusStopped
	case types.CommandDeleteVm:
		target = types.VmStatusDeleted
	default:
		return
	}

	d.vms.Transition(vmID, target, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerCommandAck,
		Source:  result.CommandID,
	})
}

func (d *Deliverer) cleanupLoop() {
	ticker := time.NewTicker(d.cfg.StaleCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.dropStaleCommands()
		case <-d.stopCh:
			return
		}
	}
}

// dropStaleCommands expires commands that were never delivered or never
// acknowledged within the TTL. VMs waiting on an expired command move to
// Error rather than hanging in a transitional state forever.
func (d *Deliverer) dropStaleCommands() {
	logger := log.WithComponent("delivery")
	cutoff := time.Now().Add(-d.cfg.StaleCommandTTL)

	d.trackMu.Lock()
	var stale []*types.NodeCommand
	for id, tc := range d.tracked {
		if tc.sentAt.Before(cutoff) {
			stale = append(stale, tc.cmd)
			delete(d.tracked, id)
		}
	}
	d.trackMu.Unlock()

	for _, cmd := range stale {
		d.gw.FilterPendingCommands(cmd.NodeID, func(c *types.NodeCommand) bool {
			return c.ID != cmd.ID
		})

		logger.Warn().
			Str("command_id", cmd.ID).
			Str("node_id", cmd.NodeID).
			Str("type", string(cmd.Type)).
			Msg("command expired before acknowledgement")

		if vmID := cmd.PayloadVmID(); vmID != "" {
			d.vms.Transition(vmID, types.VmStatusError, lifecycle.TransitionContext{
				Trigger: lifecycle.TriggerTimeout,
				Source:  cmd.ID,
				Message: "Command expired before acknowledgement",
			})
		}
	}
}
