package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

const offlineFailureThreshold = 2

// relayHealth is the payload a relay's control API returns from /health
type relayHealth struct {
	Peers []relayPeer `json:"peers"`
}

type relayPeer struct {
	NodeID        string    `json:"node_id"`
	PublicKey     string    `json:"public_key"`
	TunnelIP      string    `json:"tunnel_ip"`
	LastHandshake time.Time `json:"last_handshake"`
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.RelayHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkRelays()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) checkRelays() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration.WithLabelValues("relay_health"))

	m.enrollUnassignedCgnatNodes()

	for _, node := range m.gw.ListNodes() {
		if node.RelayInfo == nil {
			continue
		}
		m.checkRelay(node)
	}

	m.updateRelayGauges()
}

// enrollUnassignedCgnatNodes attaches every online CGNAT node that has no
// relay yet. Fresh registrations and nodes abandoned by a failed failover
// both converge here on the next tick.
func (m *Manager) enrollUnassignedCgnatNodes() {
	logger := log.WithComponent("mesh")

	for _, node := range m.gw.ListNodes() {
		if node.NATType != types.NATTypeCGNAT || node.Status != types.NodeStatusOnline {
			continue
		}
		if node.CgnatInfo != nil {
			continue
		}
		if err := m.EnrollCgnatNode(node); err != nil {
			logger.Debug().
				Err(err).
				Str("node_id", node.ID).
				Msg("cgnat node waiting for relay capacity")
		}
	}
}

// checkRelay probes one relay and reconciles its peer set. Fresh relays get
// an initialization grace window before failures count.
func (m *Manager) checkRelay(node *types.Node) {
	logger := log.WithComponent("mesh")
	info := node.RelayInfo

	if info.Status == types.RelayInitializing {
		if time.Since(info.InitializedAt) < m.cfg.RelayInitializationTimeout {
			return
		}
		logger.Warn().
			Str("node_id", node.ID).
			Msg("relay never reported ready within grace window")
	}

	health, err := m.fetchHealth(node)
	if err != nil {
		m.recordRelayFailure(node, err)
		return
	}

	info.ConsecutiveFailures = 0
	info.LastHealthCheck = time.Now()
	if info.Status != types.RelayActive {
		logger.Info().Str("node_id", node.ID).Msg("relay recovered")
		info.Status = types.RelayActive
	}

	m.reconcilePeers(node, health)

	if err := m.gw.SaveNode(node); err != nil {
		log.Errorf("failed to persist relay health", err)
	}
}

func (m *Manager) fetchHealth(node *types.Node) (*relayHealth, error) {
	url := fmt.Sprintf("http://%s:%d/health", node.RelayInfo.TunnelIP, relayAPIPort)
	resp, err := m.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("relay health returned status %d", resp.StatusCode)
	}

	var health relayHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode relay health: %w", err)
	}
	return &health, nil
}

// reconcilePeers compares what the relay actually serves against which nodes
// are assigned to it: missing peers are re-added, handshake staleness marks
// tunnels down, and ConnectedNodeIDs is rebuilt from assignments.
func (m *Manager) reconcilePeers(relay *types.Node, health *relayHealth) {
	logger := log.WithComponent("mesh")
	info := relay.RelayInfo

	present := make(map[string]relayPeer, len(health.Peers))
	for _, p := range health.Peers {
		present[p.NodeID] = p
	}

	var connected []string
	load := 0
	for _, node := range m.gw.ListNodes() {
		ci := node.CgnatInfo
		if ci == nil || ci.AssignedRelayNodeID != relay.ID {
			continue
		}
		connected = append(connected, node.ID)
		load++

		peer, ok := present[node.ID]
		if !ok {
			logger.Info().
				Str("node_id", node.ID).
				Str("relay", relay.ID).
				Msg("re-adding missing peer")
			if err := m.addPeer(relay, node); err != nil {
				logger.Warn().Err(err).Str("node_id", node.ID).Msg("peer re-add failed")
			}
			continue
		}

		ci.LastHandshake = peer.LastHandshake
		if time.Since(peer.LastHandshake) > m.cfg.HandshakeFreshness {
			if ci.TunnelStatus == types.TunnelEstablished {
				logger.Warn().
					Str("node_id", node.ID).
					Time("last_handshake", peer.LastHandshake).
					Msg("tunnel handshake stale")
			}
			ci.TunnelStatus = types.TunnelDown
		} else {
			ci.TunnelStatus = types.TunnelEstablished
		}
		if err := m.gw.SaveNode(node); err != nil {
			log.Errorf("failed to persist tunnel status", err)
		}
	}

	info.ConnectedNodeIDs = connected
	info.CurrentLoad = load
}

// recordRelayFailure degrades the relay and, past the failure threshold,
// takes it offline and reassigns its CGNAT nodes.
func (m *Manager) recordRelayFailure(node *types.Node, probeErr error) {
	logger := log.WithComponent("mesh")
	info := node.RelayInfo

	info.ConsecutiveFailures++
	logger.Warn().
		Err(probeErr).
		Str("node_id", node.ID).
		Int("failures", info.ConsecutiveFailures).
		Msg("relay health check failed")

	if info.ConsecutiveFailures < offlineFailureThreshold {
		if info.Status == types.RelayActive {
			info.Status = types.RelayDegraded
			m.broker.Publish(&events.Event{
				Type:    events.EventRelayDegraded,
				NodeID:  node.ID,
				Message: probeErr.Error(),
			})
		}
		if err := m.gw.SaveNode(node); err != nil {
			log.Errorf("failed to persist relay status", err)
		}
		return
	}

	info.Status = types.RelayOffline
	if err := m.gw.SaveNode(node); err != nil {
		log.Errorf("failed to persist relay status", err)
	}

	m.failover(node)
}

// failover moves every CGNAT node off a dead relay. Nodes that cannot be
// re-enrolled keep their assignment cleared so a later enrollment retries
// from scratch.
func (m *Manager) failover(deadRelay *types.Node) {
	logger := log.WithComponent("mesh")

	var orphans []*types.Node
	for _, node := range m.gw.ListNodes() {
		if node.CgnatInfo != nil && node.CgnatInfo.AssignedRelayNodeID == deadRelay.ID {
			orphans = append(orphans, node)
		}
	}

	logger.Warn().
		Str("relay", deadRelay.ID).
		Int("affected_nodes", len(orphans)).
		Msg("relay offline, reassigning cgnat nodes")

	for _, node := range orphans {
		node.CgnatInfo = nil
		if err := m.EnrollCgnatNode(node); err != nil {
			logger.Error().
				Err(err).
				Str("node_id", node.ID).
				Msg("failover enrollment failed, node left unassigned")
			if saveErr := m.gw.SaveNode(node); saveErr != nil {
				log.Errorf("failed to persist unassigned node", saveErr)
			}
		}
		metrics.CgnatNodesAssigned.Dec()
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventRelayFailover,
		NodeID:  deadRelay.ID,
		Message: fmt.Sprintf("%d cgnat nodes reassigned", len(orphans)),
	})
}

func (m *Manager) updateRelayGauges() {
	counts := make(map[types.RelayStatus]int)
	for _, node := range m.gw.ListNodes() {
		if node.RelayInfo != nil {
			counts[node.RelayInfo.Status]++
		}
	}
	for _, status := range []types.RelayStatus{
		types.RelayInitializing, types.RelayActive, types.RelayDegraded, types.RelayOffline,
	} {
		metrics.RelaysTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
