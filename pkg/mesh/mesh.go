package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

const (
	meshCIDR       = "10.20.0.0/16"
	relayHostOctet = 254
	relayPort      = 51820
	relayAPIPort   = 8080

	minHostOctet = 2
	maxHostOctet = 253
)

// Manager owns the WireGuard overlay: relay provisioning on public nodes,
// CGNAT node enrollment, and relay health with failover. All subnet and
// address allocation goes through the manager's lock.
type Manager struct {
	cfg    *config.MeshConfig
	gw     *gateway.Gateway
	broker *events.Broker
	client *http.Client

	mu     sync.Mutex
	stopCh chan struct{}
}

// New creates the mesh manager
func New(cfg *config.MeshConfig, gw *gateway.Gateway, broker *events.Broker) *Manager {
	return &Manager{
		cfg:    cfg,
		gw:     gw,
		broker: broker,
		client: &http.Client{Timeout: cfg.RelayHealthTimeout},
		stopCh: make(chan struct{}),
	}
}

// Start launches the relay health loop
func (m *Manager) Start() {
	go m.healthLoop()
}

// Stop stops the background loop
func (m *Manager) Stop() {
	close(m.stopCh)
}

// ProvisionRelay allocates a /24 and a WireGuard identity for a relay VM on
// the node. The private key is handed to cloud-init and also kept on the
// RelayInfo so peers can be re-added after a relay reboot.
func (m *Manager) ProvisionRelay(node *types.Node, relayVmID string) (*types.RelayInfo, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate relay keypair: %w", err)
	}

	m.mu.Lock()
	subnet, err := m.allocateSubnet()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	info := &types.RelayInfo{
		RelayVmID:         relayVmID,
		WireGuardEndpoint: fmt.Sprintf("%s:%d", node.PublicIP, relayPort),
		PublicKey:         key.PublicKey().String(),
		PrivateKey:        key.String(),
		TunnelIP:          fmt.Sprintf("10.20.%d.%d", subnet, relayHostOctet),
		Subnet:            subnet,
		MaxCapacity:       relayCapacity(node),
		Status:            types.RelayInitializing,
		InitializedAt:     time.Now(),
	}
	node.RelayInfo = info
	err = m.gw.SaveNode(node)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	log.WithComponent("mesh").Info().
		Str("node_id", node.ID).
		Int("subnet", subnet).
		Str("tunnel_ip", info.TunnelIP).
		Msg("relay provisioned")
	return info, nil
}

// allocateSubnet returns the first free /24 third octet in the mesh range.
// Caller holds the manager lock.
func (m *Manager) allocateSubnet() (int, error) {
	used := make(map[int]bool)
	for _, node := range m.gw.ListNodes() {
		if node.RelayInfo != nil {
			used[node.RelayInfo.Subnet] = true
		}
	}
	for s := 1; s <= 254; s++ {
		if !used[s] {
			return s, nil
		}
	}
	return 0, fmt.Errorf("mesh subnet space exhausted")
}

// relayCapacity tiers a relay's peer budget by the host's compute points
func relayCapacity(node *types.Node) int {
	if node.Resources == nil {
		return 50
	}
	switch {
	case node.Resources.TotalComputePoints >= 32:
		return 200
	case node.Resources.TotalComputePoints >= 16:
		return 100
	default:
		return 50
	}
}

// EnrollCgnatNode attaches a CGNAT node to the best available relay: a
// tunnel address is allocated from the relay's subnet, the peer is pushed to
// the relay's control API, and the node gets a rendered WireGuard config.
func (m *Manager) EnrollCgnatNode(node *types.Node) error {
	logger := log.WithComponent("mesh")

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("failed to generate node keypair: %w", err)
	}

	m.mu.Lock()
	relay, err := m.selectRelay(node)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	hostOctet, err := m.allocateHostOctet(relay)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	info := relay.RelayInfo
	tunnelIP := fmt.Sprintf("10.20.%d.%d", info.Subnet, hostOctet)

	node.CgnatInfo = &types.CgnatInfo{
		AssignedRelayNodeID: relay.ID,
		TunnelIP:            tunnelIP,
		PublicKey:           key.PublicKey().String(),
		PrivateKey:          key.String(),
		WireGuardConfig:     renderNodeConfig(key.String(), tunnelIP, info),
		TunnelStatus:        types.TunnelPending,
	}
	info.CurrentLoad++
	info.ConnectedNodeIDs = append(info.ConnectedNodeIDs, node.ID)

	if err := m.gw.SaveNode(relay); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.gw.SaveNode(node); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.addPeer(relay, node); err != nil {
		// The peer record stays; the health loop re-adds missing peers.
		logger.Warn().
			Err(err).
			Str("node_id", node.ID).
			Str("relay", relay.ID).
			Msg("peer push failed, health loop will retry")
	}

	metrics.CgnatNodesAssigned.Inc()
	logger.Info().
		Str("node_id", node.ID).
		Str("relay", relay.ID).
		Str("tunnel_ip", tunnelIP).
		Msg("cgnat node enrolled")
	return nil
}

// selectRelay scores every active relay and returns the best with headroom.
// Caller holds the manager lock.
func (m *Manager) selectRelay(node *types.Node) (*types.Node, error) {
	type candidate struct {
		relay *types.Node
		score float64
	}
	var candidates []candidate

	for _, r := range m.gw.ListNodes() {
		info := r.RelayInfo
		if info == nil || info.Status != types.RelayActive {
			continue
		}
		if info.CurrentLoad >= info.MaxCapacity {
			continue
		}
		candidates = append(candidates, candidate{r, relayScore(r, node)})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no relay with available capacity")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].relay.ID < candidates[j].relay.ID
	})
	return candidates[0].relay, nil
}

// relayScore prefers nearby relays with load headroom
func relayScore(relay, node *types.Node) float64 {
	info := relay.RelayInfo
	score := 100.0
	if relay.Region == node.Region {
		score += 50
		if relay.Zone == node.Zone {
			score += 25
		}
	}
	if info.MaxCapacity > 0 {
		score += (1 - float64(info.CurrentLoad)/float64(info.MaxCapacity)) * 30
	}
	headroom := float64(info.MaxCapacity - info.CurrentLoad)
	if bonus := headroom / 5; bonus < 20 {
		score += bonus
	} else {
		score += 20
	}
	return score
}

// allocateHostOctet finds a free host address in the relay's /24.
// Caller holds the manager lock.
func (m *Manager) allocateHostOctet(relay *types.Node) (int, error) {
	used := make(map[int]bool)
	prefix := fmt.Sprintf("10.20.%d.", relay.RelayInfo.Subnet)
	for _, n := range m.gw.ListNodes() {
		if n.CgnatInfo == nil {
			continue
		}
		var octet int
		if _, err := fmt.Sscanf(n.CgnatInfo.TunnelIP, prefix+"%d", &octet); err == nil {
			used[octet] = true
		}
	}
	for o := minHostOctet; o <= maxHostOctet; o++ {
		if !used[o] {
			return o, nil
		}
	}
	return 0, fmt.Errorf("relay subnet %d has no free addresses", relay.RelayInfo.Subnet)
}

// renderNodeConfig builds the wg-quick config a CGNAT node applies locally
func renderNodeConfig(privateKey, tunnelIP string, relay *types.RelayInfo) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s/24

[Peer]
PublicKey = %s
Endpoint = %s
AllowedIPs = %s
PersistentKeepalive = 25
`, privateKey, tunnelIP, relay.PublicKey, relay.WireGuardEndpoint, meshCIDR)
}

// addPeer pushes a CGNAT node's peer entry to the relay's control API
func (m *Manager) addPeer(relay, node *types.Node) error {
	body, err := json.Marshal(map[string]any{
		"node_id":     node.ID,
		"public_key":  node.CgnatInfo.PublicKey,
		"tunnel_ip":   node.CgnatInfo.TunnelIP,
		"allowed_ips": node.CgnatInfo.TunnelIP + "/32",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/api/relay/add-peer", relay.RelayInfo.TunnelIP, relayAPIPort)
	resp, err := m.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("add-peer to relay %s failed: %w", relay.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("add-peer to relay %s returned status %d", relay.ID, resp.StatusCode)
	}
	return nil
}

// MarkRelayReady flips a relay from Initializing to Active once its VM
// reports in.
func (m *Manager) MarkRelayReady(nodeID string) error {
	node, err := m.gw.GetNode(nodeID)
	if err != nil {
		return err
	}
	if node.RelayInfo == nil {
		return fmt.Errorf("node %s hosts no relay", nodeID)
	}

	node.RelayInfo.Status = types.RelayActive
	node.RelayInfo.LastHealthCheck = time.Now()
	node.RelayInfo.ConsecutiveFailures = 0
	if err := m.gw.SaveNode(node); err != nil {
		return err
	}

	log.WithComponent("mesh").Info().Str("node_id", nodeID).Msg("relay active")
	return nil
}
