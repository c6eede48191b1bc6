package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *gateway.Gateway) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw, err := gateway.New(store)
	require.NoError(t, err)

	cfg := config.Default().Mesh
	// Peer pushes go to unroutable tunnel addresses in tests; fail fast
	cfg.RelayHealthTimeout = 50 * time.Millisecond
	return New(&cfg, gw, events.NewBroker(nil)), gw
}

func activeRelayNode(id, region string, load int) *types.Node {
	return &types.Node{
		ID:       id,
		Region:   region,
		Status:   types.NodeStatusOnline,
		PublicIP: "203.0.113.1",
		RelayInfo: &types.RelayInfo{
			RelayVmID:   "relay-vm-" + id,
			Subnet:      1,
			TunnelIP:    "10.20.1.254",
			MaxCapacity: 100,
			CurrentLoad: load,
			Status:      types.RelayActive,
		},
	}
}

func TestProvisionRelay(t *testing.T) {
	m, gw := newTestManager(t)

	node := &types.Node{
		ID:        "node-1",
		PublicIP:  "203.0.113.1",
		Resources: &types.NodeResources{TotalComputePoints: 36},
	}
	require.NoError(t, gw.SaveNode(node))

	info, err := m.ProvisionRelay(node, "relay-vm-1")
	require.NoError(t, err)

	assert.Equal(t, 1, info.Subnet, "first relay takes the first subnet")
	assert.Equal(t, "10.20.1.254", info.TunnelIP)
	assert.Equal(t, "203.0.113.1:51820", info.WireGuardEndpoint)
	assert.Equal(t, 200, info.MaxCapacity)
	assert.Equal(t, types.RelayInitializing, info.Status)
	assert.NotEmpty(t, info.PublicKey)
	assert.NotEmpty(t, info.PrivateKey)
	assert.NotEqual(t, info.PublicKey, info.PrivateKey)

	t.Run("second relay takes the next subnet", func(t *testing.T) {
		other := &types.Node{ID: "node-2", PublicIP: "203.0.113.2"}
		require.NoError(t, gw.SaveNode(other))

		info2, err := m.ProvisionRelay(other, "relay-vm-2")
		require.NoError(t, err)
		assert.Equal(t, 2, info2.Subnet)
		assert.Equal(t, "10.20.2.254", info2.TunnelIP)
	})
}

func TestRelayCapacityTiers(t *testing.T) {
	tests := []struct {
		name     string
		points   int64
		expected int
	}{
		{"big host", 48, 200},
		{"mid host", 16, 100},
		{"small host", 8, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &types.Node{Resources: &types.NodeResources{TotalComputePoints: tt.points}}
			assert.Equal(t, tt.expected, relayCapacity(node))
		})
	}

	t.Run("ungraded node defaults conservative", func(t *testing.T) {
		assert.Equal(t, 50, relayCapacity(&types.Node{}))
	})
}

func TestEnrollCgnatNode(t *testing.T) {
	m, gw := newTestManager(t)

	relay := activeRelayNode("relay-1", "eu-west", 0)
	require.NoError(t, gw.SaveNode(relay))

	node := &types.Node{ID: "cgnat-1", Region: "eu-west", NATType: types.NATTypeCGNAT}
	require.NoError(t, gw.SaveNode(node))

	require.NoError(t, m.EnrollCgnatNode(node))

	require.NotNil(t, node.CgnatInfo)
	assert.Equal(t, "relay-1", node.CgnatInfo.AssignedRelayNodeID)
	assert.Equal(t, "10.20.1.2", node.CgnatInfo.TunnelIP, "first host octet in the relay's /24")
	assert.Equal(t, types.TunnelPending, node.CgnatInfo.TunnelStatus)
	assert.Contains(t, node.CgnatInfo.WireGuardConfig, "PersistentKeepalive = 25")
	assert.Contains(t, node.CgnatInfo.WireGuardConfig, "10.20.1.2/24")

	saved, err := gw.GetNode("relay-1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.RelayInfo.CurrentLoad)
	assert.Contains(t, saved.RelayInfo.ConnectedNodeIDs, "cgnat-1")

	t.Run("second node gets the next address", func(t *testing.T) {
		second := &types.Node{ID: "cgnat-2", Region: "eu-west", NATType: types.NATTypeCGNAT}
		require.NoError(t, gw.SaveNode(second))
		require.NoError(t, m.EnrollCgnatNode(second))
		assert.Equal(t, "10.20.1.3", second.CgnatInfo.TunnelIP)
	})
}

// TestHealthTickEnrollsUnassignedCgnatNodes verifies the periodic tick picks
// up online CGNAT nodes that have no relay yet, so every such node converges
// onto a relay without an explicit enrollment call.
func TestHealthTickEnrollsUnassignedCgnatNodes(t *testing.T) {
	m, gw := newTestManager(t)

	relay := activeRelayNode("relay-1", "eu-west", 0)
	require.NoError(t, gw.SaveNode(relay))
	require.NoError(t, gw.SaveNode(&types.Node{
		ID:      "cgnat-1",
		Region:  "eu-west",
		Status:  types.NodeStatusOnline,
		NATType: types.NATTypeCGNAT,
	}))
	require.NoError(t, gw.SaveNode(&types.Node{
		ID:      "cgnat-sleeping",
		Status:  types.NodeStatusOffline,
		NATType: types.NATTypeCGNAT,
	}))
	require.NoError(t, gw.SaveNode(&types.Node{
		ID:       "public-1",
		Status:   types.NodeStatusOnline,
		NATType:  types.NATTypeNone,
		PublicIP: "203.0.113.4",
	}))

	m.checkRelays()

	got, err := gw.GetNode("cgnat-1")
	require.NoError(t, err)
	require.NotNil(t, got.CgnatInfo, "online cgnat node gets a relay on the next tick")
	assert.Equal(t, "relay-1", got.CgnatInfo.AssignedRelayNodeID)
	assert.NotEmpty(t, got.CgnatInfo.TunnelIP)

	offline, err := gw.GetNode("cgnat-sleeping")
	require.NoError(t, err)
	assert.Nil(t, offline.CgnatInfo, "offline nodes wait until they come back")

	public, err := gw.GetNode("public-1")
	require.NoError(t, err)
	assert.Nil(t, public.CgnatInfo)

	t.Run("assigned node is left alone", func(t *testing.T) {
		before := got.CgnatInfo.TunnelIP
		m.enrollUnassignedCgnatNodes()
		again, err := gw.GetNode("cgnat-1")
		require.NoError(t, err)
		require.NotNil(t, again.CgnatInfo)
		assert.Equal(t, before, again.CgnatInfo.TunnelIP)
	})
}

func TestEnrollFailsWithoutRelay(t *testing.T) {
	m, gw := newTestManager(t)

	node := &types.Node{ID: "cgnat-1", NATType: types.NATTypeCGNAT}
	require.NoError(t, gw.SaveNode(node))

	assert.ErrorContains(t, m.EnrollCgnatNode(node), "no relay")
}

// TestSelectRelay checks scoring and feasibility of relay choice
func TestSelectRelay(t *testing.T) {
	m, gw := newTestManager(t)
	node := &types.Node{ID: "cgnat-1", Region: "eu-west", Zone: "a"}

	t.Run("full relay is skipped", func(t *testing.T) {
		full := activeRelayNode("full", "eu-west", 0)
		full.RelayInfo.CurrentLoad = full.RelayInfo.MaxCapacity
		require.NoError(t, gw.SaveNode(full))

		m.mu.Lock()
		_, err := m.selectRelay(node)
		m.mu.Unlock()
		assert.Error(t, err)
	})

	t.Run("initializing relay is skipped", func(t *testing.T) {
		booting := activeRelayNode("booting", "eu-west", 0)
		booting.RelayInfo.Status = types.RelayInitializing
		require.NoError(t, gw.SaveNode(booting))

		m.mu.Lock()
		_, err := m.selectRelay(node)
		m.mu.Unlock()
		assert.Error(t, err)
	})

	t.Run("same region wins over lower load", func(t *testing.T) {
		near := activeRelayNode("near", "eu-west", 40)
		far := activeRelayNode("far", "us-east", 0)
		require.NoError(t, gw.SaveNode(near))
		require.NoError(t, gw.SaveNode(far))

		m.mu.Lock()
		chosen, err := m.selectRelay(node)
		m.mu.Unlock()
		require.NoError(t, err)
		assert.Equal(t, "near", chosen.ID)
	})
}

func TestMarkRelayReady(t *testing.T) {
	m, gw := newTestManager(t)

	relay := activeRelayNode("relay-1", "eu-west", 0)
	relay.RelayInfo.Status = types.RelayInitializing
	relay.RelayInfo.ConsecutiveFailures = 2
	require.NoError(t, gw.SaveNode(relay))

	require.NoError(t, m.MarkRelayReady("relay-1"))

	saved, err := gw.GetNode("relay-1")
	require.NoError(t, err)
	assert.Equal(t, types.RelayActive, saved.RelayInfo.Status)
	assert.Zero(t, saved.RelayInfo.ConsecutiveFailures)

	t.Run("node without relay errors", func(t *testing.T) {
		require.NoError(t, gw.SaveNode(&types.Node{ID: "plain"}))
		assert.Error(t, m.MarkRelayReady("plain"))
	})
}

// TestRelayFailover verifies a relay degrades on the first failed probe, goes
// offline on the second, and its nodes move to a surviving relay.
func TestRelayFailover(t *testing.T) {
	m, gw := newTestManager(t)

	dying := activeRelayNode("dying", "eu-west", 0)
	dying.RelayInfo.Subnet = 1
	dying.RelayInfo.TunnelIP = "10.20.1.254"
	require.NoError(t, gw.SaveNode(dying))

	// Different region so enrollment initially prefers the local relay
	backup := activeRelayNode("backup", "us-east", 0)
	backup.RelayInfo.Subnet = 2
	backup.RelayInfo.TunnelIP = "10.20.2.254"
	require.NoError(t, gw.SaveNode(backup))

	node := &types.Node{ID: "cgnat-1", Region: "eu-west", NATType: types.NATTypeCGNAT}
	require.NoError(t, gw.SaveNode(node))
	require.NoError(t, m.EnrollCgnatNode(node))
	require.Equal(t, "dying", node.CgnatInfo.AssignedRelayNodeID)

	probeErr := assert.AnError
	m.recordRelayFailure(dying, probeErr)
	assert.Equal(t, types.RelayDegraded, dying.RelayInfo.Status)

	m.recordRelayFailure(dying, probeErr)
	assert.Equal(t, types.RelayOffline, dying.RelayInfo.Status)

	moved, err := gw.GetNode("cgnat-1")
	require.NoError(t, err)
	require.NotNil(t, moved.CgnatInfo)
	assert.Equal(t, "backup", moved.CgnatInfo.AssignedRelayNodeID)
	assert.Equal(t, "10.20.2.2", moved.CgnatInfo.TunnelIP)
}

func TestRenderNodeConfig(t *testing.T) {
	info := &types.RelayInfo{
		PublicKey:         "RELAY_PUB",
		WireGuardEndpoint: "203.0.113.1:51820",
	}
	cfg := renderNodeConfig("NODE_PRIV", "10.20.1.5", info)

	assert.Contains(t, cfg, "PrivateKey = NODE_PRIV")
	assert.Contains(t, cfg, "Address = 10.20.1.5/24")
	assert.Contains(t, cfg, "PublicKey = RELAY_PUB")
	assert.Contains(t, cfg, "Endpoint = 203.0.113.1:51820")
	assert.Contains(t, cfg, "AllowedIPs = 10.20.0.0/16")
}
