package sysvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/mesh"
	"github.com/decloudhq/decloud/pkg/types"
)

func newTestReadyHandler(t *testing.T) (*ReadyHandler, *gateway.Gateway) {
	t.Helper()

	ctrl, gw := newTestController(t)
	meshCfg := config.Default().Mesh
	return NewReadyHandler(ctrl, mesh.New(&meshCfg, gw, events.NewBroker(nil))), gw
}

func TestHandleDhtReady(t *testing.T) {
	h, gw := newTestReadyHandler(t)

	node := &types.Node{
		ID:       "node-1",
		PublicIP: "203.0.113.9",
		Obligations: []*types.SystemVmObligation{{
			Role:      types.RoleDht,
			Status:    types.ObligationInitializing,
			VmID:      "vm-dht",
			AuthToken: "sekrit",
		}},
	}
	require.NoError(t, gw.SaveNode(node))
	require.NoError(t, gw.SaveVm(&types.VirtualMachine{ID: "vm-dht", NodeID: "node-1", Type: types.VmTypeDht}))

	sig := signPayload("sekrit", "vm-dht:QmPeer")
	require.NoError(t, h.HandleDhtReady("vm-dht", "QmPeer", sig))

	saved, err := gw.GetNode("node-1")
	require.NoError(t, err)
	require.NotNil(t, saved.DhtInfo)
	assert.Equal(t, "QmPeer", saved.DhtInfo.PeerID)
	assert.Equal(t, "203.0.113.9", saved.DhtInfo.AdvertiseIP)

	ob, _ := Obligation(saved, types.RoleDht)
	assert.Equal(t, types.ObligationActive, ob.Status)
}

func TestHandleDhtReadyRejections(t *testing.T) {
	h, gw := newTestReadyHandler(t)

	node := &types.Node{
		ID: "node-1",
		Obligations: []*types.SystemVmObligation{{
			Role:      types.RoleDht,
			Status:    types.ObligationInitializing,
			VmID:      "vm-dht",
			AuthToken: "sekrit",
		}},
	}
	require.NoError(t, gw.SaveNode(node))
	require.NoError(t, gw.SaveVm(&types.VirtualMachine{ID: "vm-dht", NodeID: "node-1", Type: types.VmTypeDht}))
	require.NoError(t, gw.SaveVm(&types.VirtualMachine{ID: "vm-impostor", NodeID: "node-1", Type: types.VmTypeDht}))

	t.Run("unknown vm", func(t *testing.T) {
		assert.Error(t, h.HandleDhtReady("ghost", "QmPeer", "sig"))
	})

	t.Run("vm is not the obligation", func(t *testing.T) {
		err := h.HandleDhtReady("vm-impostor", "QmPeer", signPayload("sekrit", "vm-impostor:QmPeer"))
		assert.ErrorContains(t, err, "not the node's dht obligation")
	})

	t.Run("wrong secret", func(t *testing.T) {
		err := h.HandleDhtReady("vm-dht", "QmPeer", signPayload("guessed", "vm-dht:QmPeer"))
		assert.ErrorContains(t, err, "invalid ready signature")
	})

	t.Run("signature over the wrong payload", func(t *testing.T) {
		err := h.HandleDhtReady("vm-dht", "QmPeer", signPayload("sekrit", "vm-dht:QmOther"))
		assert.ErrorContains(t, err, "invalid ready signature")
	})
}

func TestHandleRelayReady(t *testing.T) {
	h, gw := newTestReadyHandler(t)

	node := &types.Node{
		ID:       "node-1",
		PublicIP: "203.0.113.9",
		RelayInfo: &types.RelayInfo{
			RelayVmID: "vm-relay",
			Status:    types.RelayInitializing,
		},
		Obligations: []*types.SystemVmObligation{{
			Role:      types.RoleRelay,
			Status:    types.ObligationInitializing,
			VmID:      "vm-relay",
			AuthToken: "sekrit",
		}},
	}
	require.NoError(t, gw.SaveNode(node))

	sig := signPayload("sekrit", "node-1:vm-relay")
	require.NoError(t, h.HandleRelayReady("node-1", "vm-relay", sig))

	saved, err := gw.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.RelayActive, saved.RelayInfo.Status, "relay joins the mesh rotation")

	ob, _ := Obligation(saved, types.RoleRelay)
	assert.Equal(t, types.ObligationActive, ob.Status)

	t.Run("bad signature", func(t *testing.T) {
		err := h.HandleRelayReady("node-1", "vm-relay", "bogus")
		assert.ErrorContains(t, err, "invalid ready signature")
	})
}

func TestValidSignature(t *testing.T) {
	sig := signPayload("token", "payload")
	assert.True(t, ValidSignature("token", "payload", sig))
	assert.False(t, ValidSignature("token", "payload", sig+"00"))
	assert.False(t, ValidSignature("other", "payload", sig))
}
