package ingress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/types"
)

func newTestService(t *testing.T) (*Service, *gateway.Gateway) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw, err := gateway.New(store)
	require.NoError(t, err)

	cfg := config.Default().Ingress
	svc, err := New(&cfg, gw)
	require.NoError(t, err)
	return svc, gw
}

func seedNodeAndVm(t *testing.T, gw *gateway.Gateway, vmName string) *types.VirtualMachine {
	t.Helper()

	require.NoError(t, gw.SaveNode(&types.Node{
		ID:       "node-1",
		Status:   types.NodeStatusOnline,
		PublicIP: "203.0.113.9",
	}))
	vm := &types.VirtualMachine{
		ID:      "vm-" + vmName,
		Name:    vmName,
		NodeID:  "node-1",
		Status:  types.VmStatusRunning,
		Ingress: &types.IngressConfig{DefaultPort: 3000},
	}
	require.NoError(t, gw.SaveVm(vm))
	return vm
}

// TestGenerateSubdomain checks DNS-label sanitization
func TestGenerateSubdomain(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already clean", "web", "web"},
		{"uppercase lowered", "MyApp", "myapp"},
		{"spaces become hyphens", "my cool app", "my-cool-app"},
		{"underscores become hyphens", "my_app", "my-app"},
		{"symbols stripped", "app!@#v2", "appv2"},
		{"hyphen runs collapse", "a--b---c", "a-b-c"},
		{"leading and trailing hyphens trimmed", "-edge-", "edge"},
		{"everything stripped falls back", "!!!", "vm"},
		{"clamped to 63 chars", strings.Repeat("a", 80), strings.Repeat("a", 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GenerateSubdomain(tt.input))
		})
	}
}

func TestVmStartRegistersRoute(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")

	require.NoError(t, svc.OnVmStarted(vm))

	route, ok := svc.Route(vm.ID)
	require.True(t, ok)
	assert.Equal(t, "web.vms.decloud.host", route.Subdomain)
	assert.Equal(t, "203.0.113.9", route.TargetHost)
	assert.Equal(t, 3000, route.TargetPort)

	t.Run("lookup resolves the host", func(t *testing.T) {
		host, port, ok := svc.Lookup("web.vms.decloud.host")
		require.True(t, ok)
		assert.Equal(t, "203.0.113.9", host)
		assert.Equal(t, 3000, port)
	})

	t.Run("lookup strips port and case", func(t *testing.T) {
		_, _, ok := svc.Lookup("WEB.vms.decloud.host:443")
		assert.True(t, ok)
	})

	t.Run("unknown host misses", func(t *testing.T) {
		_, _, ok := svc.Lookup("ghost.vms.decloud.host")
		assert.False(t, ok)
	})
}

// TestSubdomainCollision verifies two VMs sanitizing to the same label get
// distinct hosts.
func TestSubdomainCollision(t *testing.T) {
	svc, gw := newTestService(t)

	require.NoError(t, gw.SaveNode(&types.Node{ID: "node-1", Status: types.NodeStatusOnline, PublicIP: "203.0.113.9"}))
	a := &types.VirtualMachine{ID: "aaaaaaaa-vm", Name: "My App", NodeID: "node-1"}
	b := &types.VirtualMachine{ID: "bbbbbbbb-vm", Name: "my_app", NodeID: "node-1"}
	require.NoError(t, gw.SaveVm(a))
	require.NoError(t, gw.SaveVm(b))

	require.NoError(t, svc.OnVmStarted(a))
	require.NoError(t, svc.OnVmStarted(b))

	ra, _ := svc.Route(a.ID)
	rb, _ := svc.Route(b.ID)
	assert.NotEqual(t, ra.Subdomain, rb.Subdomain)
	assert.Contains(t, rb.Subdomain, "bbbbbbbb")
}

func TestStopPausesAndRestartRestores(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")
	require.NoError(t, svc.OnVmStarted(vm))

	require.NoError(t, svc.OnVmStopped(vm.ID))
	_, _, ok := svc.Lookup("web.vms.decloud.host")
	assert.False(t, ok, "paused routes must not serve")

	// Restart keeps the original subdomain
	require.NoError(t, svc.OnVmStarted(vm))
	host, _, ok := svc.Lookup("web.vms.decloud.host")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", host)
}

func TestDeleteRemovesRouteAndDomains(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")
	require.NoError(t, svc.OnVmStarted(vm))

	d, err := svc.AddCustomDomain(vm.ID, "app.example.com", 8080)
	require.NoError(t, err)

	require.NoError(t, svc.OnVmDeleted(vm.ID))

	_, ok := svc.Route(vm.ID)
	assert.False(t, ok)
	assert.Empty(t, svc.ListDomainsForVm(vm.ID))

	_, err = gw.GetCustomDomain(d.ID)
	assert.Error(t, err, "domain record is deleted with the vm")
}

func TestCgnatNodeRoutesOverTunnel(t *testing.T) {
	svc, gw := newTestService(t)

	require.NoError(t, gw.SaveNode(&types.Node{
		ID:        "node-1",
		Status:    types.NodeStatusOnline,
		NATType:   types.NATTypeCGNAT,
		PublicIP:  "100.64.0.9",
		CgnatInfo: &types.CgnatInfo{TunnelIP: "10.20.3.7"},
	}))
	vm := &types.VirtualMachine{ID: "vm-1", Name: "web", NodeID: "node-1"}
	require.NoError(t, gw.SaveVm(vm))

	require.NoError(t, svc.OnVmStarted(vm))

	route, ok := svc.Route("vm-1")
	require.True(t, ok)
	assert.Equal(t, "10.20.3.7", route.TargetHost, "cgnat traffic rides the relay tunnel")
}

func TestAddCustomDomainValidation(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")

	tests := []struct {
		name   string
		domain string
		errMsg string
	}{
		{"bare label rejected", "example", "invalid domain"},
		{"scheme rejected", "https://example.com", "invalid domain"},
		{"platform base domain rejected", "vms.decloud.host", "assigned automatically"},
		{"platform subdomain rejected", "web.vms.decloud.host", "assigned automatically"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddCustomDomain(vm.ID, tt.domain, 80)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("unknown vm rejected", func(t *testing.T) {
		_, err := svc.AddCustomDomain("ghost", "app.example.com", 80)
		assert.Error(t, err)
	})
}

func TestAddCustomDomainOwnership(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")
	other := &types.VirtualMachine{ID: "vm-other", Name: "other", NodeID: "node-1"}
	require.NoError(t, gw.SaveVm(other))

	first, err := svc.AddCustomDomain(vm.ID, "App.Example.Com.", 8080)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", first.Domain, "domains normalize to lower case")
	assert.Equal(t, types.DomainPendingDns, first.Status)

	t.Run("same vm re-add is idempotent", func(t *testing.T) {
		again, err := svc.AddCustomDomain(vm.ID, "app.example.com", 8080)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("other vm cannot claim it", func(t *testing.T) {
		_, err := svc.AddCustomDomain(other.ID, "app.example.com", 80)
		assert.ErrorContains(t, err, "already registered")
	})
}

func TestCustomDomainPerVmCap(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")

	for i := 0; i < 5; i++ {
		_, err := svc.AddCustomDomain(vm.ID, "app"+string(rune('a'+i))+".example.com", 80)
		require.NoError(t, err)
	}

	_, err := svc.AddCustomDomain(vm.ID, "onemore.example.com", 80)
	assert.ErrorContains(t, err, "custom domains")
}

// TestCustomDomainLookup verifies only verified domains on active routes serve
func TestCustomDomainLookup(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")
	require.NoError(t, svc.OnVmStarted(vm))

	d, err := svc.AddCustomDomain(vm.ID, "app.example.com", 8080)
	require.NoError(t, err)

	_, _, ok := svc.Lookup("app.example.com")
	assert.False(t, ok, "pending domains do not serve")

	// Activate directly; DNS verification is exercised separately
	svc.mu.Lock()
	d.Status = types.DomainActive
	svc.mu.Unlock()

	host, port, ok := svc.Lookup("app.example.com")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", host)
	assert.Equal(t, 8080, port)

	t.Run("domain without port inherits the route's", func(t *testing.T) {
		d2, err := svc.AddCustomDomain(vm.ID, "other.example.com", 0)
		require.NoError(t, err)
		svc.mu.Lock()
		d2.Status = types.DomainActive
		svc.mu.Unlock()

		_, port, ok := svc.Lookup("other.example.com")
		require.True(t, ok)
		assert.Equal(t, 3000, port)
	})
}

// TestIsCustomDomainRegistered covers the certificate issuance gate: only
// default subdomains and verified domains may be issued for.
func TestIsCustomDomainRegistered(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")
	require.NoError(t, svc.OnVmStarted(vm))

	d, err := svc.AddCustomDomain(vm.ID, "app.example.com", 80)
	require.NoError(t, err)

	assert.True(t, svc.IsCustomDomainRegistered("web.vms.decloud.host"))
	assert.False(t, svc.IsCustomDomainRegistered("app.example.com"),
		"unverified domains must not get certificates")
	assert.False(t, svc.IsCustomDomainRegistered("stranger.example.com"))

	svc.mu.Lock()
	d.Status = types.DomainActive
	svc.mu.Unlock()
	assert.True(t, svc.IsCustomDomainRegistered("app.example.com"))

	t.Run("paused domain is gated again", func(t *testing.T) {
		svc.mu.Lock()
		d.Status = types.DomainPaused
		svc.mu.Unlock()
		assert.False(t, svc.IsCustomDomainRegistered("app.example.com"))
	})
}

func TestVerifyDnsUnknownDomain(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.VerifyDns("no-such-id")
	assert.Error(t, err)
}

func TestRemoveCustomDomain(t *testing.T) {
	svc, gw := newTestService(t)
	vm := seedNodeAndVm(t, gw, "web")

	d, err := svc.AddCustomDomain(vm.ID, "app.example.com", 80)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveCustomDomain(d.ID))
	assert.Empty(t, svc.ListDomainsForVm(vm.ID))

	got, err := gw.GetVm(vm.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Ingress.CustomDomainIDs)

	assert.Error(t, svc.RemoveCustomDomain(d.ID), "double remove errors")
}
