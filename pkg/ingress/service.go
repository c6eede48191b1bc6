package ingress

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

// Reloader is anything that must be poked when the routing table changes.
// The in-process proxy implements it; an external edge would sync here too.
type Reloader interface {
	Reload()
}

// Service is the central ingress registry: the default-subdomain route table
// plus tenant custom domains, with lifecycle hooks that keep both in step
// with VM state.
type Service struct {
	cfg *config.IngressConfig
	gw  *gateway.Gateway

	mu          sync.RWMutex
	routes      map[string]*types.Route        // vm id -> route
	bySubdomain map[string]*types.Route        // full host -> route
	domains     map[string]*types.CustomDomain // lower-cased domain -> record

	// Reload serialization: concurrent route changes must not interleave
	// edge reloads.
	reloadMu sync.Mutex
	reloader Reloader
}

// New creates the ingress service and warms its tables from the store
func New(cfg *config.IngressConfig, gw *gateway.Gateway) (*Service, error) {
	s := &Service{
		cfg:         cfg,
		gw:          gw,
		routes:      make(map[string]*types.Route),
		bySubdomain: make(map[string]*types.Route),
		domains:     make(map[string]*types.CustomDomain),
	}

	domains, err := gw.ListCustomDomains()
	if err != nil {
		return nil, fmt.Errorf("failed to load custom domains: %w", err)
	}
	for _, d := range domains {
		s.domains[d.Domain] = d
	}

	for _, vm := range gw.ListVms() {
		if vm.Status == types.VmStatusRunning {
			if err := s.registerVm(vm); err != nil {
				log.WithComponent("ingress").Warn().
					Err(err).
					Str("vm_id", vm.ID).
					Msg("could not restore route at startup")
			}
		}
	}

	return s, nil
}

// SetReloader wires the edge that serves the routing table
func (s *Service) SetReloader(r Reloader) {
	s.reloadMu.Lock()
	s.reloader = r
	s.reloadMu.Unlock()
}

func (s *Service) notifyReload() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.reloader != nil {
		s.reloader.Reload()
	}
}

// OnVmStarted registers the VM's default subdomain route and reactivates its
// verified custom domains. Implements the lifecycle hook.
func (s *Service) OnVmStarted(vm *types.VirtualMachine) error {
	if !s.cfg.AutoRegisterOnStart {
		return nil
	}
	if err := s.registerVm(vm); err != nil {
		return err
	}
	s.setDomainsStatus(vm.ID, types.DomainActive, types.DomainPaused)
	s.notifyReload()
	return nil
}

// OnVmStopped pauses the VM's routes without forgetting them, so a restart
// restores the same subdomain.
func (s *Service) OnVmStopped(vmID string) error {
	if s.cfg.AutoRemoveOnStop {
		return s.OnVmDeleted(vmID)
	}

	s.mu.Lock()
	if route, ok := s.routes[vmID]; ok {
		route.Status = types.RoutePaused
	}
	s.mu.Unlock()

	s.setDomainsStatus(vmID, types.DomainPaused, types.DomainActive)
	s.notifyReload()
	return nil
}

// OnVmDeleted removes the VM's route and deletes its custom domains
func (s *Service) OnVmDeleted(vmID string) error {
	s.mu.Lock()
	if route, ok := s.routes[vmID]; ok {
		delete(s.bySubdomain, route.Subdomain)
		delete(s.routes, vmID)
	}
	var doomed []*types.CustomDomain
	for _, d := range s.domains {
		if d.VmID == vmID {
			doomed = append(doomed, d)
		}
	}
	for _, d := range doomed {
		delete(s.domains, d.Domain)
	}
	s.mu.Unlock()

	for _, d := range doomed {
		if err := s.gw.DeleteCustomDomain(d.ID); err != nil {
			log.Errorf("failed to delete custom domain", err)
		}
	}

	s.notifyReload()
	return nil
}

// registerVm builds and installs the VM's default route. Idempotent: a VM
// that already holds its subdomain keeps it.
func (s *Service) registerVm(vm *types.VirtualMachine) error {
	node, err := s.gw.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("route target unknown: %w", err)
	}

	port := 80
	if vm.Ingress != nil && vm.Ingress.DefaultPort > 0 {
		port = vm.Ingress.DefaultPort
	}

	host := nodeTargetHost(node)
	if host == "" {
		return fmt.Errorf("node %s has no reachable address", node.ID)
	}

	subdomain := GenerateSubdomain(vm.Name) + "." + s.cfg.BaseDomain

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bySubdomain[subdomain]; ok && existing.VmID != vm.ID {
		// Name collision after sanitization; disambiguate with the id prefix
		subdomain = GenerateSubdomain(vm.Name+"-"+vm.ID[:8]) + "." + s.cfg.BaseDomain
	}

	route := &types.Route{
		VmID:       vm.ID,
		Subdomain:  subdomain,
		TargetHost: host,
		TargetPort: port,
		Status:     types.RouteActive,
	}
	if old, ok := s.routes[vm.ID]; ok {
		delete(s.bySubdomain, old.Subdomain)
		route.Subdomain = old.Subdomain
	}
	s.routes[vm.ID] = route
	s.bySubdomain[route.Subdomain] = route

	log.WithComponent("ingress").Info().
		Str("vm_id", vm.ID).
		Str("subdomain", route.Subdomain).
		Str("target", fmt.Sprintf("%s:%d", host, port)).
		Msg("route registered")
	return nil
}

// setDomainsStatus flips all of a VM's custom domains from one status to
// another, persisting each change.
func (s *Service) setDomainsStatus(vmID string, to, from types.CustomDomainStatus) {
	s.mu.Lock()
	var changed []*types.CustomDomain
	for _, d := range s.domains {
		if d.VmID == vmID && d.Status == from {
			d.Status = to
			changed = append(changed, d)
		}
	}
	s.mu.Unlock()

	for _, d := range changed {
		if err := s.gw.SaveCustomDomain(d); err != nil {
			log.Errorf("failed to persist domain status", err)
		}
	}
}

// Route returns the route for a VM, if registered
func (s *Service) Route(vmID string) (*types.Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	route, ok := s.routes[vmID]
	return route, ok
}

// Lookup resolves a request host to a proxy target. Only active routes and
// verified active domains resolve.
func (s *Service) Lookup(host string) (targetHost string, targetPort int, ok bool) {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if route, found := s.bySubdomain[host]; found && route.Status == types.RouteActive {
		return route.TargetHost, route.TargetPort, true
	}

	if d, found := s.domains[host]; found && d.Status == types.DomainActive {
		if route, haveRoute := s.routes[d.VmID]; haveRoute && route.Status == types.RouteActive {
			port := d.TargetPort
			if port <= 0 {
				port = route.TargetPort
			}
			return route.TargetHost, port, true
		}
	}

	return "", 0, false
}

// IsCustomDomainRegistered is the TLS issuance gate. Only hosts the registry
// serves may get certificates: default subdomains, and custom domains that
// passed DNS verification. Pending or paused domains stay gated.
func (s *Service) IsCustomDomainRegistered(host string) bool {
	host = strings.ToLower(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.bySubdomain[host]; ok {
		return true
	}
	d, ok := s.domains[host]
	return ok && d.Status == types.DomainActive
}

// nodeTargetHost picks the address ingress traffic for a node's VMs should
// be sent to.
func nodeTargetHost(node *types.Node) string {
	if node.NATType == types.NATTypeCGNAT && node.CgnatInfo != nil && node.CgnatInfo.TunnelIP != "" {
		return node.CgnatInfo.TunnelIP
	}
	return node.PublicIP
}

var subdomainStrip = regexp.MustCompile(`[^a-z0-9-]`)
var hyphenRuns = regexp.MustCompile(`-{2,}`)

// GenerateSubdomain turns a VM name into a DNS-safe label: lower-cased,
// spaces and underscores become hyphens, everything else non-alphanumeric is
// dropped, hyphen runs collapse, and the result is clamped to 63 chars.
func GenerateSubdomain(name string) string {
	label := strings.ToLower(name)
	label = strings.ReplaceAll(label, " ", "-")
	label = strings.ReplaceAll(label, "_", "-")
	label = subdomainStrip.ReplaceAllString(label, "")
	label = hyphenRuns.ReplaceAllString(label, "-")
	label = strings.Trim(label, "-")
	if len(label) > 63 {
		label = strings.Trim(label[:63], "-")
	}
	if label == "" {
		label = "vm"
	}
	return label
}
