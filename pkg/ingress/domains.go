package ingress

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// AddCustomDomain attaches a tenant-owned domain to a VM. The domain starts
// in pending_dns and only serves traffic after verification.
func (s *Service) AddCustomDomain(vmID, domain string, targetPort int) (*types.CustomDomain, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")

	if !domainPattern.MatchString(domain) {
		return nil, fmt.Errorf("invalid domain name: %s", domain)
	}
	if net.ParseIP(domain) != nil {
		return nil, fmt.Errorf("ip addresses cannot be used as custom domains")
	}
	if domain == s.cfg.BaseDomain || strings.HasSuffix(domain, "."+s.cfg.BaseDomain) {
		return nil, fmt.Errorf("domains under %s are assigned automatically", s.cfg.BaseDomain)
	}

	vm, err := s.gw.GetVm(vmID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, taken := s.domains[domain]; taken {
		s.mu.Unlock()
		if existing.VmID == vmID {
			return existing, nil
		}
		return nil, fmt.Errorf("domain %s is already registered", domain)
	}

	count := 0
	for _, d := range s.domains {
		if d.VmID == vmID {
			count++
		}
	}
	if count >= s.cfg.MaxCustomDomainsPerVm {
		s.mu.Unlock()
		return nil, fmt.Errorf("vm %s already has %d custom domains", vmID, count)
	}

	record := &types.CustomDomain{
		ID:         uuid.New().String(),
		VmID:       vmID,
		Domain:     domain,
		TargetPort: targetPort,
		Status:     types.DomainPendingDns,
		CreatedAt:  time.Now(),
	}
	s.domains[domain] = record
	s.mu.Unlock()

	if err := s.gw.SaveCustomDomain(record); err != nil {
		s.mu.Lock()
		delete(s.domains, domain)
		s.mu.Unlock()
		return nil, err
	}

	if vm.Ingress == nil {
		vm.Ingress = &types.IngressConfig{}
	}
	vm.Ingress.CustomDomainIDs = append(vm.Ingress.CustomDomainIDs, record.ID)
	if err := s.gw.SaveVm(vm); err != nil {
		log.Errorf("failed to link domain to vm", err)
	}

	log.WithComponent("ingress").Info().
		Str("vm_id", vmID).
		Str("domain", domain).
		Msg("custom domain added, awaiting dns verification")
	return record, nil
}

// RemoveCustomDomain detaches a custom domain from its VM
func (s *Service) RemoveCustomDomain(domainID string) error {
	s.mu.Lock()
	var record *types.CustomDomain
	for _, d := range s.domains {
		if d.ID == domainID {
			record = d
			break
		}
	}
	if record != nil {
		delete(s.domains, record.Domain)
	}
	s.mu.Unlock()

	if record == nil {
		return fmt.Errorf("custom domain not found: %s", domainID)
	}

	if err := s.gw.DeleteCustomDomain(domainID); err != nil {
		return err
	}

	if vm, err := s.gw.GetVm(record.VmID); err == nil && vm.Ingress != nil {
		ids := vm.Ingress.CustomDomainIDs[:0]
		for _, id := range vm.Ingress.CustomDomainIDs {
			if id != domainID {
				ids = append(ids, id)
			}
		}
		vm.Ingress.CustomDomainIDs = ids
		if err := s.gw.SaveVm(vm); err != nil {
			log.Errorf("failed to unlink domain from vm", err)
		}
	}

	s.notifyReload()
	return nil
}

// ListDomainsForVm returns the VM's custom domains
func (s *Service) ListDomainsForVm(vmID string) []*types.CustomDomain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.CustomDomain
	for _, d := range s.domains {
		if d.VmID == vmID {
			out = append(out, d)
		}
	}
	return out
}

// VerifyDns checks the domain's A records and activates the domain when they
// point at this platform. With no configured public IPs any resolving domain
// passes, which keeps single-node development setups working.
func (s *Service) VerifyDns(domainID string) (*types.CustomDomain, error) {
	s.mu.RLock()
	var record *types.CustomDomain
	for _, d := range s.domains {
		if d.ID == domainID {
			record = d
			break
		}
	}
	s.mu.RUnlock()

	if record == nil {
		return nil, fmt.Errorf("custom domain not found: %s", domainID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DNSTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupHost(ctx, record.Domain)
	if err != nil {
		return record, fmt.Errorf("dns lookup failed for %s: %w", record.Domain, err)
	}
	if len(ips) == 0 {
		return record, fmt.Errorf("no dns records for %s", record.Domain)
	}

	if len(s.cfg.PublicIPs) > 0 && !resolvesToAny(ips, s.cfg.PublicIPs) {
		return record, fmt.Errorf("%s does not resolve to this platform (got %s)",
			record.Domain, strings.Join(ips, ", "))
	}

	s.mu.Lock()
	record.Status = types.DomainActive
	record.VerifiedAt = time.Now()
	s.mu.Unlock()

	if err := s.gw.SaveCustomDomain(record); err != nil {
		return record, err
	}

	log.WithComponent("ingress").Info().
		Str("domain", record.Domain).
		Str("vm_id", record.VmID).
		Msg("custom domain verified")

	s.notifyReload()
	return record, nil
}

func resolvesToAny(resolved, wanted []string) bool {
	for _, r := range resolved {
		for _, w := range wanted {
			if r == w {
				return true
			}
		}
	}
	return false
}
