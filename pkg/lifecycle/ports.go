package lifecycle

import (
	"fmt"
	"sync"

	"github.com/decloudhq/decloud/pkg/types"
)

const (
	portRangeStart = 30000
	portRangeEnd   = 32767
)

// PortAllocator hands out direct-access host ports per node. The node agent
// applies the actual forwarding; the orchestrator only owns the bookkeeping
// so two VMs on one node never collide.
type PortAllocator struct {
	mu        sync.Mutex
	allocated map[string]map[int]string // nodeID -> hostPort -> vmID
}

// NewPortAllocator creates an empty allocator
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		allocated: make(map[string]map[int]string),
	}
}

// Allocate reserves the next free host port on the node for the VM
func (p *PortAllocator) Allocate(nodeID, vmID string, guestPort int, protocol string) (*types.DirectPort, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports, ok := p.allocated[nodeID]
	if !ok {
		ports = make(map[int]string)
		p.allocated[nodeID] = ports
	}

	for port := portRangeStart; port <= portRangeEnd; port++ {
		if _, taken := ports[port]; taken {
			continue
		}
		ports[port] = vmID
		return &types.DirectPort{
			GuestPort: guestPort,
			HostPort:  port,
			Protocol:  protocol,
		}, nil
	}

	return nil, fmt.Errorf("no free host ports on node %s", nodeID)
}

// ReleaseVm frees every port the VM holds on the node
func (p *PortAllocator) ReleaseVm(nodeID, vmID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports, ok := p.allocated[nodeID]
	if !ok {
		return 0
	}

	released := 0
	for port, owner := range ports {
		if owner == vmID {
			delete(ports, port)
			released++
		}
	}
	if len(ports) == 0 {
		delete(p.allocated, nodeID)
	}
	return released
}

// Restore re-registers a known allocation, used when warming from the store
func (p *PortAllocator) Restore(nodeID, vmID string, hostPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports, ok := p.allocated[nodeID]
	if !ok {
		ports = make(map[int]string)
		p.allocated[nodeID] = ports
	}
	ports[hostPort] = vmID
}
