package storage

import (
	"github.com/decloudhq/decloud/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by the BoltDB-backed document store.
type Store interface {
	// Nodes
	SaveNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByWallet(wallet string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Virtual machines
	SaveVm(vm *types.VirtualMachine) error
	GetVm(id string) (*types.VirtualMachine, error)
	GetVmByName(name string) (*types.VirtualMachine, error)
	ListVms() ([]*types.VirtualMachine, error)
	ListVmsByNode(nodeID string) ([]*types.VirtualMachine, error)
	DeleteVm(id string) error

	// Users
	SaveUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// Templates
	SaveTemplate(template *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	DeleteTemplate(id string) error
	SaveTemplateCategory(category *types.TemplateCategory) error
	ListTemplateCategories() ([]*types.TemplateCategory, error)

	// Usage records
	SaveUsageRecord(record *types.UsageRecord) error
	GetUsageRecord(id string) (*types.UsageRecord, error)
	ListUsageRecords() ([]*types.UsageRecord, error)
	ListUnsettledUsageRecords() ([]*types.UsageRecord, error)

	// Custom domains
	SaveCustomDomain(domain *types.CustomDomain) error
	GetCustomDomain(id string) (*types.CustomDomain, error)
	ListCustomDomains() ([]*types.CustomDomain, error)
	DeleteCustomDomain(id string) error

	// Node auth tokens (one per node, keyed by node id)
	SaveNodeAuthToken(token *types.NodeAuthToken) error
	GetNodeAuthToken(nodeID string) (*types.NodeAuthToken, error)
	ListNodeAuthTokens() ([]*types.NodeAuthToken, error)
	DeleteNodeAuthToken(nodeID string) error

	// Event log (durable append-only)
	AppendEvent(data []byte) error
	ReadEvents(fromSeq uint64, limit int) ([][]byte, uint64, error)

	// Utility
	Close() error
}
