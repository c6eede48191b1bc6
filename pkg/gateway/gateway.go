package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/decloudhq/decloud/pkg/storage"
	"github.com/decloudhq/decloud/pkg/types"
)

// Gateway is the persistence gateway: typed entity access with hot in-memory
// caches in front of the document store, plus the per-node pending-command
// queues. Writes are write-through; reads hit memory. Backend write failures
// surface to the caller and leave the cache untouched.
type Gateway struct {
	store storage.Store

	mu     sync.RWMutex
	nodes  map[string]*types.Node
	vms    map[string]*types.VirtualMachine
	users  map[string]*types.User
	tokens map[string]*types.NodeAuthToken // keyed by node id

	cmdMu   sync.Mutex
	pending map[string][]*types.NodeCommand // node id -> FIFO
}

// New creates a gateway and warms the caches from the store
func New(store storage.Store) (*Gateway, error) {
	g := &Gateway{
		store:   store,
		nodes:   make(map[string]*types.Node),
		vms:     make(map[string]*types.VirtualMachine),
		users:   make(map[string]*types.User),
		tokens:  make(map[string]*types.NodeAuthToken),
		pending: make(map[string][]*types.NodeCommand),
	}

	nodes, err := store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to warm node cache: %w", err)
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}

	vms, err := store.ListVms()
	if err != nil {
		return nil, fmt.Errorf("failed to warm vm cache: %w", err)
	}
	for _, vm := range vms {
		g.vms[vm.ID] = vm
	}

	users, err := store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to warm user cache: %w", err)
	}
	for _, u := range users {
		g.users[u.ID] = u
	}

	tokens, err := store.ListNodeAuthTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to warm token cache: %w", err)
	}
	for _, t := range tokens {
		g.tokens[t.NodeID] = t
	}

	return g, nil
}

// Node accessors

func (g *Gateway) GetNode(id string) (*types.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return node, nil
}

func (g *Gateway) GetNodeByWallet(wallet string) (*types.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if strings.EqualFold(n.WalletAddress, wallet) {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node not found for wallet: %s", wallet)
}

func (g *Gateway) SaveNode(node *types.Node) error {
	if err := g.store.SaveNode(node); err != nil {
		return fmt.Errorf("failed to persist node %s: %w", node.ID, err)
	}
	g.mu.Lock()
	g.nodes[node.ID] = node
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ListNodes() []*types.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make([]*types.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

func (g *Gateway) DeleteNode(id string) error {
	if err := g.store.DeleteNode(id); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.nodes, id)
	g.mu.Unlock()
	return nil
}

// VM accessors

func (g *Gateway) GetVm(id string) (*types.VirtualMachine, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vm, ok := g.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm not found: %s", id)
	}
	return vm, nil
}

func (g *Gateway) GetVmByName(name string) (*types.VirtualMachine, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, vm := range g.vms {
		if vm.Name == name {
			return vm, nil
		}
	}
	return nil, fmt.Errorf("vm not found: %s", name)
}

func (g *Gateway) SaveVm(vm *types.VirtualMachine) error {
	if err := g.store.SaveVm(vm); err != nil {
		return fmt.Errorf("failed to persist vm %s: %w", vm.ID, err)
	}
	g.mu.Lock()
	g.vms[vm.ID] = vm
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ListVms() []*types.VirtualMachine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vms := make([]*types.VirtualMachine, 0, len(g.vms))
	for _, vm := range g.vms {
		vms = append(vms, vm)
	}
	return vms
}

func (g *Gateway) ListVmsByNode(nodeID string) []*types.VirtualMachine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var vms []*types.VirtualMachine
	for _, vm := range g.vms {
		if vm.NodeID == nodeID {
			vms = append(vms, vm)
		}
	}
	return vms
}

func (g *Gateway) DeleteVm(id string) error {
	if err := g.store.DeleteVm(id); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.vms, id)
	g.mu.Unlock()
	return nil
}

// User accessors

func (g *Gateway) GetUser(id string) (*types.User, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	user, ok := g.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	return user, nil
}

func (g *Gateway) SaveUser(user *types.User) error {
	if err := g.store.SaveUser(user); err != nil {
		return fmt.Errorf("failed to persist user %s: %w", user.ID, err)
	}
	g.mu.Lock()
	g.users[user.ID] = user
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ListUsers() []*types.User {
	g.mu.RLock()
	defer g.mu.RUnlock()
	users := make([]*types.User, 0, len(g.users))
	for _, u := range g.users {
		users = append(users, u)
	}
	return users
}

// Template accessors (no hot cache; template reads are rare)

func (g *Gateway) GetTemplate(id string) (*types.Template, error) {
	return g.store.GetTemplate(id)
}

func (g *Gateway) SaveTemplate(template *types.Template) error {
	return g.store.SaveTemplate(template)
}

func (g *Gateway) ListTemplates() ([]*types.Template, error) {
	return g.store.ListTemplates()
}

func (g *Gateway) DeleteTemplate(id string) error {
	return g.store.DeleteTemplate(id)
}

func (g *Gateway) SaveTemplateCategory(category *types.TemplateCategory) error {
	return g.store.SaveTemplateCategory(category)
}

func (g *Gateway) ListTemplateCategories() ([]*types.TemplateCategory, error) {
	return g.store.ListTemplateCategories()
}

// Usage record accessors

func (g *Gateway) SaveUsageRecord(record *types.UsageRecord) error {
	return g.store.SaveUsageRecord(record)
}

func (g *Gateway) GetUsageRecord(id string) (*types.UsageRecord, error) {
	return g.store.GetUsageRecord(id)
}

func (g *Gateway) ListUsageRecords() ([]*types.UsageRecord, error) {
	return g.store.ListUsageRecords()
}

func (g *Gateway) ListUnsettledUsageRecords() ([]*types.UsageRecord, error) {
	return g.store.ListUnsettledUsageRecords()
}

// Custom domain accessors

func (g *Gateway) SaveCustomDomain(domain *types.CustomDomain) error {
	return g.store.SaveCustomDomain(domain)
}

func (g *Gateway) GetCustomDomain(id string) (*types.CustomDomain, error) {
	return g.store.GetCustomDomain(id)
}

func (g *Gateway) ListCustomDomains() ([]*types.CustomDomain, error) {
	return g.store.ListCustomDomains()
}

func (g *Gateway) DeleteCustomDomain(id string) error {
	return g.store.DeleteCustomDomain(id)
}

// Token accessors

func (g *Gateway) GetNodeAuthToken(nodeID string) (*types.NodeAuthToken, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	token, ok := g.tokens[nodeID]
	if !ok {
		return nil, fmt.Errorf("auth token not found for node: %s", nodeID)
	}
	return token, nil
}

func (g *Gateway) SaveNodeAuthToken(token *types.NodeAuthToken) error {
	if err := g.store.SaveNodeAuthToken(token); err != nil {
		return fmt.Errorf("failed to persist token for node %s: %w", token.NodeID, err)
	}
	g.mu.Lock()
	g.tokens[token.NodeID] = token
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ListNodeAuthTokens() []*types.NodeAuthToken {
	g.mu.RLock()
	defer g.mu.RUnlock()
	tokens := make([]*types.NodeAuthToken, 0, len(g.tokens))
	for _, t := range g.tokens {
		tokens = append(tokens, t)
	}
	return tokens
}

func (g *Gateway) DeleteNodeAuthToken(nodeID string) error {
	if err := g.store.DeleteNodeAuthToken(nodeID); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.tokens, nodeID)
	g.mu.Unlock()
	return nil
}

// Pending command queue. In-memory only: lost on restart, nodes pick up
// work again on their next heartbeat.

// AddPendingCommand appends a command to the node's FIFO queue
func (g *Gateway) AddPendingCommand(nodeID string, cmd *types.NodeCommand) {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	g.pending[nodeID] = append(g.pending[nodeID], cmd)
}

// HasPendingCommands reports whether the node has queued commands
func (g *Gateway) HasPendingCommands(nodeID string) bool {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	return len(g.pending[nodeID]) > 0
}

// GetAndClearPendingCommands drains the node's queue in FIFO order
func (g *Gateway) GetAndClearPendingCommands(nodeID string) []*types.NodeCommand {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	cmds := g.pending[nodeID]
	delete(g.pending, nodeID)
	return cmds
}

// PendingCommands returns a snapshot of the node's queue without draining it
func (g *Gateway) PendingCommands(nodeID string) []*types.NodeCommand {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	cmds := make([]*types.NodeCommand, len(g.pending[nodeID]))
	copy(cmds, g.pending[nodeID])
	return cmds
}

// FilterPendingCommands keeps only the commands for which keep returns true.
// Returns the commands that were removed.
func (g *Gateway) FilterPendingCommands(nodeID string, keep func(*types.NodeCommand) bool) []*types.NodeCommand {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()

	var kept, dropped []*types.NodeCommand
	for _, cmd := range g.pending[nodeID] {
		if keep(cmd) {
			kept = append(kept, cmd)
		} else {
			dropped = append(dropped, cmd)
		}
	}
	if len(kept) == 0 {
		delete(g.pending, nodeID)
	} else {
		g.pending[nodeID] = kept
	}
	return dropped
}

// WithCommandQueue runs fn while holding the command-queue lock. The delivery
// path uses this to decide push-vs-enqueue and enqueue atomically, which is
// what preserves per-node FIFO ordering.
func (g *Gateway) WithCommandQueue(nodeID string, fn func(queueLen int, enqueue func(*types.NodeCommand))) {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	fn(len(g.pending[nodeID]), func(cmd *types.NodeCommand) {
		g.pending[nodeID] = append(g.pending[nodeID], cmd)
	})
}
