package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/capacity"
	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/evaluator"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/lifecycle"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/types"
)

// Registry owns node admission, auth tokens, heartbeats and liveness.
// Node status is mutated here and nowhere else.
type Registry struct {
	cfg    *config.RegistryConfig
	gw     *gateway.Gateway
	broker *events.Broker
	eval   *evaluator.Evaluator
	calc   *capacity.Calculator
	vms    *lifecycle.Manager

	stopCh chan struct{}
}

// New creates the node registry
func New(cfg *config.RegistryConfig, gw *gateway.Gateway, broker *events.Broker, eval *evaluator.Evaluator, calc *capacity.Calculator, vms *lifecycle.Manager) *Registry {
	return &Registry{
		cfg:    cfg,
		gw:     gw,
		broker: broker,
		eval:   eval,
		calc:   calc,
		vms:    vms,
		stopCh: make(chan struct{}),
	}
}

// RegisterRequest is the payload a node submits on registration
type RegisterRequest struct {
	WalletAddress   string                   `json:"wallet_address"`
	Name            string                   `json:"name"`
	PublicIP        string                   `json:"public_ip"`
	AgentPort       int                      `json:"agent_port"`
	NATType         types.NATType            `json:"nat_type"`
	Region          string                   `json:"region"`
	Zone            string                   `json:"zone"`
	AgentVersion    string                   `json:"agent_version"`
	SupportedImages []string                 `json:"supported_images"`
	Hardware        *types.HardwareInventory `json:"hardware"`
}

// RegisterResponse returns the minted identity and the raw token, which is
// never stored and never returned again.
type RegisterResponse struct {
	NodeID            string        `json:"node_id"`
	Token             string        `json:"token"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Register admits a node or re-registers an existing one (matched by
// wallet). Either way a fresh auth token is issued and the old one stops
// validating.
func (r *Registry) Register(req *RegisterRequest) (*RegisterResponse, error) {
	if req.WalletAddress == "" {
		return nil, fmt.Errorf("wallet address is required")
	}
	if req.Hardware == nil {
		return nil, fmt.Errorf("hardware inventory is required")
	}

	logger := log.WithComponent("registry")
	now := time.Now()

	node, err := r.gw.GetNodeByWallet(req.WalletAddress)
	if err != nil {
		node = &types.Node{
			ID:        uuid.New().String(),
			CreatedAt: now,
			Labels:    make(map[string]string),
		}
	}

	node.WalletAddress = req.WalletAddress
	node.Name = req.Name
	node.PublicIP = req.PublicIP
	node.AgentPort = req.AgentPort
	node.NATType = req.NATType
	node.Region = req.Region
	node.Zone = req.Zone
	node.AgentVersion = req.AgentVersion
	node.SupportedImages = req.SupportedImages
	node.Hardware = req.Hardware
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = now
	node.PushEnabled = true
	node.ConsecutivePushFailures = 0
	node.UpdatedAt = now

	node.Evaluation = r.eval.Evaluate(req.Hardware)

	// Preserve reservations across re-registration; only totals refresh
	totals := r.calc.EffectiveTotals(req.Hardware)
	if node.Resources == nil {
		node.Resources = &totals
	} else {
		node.Resources.TotalComputePoints = totals.TotalComputePoints
		node.Resources.TotalMemoryBytes = totals.TotalMemoryBytes
		node.Resources.TotalStorageBytes = totals.TotalStorageBytes
	}

	if err := r.gw.SaveNode(node); err != nil {
		return nil, err
	}

	rawToken, err := r.issueToken(node.ID)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("node_id", node.ID).
		Str("wallet", node.WalletAddress).
		Str("region", node.Region).
		Msg("node registered")

	r.broker.Publish(&events.Event{
		Type:   events.EventNodeRegistered,
		NodeID: node.ID,
		Metadata: map[string]string{
			"wallet": node.WalletAddress,
			"region": node.Region,
		},
	})

	return &RegisterResponse{
		NodeID:            node.ID,
		Token:             rawToken,
		HeartbeatInterval: r.cfg.HeartbeatInterval,
	}, nil
}

// issueToken mints 32 cryptographically random bytes, persists the SHA-256
// hash and returns the raw base64 token exactly once.
func (r *Registry) issueToken(nodeID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.StdEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(token))

	now := time.Now()
	record := &types.NodeAuthToken{
		NodeID:    nodeID,
		Hash:      hex.EncodeToString(hash[:]),
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.TokenLifetime),
	}
	if err := r.gw.SaveNodeAuthToken(record); err != nil {
		return "", err
	}
	return token, nil
}

// ValidateToken checks the presented token against the stored hash in
// constant time. Returns a warning when the token is close to expiry.
func (r *Registry) ValidateToken(nodeID, token string) (warning string, err error) {
	record, err := r.gw.GetNodeAuthToken(nodeID)
	if err != nil {
		return "", fmt.Errorf("no token on record for node")
	}
	if record.IsRevoked {
		return "", fmt.Errorf("token revoked")
	}
	if time.Now().After(record.ExpiresAt) {
		return "", fmt.Errorf("token expired")
	}

	presented := sha256.Sum256([]byte(token))
	stored, err := hex.DecodeString(record.Hash)
	if err != nil {
		return "", fmt.Errorf("corrupt token record")
	}
	if subtle.ConstantTimeCompare(presented[:], stored) != 1 {
		return "", fmt.Errorf("invalid token")
	}

	record.LastUsedAt = time.Now()
	if err := r.gw.SaveNodeAuthToken(record); err != nil {
		log.Errorf("failed to record token use", err)
	}

	if remaining := time.Until(record.ExpiresAt); remaining <= r.cfg.ExpirationWarningThreshold {
		warning = fmt.Sprintf("auth token expires in %s; re-register to rotate", remaining.Round(time.Hour))
	}
	return warning, nil
}

// RevokeToken marks a node's token unusable
func (r *Registry) RevokeToken(nodeID string) error {
	record, err := r.gw.GetNodeAuthToken(nodeID)
	if err != nil {
		return err
	}
	record.IsRevoked = true
	return r.gw.SaveNodeAuthToken(record)
}

// Start launches the health-scan and token-sweep loops
func (r *Registry) Start() {
	go r.healthScanLoop()
	go r.tokenSweepLoop()
}

// Stop stops the background loops
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) healthScanLoop() {
	ticker := time.NewTicker(r.cfg.HealthScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.healthScan()
		case <-r.stopCh:
			return
		}
	}
}

// healthScan marks silent nodes Offline and errors their running VMs
// through the lifecycle manager.
func (r *Registry) healthScan() {
	logger := log.WithComponent("registry")
	now := time.Now()

	for _, node := range r.gw.ListNodes() {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}

		logger.Warn().
			Str("node_id", node.ID).
			Dur("silence", now.Sub(node.LastHeartbeat)).
			Msg("node missed heartbeat window, marking offline")

		node.Status = types.NodeStatusOffline
		node.UpdatedAt = now
		if err := r.gw.SaveNode(node); err != nil {
			log.Errorf("failed to mark node offline", err)
			continue
		}

		r.broker.Publish(&events.Event{
			Type:   events.EventNodeOffline,
			NodeID: node.ID,
		})

		for _, vm := range r.gw.ListVmsByNode(node.ID) {
			if vm.Status == types.VmStatusRunning || vm.Status == types.VmStatusProvisioning {
				r.vms.Transition(vm.ID, types.VmStatusError, lifecycle.TransitionContext{
					Trigger: lifecycle.TriggerNodeOffline,
					Source:  node.ID,
					Message: "Node offline",
				})
			}
		}
	}
}

func (r *Registry) tokenSweepLoop() {
	ticker := time.NewTicker(r.cfg.TokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepExpiredTokens()
		case <-r.stopCh:
			return
		}
	}
}

// sweepExpiredTokens drops token records past their expiry. The storage
// layer has no TTL index, so the sweep is the TTL.
func (r *Registry) sweepExpiredTokens() {
	now := time.Now()
	for _, token := range r.gw.ListNodeAuthTokens() {
		if now.After(token.ExpiresAt) {
			if err := r.gw.DeleteNodeAuthToken(token.NodeID); err != nil {
				log.Errorf("failed to sweep expired token", err)
			}
		}
	}
}
