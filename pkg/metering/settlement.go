package metering

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

// ChainClient submits settlement batches on chain
type ChainClient interface {
	SubmitBatch(batch *types.SettlementBatch) (txHash string, err error)
}

// SettlementService records metered usage against tenant balances and
// drives the periodic on-chain settlement of accumulated records.
type SettlementService struct {
	cfg    *config.MeteringConfig
	gw     *gateway.Gateway
	broker *events.Broker
	chain  ChainClient

	stopCh chan struct{}
}

// NewSettlementService creates the settlement service
func NewSettlementService(cfg *config.MeteringConfig, gw *gateway.Gateway, broker *events.Broker, chain ChainClient) *SettlementService {
	return &SettlementService{
		cfg:    cfg,
		gw:     gw,
		broker: broker,
		chain:  chain,
		stopCh: make(chan struct{}),
	}
}

// Start launches the settlement driver
func (s *SettlementService) Start() {
	go s.driverLoop()
}

// Stop stops the settlement driver
func (s *SettlementService) Stop() {
	close(s.stopCh)
}

// RecordUsage debits the tenant and persists a usage record. A tenant that
// cannot cover the charge gets billing paused rather than going negative.
func (s *SettlementService) RecordUsage(vm *types.VirtualMachine, amount float64, periodStart, periodEnd time.Time, attestationVerified bool) error {
	logger := log.WithComponent("metering")

	user, err := s.gw.GetUser(vm.OwnerID)
	if err != nil {
		return fmt.Errorf("billing owner unknown: %w", err)
	}

	if user.BalanceUsdc < amount {
		vm.Billing.Paused = true
		vm.Billing.PausedReason = "insufficient balance"
		if err := s.gw.SaveVm(vm); err != nil {
			log.Errorf("failed to persist billing pause", err)
		}
		logger.Warn().
			Str("vm_id", vm.ID).
			Str("user", user.ID).
			Float64("balance_usdc", user.BalanceUsdc).
			Float64("charge_usdc", amount).
			Msg("insufficient balance, billing paused")
		return fmt.Errorf("insufficient balance for user %s", user.ID)
	}

	node, err := s.gw.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("billing target node unknown: %w", err)
	}

	user.BalanceUsdc -= amount
	if err := s.gw.SaveUser(user); err != nil {
		return err
	}

	record := &types.UsageRecord{
		ID:                  uuid.New().String(),
		UserID:              user.ID,
		VmID:                vm.ID,
		NodeID:              node.ID,
		UserWallet:          user.WalletAddress,
		NodeWallet:          node.WalletAddress,
		AmountUsdc:          amount,
		PeriodStart:         periodStart,
		PeriodEnd:           periodEnd,
		AttestationVerified: attestationVerified,
		CreatedAt:           time.Now(),
	}
	if err := s.gw.SaveUsageRecord(record); err != nil {
		return err
	}

	metrics.UsageRecordedUsdc.Add(amount)
	s.broker.Publish(&events.Event{
		Type:   events.EventUsageRecorded,
		VmID:   vm.ID,
		NodeID: node.ID,
		Metadata: map[string]string{
			"amount_usdc": fmt.Sprintf("%.6f", amount),
			"user":        user.ID,
		},
	})
	return nil
}

func (s *SettlementService) driverLoop() {
	ticker := time.NewTicker(s.cfg.SettlementInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.settle()
		case <-s.stopCh:
			return
		}
	}
}

// settle groups unsettled records by payer/payee pair and submits each
// group in bounded chunks. A failed chunk is left unsettled for the next
// cycle; it never blocks the other pairs.
func (s *SettlementService) settle() {
	logger := log.WithComponent("metering")

	records, err := s.gw.ListUnsettledUsageRecords()
	if err != nil {
		log.Errorf("failed to list unsettled records", err)
		return
	}
	if len(records) == 0 {
		return
	}

	type pairKey struct{ user, node string }
	groups := make(map[pairKey][]*types.UsageRecord)
	for _, r := range records {
		key := pairKey{r.UserWallet, r.NodeWallet}
		groups[key] = append(groups[key], r)
	}

	first := true
	for key, group := range groups {
		total := 0.0
		for _, r := range group {
			total += r.AmountUsdc
		}
		if total < s.cfg.MinSettlementAmount {
			continue
		}

		for start := 0; start < len(group); start += s.cfg.MaxSettlementsPerBatch {
			end := start + s.cfg.MaxSettlementsPerBatch
			if end > len(group) {
				end = len(group)
			}
			chunk := group[start:end]

			if !first {
				// Spacing keeps the submitting account's nonce sequence
				// comfortable for the RPC endpoint.
				time.Sleep(time.Duration(2+rand.Intn(4)) * time.Second)
			}
			first = false

			batch := &types.SettlementBatch{
				UserWallet: key.user,
				NodeWallet: key.node,
				Records:    chunk,
			}
			for _, r := range chunk {
				batch.TotalUsdc += r.AmountUsdc
			}
			batch.NodePayoutUsdc = batch.TotalUsdc * s.cfg.NodeFeeShare

			txHash, err := s.chain.SubmitBatch(batch)
			if err != nil {
				logger.Error().
					Err(err).
					Str("user_wallet", key.user).
					Str("node_wallet", key.node).
					Int("records", len(chunk)).
					Msg("settlement chunk failed, will retry next cycle")
				continue
			}

			for _, r := range chunk {
				r.Settled = true
				r.SettlementTxHash = txHash
				if err := s.gw.SaveUsageRecord(r); err != nil {
					log.Errorf("failed to mark record settled", err)
				}
			}

			metrics.SettlementsSubmitted.Inc()
			s.broker.Publish(&events.Event{
				Type:    events.EventSettlementSubmitted,
				Message: txHash,
				Metadata: map[string]string{
					"user_wallet": key.user,
					"node_wallet": key.node,
					"total_usdc":  fmt.Sprintf("%.6f", batch.TotalUsdc),
					"records":     fmt.Sprintf("%d", len(chunk)),
				},
			})
			logger.Info().
				Str("tx_hash", txHash).
				Float64("total_usdc", batch.TotalUsdc).
				Int("records", len(chunk)).
				Msg("settlement submitted")
		}
	}
}
