package metering

import (
	"time"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/events"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/types"
)

// Service is the metering pipeline: a producer queues Running VMs on an
// interval (and on stop events), a single consumer walks the skip ladder and
// records charges through the settlement service.
type Service struct {
	cfg        *config.MeteringConfig
	gw         *gateway.Gateway
	broker     *events.Broker
	queue      *Queue
	settlement *SettlementService

	stopCh chan struct{}
}

// New creates the metering service
func New(cfg *config.MeteringConfig, gw *gateway.Gateway, broker *events.Broker, settlement *SettlementService) *Service {
	return &Service{
		cfg:        cfg,
		gw:         gw,
		broker:     broker,
		queue:      NewQueue(),
		settlement: settlement,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the producer, the stop-event listener and the consumer
func (s *Service) Start() {
	go s.producerLoop()
	go s.stopEventLoop()
	go s.consumerLoop()
}

// Stop shuts the pipeline down; queued events are processed before exit
func (s *Service) Stop() {
	close(s.stopCh)
	s.queue.Close()
}

func (s *Service) producerLoop() {
	ticker := time.NewTicker(s.cfg.BillingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, vm := range s.gw.ListVms() {
				if vm.Status == types.VmStatusRunning {
					s.queue.Enqueue(&BillingEvent{VmID: vm.ID, Reason: ReasonInterval})
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// stopEventLoop bills the final partial interval when a VM leaves Running
func (s *Service) stopEventLoop() {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if event.Type == events.EventVmStop {
				s.queue.Enqueue(&BillingEvent{VmID: event.VmID, Reason: ReasonStop})
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) consumerLoop() {
	for {
		event, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		s.consume(event)
	}
}

// consume applies the skip ladder and records the charge. Every skip is
// deliberate: the ladder is what keeps billing idempotent and fair.
func (s *Service) consume(event *BillingEvent) {
	logger := log.WithComponent("metering")
	metrics.BillingCyclesTotal.Inc()

	vm, err := s.gw.GetVm(event.VmID)
	if err != nil {
		return
	}

	if vm.Status != types.VmStatusRunning && event.Reason != ReasonStop {
		return
	}
	if vm.IsSystemVm() {
		return
	}
	if vm.Billing == nil || vm.Billing.HourlyRateUsdc <= 0 {
		return
	}
	// A stop event always bills the final interval; only interval ticks
	// respect the pause.
	if vm.Billing.Paused && event.Reason != ReasonStop {
		logger.Debug().
			Str("vm_id", vm.ID).
			Str("reason", vm.Billing.PausedReason).
			Msg("billing paused, skipping")
		return
	}
	if vm.Attestation != nil && vm.Attestation.BillingPaused && event.Reason != ReasonStop {
		logger.Debug().
			Str("vm_id", vm.ID).
			Msg("billing paused by attestation, skipping")
		return
	}

	now := time.Now()
	periodStart := vm.Billing.LastBilledAt
	if periodStart.IsZero() {
		periodStart = vm.StartedAt
	}
	if periodStart.IsZero() {
		return
	}

	period := now.Sub(periodStart)
	if period < s.cfg.MinBillingPeriod && event.Reason != ReasonStop {
		return
	}

	amount := vm.Billing.HourlyRateUsdc * period.Hours()
	if amount < s.cfg.MinChargeUsdc {
		return
	}

	attested := vm.Attestation != nil && vm.Attestation.Verified
	if err := s.settlement.RecordUsage(vm, amount, periodStart, now, attested); err != nil {
		logger.Error().
			Err(err).
			Str("vm_id", vm.ID).
			Float64("amount_usdc", amount).
			Msg("failed to record usage")
		return
	}

	vm.Billing.LastBilledAt = now
	vm.Billing.CurrentPeriodStart = now
	vm.Billing.TotalBilledUsdc += amount
	if err := s.gw.SaveVm(vm); err != nil {
		log.Errorf("failed to persist billing state", err)
	}
}
