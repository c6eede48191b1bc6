package latency

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/decloudhq/decloud/pkg/config"
	"github.com/decloudhq/decloud/pkg/gateway"
	"github.com/decloudhq/decloud/pkg/log"
	"github.com/decloudhq/decloud/pkg/metrics"
	"github.com/decloudhq/decloud/pkg/probe"
	"github.com/decloudhq/decloud/pkg/types"
)

// Tracker measures round-trip latency to running VMs. Each VM is calibrated
// once with a burst of spaced samples, then tracked with an exponentially
// smoothed RTT plus a rolling window for spread statistics.
type Tracker struct {
	cfg *config.LatencyConfig
	gw  *gateway.Gateway

	stopCh chan struct{}
}

// New creates a latency tracker
func New(cfg *config.LatencyConfig, gw *gateway.Gateway) *Tracker {
	return &Tracker{
		cfg:    cfg,
		gw:     gw,
		stopCh: make(chan struct{}),
	}
}

// Start launches the measurement loop
func (t *Tracker) Start() {
	go t.measureLoop()
}

// Stop stops the measurement loop
func (t *Tracker) Stop() {
	close(t.stopCh)
}

func (t *Tracker) measureLoop() {
	ticker := time.NewTicker(t.cfg.MeasureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.measureAll()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) measureAll() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration.WithLabelValues("latency"))

	for _, vm := range t.gw.ListVms() {
		if vm.Status != types.VmStatusRunning || vm.IsSystemVm() {
			continue
		}

		select {
		case <-t.stopCh:
			return
		default:
		}

		if err := t.measure(vm); err != nil {
			log.WithComponent("latency").Debug().
				Err(err).
				Str("vm_id", vm.ID).
				Msg("rtt measurement failed")
		}
	}
}

// measure takes one sample for the VM, calibrating first when no baseline
// exists yet.
func (t *Tracker) measure(vm *types.VirtualMachine) error {
	if vm.NetworkMetrics == nil || vm.NetworkMetrics.BaselineRttMs == 0 {
		return t.calibrate(vm)
	}

	rtt, err := t.MeasureRtt(vm)
	if err != nil {
		return err
	}

	nm := vm.NetworkMetrics
	alpha := t.cfg.SmoothingAlpha
	nm.CurrentRttMs = alpha*rtt + (1-alpha)*nm.CurrentRttMs

	nm.Samples = append(nm.Samples, rtt)
	if len(nm.Samples) > t.cfg.SampleWindow {
		nm.Samples = nm.Samples[len(nm.Samples)-t.cfg.SampleWindow:]
	}
	nm.MinRttMs, nm.MaxRttMs, nm.StdevRttMs = windowStats(nm.Samples)
	nm.MeasuredAt = time.Now()

	return t.gw.SaveVm(vm)
}

// calibrate establishes the baseline RTT from the median of a sample burst.
// The median shrugs off the one slow sample a cold connection usually has.
func (t *Tracker) calibrate(vm *types.VirtualMachine) error {
	samples := make([]float64, 0, t.cfg.CalibrationSamples)
	for i := 0; i < t.cfg.CalibrationSamples; i++ {
		if i > 0 {
			select {
			case <-time.After(t.cfg.CalibrationSpacing):
			case <-t.stopCh:
				return nil
			}
		}
		rtt, err := t.MeasureRtt(vm)
		if err != nil {
			continue
		}
		samples = append(samples, rtt)
	}
	if len(samples) == 0 {
		return fmt.Errorf("calibration failed for vm %s: no successful probes", vm.ID)
	}

	baseline := median(samples)
	vm.NetworkMetrics = &types.NetworkMetrics{
		BaselineRttMs: baseline,
		CurrentRttMs:  baseline,
		MinRttMs:      samples[0],
		Samples:       samples,
		CalibratedAt:  time.Now(),
		MeasuredAt:    time.Now(),
	}
	vm.NetworkMetrics.MinRttMs, vm.NetworkMetrics.MaxRttMs, vm.NetworkMetrics.StdevRttMs = windowStats(samples)

	log.WithComponent("latency").Info().
		Str("vm_id", vm.ID).
		Float64("baseline_ms", baseline).
		Int("samples", len(samples)).
		Msg("rtt baseline calibrated")

	return t.gw.SaveVm(vm)
}

// MeasureRtt takes a single RTT sample. HTTP wall time is preferred because
// it exercises the same path user traffic takes; ICMP echo is the fallback
// when the agent endpoint is unreachable.
func (t *Tracker) MeasureRtt(vm *types.VirtualMachine) (float64, error) {
	url, host, err := t.probeTarget(vm)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ProbeTimeout)
	defer cancel()

	result := probe.NewHTTPProber(url, t.cfg.ProbeTimeout).Probe(ctx)
	if result.Healthy {
		metrics.LatencyProbesTotal.WithLabelValues("ok").Inc()
		return float64(result.RTT) / float64(time.Millisecond), nil
	}

	ictx, icancel := context.WithTimeout(context.Background(), t.cfg.ProbeTimeout)
	defer icancel()

	result = probe.NewICMPProber(host, t.cfg.ProbeTimeout).Probe(ictx)
	if result.Healthy {
		metrics.LatencyProbesTotal.WithLabelValues("fallback").Inc()
		return float64(result.RTT) / float64(time.Millisecond), nil
	}

	metrics.LatencyProbesTotal.WithLabelValues("failed").Inc()
	return 0, fmt.Errorf("vm %s unreachable: %s", vm.ID, result.Message)
}

// probeTarget picks the probe URL for a VM. CGNAT hosts are only reachable
// through the relay tunnel, so the node agent stands in for the VM there.
func (t *Tracker) probeTarget(vm *types.VirtualMachine) (url, host string, err error) {
	node, err := t.gw.GetNode(vm.NodeID)
	if err != nil {
		return "", "", err
	}

	if node.NATType == types.NATTypeCGNAT {
		if node.CgnatInfo == nil || node.CgnatInfo.TunnelIP == "" {
			return "", "", fmt.Errorf("cgnat node %s has no tunnel", node.ID)
		}
		host = node.CgnatInfo.TunnelIP
		return fmt.Sprintf("http://%s:%d/api/node/health", host, node.AgentPort), host, nil
	}

	if vm.Network != nil && vm.Network.PublicIP != "" {
		host = vm.Network.PublicIP
		return fmt.Sprintf("http://%s:%d/health", host, t.cfg.VmProbePort), host, nil
	}

	host = node.PublicIP
	return fmt.Sprintf("http://%s:%d/api/node/health", host, node.AgentPort), host, nil
}

func windowStats(samples []float64) (min, max, stdev float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	min, max = samples[0], samples[0]
	sum := 0.0
	for _, s := range samples {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += s
	}
	mean := sum / float64(len(samples))

	variance := 0.0
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(samples))

	return min, max, math.Sqrt(variance)
}

func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
