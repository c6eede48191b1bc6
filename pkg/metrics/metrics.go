package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VmsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_vms_total",
			Help: "Total number of virtual machines by status",
		},
		[]string{"status"},
	)

	RelaysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_relays_total",
			Help: "Total number of relay VMs by status",
		},
		[]string{"status"},
	)

	CgnatNodesAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decloud_cgnat_nodes_assigned",
			Help: "CGNAT nodes with an active relay assignment",
		},
	)

	// Lifecycle metrics
	VmTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_vm_transitions_total",
			Help: "VM lifecycle transitions by source and destination status",
		},
		[]string{"from", "to"},
	)

	VmTransitionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_vm_transitions_rejected_total",
			Help: "Lifecycle transitions refused as illegal",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decloud_scheduling_latency_seconds",
			Help:    "Time taken to place a VM in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VmsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_vms_scheduled_total",
			Help: "Total number of VMs placed on a node",
		},
	)

	VmsUnschedulable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_vms_unschedulable_total",
			Help: "Scheduling attempts that found no feasible node",
		},
	)

	// Command delivery metrics
	CommandPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_command_pushes_total",
			Help: "Command push attempts by outcome (pushed, queued, failed)",
		},
		[]string{"outcome"},
	)

	// Reconcile loop metrics
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decloud_reconcile_duration_seconds",
			Help:    "Duration of reconcile cycles by loop",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	// Billing metrics
	BillingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_billing_cycles_total",
			Help: "Billing events consumed from the metering queue",
		},
	)

	UsageRecordedUsdc = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_usage_recorded_usdc_total",
			Help: "Total metered usage in USDC",
		},
	)

	SettlementsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_settlements_submitted_total",
			Help: "On-chain settlement transactions submitted",
		},
	)

	// Latency metrics
	LatencyProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_latency_probes_total",
			Help: "RTT probes by outcome (ok, fallback, failed)",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VmsTotal)
	prometheus.MustRegister(RelaysTotal)
	prometheus.MustRegister(CgnatNodesAssigned)
	prometheus.MustRegister(VmTransitionsTotal)
	prometheus.MustRegister(VmTransitionsRejected)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(VmsScheduled)
	prometheus.MustRegister(VmsUnschedulable)
	prometheus.MustRegister(CommandPushesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(BillingCyclesTotal)
	prometheus.MustRegister(UsageRecordedUsdc)
	prometheus.MustRegister(SettlementsSubmitted)
	prometheus.MustRegister(LatencyProbesTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
