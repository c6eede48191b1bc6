package probe

import (
	"context"
	"time"
)

// Kind represents the type of probe
type Kind string

const (
	KindHTTP Kind = "http"
	KindICMP Kind = "icmp"
)

// Result represents the outcome of a single probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	// RTT is the measured round trip; wall time of the HTTP request or the
	// ICMP echo latency.
	RTT time.Duration
}

// Prober is the interface latency tracking and relay health share
type Prober interface {
	Probe(ctx context.Context) Result
	Kind() Kind
}
