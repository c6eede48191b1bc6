// Package latency tracks round-trip time to running VMs: a one-time
// calibration burst establishes the baseline, then periodic samples feed an
// exponentially smoothed current RTT and a rolling window for spread stats.
package latency
