// Package api is the orchestrator's HTTP surface. One chi router serves the
// node-facing control plane (registration, heartbeats, acks, system-VM ready
// callbacks), the tenant management API (auth, VMs, custom domains), the
// Prometheus endpoint and health.
package api
