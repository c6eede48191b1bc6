// Package mesh manages the WireGuard overlay that makes CGNAT nodes
// reachable.
//
// Public nodes with spare capacity host relay VMs, each owning a /24 inside
// 10.20.0.0/16 with the relay itself at .254. CGNAT nodes are enrolled
// against the best-scoring relay and get a host address in its subnet plus
// a rendered wg-quick config. A health loop probes every relay, re-adds
// missing peers, tracks handshake freshness, and fails the relay's nodes
// over to other relays after repeated misses.
package mesh
