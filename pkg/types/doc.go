/*
Package types defines the core data structures used throughout the decloud
control plane.

This package contains all fundamental types that represent the orchestrator's
domain model: nodes, virtual machines, system-VM obligations, ingress routes,
pending commands, usage records and the WireGuard mesh state. These types are
used by all other packages for state management, API communication, and
orchestration logic.

# Core Types

Node inventory:
  - Node: a registered worker host with hardware, resources, and mesh state
  - HardwareInventory / NodeResources: advertised capacity and reservations
  - PerformanceEvaluation: benchmark-derived points-per-core grade
  - SystemVmObligation: a system role (DHT, Relay, ...) a node must host
  - RelayInfo / CgnatInfo / DhtInfo: overlay mesh membership

Workloads:
  - VirtualMachine: a tenant or system VM; Spec is immutable after creation,
    Status is mutated only by the lifecycle manager
  - VmSpec / VmStatus / PowerState: the resource request and lifecycle state
  - NodeCommand / CommandResult: the push/pull command plane payloads

Ingress:
  - Route: default subdomain route derived from the VM name
  - CustomDomain: tenant-owned domain with DNS verification state

Billing:
  - UsageRecord: one metered interval, attestation-gated, settled on-chain
  - SettlementBatch: records grouped by (userWallet, nodeWallet)

Ownership rules worth remembering: node status belongs to the registry, VM
status belongs to the lifecycle manager, and everyone else reads through the
persistence gateway.
*/
package types
