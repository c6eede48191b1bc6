// Package scheduler places pending VMs onto nodes.
//
// Placement runs in two phases. A hard feasibility filter removes nodes that
// are offline, tier-ineligible, too full, or missing a required GPU. The
// survivors are scored:
//
//	score = 0.40*capacity + 0.25*load + 0.20*reputation + 0.15*locality
//
// and the winner reserves the VM's compute points, memory and storage
// atomically under the scheduler lock before the CreateVm command is
// enqueued. VMs with no feasible node park in Pending and are retried by
// the sweep loop.
package scheduler
