// Package metering bills running VMs and settles the proceeds on chain.
//
// A producer queues every Running VM each billing interval, plus a final
// event when a VM leaves Running. A single consumer walks the skip ladder
// (not running, system VM, paused billing, period too short, amount too
// small) and records a usage charge against the tenant's balance. The
// settlement driver batches unsettled records by payer/payee wallet pair
// and submits them to the settlement contract in bounded chunks.
package metering
