// Package registry owns the node side of the control plane: admission,
// auth-token issuance and validation, heartbeat processing with VM state
// reconciliation, orphan VM recovery, and the liveness scan that marks
// silent nodes offline. Node status is only ever mutated here.
package registry
