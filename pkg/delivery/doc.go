// Package delivery moves commands from the orchestrator to node agents.
//
// Delivery is hybrid: commands are always appended to the node's FIFO queue
// first, then pushed immediately when the node accepts pushes and has no
// backlog. Nodes behind CGNAT are pushed through their relay tunnel IP.
// Push failures accumulate per node; past the threshold the node is demoted
// to heartbeat polling until a successful heartbeat re-enables push.
//
// Acknowledgements flow back through HandleAck and drive VM lifecycle
// transitions. Commands that are never acknowledged are dropped by the
// stale cleanup loop with the VM moved to Error, never silently.
package delivery
