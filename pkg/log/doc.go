/*
Package log provides structured logging for the decloud control plane using
zerolog.

It wraps zerolog with a process-global logger, component-scoped child loggers
(WithComponent, WithNodeID, WithVmID, WithRelay) and helper functions for the
common cases. Output is human-readable console format by default and JSON when
Config.JSONOutput is set, which is what production deployments ship to their
log pipeline.

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("vm_id", vm.ID).Msg("placed vm")
*/
package log
