/*
Package log provides structured logging for all Ferro components.

It wraps zerolog behind a small global: Init configures level and
output once at startup, WithComponent and the domain helpers
(WithNodeUUID, WithAllocation, WithPhase) hand out child loggers with
the fields the operator greps for.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("allocations")
	logger.Info().Str("node_uuid", node.UUID).Msg("node reserved")
*/
package log
