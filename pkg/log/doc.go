/*
Package log provides structured logging for whim built on zerolog.

Call Init once from the composition root, then derive component-scoped child
loggers with WithComponent. Console output is the default; JSON output is for
production deployments where logs are shipped.

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("work_item_id", id).Msg("spawned worker")
*/
package log
