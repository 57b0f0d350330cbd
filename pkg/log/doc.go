/*
Package log provides structured logging for Burrow built on zerolog.

The package exposes a global Logger configured once at startup via Init,
plus helpers to derive component- and container-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("containerizer")
	logger.Info().Str("container_id", id.String()).Msg("starting container")

Components hold a child logger rather than calling the package-level
helpers so every line carries its origin.
*/
package log
