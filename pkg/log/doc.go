/*
Package log provides structured logging for the kernel agent using zerolog.

Call Init once at startup with the level and output format taken from the
CLI flags, then use WithComponent for a subsystem-scoped logger, or
WithKernelID (a thin wrapper over the general-purpose With) to tag a log
line with the kernel it concerns. Every child logger shares the global
level and writer set by Init, so verbosity and output format are
controlled in exactly one place.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("lifecycle")
	logger.Info().Str("kernel_id", id.String()).Msg("kernel created")
*/
package log
