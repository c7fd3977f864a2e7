/*
Package log provides structured logging for devloop components.

It wraps zerolog behind a small initialization API so every component logs
through the same global logger with a consistent field vocabulary:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("ingress")
	logger.Info().Str("path", p).Msg("event admitted")

When a log file is configured the output is rotated with lumberjack using the
limits from the logging.rotation configuration section.
*/
package log
