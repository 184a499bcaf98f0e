// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output for human readability
//
// Logs go to stderr by default so stdout stays free for the content shell.
// Components take a child logger via Named ("gate", "listener", "process")
// and attach request scoped fields with With.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	gateLog := logger.Named("gate")
//	gateLog.Warn("script delivery failed", zap.Error(err))
package logging
