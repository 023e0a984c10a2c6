// Package logger provides structured logging for conngate built on zerolog.
//
// Components obtain a tagged logger and attach request-scoped fields:
//
//	log := logger.NewDefault("conngate").WithComponent("pool")
//	log.Warn("probe failed", logger.Fields("connection_id", id, "attempt", 2))
//
// A process-wide logger is available through the package-level functions for
// code without an injected instance.
package logger
