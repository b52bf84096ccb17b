// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Production mode writes JSON with ISO8601 timestamps,
// development mode writes colored console output.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	logger.Component(log, "reaper").Info("sweep finished", zap.Int("reaped", n))
package logger
