// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger used across runmeter. Production
// mode emits JSON with ISO8601 timestamps; development mode emits coloured
// console output.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("Application started")
//	logger.Error("An error occurred", zap.Error(err))
package logger
