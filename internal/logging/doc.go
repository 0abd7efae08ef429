// Package logging provides structured logging for distrun runs.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. Every entry written by a worker controller carries
// the run id and the worker id, so output from N concurrent workers can be
// separated after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/logs", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLogger := logger.WithRun(runID)
//	runLogger.WithWorker("gw0").Info("bootstrap sent", "args", len(args))
//
// # Rotation
//
// Log files are rotated by lumberjack when they exceed the configured size:
//
//	logger, err := logging.NewLoggerWithRotation(dir, "DEBUG", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	})
//
// # Testing
//
// Use [NopLogger] to discard all output, or [NewWithHandler] to capture it.
package logging
