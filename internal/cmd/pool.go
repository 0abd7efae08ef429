package cmd

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/config"
	"github.com/Iron-Ham/distrun/internal/coordinator"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/logging"
)

// Wrapper functions to allow testing
var (
	getwd      = os.Getwd
	newFactory = dialerFactory
)

// dialerFactory builds the gateway factory described by cfg.
func dialerFactory(cfg *config.Config, logger *logging.Logger) (gateway.Factory, error) {
	wire, err := codec.NewRegistry().Lookup(cfg.Dist.Codec)
	if err != nil {
		return nil, err
	}
	return gateway.NewDialer(gateway.DialerConfig{
		Command: cfg.Dist.WorkerCommand,
		Codec:   wire,
		SSH: gateway.SSHConfig{
			User:         cfg.SSH.User,
			IdentityFile: cfg.SSH.IdentityFile,
			KnownHosts:   cfg.SSH.KnownHosts,
			Port:         cfg.SSH.Port,
		},
		Logger: logger,
	}), nil
}

// newLogger opens the rotating run log, or a no-op logger when logging is
// disabled.
func newLogger(cfg *config.Config) *logging.Logger {
	if !cfg.Logging.Enabled {
		return logging.NopLogger()
	}
	logger, err := logging.NewLoggerWithRotation(config.LogDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
		return logging.NopLogger()
	}
	return logger
}

// loadPool loads the configuration and builds a coordinator for it.
// adjust, if non-nil, may refine the coordinator config before use.
func loadPool(adjust func(*coordinator.Config)) (*coordinator.Coordinator, *config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	cwd, err := getwd()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	logger := newLogger(cfg)
	factory, err := newFactory(cfg, logger)
	if err != nil {
		_ = logger.Close()
		return nil, nil, nil, err
	}

	ccfg := coordinator.FromConfig(cfg, cwd)
	if adjust != nil {
		adjust(&ccfg)
	}
	coord, err := coordinator.New(ccfg, factory, coordinator.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, nil, nil, err
	}
	return coord, cfg, logger, nil
}
