package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/spec"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "dist.codec")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidUIModes returns the list of valid progress display modes
func ValidUIModes() []string {
	return []string{"auto", "tui", "plain"}
}

// ValidCodecs returns the names of the wire codecs a worker can speak
func ValidCodecs() []string {
	return codec.NewRegistry().Names()
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateDist()...)
	errors = append(errors, c.validateSSH()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateUI()...)

	return errors
}

// validateDist validates the DistConfig
func (c *Config) validateDist() []ValidationError {
	var errors []ValidationError

	// An empty list is fine here; commands that need workers reject it.
	if len(c.Dist.Tx) > 0 {
		if _, err := spec.Expand(c.Dist.Tx); err != nil {
			errors = append(errors, ValidationError{
				Field:   "dist.tx",
				Value:   c.Dist.Tx,
				Message: err.Error(),
			})
		}
	}

	if c.Dist.TeardownTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "dist.teardown_timeout_seconds",
			Value:   c.Dist.TeardownTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if !slices.Contains(ValidCodecs(), strings.ToLower(c.Dist.Codec)) {
		errors = append(errors, ValidationError{
			Field:   "dist.codec",
			Value:   c.Dist.Codec,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCodecs(), ", ")),
		})
	}

	if len(c.Dist.WorkerCommand) == 0 || strings.TrimSpace(c.Dist.WorkerCommand[0]) == "" {
		errors = append(errors, ValidationError{
			Field:   "dist.worker_command",
			Value:   c.Dist.WorkerCommand,
			Message: "must name a program",
		})
	}

	for i, dir := range c.Dist.RsyncDirs {
		if strings.TrimSpace(dir) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("dist.rsync_dirs[%d]", i),
				Value:   dir,
				Message: "must not be empty",
			})
		}
	}

	for i, pattern := range c.Dist.RsyncIgnore {
		if pattern == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("dist.rsync_ignore[%d]", i),
				Value:   pattern,
				Message: "must not be empty",
			})
			continue
		}
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("dist.rsync_ignore[%d]", i),
				Value:   pattern,
				Message: "invalid glob pattern: " + err.Error(),
			})
		}
	}

	return errors
}

// validateSSH validates the SSHConfig
func (c *Config) validateSSH() []ValidationError {
	var errors []ValidationError

	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "ssh.port",
			Value:   c.SSH.Port,
			Message: "must be between 1 and 65535",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateUI validates the UIConfig
func (c *Config) validateUI() []ValidationError {
	var errors []ValidationError

	if c.UI.Mode != "" && !slices.Contains(ValidUIModes(), c.UI.Mode) {
		errors = append(errors, ValidationError{
			Field:   "ui.mode",
			Value:   c.UI.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidUIModes(), ", ")),
		})
	}

	return errors
}
