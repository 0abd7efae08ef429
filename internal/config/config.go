package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, as in DISTRUN_DIST_TX.
const EnvPrefix = "DISTRUN"

// DefaultSyncFile is the manifest looked up in the root dir when
// dist.sync_file is not set.
const DefaultSyncFile = ".distrun-sync.yaml"

// Config represents the complete distrun configuration
type Config struct {
	Dist    DistConfig    `mapstructure:"dist"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Logging LoggingConfig `mapstructure:"logging"`
	UI      UIConfig      `mapstructure:"ui"`
}

// DistConfig controls the worker pool
type DistConfig struct {
	// Tx lists the worker target specs, e.g. "4*popen" or "ssh=host//chdir=w"
	Tx []string `mapstructure:"tx"`
	// RootDir is the core source root (default: current directory)
	RootDir string `mapstructure:"root_dir"`
	// RsyncDirs are extra roots transferred to remote workers
	RsyncDirs []string `mapstructure:"rsync_dirs"`
	// RsyncIgnore are glob patterns excluded from transfer, on top of the defaults
	RsyncIgnore []string `mapstructure:"rsync_ignore"`
	// SyncFile is the optional YAML manifest declaring more roots and ignores.
	// Relative paths are resolved against RootDir.
	SyncFile string `mapstructure:"sync_file"`
	// RunID correlates every worker of one run; generated when empty
	RunID string `mapstructure:"run_id"`
	// TeardownTimeoutSeconds is how long teardown waits before killing gateways
	TeardownTimeoutSeconds int `mapstructure:"teardown_timeout_seconds"`
	// Codec is the wire codec: "msgpack", "cbor" or "json"
	Codec string `mapstructure:"codec"`
	// WorkerCommand is the argv that starts a worker on popen and ssh targets
	WorkerCommand []string `mapstructure:"worker_command"`
	// SearchPath is restored on in-process workers after sync
	SearchPath []string `mapstructure:"search_path"`
}

// SSHConfig controls ssh targets
type SSHConfig struct {
	// User is the login name when the spec address carries none
	User string `mapstructure:"user"`
	// IdentityFile is a private key used in addition to ssh-agent
	IdentityFile string `mapstructure:"identity_file"`
	// KnownHosts is the host key database (default: ~/.ssh/known_hosts)
	KnownHosts string `mapstructure:"known_hosts"`
	// Port is used when the spec address carries none
	Port int `mapstructure:"port"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logs are written to the config dir (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum level written: debug, info, warn, error
	Level string `mapstructure:"level"`
	// MaxSizeMB rotates the log file once it exceeds this size
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// UIConfig controls progress output
type UIConfig struct {
	// Mode selects the progress display: "auto", "tui" or "plain".
	// "auto" uses the TUI when stdout is a terminal.
	Mode string `mapstructure:"mode"`
}

// ResolveRootDir returns the absolute core root. An empty RootDir means cwd.
func (d *DistConfig) ResolveRootDir(cwd string) string {
	if d.RootDir == "" {
		return cwd
	}
	path, err := homedir.Expand(d.RootDir)
	if err != nil {
		path = d.RootDir
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path)
}

// ResolveSyncFile returns the manifest path for the given root dir.
func (d *DistConfig) ResolveSyncFile(rootDir string) string {
	name := d.SyncFile
	if name == "" {
		name = DefaultSyncFile
	}
	if expanded, err := homedir.Expand(name); err == nil {
		name = expanded
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(rootDir, name)
}

// TeardownTimeout returns the teardown wait as a duration.
func (d *DistConfig) TeardownTimeout() time.Duration {
	return time.Duration(d.TeardownTimeoutSeconds) * time.Second
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Dist: DistConfig{
			Tx:                     []string{},
			RootDir:                "",
			RsyncDirs:              []string{},
			RsyncIgnore:            []string{},
			SyncFile:               DefaultSyncFile,
			RunID:                  "",
			TeardownTimeoutSeconds: 10,
			Codec:                  "msgpack",
			WorkerCommand:          []string{"distrun-worker"},
			SearchPath:             []string{},
		},
		SSH: SSHConfig{
			Port: 22,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		UI: UIConfig{
			Mode: "auto",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("dist.tx", defaults.Dist.Tx)
	viper.SetDefault("dist.root_dir", defaults.Dist.RootDir)
	viper.SetDefault("dist.rsync_dirs", defaults.Dist.RsyncDirs)
	viper.SetDefault("dist.rsync_ignore", defaults.Dist.RsyncIgnore)
	viper.SetDefault("dist.sync_file", defaults.Dist.SyncFile)
	viper.SetDefault("dist.run_id", defaults.Dist.RunID)
	viper.SetDefault("dist.teardown_timeout_seconds", defaults.Dist.TeardownTimeoutSeconds)
	viper.SetDefault("dist.codec", defaults.Dist.Codec)
	viper.SetDefault("dist.worker_command", defaults.Dist.WorkerCommand)
	viper.SetDefault("dist.search_path", defaults.Dist.SearchPath)

	viper.SetDefault("ssh.user", defaults.SSH.User)
	viper.SetDefault("ssh.identity_file", defaults.SSH.IdentityFile)
	viper.SetDefault("ssh.known_hosts", defaults.SSH.KnownHosts)
	viper.SetDefault("ssh.port", defaults.SSH.Port)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("ui.mode", defaults.UI.Mode)
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "distrun")
	}
	home, err := homedir.Dir()
	if err != nil {
		return ".distrun"
	}
	return filepath.Join(home, ".config", "distrun")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// LogDir returns the directory log files are written to
func LogDir() string {
	return filepath.Join(ConfigDir(), "logs")
}
