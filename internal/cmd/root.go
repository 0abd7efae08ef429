package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/distrun/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "distrun",
	Short: "Distribute a test run across a pool of workers",
	Long: `distrun starts a pool of workers (local subprocesses, ssh hosts or
socket servers), ships the project's source roots to the ones that do not
share the local filesystem, and streams their test reports back to a single
view.

Workers are described by target specs such as "4*popen" or
"ssh=ci@build01//chdir=/tmp/run".`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/distrun/config.yaml)")
	rootCmd.PersistentFlags().StringSlice("tx", nil, "worker target spec, may be repeated (e.g. 4*popen, ssh=host//chdir=dir)")
	rootCmd.PersistentFlags().StringSlice("rsyncdir", nil, "extra source root to ship to remote workers, may be repeated")
	rootCmd.PersistentFlags().StringSlice("rsyncignore", nil, "glob of paths never shipped, may be repeated")
	rootCmd.PersistentFlags().String("rootdir", "", "core source root (default is the current directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("dist.tx", rootCmd.PersistentFlags().Lookup("tx"))
	_ = viper.BindPFlag("dist.rsync_dirs", rootCmd.PersistentFlags().Lookup("rsyncdir"))
	_ = viper.BindPFlag("dist.rsync_ignore", rootCmd.PersistentFlags().Lookup("rsyncignore"))
	_ = viper.BindPFlag("dist.root_dir", rootCmd.PersistentFlags().Lookup("rootdir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// e.g. DISTRUN_DIST_TX for dist.tx
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
