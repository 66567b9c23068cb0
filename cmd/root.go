package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/scopekit/internal/config"
	"github.com/zjrosen/scopekit/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "scopekit",
	Short: "Scoped lifecycle management for registered services",
	Long: `Scopekit tracks which scope created each service registration, arbitrates
concurrent asynchronous installs so exactly one creator wins, and tears a
scope's registrations down in reverse creation order when it ends.

The playground subcommand runs scripted lifecycle scenarios against a live
registry so the arbitration and teardown behavior can be observed.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/scopekit/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false,
		"enable debug logging to the configured log file")

	_ = viper.BindPFlag("log.enabled", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("scope.dispose_wait_ms", defaults.Scope.DisposeWaitMS)
	viper.SetDefault("scope.resolve_timeout_ms", defaults.Scope.ResolveTimeoutMS)
	viper.SetDefault("scope.resolve_poll_ms", defaults.Scope.ResolvePollMS)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.path", defaults.Log.Path)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("flags", defaults.Flags)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .scopekit/config.yaml (current directory)
		// 2. ~/.config/scopekit/config.yaml (user config)
		if _, err := os.Stat(".scopekit/config.yaml"); err == nil {
			viper.SetConfigFile(".scopekit/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "scopekit"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
		// No config file found anywhere; continue with defaults.
	}

	_ = viper.Unmarshal(&cfg)
}

// setupLogging initializes file logging per the loaded config and returns a
// cleanup func. Logging stays disabled when the config says so.
func setupLogging() (func(), error) {
	if !cfg.Log.Enabled {
		return func() {}, nil
	}
	path := cfg.Log.Path
	if path == "" {
		path = config.DefaultLogPath()
	}
	cleanup, err := log.Init(path)
	if err != nil {
		return nil, fmt.Errorf("initializing log: %w", err)
	}
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
	return cleanup, nil
}

var configInitCmd = &cobra.Command{
	Use:   "config:init",
	Short: "Write a commented default config file",
	Long: `Write the default configuration, with explanatory comments, to
.scopekit/config.yaml in the current directory (or the path given with
--path). Existing files are not overwritten.`,
	RunE: runConfigInit,
}

var configInitPath string

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", ".scopekit/config.yaml",
		"where to write the config file")
	rootCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configInitPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configInitPath)
	}
	if err := config.WriteDefaultConfig(configInitPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configInitPath)
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
