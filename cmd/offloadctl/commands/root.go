// Package commands implements the offloadctl CLI.
package commands

import (
	"github.com/Meesho/BharatMLStack/diskoffload/internal/config"
	"github.com/Meesho/BharatMLStack/diskoffload/internal/logger"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
	console bool
)

var rootCmd = &cobra.Command{
	Use:   "offloadctl",
	Short: "Inspect and exercise the disk offload backends",
	Long: `offloadctl checks which async I/O backends (uring, aio, pthread) work on
this host and benchmarks offloading buffers to a backing file.

Configuration comes from environment variables such as OFFLOAD_BACKEND,
OFFLOAD_N_ENTRIES and PTHREAD_POOL_SIZE, optionally seeded from --config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "yaml config file, environment variables take precedence")
	rootCmd.PersistentFlags().BoolVar(&console, "console", true, "human readable log output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// setup loads the configuration and initialises logging and metrics from it.
func setup() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := logger.InitLogger(cfg.LogLevel, console); err != nil {
		return config.Config{}, err
	}
	metrics.Init(cfg.Metrics())
	return cfg, nil
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
