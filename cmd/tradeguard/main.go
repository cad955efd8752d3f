package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// rootCmd is the base command for the tradeguard CLI
var rootCmd = &cobra.Command{
	Use:   "tradeguard",
	Short: "Graceful degradation control plane for automated trading",
	Long: `tradeguard tracks overall system health for an automated trading
platform and gates every order-affecting action against that health. It runs
per-dependency local breakers, a single-writer system state service, a staged
recovery orchestrator, and a durable write buffer for database outages.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/degradation.yaml", "path to degradation config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (trace|debug|info|warn|error)")
}

func setupLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
