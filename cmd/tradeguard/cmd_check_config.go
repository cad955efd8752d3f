package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/matrix"
)

// checkConfigCmd validates the degradation config without starting anything.
var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the degradation configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if _, err := matrix.New(cfg.Matrix); err != nil {
			return err
		}
		fmt.Printf("%s: ok (%d matrix rules, bus queue %d, wal %d entries / %d bytes)\n",
			configPath, len(cfg.Matrix.Rules), cfg.Bus.QueueSize, cfg.WAL.MaxEntries, cfg.WAL.MaxBytes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
