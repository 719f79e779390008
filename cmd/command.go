// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the relay command line.
package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - store-and-forward telemetry delivery",
	Long: `Relay buffers telemetry records, persists them to a local queue and
delivers them to a collector with retries. The agent command exposes the
channel over HTTP; the queue commands inspect what is waiting on disk.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (trace, debug, info, warn, error); overrides LOG_LEVEL")
}

func initializeLogging(cmd *cobra.Command, args []string) {
	s, _ := cmd.Flags().GetString("log_level")
	if s == "" {
		return
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		logger.Warn().Err(err).Str("log_level", s).Msg("ignoring invalid log level")
		return
	}
	logger.SetLevel(level)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
