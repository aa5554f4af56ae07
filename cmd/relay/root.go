package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/logger"
)

var (
	configPath string
	debug      bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - session orchestration for AI CLI subprocesses",
	Long: `Relay multiplexes remote clients onto AI CLI subprocesses. It tracks
conversation sessions, streams responses over WebSocket, brokers tool
permission prompts, and watches subprocess health.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		return logger.Init(logger.Options{
			Debug:      debug || cfg.Logging.Debug,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides the default location)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
