package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebridge/internal/config"
	"github.com/teslashibe/voicebridge/internal/log"
)

var version = "dev"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
	logLevel   string
}

// load reads configuration and sets up the global logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	log.Setup(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "voicebridge",
		Short:         "Realtime voice relay with memory and knowledge retrieval",
		Long:          "voicebridge relays browser voice sessions to the OpenAI Realtime API, injecting per-user memory, tone guidance and knowledge-base excerpts, and lets operators switch tool strategies live from a dashboard.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./voicebridge.{toml,yaml,json})")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "voicebridge", version)
			return err
		},
	}
}
