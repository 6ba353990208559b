package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/logging"
)

// commandContext loads configuration and the logger once per invocation.
type commandContext struct {
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, *zap.Logger, error) {
	if c.cfg != nil {
		return c.cfg, c.logger, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Server.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger, err := logging.ForEnv(level, cfg.Server.Env)
	if err != nil {
		return nil, nil, err
	}
	c.cfg, c.logger = cfg, logger
	return cfg, logger, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "mediascribe-worker",
		Short:         "Transcription pipeline workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, _, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if ctx.logger != nil {
				_ = ctx.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newMetadataCommand(ctx))
	rootCmd.AddCommand(newTranscriptionCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))

	return rootCmd
}
