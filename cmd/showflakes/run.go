package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-showflakes/internal/config"
	"github.com/randomizedcoder/go-showflakes/internal/logging"
	"github.com/randomizedcoder/go-showflakes/internal/session"
)

func newRunCmd(a *app) *cobra.Command {
	cfg := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run [flags] [packages]",
		Short: "Retry selected tests until one of them turns out flaky",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.status = runSession(cmd, cfg, args)
			return nil
		},
	}

	config.RegisterFlags(cmd.Flags(), cfg)
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		config.PrintUsage(c.OutOrStderr(), c.Flags())
		return nil
	})
	cmd.SetHelpFunc(func(c *cobra.Command, _ []string) {
		config.PrintUsage(c.OutOrStdout(), c.Flags())
	})
	return cmd
}

// runSession resolves the configuration and runs one session.
func runSession(cmd *cobra.Command, cfg *config.Config, args []string) int {
	stderr := cmd.ErrOrStderr()

	if err := config.Resolve(cmd.Flags(), cfg); err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return usageStatus(cfg)
	}
	if len(args) > 0 {
		cfg.Packages = args
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return usageStatus(cfg)
	}

	if cfg.WriteConfig != "" {
		if err := config.WriteFile(cfg.WriteConfig, cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return usageStatus(cfg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "showflakes: wrote %s\n", cfg.WriteConfig)
		return session.ExitFinished
	}

	// The dashboard owns the terminal; logs would tear it.
	logger := logging.Discard()
	if !cfg.TUIEnabled {
		logger = logging.New(logging.Options{
			Format:  cfg.LogFormat,
			Level:   cfg.LogLevel,
			Verbose: cfg.Verbose,
			Writer:  stderr,
			Role:    "session",
		})
	}
	logging.SetDefault(logger)

	logger.Info("starting",
		"version", version,
		"mode", modeName(cfg),
		"packages", cfg.Packages,
		"selection_file", cfg.SelectionFile,
		"record_file", cfg.RecordFile,
		"config_file", cfg.ConfigFile,
	)

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := session.New(cfg, logger, session.Options{
		Version: version,
		Stdout:  cmd.OutOrStdout(),
		Stderr:  stderr,
	})
	report := s.Run(ctx)
	return report.Status(cfg.SetExitStatus)
}

func usageStatus(cfg *config.Config) int {
	if cfg.SetExitStatus {
		return session.Collapse(session.ExitUsage)
	}
	return session.ExitUsage
}

func modeName(cfg *config.Config) string {
	if cfg.RetryMode() {
		return session.ModeRetry
	}
	return session.ModeOutcomeLog
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
