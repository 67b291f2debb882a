package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-showflakes/internal/engine/gotest"
	"github.com/randomizedcoder/go-showflakes/internal/logging"
	"github.com/randomizedcoder/go-showflakes/internal/worker"
)

// workerFailed is the worker's exit status for any error. Test failures
// are not errors; they end up in the record.
const workerFailed = 1

// newWorkerCmd creates the worker role the retry loop re-executes this
// binary in. Not meant to be run by hand.
func newWorkerCmd(a *app) *cobra.Command {
	var (
		planPath  string
		logFormat string
		logLevel  string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:    "worker --plan <file>",
		Short:  "Run one iteration from a plan file",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stderr := cmd.ErrOrStderr()

			// The retry loop reads the worker's stderr into its iteration log.
			logger := logging.NewLogger(logFormat, logLevel, verbose).With("role", "worker")
			logging.SetDefault(logger)

			plan, err := worker.ReadPlan(planPath)
			if err != nil {
				fmt.Fprintf(stderr, "showflakes worker: %v\n", err)
				a.status = workerFailed
				return nil
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := gotest.New(plan.Engine, logger, stderr)
			if _, err := worker.Run(ctx, plan, eng, logger); err != nil {
				fmt.Fprintf(stderr, "showflakes worker: %v\n", err)
				a.status = workerFailed
				return nil
			}
			a.status = 0
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&planPath, "plan", "", "Plan file written by the retry loop")
	fs.StringVar(&logFormat, "log-format", "json", `Log format: "json" or "text"`)
	fs.StringVar(&logLevel, "log-level", "info", "Log level")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
