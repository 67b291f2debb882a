package main

import (
	"github.com/spf13/cobra"
)

// app carries the exit status out of the cobra commands.
type app struct {
	status int
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "showflakes",
		Short: "Retry Go tests until a flaky one shows up",
		Long: `showflakes compiles the test binaries of the given packages once, then
reruns the tests listed in a selection file in fresh worker processes until
one of them both passes and fails, or the run or fail budget runs out.

Without a selection file every test runs once and each outcome is appended
to the record file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("showflakes {{.Version}}\n")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newWorkerCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}
