// Package main provides the showflakes CLI entry point.
//
// showflakes retries a selection of Go tests in fresh worker processes
// until one of them passes and fails across runs, or a budget runs out.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/randomizedcoder/go-showflakes/internal/session"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/showflakes
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	app := &app{}
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return session.ExitUsage
	}
	return app.status
}
