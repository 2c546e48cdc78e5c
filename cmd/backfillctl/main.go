// Command backfillctl is the operator CLI for the backfill coordination
// runtime (spec.md §6): submit jobs, inspect status, list tasks, and cancel
// a running job. Structured the way perf-tool/main.go wires its cobra
// subcommands: one root command carrying persistent flags, RunE subcommands
// returning errors that main() turns into process exit codes.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultLockDuration = 30 * time.Second
	defaultTickInterval = 5 * time.Second
)

// Exit codes, spec.md §6.
const (
	exitOK                 = 0
	exitInvalidConfig      = 2
	exitJobNotFound        = 3
	exitUnknownHandler     = 4
	exitStorageUnavailable = 5
)

// cliError pairs an error with the exit code main() should use for it.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

var (
	flagLocal     bool
	flagProjectID string
)

func main() {
	root := &cobra.Command{
		Use:   "backfillctl",
		Short: "Operate backfill jobs: submit, inspect status, list tasks, cancel.",
	}
	root.PersistentFlags().BoolVar(&flagLocal, "local", true, "Use in-memory backends instead of Firestore/GCS/Pub-Sub.")
	root.PersistentFlags().StringVar(&flagProjectID, "project_id", "", "GCP project ID (required unless --local).")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newTasksCmd(),
		newCancelCmd(),
		newLogsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitStorageUnavailable
		var ce *cliError
		if as(err, &ce) {
			code = ce.code
		}
		os.Exit(code)
	}
}

// as is a small errors.As wrapper kept local to avoid importing errors in
// every subcommand file just for this one check.
func as(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
