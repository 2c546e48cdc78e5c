package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/store"
)

type logsEnv struct {
	jobID string
}

// newLogsCmd prints the recorded TaskError for every failed or
// failed-retryable task in a Job. This runtime keeps no separate log
// aggregation store (sklog writes to the worker/coordinator process's own
// output); task_errors recorded on Task rows are the durable record of
// what went wrong, so `logs` surfaces those rather than tailing a file.
func newLogsCmd() *cobra.Command {
	env := &logsEnv{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recorded errors for a Job's failed tasks.",
		RunE:  env.run,
	}
	cmd.Flags().StringVar(&env.jobID, "job_id", "", "Job ID to inspect.")
	_ = cmd.MarkFlagRequired("job_id")
	return cmd
}

func (e *logsEnv) run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rc, err := newRuntime(ctx, "", "", "")
	if err != nil {
		return err
	}

	if _, err := rc.Store.GetJob(ctx, e.jobID); err != nil {
		if skerr.Is(err, store.ErrNotFound) {
			return fail(exitJobNotFound, err)
		}
		return fail(exitStorageUnavailable, err)
	}

	tasks, err := rc.Store.ListTasks(ctx, store.TaskFilter{JobID: e.jobID})
	if err != nil {
		return fail(exitStorageUnavailable, skerr.Wrap(err))
	}

	any := false
	for _, t := range tasks {
		if t.Error == nil {
			continue
		}
		any = true
		fmt.Printf("[%s] task=%s phase=%s attempt=%d kind=%s retries_so_far=%d: %s\n",
			t.Status, t.TaskID, t.Phase, t.Attempt, t.Error.Kind, t.Error.RetriesSoFar, t.Error.Message)
	}
	if !any {
		fmt.Printf("no recorded errors for job %s\n", e.jobID)
	}
	return nil
}
