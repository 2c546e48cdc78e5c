package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/store"
	"github.com/metresearchgroup/bskybackfill/internal/types"
)

func statusFromFlag(s string) types.TaskStatus {
	return types.TaskStatus(s)
}

type tasksEnv struct {
	jobID  string
	status string
	phase  string
}

func newTasksCmd() *cobra.Command {
	env := &tasksEnv{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List a Job's tasks, optionally filtered by status or phase.",
		RunE:  env.run,
	}
	cmd.Flags().StringVar(&env.jobID, "job_id", "", "Job ID to list tasks for.")
	cmd.Flags().StringVar(&env.status, "status", "", "Filter by task status (e.g. FAILED_RETRYABLE).")
	cmd.Flags().StringVar(&env.phase, "phase", "", "Filter by phase (e.g. retry_1).")
	_ = cmd.MarkFlagRequired("job_id")
	return cmd
}

func (e *tasksEnv) run(cmd *cobra.Command, args []string) error {
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

	tasks, err := rc.Store.ListTasks(ctx, store.TaskFilter{
		JobID:  e.jobID,
		Status: statusFromFlag(e.status),
		Phase:  e.phase,
	})
	if err != nil {
		return fail(exitStorageUnavailable, skerr.Wrap(err))
	}

	fmt.Printf("%-28s %-10s %-10s %-12s %-8s %s\n", "task_id", "role", "phase", "status", "attempt", "output_ref")
	for _, t := range tasks {
		fmt.Printf("%-28s %-10s %-10s %-12s %-8d %s\n", t.TaskID, t.Role, t.Phase, t.Status, t.Attempt, t.OutputRef)
	}
	return nil
}
