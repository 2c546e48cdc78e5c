package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/store"
)

type statusEnv struct {
	jobID string
}

func newStatusCmd() *cobra.Command {
	env := &statusEnv{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a Job's status and progress counters.",
		RunE:  env.run,
	}
	cmd.Flags().StringVar(&env.jobID, "job_id", "", "Job ID to inspect.")
	_ = cmd.MarkFlagRequired("job_id")
	return cmd
}

func (e *statusEnv) run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rc, err := newRuntime(ctx, "", "", "")
	if err != nil {
		return err
	}

	job, err := rc.Store.GetJob(ctx, e.jobID)
	if err != nil {
		if skerr.Is(err, store.ErrNotFound) {
			return fail(exitJobNotFound, err)
		}
		return fail(exitStorageUnavailable, err)
	}

	fmt.Printf("job_id:           %s\n", job.JobID)
	fmt.Printf("handler_ref:      %s\n", job.HandlerRef)
	fmt.Printf("status:           %s\n", job.Status)
	fmt.Printf("retry_phase:      %d\n", job.RetryPhase)
	fmt.Printf("orphans_reclaimed: %d\n", job.OrphansReclaimed)
	fmt.Printf("pending:          %d\n", job.PendingCount)
	fmt.Printf("running:          %d\n", job.RunningCount)
	fmt.Printf("succeeded:        %d\n", job.SucceededCount)
	fmt.Printf("failed:           %d\n", job.FailedCount)
	if job.CompletedAt != nil {
		fmt.Printf("completed_at:     %s\n", job.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
