package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metresearchgroup/bskybackfill/internal/coordinator"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
	"github.com/metresearchgroup/bskybackfill/internal/store"
)

type cancelEnv struct {
	jobID string
}

func newCancelCmd() *cobra.Command {
	env := &cancelEnv{}
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running Job: stops future task emission and cancels non-terminal tasks.",
		RunE:  env.run,
	}
	cmd.Flags().StringVar(&env.jobID, "job_id", "", "Job ID to cancel.")
	_ = cmd.MarkFlagRequired("job_id")
	return cmd
}

func (e *cancelEnv) run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rc, err := newRuntime(ctx, "", "", "")
	if err != nil {
		return err
	}

	coord := coordinator.New(rc, "backfillctl", defaultLockDuration, defaultTickInterval)
	if err := coord.Cancel(ctx, e.jobID); err != nil {
		if skerr.Is(err, store.ErrNotFound) {
			return fail(exitJobNotFound, err)
		}
		return fail(exitStorageUnavailable, err)
	}
	fmt.Printf("cancelled job %s\n", e.jobID)
	return nil
}
