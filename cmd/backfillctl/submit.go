package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metresearchgroup/bskybackfill/internal/config"
	"github.com/metresearchgroup/bskybackfill/internal/coordinator"
	"github.com/metresearchgroup/bskybackfill/internal/skerr"
)

type submitEnv struct {
	configFile     string
	artifactBucket string
	topicID        string
	subID          string
	submittedBy    string
}

func newSubmitCmd() *cobra.Command {
	env := &submitEnv{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Parse a job config file and submit a new Job.",
		RunE:  env.run,
	}
	cmd.Flags().StringVar(&env.configFile, "config", "", "Path to the job config YAML file.")
	cmd.Flags().StringVar(&env.artifactBucket, "artifact_bucket", "", "GCS bucket for output artifacts (production mode only).")
	cmd.Flags().StringVar(&env.topicID, "topic", "", "Pub/Sub topic for task dispatch (production mode only).")
	cmd.Flags().StringVar(&env.subID, "subscription", "", "Pub/Sub subscription for task dispatch (production mode only).")
	cmd.Flags().StringVar(&env.submittedBy, "submitted_by", "", "Identity recorded as the submitter.")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (e *submitEnv) run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	raw, err := os.ReadFile(e.configFile)
	if err != nil {
		return fail(exitInvalidConfig, skerr.Wrap(err))
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return fail(exitInvalidConfig, err)
	}

	rc, err := newRuntime(ctx, e.artifactBucket, e.topicID, e.subID)
	if err != nil {
		return err
	}

	coord := coordinator.New(rc, "backfillctl", defaultLockDuration, defaultTickInterval)
	job, err := coord.SubmitJob(ctx, cfg, raw, e.submittedBy)
	if err != nil {
		if skerr.Is(err, coordinator.ErrUnknownHandler) {
			return fail(exitUnknownHandler, err)
		}
		return fail(exitStorageUnavailable, err)
	}

	fmt.Printf("submitted job %s (status=%s)\n", job.JobID, job.Status)
	return nil
}
