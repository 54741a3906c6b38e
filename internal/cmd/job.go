package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/internal/observability"
	"github.com/3leaps/idlogsync/pkg/checkpoint"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/orchestrator"
	"github.com/3leaps/idlogsync/pkg/output"
	"github.com/3leaps/idlogsync/pkg/sources"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Drive a job one step at a time",
	Long: `Drive a collection job one step at a time from an external workflow host.

Each step loads the job from the checkpoint store, performs one unit of work,
saves the job and prints a step record. The host persists nothing but the job
id and sleeps for delay_seconds between advance calls.

Typical sequence:
  idlogsync job submit --source ping          # -> job_id
  idlogsync job advance --job-id ID           # repeat while outcome=waiting
  idlogsync job drain --job-id ID
  idlogsync job cleanup --job-id ID
  idlogsync job gc --older-than 168h          # prune finished jobs

advance and drain clean up automatically when the job aborts.`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a search and checkpoint the new job",
	RunE:  runJobSubmit,
}

var jobAdvanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Poll the backend once",
	RunE:  runJobAdvance,
}

var jobDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Fetch, parse, archive and dispatch the results of a ready job",
	RunE:  runJobDrain,
}

var jobCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cancel the backend job and finish the job",
	RunE:  runJobCleanup,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpointed jobs, newest first",
	RunE:  runJobList,
}

var jobGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished jobs and their spools from the checkpoint store",
	Long: `Delete done and failed jobs submitted more than --older-than ago, together
with any chunk spool they kept. Jobs still in flight are never deleted.
Each deleted job is printed as a job record.`,
	RunE: runJobGC,
}

var (
	jobSource    string
	jobQuery     string
	jobID        string
	jobState     string
	jobOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobAdvanceCmd, jobDrainCmd, jobCleanupCmd, jobListCmd, jobGCCmd)

	jobSubmitCmd.Flags().StringVarP(&jobSource, "source", "s", "", "Source name from the sources manifest (required)")
	jobSubmitCmd.Flags().StringVarP(&jobQuery, "query", "q", "", "Override the rendered search query")
	_ = jobSubmitCmd.MarkFlagRequired("source")

	for _, c := range []*cobra.Command{jobAdvanceCmd, jobDrainCmd, jobCleanupCmd} {
		c.Flags().StringVar(&jobID, "job-id", "", "Backend job id (required)")
		_ = c.MarkFlagRequired("job-id")
	}

	jobListCmd.Flags().StringVar(&jobState, "state", "", "Only list jobs in this state")
	jobGCCmd.Flags().DurationVar(&jobOlderThan, "older-than", 7*24*time.Hour, "Minimum age of deleted jobs")
}

func runJobSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appConfig, appOptions{})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize", err)
	}
	defer a.Close()

	src, err := a.resolver.ResolveTrigger(sources.Trigger{SourceName: jobSource, Query: jobQuery}, time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid source", err)
	}

	defer a.pushMetrics(ctx)
	j, err := a.orch.Submit(ctx, src)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Submit failed", err)
	}
	return writeStep(cmd, &output.StepRecord{Step: "submit", Outcome: string(orchestrator.StepWaiting), Job: j})
}

func runJobAdvance(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, j, err := loadJob(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.pushMetrics(ctx)

	step, err := a.orch.Advance(ctx, j)
	if err != nil {
		return stepError(ctx, "Advance failed", err)
	}

	rec := &output.StepRecord{Step: "advance", Outcome: string(step.Kind), Job: j}
	if step.Kind == orchestrator.StepWaiting {
		rec.DelaySeconds = int(step.Delay / time.Second)
	}
	if step.Kind == orchestrator.StepFailed {
		cleanupAborted(ctx, a, j)
	}
	if err := writeStep(cmd, rec); err != nil {
		return err
	}
	return jobOutcome(j)
}

func runJobDrain(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, j, err := loadJob(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.pushMetrics(ctx)

	summary, err := a.orch.Drain(ctx, j)
	outcome := "drained"
	switch {
	case err != nil && j.State == job.StateAborting:
		cleanupAborted(ctx, a, j)
		outcome = string(orchestrator.StepFailed)
	case err != nil:
		return stepError(ctx, "Drain failed", err)
	}

	if err := writeStep(cmd, &output.StepRecord{Step: "drain", Outcome: outcome, Job: j, Summary: summary}); err != nil {
		return err
	}
	return jobOutcome(j)
}

func runJobCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, j, err := loadJob(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.pushMetrics(ctx)

	if err := a.orch.Cleanup(ctx, j); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cleanup failed", err)
	}
	if err := writeStep(cmd, &output.StepRecord{Step: "cleanup", Outcome: string(j.State), Job: j}); err != nil {
		return err
	}
	return jobOutcome(j)
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a := &app{cfg: appConfig, logger: observability.CLILogger}
	store, err := a.openCheckpoint(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open checkpoint store", err)
	}
	defer a.Close()

	jobs, err := store.List(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}

	w := resultWriter(cmd)
	defer func() { _ = w.Close() }()
	for i := range jobs {
		if jobState != "" && string(jobs[i].State) != jobState {
			continue
		}
		if err := w.WriteJob(ctx, &jobs[i]); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write job", err)
		}
	}
	return nil
}

func runJobGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if jobOlderThan < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --older-than", fmt.Errorf("negative duration %s", jobOlderThan))
	}

	a := &app{cfg: appConfig, logger: observability.CLILogger}
	store, err := a.openCheckpoint(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open checkpoint store", err)
	}
	defer a.Close()

	pruned, err := checkpoint.Prune(ctx, store, time.Now().Add(-jobOlderThan))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to delete jobs", err)
	}

	w := resultWriter(cmd)
	defer func() { _ = w.Close() }()
	for i := range pruned {
		if err := w.WriteJob(ctx, &pruned[i]); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write job", err)
		}
	}
	observability.CLILogger.Info("Deleted finished jobs", zap.Int("count", len(pruned)), zap.Duration("older_than", jobOlderThan))
	return nil
}

// loadJob builds the app and loads --job-id from the checkpoint store.
func loadJob(ctx context.Context) (*app, *job.Job, error) {
	a, err := newApp(ctx, appConfig, appOptions{events: true, archive: true})
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Failed to initialize", err)
	}
	j, err := a.store.Load(ctx, jobID)
	if err != nil {
		a.Close()
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil, exitError(foundry.ExitFileNotFound, "Unknown job", err)
		}
		return nil, nil, exitError(foundry.ExitFileReadError, "Failed to load job", err)
	}
	return a, j, nil
}

// cleanupAborted finishes a job that aborted during a step.
func cleanupAborted(ctx context.Context, a *app, j *job.Job) {
	if err := a.orch.Cleanup(ctx, j); err != nil {
		observability.CLILogger.Error("Cleanup after abort failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func writeStep(cmd *cobra.Command, rec *output.StepRecord) error {
	w := resultWriter(cmd)
	defer func() { _ = w.Close() }()
	if err := w.WriteStep(context.WithoutCancel(cmd.Context()), rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write step", err)
	}
	return nil
}

// stepError maps a step error that left the job resumable.
func stepError(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

// jobOutcome fails the command when the job failed.
func jobOutcome(j *job.Job) error {
	if j.State != job.StateFailed {
		return nil
	}
	kind, msg := job.KindInternal, "job failed"
	if j.Failure != nil {
		kind, msg = j.Failure.Kind, j.Failure.Message
	}
	return exitError(exitJobFailed, "Job failed", fmt.Errorf("%s: %s", kind, msg))
}
