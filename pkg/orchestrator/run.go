package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/sources"
)

// Sleeper suspends between polls.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// Metrics observes job progress. Implementations must be safe for
// concurrent use.
type Metrics interface {
	JobSubmitted(source string)
	Polled(source string, status job.Status)
	ChunkFetched(source string, records int)
	RecordsDispatched(source string, sent, retries int)
	JobFinished(source string, state job.State, kind job.Kind, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) JobSubmitted(string) {}
func (nopMetrics) Polled(string, job.Status) {}
func (nopMetrics) ChunkFetched(string, int) {}
func (nopMetrics) RecordsDispatched(string, int, int) {}
func (nopMetrics) JobFinished(string, job.State, job.Kind, time.Duration) {}

// Run executes one job in-process: Submit, Advance until ready (sleeping
// between polls), Drain, then Cleanup. Cleanup always runs once a job
// exists, including on cancellation.
func (o *Orchestrator) Run(ctx context.Context, src sources.Source) *job.ExecutionResult {
	j, err := o.Submit(ctx, src)
	if err != nil {
		o.logger.Warn("Submit failed", zap.String("source", src.Name), zap.Error(err))
		return &job.ExecutionResult{
			Status:     job.ResultFailed,
			SourceName: src.Name,
			Error:      job.NewFailure(&job.Job{SourceName: src.Name}, err),
		}
	}

	if err := o.drive(ctx, j); err != nil && j.Failure == nil {
		j.Fail(job.NewFailure(j, err))
	}

	if err := o.Cleanup(ctx, j); err != nil {
		o.jobLogger(j).Error("Cleanup failed", zap.Error(err))
	}
	return Result(j)
}

// drive advances j until it leaves Polling, then drains it.
func (o *Orchestrator) drive(ctx context.Context, j *job.Job) error {
	for j.State == job.StatePolling || j.State == job.StateSubmitted {
		step, err := o.Advance(ctx, j)
		if err != nil {
			return err
		}
		if step.Kind != StepWaiting {
			break
		}
		if err := o.sleeper.Sleep(ctx, step.Delay); err != nil {
			return err
		}
	}

	if j.State == job.StateAborting {
		return nil
	}
	_, err := o.Drain(ctx, j)
	var jerr *job.Error
	if errors.As(err, &jerr) && j.State == job.StateAborting {
		// Already recorded as the job failure.
		return nil
	}
	return err
}
