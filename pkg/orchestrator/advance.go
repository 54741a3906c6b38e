package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/pkg/backoff"
	"github.com/3leaps/idlogsync/pkg/job"
)

// StepKind is the outcome of Advance.
type StepKind string

const (
	// StepWaiting means the backend job is still running; poll again after
	// Step.Delay.
	StepWaiting StepKind = "waiting"

	// StepReady means results are available; call Drain.
	StepReady StepKind = "ready"

	// StepFailed means the job is aborting; call Cleanup.
	StepFailed StepKind = "failed"
)

// Step is the result of one Advance.
type Step struct {
	Kind    StepKind
	Delay   time.Duration
	Failure *job.Failure
}

// Advance polls the backend once and moves j forward. Every answered poll
// counts in j.Attempt, whatever status it reports.
//
// A queued or running job stays in Polling; the returned delay is the current
// wait, and the wait for the following poll doubles up to MaxWaitSeconds. A
// done job moves to Fetching. A failed or unknown status, a poll error, or an
// expired deadline moves the job to Aborting.
//
// When ctx is cancelled the job is left unchanged so the host can retry.
func (o *Orchestrator) Advance(ctx context.Context, j *job.Job) (Step, error) {
	switch j.State {
	case job.StateSubmitted, job.StatePolling:
	case job.StateFetching, job.StateParsing, job.StateDispatching:
		return Step{Kind: StepReady}, nil
	case job.StateAborting:
		return Step{Kind: StepFailed, Failure: j.Failure}, nil
	default:
		return Step{}, fmt.Errorf("%w: advance in state %s", job.ErrInvalidTransition, j.State)
	}

	log := o.jobLogger(j)
	now := o.now()

	if j.Expired(now) {
		o.fail(j, "Advance", j.NextOffset, nil,
			fmt.Errorf("%w: deadline %s passed after %d polls", job.ErrDeadlineExceeded, j.Deadline.Format(time.RFC3339), j.Attempt))
		return o.saveStep(ctx, j, Step{Kind: StepFailed, Failure: j.Failure})
	}

	client, err := o.clients(j.SecretRef)
	if err != nil {
		o.fail(j, "Status", j.NextOffset, nil, err)
		return o.saveStep(ctx, j, Step{Kind: StepFailed, Failure: j.Failure})
	}

	status, err := client.Status(ctx, j.ID)
	if err != nil {
		if ctx.Err() != nil {
			return Step{}, ctx.Err()
		}
		o.fail(j, "Status", j.NextOffset, nil, err)
		return o.saveStep(ctx, j, Step{Kind: StepFailed, Failure: j.Failure})
	}
	j.Attempt++
	o.metrics.Polled(j.SourceName, status)

	var step Step
	switch status {
	case job.StatusQueued, job.StatusRunning:
		delay := time.Duration(j.WaitSeconds) * time.Second
		if j.State == job.StateSubmitted {
			j.State = job.StatePolling
		}
		policy := backoff.Policy{
			Initial: delay,
			Max:     time.Duration(j.MaxWaitSeconds) * time.Second,
		}
		j.WaitSeconds = policy.NextSeconds(j.WaitSeconds)

		// Never sleep far past the deadline; the next poll fails the job.
		if remaining := j.Deadline.Sub(now); !j.Deadline.IsZero() && remaining < delay {
			delay = max(remaining.Truncate(time.Second)+time.Second, time.Second)
		}
		step = Step{Kind: StepWaiting, Delay: delay}
		log.Debug("Search job not done",
			zap.String("status", string(status)),
			zap.Int("attempt", j.Attempt),
			zap.Duration("wait", delay),
		)

	case job.StatusDone:
		j.State = job.StateFetching
		step = Step{Kind: StepReady}
		log.Info("Search job done", zap.Int("attempt", j.Attempt))

	case job.StatusFailed:
		o.fail(j, "Status", j.NextOffset, nil, fmt.Errorf("%w: search job reported failed", job.ErrBackend))
		step = Step{Kind: StepFailed, Failure: j.Failure}

	default:
		o.fail(j, "Status", j.NextOffset, nil, fmt.Errorf("%w: search job status %q", job.ErrBackend, status))
		step = Step{Kind: StepFailed, Failure: j.Failure}
	}

	return o.saveStep(ctx, j, step)
}

func (o *Orchestrator) saveStep(ctx context.Context, j *job.Job, step Step) (Step, error) {
	if err := o.save(ctx, j); err != nil {
		return step, err
	}
	return step, nil
}
