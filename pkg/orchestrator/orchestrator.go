// Package orchestrator drives one identity-log search job through its
// lifecycle: submit, poll, fetch, parse, dispatch and cleanup.
//
// The lifecycle is split into host-managed steps. Advance performs a single
// status poll and returns the delay before the next one instead of sleeping,
// so a workflow host can persist the job between polls and resume it after a
// crash. Drain does the expensive one-shot work and is safe to invoke again
// for the same job: it resumes from the last checkpointed offset and skips
// records the event sink already acknowledged.
//
// Every job mutation is written to the checkpoint store before the step
// returns. An Orchestrator holds no per-job state and may run many jobs
// concurrently.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/pkg/backoff"
	"github.com/3leaps/idlogsync/pkg/checkpoint"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/parser"
	"github.com/3leaps/idlogsync/pkg/search"
	"github.com/3leaps/idlogsync/pkg/sink"
	"github.com/3leaps/idlogsync/pkg/sources"
)

// CleanupTimeout bounds the backend cancel and final checkpoint write.
const CleanupTimeout = 30 * time.Second

// ClientFunc returns the search client for a credentials reference.
type ClientFunc func(secretRef string) (search.Client, error)

// Static returns a ClientFunc that always yields c.
func Static(c search.Client) ClientFunc {
	return func(string) (search.Client, error) { return c, nil }
}

// Orchestrator runs jobs.
type Orchestrator struct {
	clients  ClientFunc
	parsers  *parser.Registry
	dispatch *sink.Dispatcher
	store    checkpoint.Store

	logger  *zap.Logger
	metrics Metrics
	sleeper Sleeper
	now     func() time.Time
}

// New creates an orchestrator. A nil store keeps checkpoints in memory.
func New(clients ClientFunc, parsers *parser.Registry, dispatch *sink.Dispatcher, store checkpoint.Store) *Orchestrator {
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	return &Orchestrator{
		clients:  clients,
		parsers:  parsers,
		dispatch: dispatch,
		store:    store,
		logger:   zap.NewNop(),
		metrics:  nopMetrics{},
		sleeper:  SleeperFunc(backoff.Sleep),
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l *zap.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// WithMetrics sets the metrics hook.
func (o *Orchestrator) WithMetrics(m Metrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

// WithSleeper sets the sleeper Run uses between polls.
func (o *Orchestrator) WithSleeper(s Sleeper) *Orchestrator {
	if s != nil {
		o.sleeper = s
	}
	return o
}

// WithClock sets the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// Store returns the checkpoint store.
func (o *Orchestrator) Store() checkpoint.Store {
	return o.store
}

// Submit starts a search for src and checkpoints the new job in Polling.
func (o *Orchestrator) Submit(ctx context.Context, src sources.Source) (*job.Job, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.parsers.Lookup(src.ParserID); err != nil {
		return nil, fmt.Errorf("source %s: %w", src.Name, err)
	}

	client, err := o.clients(src.SecretRef)
	if err != nil {
		return nil, &job.Error{Op: "Submit", SourceName: src.Name, Err: err}
	}

	id, err := client.Submit(ctx, src.Query)
	if err != nil {
		return nil, &job.Error{Op: "Submit", SourceName: src.Name, Err: err}
	}

	now := o.now().UTC()
	j := &job.Job{
		ID:                id,
		SourceName:        src.Name,
		Query:             src.Query,
		ParserID:          src.ParserID,
		SecretRef:         src.SecretRef,
		ChunkSize:         src.ChunkSize,
		WaitSeconds:       seconds(src.InitialWait),
		MaxWaitSeconds:    seconds(src.MaxWait),
		SubmittedAt:       now,
		Deadline:          now.Add(src.MaxJobDuration),
		State:             job.StatePolling,
		DispatchedThrough: -1,
	}

	if err := o.save(ctx, j); err != nil {
		// An untracked backend job would never be cancelled otherwise.
		o.cancelBackend(ctx, j)
		return nil, err
	}

	o.metrics.JobSubmitted(j.SourceName)
	o.jobLogger(j).Info("Search job submitted",
		zap.Time("deadline", j.Deadline),
		zap.Int("chunk_size", j.ChunkSize),
	)
	return j, nil
}

// Cleanup cancels the backend job and moves j to its terminal state: Done
// after a completed drain, Failed otherwise. A Done job's chunk spool is
// dropped. Cancel failures are logged and do not change the outcome.
// Cleanup of a terminal job is a no-op.
func (o *Orchestrator) Cleanup(ctx context.Context, j *job.Job) error {
	if j.Terminal() {
		return nil
	}

	// Cleanup must finish even when the caller is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
	defer cancel()

	o.cancelBackend(ctx, j)

	switch {
	case j.State == job.StateCleanup && j.Failure == nil:
		j.State = job.StateDone
	default:
		if j.Failure == nil {
			j.Fail(job.NewFailure(j, &job.Error{
				Op:         "Cleanup",
				JobID:      j.ID,
				SourceName: j.SourceName,
				Offset:     j.NextOffset,
				Err:        fmt.Errorf("%w: cleanup requested in state %s", context.Canceled, j.State),
			}))
		}
		j.State = job.StateFailed
	}

	if err := o.save(ctx, j); err != nil {
		return err
	}

	log := o.jobLogger(j)

	// A failed job keeps its spool so the raw results can be inspected or
	// archived by hand.
	if j.State == job.StateDone {
		if err := o.store.DropChunks(ctx, j.ID); err != nil {
			log.Warn("Chunk spool cleanup failed", zap.Error(err))
		}
	}

	elapsed := o.now().Sub(j.SubmittedAt)
	var kind job.Kind
	if j.Failure != nil {
		kind = j.Failure.Kind
	}
	o.metrics.JobFinished(j.SourceName, j.State, kind, elapsed)

	if j.State == job.StateDone {
		log.Info("Job completed",
			zap.Int("records", j.RecordsDispatched),
			zap.String("archive_key", j.ArchiveKey),
			zap.Duration("elapsed", elapsed),
		)
	} else {
		log.Warn("Job failed",
			zap.String("kind", string(kind)),
			zap.String("error", j.Failure.Message),
			zap.Int("last_offset", j.Failure.LastOffset),
		)
	}
	return nil
}

// Result summarizes j for the workflow host.
func Result(j *job.Job) *job.ExecutionResult {
	res := &job.ExecutionResult{
		Status:           job.ResultFailed,
		JobID:            j.ID,
		SourceName:       j.SourceName,
		RecordsProcessed: j.RecordsDispatched,
		ArchiveKey:       j.ArchiveKey,
		Error:            j.Failure,
	}
	if j.State == job.StateDone {
		res.Status = job.ResultSuccess
	}
	return res
}

// cancelBackend is best effort; the backend job may already be gone.
func (o *Orchestrator) cancelBackend(ctx context.Context, j *job.Job) {
	client, err := o.clients(j.SecretRef)
	if err == nil {
		err = client.Cancel(ctx, j.ID)
	}
	if err != nil {
		o.jobLogger(j).Warn("Backend cancel failed", zap.Error(err))
	}
}

// fail records err as the job failure and moves j to Aborting.
func (o *Orchestrator) fail(j *job.Job, op string, offset int, chunk *job.ResultChunk, err error) *job.Error {
	jerr := &job.Error{
		Op:         op,
		JobID:      j.ID,
		SourceName: j.SourceName,
		Offset:     offset,
		Chunk:      chunk,
		Err:        err,
	}
	j.Fail(job.NewFailure(j, jerr))
	o.jobLogger(j).Warn("Job aborting",
		zap.String("op", op),
		zap.String("kind", string(j.Failure.Kind)),
		zap.Int("offset", offset),
		zap.Error(err),
	)
	return jerr
}

func (o *Orchestrator) save(ctx context.Context, j *job.Job) error {
	j.UpdatedAt = o.now().UTC()
	if err := o.store.Save(ctx, j); err != nil {
		return fmt.Errorf("checkpoint job %s: %w", j.ID, err)
	}
	return nil
}

func (o *Orchestrator) jobLogger(j *job.Job) *zap.Logger {
	return o.logger.With(zap.String("job_id", j.ID), zap.String("source", j.SourceName))
}

// seconds rounds d up to whole seconds, minimum 1.
func seconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	return max(s, 1)
}
