package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/parser"
)

// Drain fetches, parses and dispatches the results of a ready job.
//
// Fetching resumes at j.NextOffset; every chunk is spooled to the checkpoint
// store before the offset advances. Parsing covers the whole spool and fails
// the job without dispatching anything if any record is malformed. The raw
// chunk set is archived before events are sent, and both are attempted even
// if one fails. Records at or below j.DispatchedThrough are not resent.
//
// On success the job is in Cleanup; on failure it is Aborting and the
// returned error carries the failure. Drain of a done job is a no-op.
func (o *Orchestrator) Drain(ctx context.Context, j *job.Job) (*job.DispatchSummary, error) {
	summary := &job.DispatchSummary{
		JobID:      j.ID,
		SourceName: j.SourceName,
		ArchiveKey: j.ArchiveKey,
	}

	switch j.State {
	case job.StateDone, job.StateCleanup:
		summary.RecordsFetched = j.RecordsFetched
		return summary, nil
	case job.StateFetching, job.StateParsing, job.StateDispatching:
	case job.StateSubmitted, job.StatePolling:
		return nil, fmt.Errorf("%w: drain of job %s before results are ready", job.ErrInvalidTransition, j.ID)
	default:
		return nil, fmt.Errorf("%w: drain in state %s", job.ErrInvalidTransition, j.State)
	}

	if j.Expired(o.now()) {
		jerr := o.fail(j, "Drain", j.NextOffset, nil, fmt.Errorf("%w: deadline %s passed", job.ErrDeadlineExceeded, j.Deadline))
		return nil, o.saveFailure(ctx, j, jerr)
	}

	p, err := o.parsers.Lookup(j.ParserID)
	if err != nil {
		jerr := o.fail(j, "Drain", j.NextOffset, nil, err)
		return nil, o.saveFailure(ctx, j, jerr)
	}

	if j.State == job.StateFetching {
		if err := o.fetch(ctx, j); err != nil {
			return nil, err
		}
	}

	chunks, err := o.store.Chunks(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("load chunk spool for %s: %w", j.ID, err)
	}
	summary.ChunksFetched = len(chunks)
	for _, c := range chunks {
		summary.RecordsFetched += len(c.Records)
	}

	records, err := o.parse(ctx, j, p, chunks)
	if err != nil {
		return nil, err
	}

	if err := o.dispatchAll(ctx, j, chunks, records, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// fetch pulls chunks until a short chunk ends the result set.
func (o *Orchestrator) fetch(ctx context.Context, j *job.Job) error {
	client, err := o.clients(j.SecretRef)
	if err != nil {
		return o.saveFailure(ctx, j, o.fail(j, "FetchChunk", j.NextOffset, nil, err))
	}
	log := o.jobLogger(j)

	for {
		if j.Expired(o.now()) {
			jerr := o.fail(j, "FetchChunk", j.NextOffset, nil, fmt.Errorf("%w: deadline %s passed", job.ErrDeadlineExceeded, j.Deadline))
			return o.saveFailure(ctx, j, jerr)
		}

		offset := j.NextOffset
		chunk, err := client.FetchChunk(ctx, j.ID, offset, j.ChunkSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.saveFailure(ctx, j, o.fail(j, "FetchChunk", offset, nil, err))
		}
		chunk.Offset = offset

		if err := o.store.AppendChunk(ctx, j.ID, chunk); err != nil {
			return fmt.Errorf("spool chunk %d of %s: %w", offset, j.ID, err)
		}

		n := len(chunk.Records)
		j.RecordsFetched = offset + n
		o.metrics.ChunkFetched(j.SourceName, n)
		log.Debug("Fetched chunk", zap.Int("offset", offset), zap.Int("records", n))

		if chunk.Full(j.ChunkSize) {
			j.NextOffset = offset + j.ChunkSize
			if err := o.save(ctx, j); err != nil {
				return err
			}
			continue
		}

		j.NextOffset = offset + n
		j.State = job.StateParsing
		log.Info("Fetched all results", zap.Int("records", j.RecordsFetched), zap.Int("chunks", offset/j.ChunkSize+1))
		return o.save(ctx, j)
	}
}

// parse normalizes the spool and moves j to Dispatching.
func (o *Orchestrator) parse(ctx context.Context, j *job.Job, p parser.Parser, chunks []job.ResultChunk) ([]job.NormalizedRecord, error) {
	out, bad, err := normalize(p, j.SourceName, j.ID, chunks)
	if err != nil {
		return nil, o.saveFailure(ctx, j, o.fail(j, "Parse", bad.Offset, bad, err))
	}

	if j.State == job.StateParsing {
		j.State = job.StateDispatching
		if err := o.save(ctx, j); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// normalize parses every chunk in order. Sequence numbers must be strictly
// increasing across the whole set. On failure the offending chunk is
// returned with the error.
func normalize(p parser.Parser, source, jobID string, chunks []job.ResultChunk) ([]job.NormalizedRecord, *job.ResultChunk, error) {
	var out []job.NormalizedRecord
	last := int64(-1)

	for i := range chunks {
		c := &chunks[i]
		recs, err := p.Parse(parser.Input{
			SourceName: source,
			JobID:      jobID,
			Offset:     c.Offset,
			Records:    c.Records,
		})
		if err != nil {
			return nil, c, err
		}
		for k := range recs {
			if recs[k].SequenceNumber <= last {
				return nil, c, &parser.ParseError{
					Offset: c.Offset,
					Index:  k,
					Err:    fmt.Errorf("sequence number %d does not follow %d", recs[k].SequenceNumber, last),
				}
			}
			last = recs[k].SequenceNumber
		}
		out = append(out, recs...)
	}
	return out, nil, nil
}

// dispatchAll archives the raw chunks and sends the events.
func (o *Orchestrator) dispatchAll(ctx context.Context, j *job.Job, chunks []job.ResultChunk, records []job.NormalizedRecord, summary *job.DispatchSummary) error {
	log := o.jobLogger(j)

	var archiveErr error
	switch {
	case !o.dispatch.Archives():
		log.Debug("Archiving disabled, raw results not stored")
	case j.ArchiveKey == "":
		key, err := o.dispatch.StoreRaw(ctx, chunks, j.SourceName, j.ID, j.SubmittedAt)
		if err != nil {
			archiveErr = err
			log.Warn("Archive write failed", zap.String("key", key), zap.Error(err))
		} else {
			j.ArchiveKey = key
			summary.ArchiveKey = key
			if err := o.save(ctx, j); err != nil {
				return err
			}
			log.Info("Archived raw results", zap.String("key", key))
		}
	}

	pending := records
	for len(pending) > 0 && pending[0].SequenceNumber <= j.DispatchedThrough {
		pending = pending[1:]
	}
	summary.RecordsSkipped = len(records) - len(pending)

	stats, sendErr := o.dispatch.SendEvents(ctx, pending, func(through int64) error {
		j.DispatchedThrough = through
		return o.save(ctx, j)
	})
	j.RecordsDispatched += stats.Sent
	summary.RecordsDispatched = stats.Sent
	summary.Batches = stats.Batches
	summary.Retries = stats.Retries
	o.metrics.RecordsDispatched(j.SourceName, stats.Sent, stats.Retries)

	switch {
	case sendErr != nil && ctx.Err() != nil:
		if err := o.save(context.WithoutCancel(ctx), j); err != nil {
			log.Warn("Checkpoint after cancellation failed", zap.Error(err))
		}
		return ctx.Err()
	case sendErr != nil:
		return o.saveFailure(ctx, j, o.fail(j, "SendEvents", j.NextOffset, nil, sendErr))
	case archiveErr != nil:
		return o.saveFailure(ctx, j, o.fail(j, "StoreRaw", j.NextOffset, nil, archiveErr))
	}

	j.State = job.StateCleanup
	if err := o.save(ctx, j); err != nil {
		return err
	}
	log.Info("Dispatched records",
		zap.Int("records", stats.Sent),
		zap.Int("skipped", summary.RecordsSkipped),
		zap.Int("batches", stats.Batches),
		zap.Int("retries", stats.Retries),
	)
	return nil
}

// saveFailure checkpoints an aborting job and returns the failure.
func (o *Orchestrator) saveFailure(ctx context.Context, j *job.Job, jerr *job.Error) error {
	if err := o.save(context.WithoutCancel(ctx), j); err != nil {
		return fmt.Errorf("%w (checkpoint failed: %v)", jerr, err)
	}
	return jerr
}
