// Package checkpoint persists job state between host-managed steps.
//
// A checkpoint holds two things per job: the Job record itself, saved after
// every step, and the spool of raw result chunks fetched so far. The spool
// lets an interrupted Drain resume at Job.NextOffset without refetching, and
// lets the archive be written from the complete chunk set.
//
// Store implementations must make Save and AppendChunk durable before they
// return. AppendChunk is idempotent per (job id, offset).
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/idlogsync/pkg/job"
)

// ErrNotFound indicates no checkpoint exists for the job id.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists jobs and their chunk spools.
type Store interface {
	// Save writes the job, replacing any previous checkpoint for its id.
	Save(ctx context.Context, j *job.Job) error

	// Load returns the checkpointed job or an error matching ErrNotFound.
	Load(ctx context.Context, jobID string) (*job.Job, error)

	// Delete removes the job and its spool. Deleting a missing job is not an
	// error.
	Delete(ctx context.Context, jobID string) error

	// List returns all checkpointed jobs, most recently submitted first.
	List(ctx context.Context) ([]job.Job, error)

	// AppendChunk spools a fetched chunk. Storing the same offset again
	// replaces the earlier copy.
	AppendChunk(ctx context.Context, jobID string, chunk *job.ResultChunk) error

	// Chunks returns the spooled chunks in offset order.
	Chunks(ctx context.Context, jobID string) ([]job.ResultChunk, error)

	// DropChunks removes the job's spool and keeps the job. Dropping an
	// empty spool is not an error.
	DropChunks(ctx context.Context, jobID string) error
}

func validateID(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	return nil
}

func notFound(jobID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, jobID)
}

func sortNewestFirst(jobs []job.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].SubmittedAt.Equal(jobs[k].SubmittedAt) {
			return jobs[i].SubmittedAt.After(jobs[k].SubmittedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// Prune deletes done and failed jobs submitted before cutoff, spools
// included, and returns the deleted jobs. Jobs still in flight are kept.
func Prune(ctx context.Context, s Store, cutoff time.Time) ([]job.Job, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []job.Job
	for i := range jobs {
		j := &jobs[i]
		if !j.Terminal() || !j.SubmittedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, j.ID); err != nil {
			return pruned, fmt.Errorf("delete %s: %w", j.ID, err)
		}
		pruned = append(pruned, *j)
	}
	return pruned, nil
}
