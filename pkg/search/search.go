// Package search defines the contract for asynchronous remote log-search
// backends.
//
// A backend accepts a query and returns an opaque job id. The caller polls the
// job status, fetches results in bounded chunks once the job is done, and
// cancels the job to release backend resources.
//
// Implementations should:
//   - Classify every failure as job.ErrTransport or job.ErrBackend
//   - Retry transport failures on Status and FetchChunk internally
//   - Never retry Submit more than once
//   - Be safe for use by a single job's sequential steps
package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Client is the remote search capability used by the orchestrator.
type Client interface {
	// Submit starts a search and returns the backend job id.
	Submit(ctx context.Context, query string) (string, error)

	// Status returns the current job status.
	Status(ctx context.Context, jobID string) (job.Status, error)

	// FetchChunk returns up to limit records starting at offset.
	FetchChunk(ctx context.Context, jobID string, offset, limit int) (*job.ResultChunk, error)

	// Cancel asks the backend to discard the job. A job that is already gone
	// is not an error.
	Cancel(ctx context.Context, jobID string) error
}

// Error wraps a search backend failure with request context.
type Error struct {
	// Op is the operation that failed (e.g., "Submit", "Status").
	Op string

	// Backend identifies the implementation (e.g., "splunk").
	Backend string

	// JobID is the backend job id, if known.
	JobID string

	// StatusCode is the HTTP status for backend rejections, zero otherwise.
	StatusCode int

	// Attempts is how many times the request was tried.
	Attempts int

	// Err is the underlying error. It matches job.ErrTransport or
	// job.ErrBackend via errors.Is.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Backend, e.Op)
	if e.JobID != "" {
		msg += " " + e.JobID
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps cause as a transport failure.
func Transport(cause error) error {
	if cause == nil {
		return job.ErrTransport
	}
	return errors.Join(job.ErrTransport, cause)
}

// Backend wraps cause as a backend rejection.
func Backend(cause error) error {
	if cause == nil {
		return job.ErrBackend
	}
	return errors.Join(job.ErrBackend, cause)
}
