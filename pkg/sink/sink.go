// Package sink delivers job output to its two destinations: normalized
// records to an event sink in bounded batches, and the raw chunk set to an
// archival object store as a single compressed object.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Event is one entry submitted to an event sink.
type Event struct {
	// ID is the record dedup key. Sinks that support it pass it through so
	// consumers can drop redelivered records.
	ID string

	Source     string
	DetailType string
	Time       time.Time
	Detail     json.RawMessage
}

// EntryResult is the per-entry outcome of a PutEvents call. An empty
// ErrorCode means the entry was accepted.
type EntryResult struct {
	EventID      string
	ErrorCode    string
	ErrorMessage string

	// Permanent marks a rejection that resending the same entry cannot fix.
	Permanent bool
}

// Failed reports whether the entry was rejected.
func (r EntryResult) Failed() bool {
	return r.ErrorCode != ""
}

// EventSink accepts batches of events and reports per-entry outcomes.
//
// PutEvents returns one EntryResult per input event, in order. A non-nil
// error means the whole call failed and no entry is known to be accepted.
type EventSink interface {
	PutEvents(ctx context.Context, events []Event) ([]EntryResult, error)

	// MaxBatchSize is the largest batch a single call accepts.
	MaxBatchSize() int
}

// NewEvent builds the sink event for a normalized record.
func NewEvent(r *job.NormalizedRecord, source, detailType string) (Event, error) {
	detail, err := json.Marshal(r)
	if err != nil {
		return Event{}, fmt.Errorf("marshal record %s: %w", r.DedupKey(), err)
	}
	return Event{
		ID:         r.DedupKey(),
		Source:     source,
		DetailType: detailType,
		Time:       r.Timestamp,
		Detail:     detail,
	}, nil
}

// FailedEntry identifies a record the sink did not accept.
type FailedEntry struct {
	Key       string `json:"key"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// DispatchError reports records that were still rejected after the retry
// budget was spent.
type DispatchError struct {
	Attempts int
	Failed   []FailedEntry
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	keys := make([]string, 0, min(len(e.Failed), 5))
	for _, f := range e.Failed[:min(len(e.Failed), 5)] {
		keys = append(keys, f.Key+"="+f.Code)
	}
	msg := fmt.Sprintf("%d events rejected after %d attempts: %s", len(e.Failed), e.Attempts, strings.Join(keys, ", "))
	if len(e.Failed) > 5 {
		msg += ", ..."
	}
	return msg
}

// Is makes every DispatchError match job.ErrDispatch.
func (e *DispatchError) Is(target error) bool {
	return target == job.ErrDispatch
}
