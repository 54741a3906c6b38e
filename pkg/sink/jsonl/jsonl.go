// Package jsonl implements sink.EventSink by writing events as JSONL
// records. It backs local runs and dry runs where no event bus is available.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/output"
	"github.com/3leaps/idlogsync/pkg/sink"
)

// DefaultBatchSize mirrors the EventBridge entry limit so local runs batch
// the same way as production.
const DefaultBatchSize = 10

// Sink writes each event as an idlogsync.event.v1 record.
type Sink struct {
	w         output.Writer
	batchSize int
}

var _ sink.EventSink = (*Sink)(nil)

// New creates a sink writing to w. Non-positive batchSize uses
// DefaultBatchSize.
func New(w output.Writer, batchSize int) *Sink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sink{w: w, batchSize: batchSize}
}

// MaxBatchSize implements sink.EventSink.
func (s *Sink) MaxBatchSize() int {
	return s.batchSize
}

// PutEvents implements sink.EventSink. Events whose detail is not a
// normalized record are rejected per entry.
func (s *Sink) PutEvents(ctx context.Context, events []sink.Event) ([]sink.EntryResult, error) {
	results := make([]sink.EntryResult, len(events))
	for i, ev := range events {
		var rec job.NormalizedRecord
		if err := json.Unmarshal(ev.Detail, &rec); err != nil {
			results[i] = sink.EntryResult{ErrorCode: "InvalidDetail", ErrorMessage: err.Error()}
			continue
		}
		err := s.w.WriteEvent(ctx, &output.EventRecord{ID: ev.ID, DetailType: ev.DetailType, Detail: &rec})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("write event %s: %w", ev.ID, err)
		}
		results[i] = sink.EntryResult{EventID: ev.ID}
	}
	return results, nil
}
