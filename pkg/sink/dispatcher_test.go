package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/job"
)

// fakeEvents records every call and rejects entries chosen by reject.
type fakeEvents struct {
	mu      sync.Mutex
	max     int
	calls   [][]string
	reject  func(call int, ev Event) string
	callErr func(call int) error

	// permanent lists rejection codes reported as not retryable.
	permanent map[string]bool
}

func (f *fakeEvents) MaxBatchSize() int { return f.max }

func (f *fakeEvents) PutEvents(_ context.Context, events []Event) ([]EntryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.calls)
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	f.calls = append(f.calls, ids)

	if f.callErr != nil {
		if err := f.callErr(call); err != nil {
			return nil, err
		}
	}
	out := make([]EntryResult, len(events))
	for i, ev := range events {
		if f.reject != nil {
			if code := f.reject(call, ev); code != "" {
				out[i] = EntryResult{ErrorCode: code, ErrorMessage: "rejected", Permanent: f.permanent[code]}
				continue
			}
		}
		out[i] = EntryResult{EventID: fmt.Sprintf("e-%d-%d", call, i)}
	}
	return out, nil
}

func records(jobID string, n int) []job.NormalizedRecord {
	out := make([]job.NormalizedRecord, n)
	for i := range out {
		out[i] = job.NormalizedRecord{
			Timestamp:      time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC),
			Actor:          "alice",
			Action:         "login",
			SequenceNumber: int64(i),
			SourceName:     "ping",
			JobID:          jobID,
		}
	}
	return out
}

func newTestDispatcher(events EventSink, cfg Config) *Dispatcher {
	d := NewDispatcher(events, nil, cfg)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestDispatcher_BatchesBoundedBySink(t *testing.T) {
	fake := &fakeEvents{max: 10}
	d := newTestDispatcher(fake, Config{BatchSize: 25})
	assert.Equal(t, 10, d.BatchSize())

	var acked []int64
	stats, err := d.SendEvents(context.Background(), records("sid", 800), func(through int64) error {
		acked = append(acked, through)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 800, stats.Sent)
	assert.Equal(t, 80, stats.Batches)
	assert.Zero(t, stats.Retries)
	require.Len(t, fake.calls, 80)

	seen := make(map[string]bool)
	for _, call := range fake.calls {
		assert.LessOrEqual(t, len(call), 10)
		for _, id := range call {
			assert.False(t, seen[id], "duplicate %s", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 800)
	require.Len(t, acked, 80)
	assert.Equal(t, int64(9), acked[0])
	assert.Equal(t, int64(799), acked[79])
}

func TestDispatcher_RetriesOnlyFailedEntries(t *testing.T) {
	fake := &fakeEvents{max: 10, reject: func(call int, ev Event) string {
		if call == 0 && (ev.ID == "sid:3" || ev.ID == "sid:7") {
			return "ThrottlingException"
		}
		return ""
	}}
	d := newTestDispatcher(fake, Config{})

	stats, err := d.SendEvents(context.Background(), records("sid", 10), nil)
	require.NoError(t, err)

	require.Len(t, fake.calls, 2)
	assert.Len(t, fake.calls[0], 10)
	assert.Equal(t, []string{"sid:3", "sid:7"}, fake.calls[1])
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 10, stats.Sent)
}

func TestDispatcher_ExhaustsRetries(t *testing.T) {
	fake := &fakeEvents{max: 10, reject: func(_ int, ev Event) string {
		if ev.ID == "sid:3" || ev.ID == "sid:7" {
			return "InternalFailure"
		}
		return ""
	}}
	d := newTestDispatcher(fake, Config{MaxAttempts: 3})

	var acked []int64
	_, err := d.SendEvents(context.Background(), records("sid", 20), func(through int64) error {
		acked = append(acked, through)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrDispatch)
	assert.Equal(t, job.KindDispatch, job.KindOf(err))

	var derr *DispatchError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 3, derr.Attempts)
	require.Len(t, derr.Failed, 2)
	assert.Equal(t, "sid:3", derr.Failed[0].Key)
	assert.Equal(t, "InternalFailure", derr.Failed[0].Code)

	// Only the first batch was attempted: 1 full send plus 2 retries of the
	// same two entries.
	require.Len(t, fake.calls, 3)
	assert.Equal(t, []string{"sid:3", "sid:7"}, fake.calls[1])
	assert.Equal(t, []string{"sid:3", "sid:7"}, fake.calls[2])
	assert.Empty(t, acked)
}

func TestDispatcher_PermanentRejectionFailsFast(t *testing.T) {
	tests := []struct {
		name      string
		codes     map[string]string
		wantCalls int
	}{
		{name: "permanent only", codes: map[string]string{"sid:4": "EntryTooLarge"}, wantCalls: 1},
		{name: "permanent beside transient", codes: map[string]string{"sid:1": "ThrottlingException", "sid:4": "EntryTooLarge"}, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEvents{
				max:       10,
				permanent: map[string]bool{"EntryTooLarge": true},
				reject: func(_ int, ev Event) string {
					return tt.codes[ev.ID]
				},
			}
			d := newTestDispatcher(fake, Config{MaxAttempts: 5})

			stats, err := d.SendEvents(context.Background(), records("sid", 8), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, job.ErrDispatch)
			assert.Len(t, fake.calls, tt.wantCalls)
			assert.Zero(t, stats.Retries)

			var derr *DispatchError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, 1, derr.Attempts)
			require.Len(t, derr.Failed, len(tt.codes))
			assert.True(t, anyPermanent(derr.Failed))
		})
	}
}

func TestDispatcher_WholeCallFailureRetriesBatch(t *testing.T) {
	fake := &fakeEvents{max: 10, callErr: func(call int) error {
		if call == 0 {
			return errors.New("connection reset")
		}
		return nil
	}}
	d := newTestDispatcher(fake, Config{})

	stats, err := d.SendEvents(context.Background(), records("sid", 5), nil)
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)
	assert.Len(t, fake.calls[1], 5)
	assert.Equal(t, 5, stats.Retries)
}

func TestDispatcher_AckErrorStops(t *testing.T) {
	fake := &fakeEvents{max: 10}
	d := newTestDispatcher(fake, Config{})

	_, err := d.SendEvents(context.Background(), records("sid", 30), func(int64) error {
		return errors.New("checkpoint store down")
	})
	require.Error(t, err)
	assert.Len(t, fake.calls, 1)
}

func TestDispatcher_ContextCancelled(t *testing.T) {
	fake := &fakeEvents{max: 10}
	d := newTestDispatcher(fake, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.SendEvents(ctx, records("sid", 3), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchError_Message(t *testing.T) {
	err := &DispatchError{Attempts: 3, Failed: []FailedEntry{{Key: "a:1", Code: "X"}, {Key: "a:2", Code: "Y"}}}
	assert.Equal(t, "2 events rejected after 3 attempts: a:1=X, a:2=Y", err.Error())
}

func TestNewEvent(t *testing.T) {
	r := records("sid", 1)[0]
	ev, err := NewEvent(&r, "idlogsync", "IdentityLogRecord")
	require.NoError(t, err)
	assert.Equal(t, "sid:0", ev.ID)
	assert.Equal(t, r.Timestamp, ev.Time)
	assert.JSONEq(t, `{"timestamp":"2026-01-19T12:00:00Z","actor":"alice","action":"login","sequence_number":0,"source_name":"ping","job_id":"sid"}`, string(ev.Detail))
}
