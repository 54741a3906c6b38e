package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/parser"
	"github.com/3leaps/idlogsync/pkg/provider"
	"github.com/3leaps/idlogsync/pkg/search"
	"github.com/3leaps/idlogsync/pkg/sink"
	"github.com/3leaps/idlogsync/pkg/sources"
)

// fakeSearch serves a fixed result set.
type fakeSearch struct {
	mu sync.Mutex

	id       string
	statuses []job.Status
	results  []json.RawMessage

	submitErr error
	statusErr error
	cancelErr error

	// onFetch runs before every fetch; a non-nil error is returned as is.
	onFetch func(offset int) error

	polls   int
	fetches []int
	cancels []string
}

var _ search.Client = (*fakeSearch)(nil)

func (f *fakeSearch) Submit(_ context.Context, _ string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.id, nil
}

func (f *fakeSearch) Status(_ context.Context, _ string) (job.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	i := min(f.polls, len(f.statuses)-1)
	f.polls++
	return f.statuses[i], nil
}

func (f *fakeSearch) FetchChunk(ctx context.Context, _ string, offset, limit int) (*job.ResultChunk, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, offset)
	f.mu.Unlock()

	if f.onFetch != nil {
		if err := f.onFetch(offset); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	end := min(offset+limit, len(f.results))
	c := &job.ResultChunk{Offset: offset}
	if offset < end {
		c.Records = append(c.Records, f.results[offset:end]...)
	}
	return c, nil
}

func (f *fakeSearch) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return f.cancelErr
}

// transportError mimics a search client that spent its retry budget.
func transportError(op string, offset int) error {
	return &search.Error{
		Op:       op,
		Backend:  "fake",
		JobID:    "sid",
		Attempts: 3,
		Err:      search.Transport(fmt.Errorf("read offset %d: connection reset by peer", offset)),
	}
}

func pingRecords(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(
			`{"_time":"2026-01-19T12:%02d:%02dZ","event":"AUTHN_ATTEMPT","subject":"user-%d","ip":"10.0.0.%d"}`,
			(i/60)%60, i%60, i, i%250))
	}
	return out
}

// fakeEvents accepts everything except keys listed in reject.
type fakeEvents struct {
	mu       sync.Mutex
	reject   map[string]bool
	calls    [][]string
	accepted []string

	// onCall runs before every call; a non-nil error fails the call.
	onCall func(call int) error
}

func (f *fakeEvents) MaxBatchSize() int { return 10 }

func (f *fakeEvents) PutEvents(_ context.Context, events []sink.Event) ([]sink.EntryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := len(f.calls)
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	f.calls = append(f.calls, ids)

	if f.onCall != nil {
		if err := f.onCall(call); err != nil {
			return nil, err
		}
	}

	out := make([]sink.EntryResult, len(events))
	for i, ev := range events {
		if f.reject[ev.ID] {
			out[i] = sink.EntryResult{ErrorCode: "InternalFailure", ErrorMessage: "try again"}
			continue
		}
		f.accepted = append(f.accepted, ev.ID)
		out[i] = sink.EntryResult{EventID: ev.ID}
	}
	return out, nil
}

// memArchive is an in-memory archive store.
type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemArchive() *memArchive {
	return &memArchive{objects: map[string][]byte{}}
}

func (m *memArchive) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ provider.PutOptions) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[key] = b
	return nil
}

func (m *memArchive) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, 0, provider.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

// fakeClock advances only when the sleeper sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	search  *fakeSearch
	events  *fakeEvents
	archive *memArchive
	clock   *fakeClock
	orch    *Orchestrator
}

func newHarness(results int, statuses ...job.Status) *harness {
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusDone}
	}
	h := &harness{
		search:  &fakeSearch{id: "1768824000.42", statuses: statuses, results: pingRecords(results)},
		events:  &fakeEvents{reject: map[string]bool{}},
		archive: newMemArchive(),
		clock:   newFakeClock(),
	}
	d := sink.NewDispatcher(h.events, h.archive, sink.Config{RetryDelay: time.Nanosecond})
	h.orch = New(Static(h.search), parser.Default(), d, nil).
		WithClock(h.clock.Now).
		WithSleeper(h.clock)
	return h
}

func pingSource() sources.Source {
	return sources.Source{
		Name:           "ping",
		Query:          "search index=ping",
		ParserID:       parser.ParserPing,
		SecretRef:      "env:SPLUNK",
		ChunkSize:      500,
		InitialWait:    5 * time.Second,
		MaxWait:        60 * time.Second,
		MaxJobDuration: time.Hour,
	}
}
