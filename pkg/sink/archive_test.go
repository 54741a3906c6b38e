package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/provider"
)

// memStore is an in-memory provider.ObjectPutter/ObjectGetter.
type memStore struct {
	objects map[string][]byte
	opts    map[string]provider.PutOptions
	puts    int
	err     error

	// failFirst holds errors returned by the first puts, in order.
	failFirst []error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, opts: map[string]provider.PutOptions{}}
}

func (m *memStore) PutObject(_ context.Context, key string, body io.Reader, n int64, opts provider.PutOptions) error {
	m.puts++
	if len(m.failFirst) > 0 {
		err := m.failFirst[0]
		m.failFirst = m.failFirst[1:]
		return err
	}
	if m.err != nil {
		return m.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(b)) != n {
		return fmt.Errorf("content length %d, got %d bytes", n, len(b))
	}
	m.objects[key] = b
	m.opts[key] = opts
	return nil
}

func (m *memStore) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, 0, &provider.ProviderError{Op: "GetObject", Key: key, Err: provider.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func rawChunk(offset, n int) job.ResultChunk {
	c := job.ResultChunk{Offset: offset}
	for i := range n {
		c.Records = append(c.Records, json.RawMessage(fmt.Sprintf(`{"n":%d}`, offset+i)))
	}
	return c
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 1, 19, 7, 5, 9, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "ping/2026-01-19/12-05-09/1768.42.json.gz", ArchiveKey("ping", "1768.42", at))
	assert.Equal(t, "a_b/2026-01-19/12-05-09/x_y.json.gz", ArchiveKey("a/b", "x/y", at))
}

func TestStoreRaw_SingleCompressedWrite(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(&fakeEvents{max: 10}, store, Config{})
	at := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

	chunks := []job.ResultChunk{rawChunk(0, 500), rawChunk(500, 300)}
	key, err := d.StoreRaw(context.Background(), chunks, "ping", "sid-1", at)
	require.NoError(t, err)
	assert.Equal(t, "ping/2026-01-19/12-00-00/sid-1.json.gz", key)
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, "gzip", store.opts[key].ContentEncoding)
	assert.Equal(t, "800", store.opts[key].Metadata["record-count"])

	doc, err := ReadArchive(context.Background(), store, key)
	require.NoError(t, err)
	assert.Equal(t, "ping", doc.SourceName)
	assert.Equal(t, "sid-1", doc.JobID)
	assert.Equal(t, 800, doc.RecordCount)
	require.Len(t, doc.Chunks, 2)
	assert.Equal(t, 500, doc.Chunks[1].Offset)
	assert.JSONEq(t, `{"n":799}`, string(doc.Chunks[1].Records[299]))

	// Storing again overwrites the same key.
	key2, err := d.StoreRaw(context.Background(), chunks, "ping", "sid-1", at)
	require.NoError(t, err)
	assert.Equal(t, key, key2)
	assert.Len(t, store.objects, 1)
}

func TestStoreRaw_Errors(t *testing.T) {
	at := time.Now()

	d := NewDispatcher(&fakeEvents{max: 10}, nil, Config{})
	assert.False(t, d.Archives())
	_, err := d.StoreRaw(context.Background(), nil, "ping", "sid", at)
	assert.ErrorIs(t, err, job.ErrArchive)

	store := newMemStore()
	store.err = &provider.ProviderError{Op: "PutObject", Err: provider.ErrAccessDenied}
	d = NewDispatcher(&fakeEvents{max: 10}, store, Config{})
	_, err = d.StoreRaw(context.Background(), []job.ResultChunk{rawChunk(0, 1)}, "ping", "sid", at)
	assert.ErrorIs(t, err, job.ErrArchive)
	assert.ErrorIs(t, err, provider.ErrAccessDenied)
	assert.Contains(t, err.Error(), "check credentials")
	assert.Equal(t, job.KindArchive, job.KindOf(err))
	assert.Equal(t, 1, store.puts, "access denied is not retried")

	store = newMemStore()
	d = NewDispatcher(&fakeEvents{max: 10}, store, Config{MaxArchiveBytes: 64})
	_, err = d.StoreRaw(context.Background(), []job.ResultChunk{rawChunk(0, 2000)}, "ping", "sid", at)
	assert.ErrorIs(t, err, job.ErrArchive)
	assert.Zero(t, store.puts)
}

func TestStoreRaw_RetriesTransientErrors(t *testing.T) {
	throttled := &provider.ProviderError{Op: "PutObject", Err: provider.ErrThrottled}
	unavailable := &provider.ProviderError{Op: "PutObject", Err: provider.ErrProviderUnavailable}
	denied := &provider.ProviderError{Op: "PutObject", Err: provider.ErrAccessDenied}

	tests := []struct {
		name     string
		failures []error
		wantPuts int
		wantErr  error
	}{
		{name: "first try", wantPuts: 1},
		{name: "throttled then stored", failures: []error{throttled}, wantPuts: 2},
		{name: "unavailable twice then stored", failures: []error{unavailable, throttled}, wantPuts: 3},
		{name: "attempts exhausted", failures: []error{throttled, throttled, throttled, throttled}, wantPuts: 3, wantErr: provider.ErrThrottled},
		{name: "permanent after transient", failures: []error{throttled, denied}, wantPuts: 2, wantErr: provider.ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.failFirst = tt.failures
			d := NewDispatcher(&fakeEvents{max: 10}, store, Config{ArchiveAttempts: 3})
			var slept []time.Duration
			d.sleep = func(_ context.Context, delay time.Duration) error {
				slept = append(slept, delay)
				return nil
			}

			key, err := d.StoreRaw(context.Background(), []job.ResultChunk{rawChunk(0, 3)}, "ping", "sid", time.Now())
			assert.Equal(t, tt.wantPuts, store.puts)
			assert.Len(t, slept, min(len(tt.failures), tt.wantPuts-1))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, job.ErrArchive)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, store.objects, key)
		})
	}
}

func TestStoreRaw_RetryStopsOnCancel(t *testing.T) {
	store := newMemStore()
	store.err = &provider.ProviderError{Op: "PutObject", Err: provider.ErrThrottled}
	d := NewDispatcher(&fakeEvents{max: 10}, store, Config{ArchiveAttempts: 5})
	d.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := d.StoreRaw(context.Background(), []job.ResultChunk{rawChunk(0, 1)}, "ping", "sid", time.Now())
	assert.ErrorIs(t, err, job.ErrArchive)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.puts)
}

func TestStoreRaw_EmptyJob(t *testing.T) {
	store := newMemStore()
	d := NewDispatcher(&fakeEvents{max: 10}, store, Config{})
	key, err := d.StoreRaw(context.Background(), nil, "okta", "sid-0", time.Now())
	require.NoError(t, err)

	doc, err := ReadArchive(context.Background(), store, key)
	require.NoError(t, err)
	assert.Empty(t, doc.Chunks)
	assert.Zero(t, doc.RecordCount)
}

func TestReadArchive_Errors(t *testing.T) {
	store := newMemStore()
	_, err := ReadArchive(context.Background(), store, "missing")
	assert.True(t, provider.IsNotFound(err))

	store.objects["plain"] = []byte(`{"job_id":"x"}`)
	_, err = ReadArchive(context.Background(), store, "plain")
	require.Error(t, err)
	assert.False(t, errors.Is(err, provider.ErrNotFound))
}
