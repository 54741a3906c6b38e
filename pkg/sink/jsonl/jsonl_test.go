package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/output"
	"github.com/3leaps/idlogsync/pkg/sink"
)

func TestSink_WritesEventRecords(t *testing.T) {
	var buf bytes.Buffer
	s := New(output.NewJSONLWriter(&buf), 0)
	assert.Equal(t, DefaultBatchSize, s.MaxBatchSize())

	rec := job.NormalizedRecord{
		Timestamp:      time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC),
		Actor:          "alice",
		Action:         "login",
		SequenceNumber: 4,
		SourceName:     "ping",
		JobID:          "sid-1",
	}
	ev, err := sink.NewEvent(&rec, "idlogsync", "IdentityLogRecord")
	require.NoError(t, err)

	res, err := s.PutEvents(context.Background(), []sink.Event{
		ev,
		{ID: "bad", Detail: json.RawMessage(`[`)},
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "sid-1:4", res[0].EventID)
	assert.Equal(t, "InvalidDetail", res[1].ErrorCode)

	sc := bufio.NewScanner(&buf)
	var lines []output.Record
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, output.TypeEvent, lines[0].Type)
	assert.Equal(t, "sid-1", lines[0].JobID)
	assert.Equal(t, "ping", lines[0].Source)
}

func TestSink_ClosedWriter(t *testing.T) {
	w := output.NewJSONLWriter(&bytes.Buffer{})
	require.NoError(t, w.Close())

	s := New(w, 5)
	rec := job.NormalizedRecord{JobID: "j", SourceName: "s"}
	ev, err := sink.NewEvent(&rec, "idlogsync", "x")
	require.NoError(t, err)

	_, err = s.PutEvents(context.Background(), []sink.Event{ev})
	assert.ErrorIs(t, err, output.ErrWriterClosed)
}
