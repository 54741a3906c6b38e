package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteEvent(ctx context.Context, ev *EventRecord) error
	WriteResult(ctx context.Context, res *job.ExecutionResult) error
	WriteStep(ctx context.Context, step *StepRecord) error
	WriteJob(ctx context.Context, j *job.Job) error
	WriteSource(ctx context.Context, src *SourceRecord) error
	WriteReplay(ctx context.Context, rep *ReplayRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized with a mutex so lines never interleave.
type JSONLWriter struct {
	w  io.Writer
	mu sync.Mutex

	// now is replaceable in tests.
	now func() time.Time

	closed bool
}

// NewJSONLWriter creates a new JSONL writer. The underlying writer is not
// closed by Close.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, now: time.Now}
}

// WriteEvent emits a normalized event.
func (jw *JSONLWriter) WriteEvent(ctx context.Context, ev *EventRecord) error {
	var jobID, source string
	if ev.Detail != nil {
		jobID, source = ev.Detail.JobID, ev.Detail.SourceName
	}
	return jw.writeRecord(ctx, TypeEvent, jobID, source, ev)
}

// WriteResult emits a job execution result.
func (jw *JSONLWriter) WriteResult(ctx context.Context, res *job.ExecutionResult) error {
	return jw.writeRecord(ctx, TypeResult, res.JobID, res.SourceName, res)
}

// WriteStep emits a host-managed step outcome.
func (jw *JSONLWriter) WriteStep(ctx context.Context, step *StepRecord) error {
	var jobID, source string
	if step.Job != nil {
		jobID, source = step.Job.ID, step.Job.SourceName
	}
	return jw.writeRecord(ctx, TypeStep, jobID, source, step)
}

// WriteJob emits a checkpointed job.
func (jw *JSONLWriter) WriteJob(ctx context.Context, j *job.Job) error {
	return jw.writeRecord(ctx, TypeJob, j.ID, j.SourceName, j)
}

// WriteSource emits a configured source.
func (jw *JSONLWriter) WriteSource(ctx context.Context, src *SourceRecord) error {
	return jw.writeRecord(ctx, TypeSource, "", src.Name, src)
}

// WriteReplay emits a replay outcome.
func (jw *JSONLWriter) WriteReplay(ctx context.Context, rep *ReplayRecord) error {
	return jw.writeRecord(ctx, TypeReplay, "", "", rep)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, "", "", err)
}

// Close marks the writer as closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

// writeRecord marshals data into an envelope and writes one line while
// holding the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID, source string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	recordBytes, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		JobID:  jobID,
		Source: source,
		Data:   dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	if err := writeAll(jw.w, append(recordBytes, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
