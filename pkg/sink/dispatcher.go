package sink

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/pkg/backoff"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/provider"
)

// Config configures a Dispatcher.
type Config struct {
	// Source and DetailType label every event.
	// Default: "idlogsync" and "IdentityLogRecord"
	Source     string
	DetailType string

	// BatchSize caps records per PutEvents call. The effective size is the
	// smaller of BatchSize and the sink's MaxBatchSize.
	// Default: 10
	BatchSize int

	// MaxAttempts is the total number of tries for an entry, including the
	// first. Only rejected entries are resent.
	// Default: 3
	MaxAttempts int

	// RetryDelay is the pause before resending rejected entries.
	// Default: 500ms
	RetryDelay time.Duration

	// MaxArchiveBytes caps the compressed archive object. Zero disables the
	// cap.
	MaxArchiveBytes int64

	// ArchiveAttempts is the total number of tries for the archive write.
	// Only throttling and unavailability errors are retried, after
	// RetryDelay.
	// Default: 3
	ArchiveAttempts int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Source:      "idlogsync",
		DetailType:  "IdentityLogRecord",
		BatchSize:   10,
		MaxAttempts: 3,
		RetryDelay:  500 * time.Millisecond,

		ArchiveAttempts: 3,
	}
}

// AckFunc is called after every record of a batch has been accepted, with
// the highest sequence number in that batch.
type AckFunc func(throughSequence int64) error

// SendStats counts what SendEvents delivered.
type SendStats struct {
	Sent    int
	Batches int

	// Retries counts resent entries across all batches.
	Retries int
}

// Dispatcher delivers to an event sink and an archival store.
//
// A Dispatcher holds no per-job state and may be shared by concurrent jobs
// when its sinks allow it.
type Dispatcher struct {
	events  EventSink
	archive provider.ObjectPutter
	cfg     Config
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher. Zero config values take DefaultConfig
// values. A nil archive disables archiving; see Archives.
func NewDispatcher(events EventSink, archive provider.ObjectPutter, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	if cfg.DetailType == "" {
		cfg.DetailType = def.DetailType
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ArchiveAttempts <= 0 {
		cfg.ArchiveAttempts = def.ArchiveAttempts
	}
	return &Dispatcher{
		events:  events,
		archive: archive,
		cfg:     cfg,
		logger:  zap.NewNop(),
		sleep:   backoff.Sleep,
	}
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(l *zap.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// Archives reports whether raw results are archived. When it is false,
// StoreRaw fails with job.ErrArchive and callers skip the archive step.
func (d *Dispatcher) Archives() bool {
	return d.archive != nil
}

// BatchSize returns the effective batch size.
func (d *Dispatcher) BatchSize() int {
	size := d.cfg.BatchSize
	if limit := d.events.MaxBatchSize(); limit > 0 && limit < size {
		size = limit
	}
	return size
}

// SendEvents delivers records in order, in batches of at most BatchSize.
// Rejected entries are resent up to MaxAttempts unless the sink marked a
// rejection permanent, which stops at once. A batch that still has
// rejected entries stops delivery with a *DispatchError; records are never
// dropped silently. onAck, when set, runs after each fully accepted batch.
func (d *Dispatcher) SendEvents(ctx context.Context, records []job.NormalizedRecord, onAck AckFunc) (SendStats, error) {
	var stats SendStats
	size := d.BatchSize()

	for start := 0; start < len(records); start += size {
		batch := records[start:min(start+size, len(records))]

		events := make([]Event, 0, len(batch))
		for i := range batch {
			ev, err := NewEvent(&batch[i], d.cfg.Source, d.cfg.DetailType)
			if err != nil {
				return stats, err
			}
			events = append(events, ev)
		}

		retries, err := d.sendBatch(ctx, events)
		stats.Retries += retries
		if err != nil {
			return stats, err
		}
		stats.Sent += len(batch)
		stats.Batches++

		if onAck != nil {
			if err := onAck(batch[len(batch)-1].SequenceNumber); err != nil {
				return stats, fmt.Errorf("record dispatch progress: %w", err)
			}
		}
	}
	return stats, nil
}

// sendBatch sends events and resends only rejected entries.
func (d *Dispatcher) sendBatch(ctx context.Context, events []Event) (int, error) {
	pending := events
	retries := 0

	for attempt := 1; ; attempt++ {
		failed, failures := d.putOnce(ctx, pending)
		if ctx.Err() != nil {
			return retries, ctx.Err()
		}
		if len(failed) == 0 {
			return retries, nil
		}
		if attempt >= d.cfg.MaxAttempts || anyPermanent(failures) {
			return retries, &DispatchError{Attempts: attempt, Failed: failures}
		}

		d.logger.Warn("Event sink rejected entries, retrying",
			zap.Int("rejected", len(failed)),
			zap.Int("batch", len(pending)),
			zap.Int("attempt", attempt),
			zap.String("first_code", failures[0].Code),
		)
		if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
			return retries, err
		}
		retries += len(failed)
		pending = failed
	}
}

// putOnce returns the rejected subset of events with their failure detail.
func (d *Dispatcher) putOnce(ctx context.Context, events []Event) ([]Event, []FailedEntry) {
	results, err := d.events.PutEvents(ctx, events)
	if err == nil && len(results) != len(events) {
		err = fmt.Errorf("sink returned %d results for %d events", len(results), len(events))
	}
	if err != nil {
		failures := make([]FailedEntry, len(events))
		for i, ev := range events {
			failures[i] = FailedEntry{Key: ev.ID, Code: "RequestFailed", Message: job.SanitizeMessage(err.Error())}
		}
		return events, failures
	}

	var failed []Event
	var failures []FailedEntry
	for i, r := range results {
		if r.Failed() {
			failed = append(failed, events[i])
			failures = append(failures, FailedEntry{
				Key:       events[i].ID,
				Code:      r.ErrorCode,
				Message:   r.ErrorMessage,
				Permanent: r.Permanent,
			})
		}
	}
	return failed, failures
}

func anyPermanent(failures []FailedEntry) bool {
	for _, f := range failures {
		if f.Permanent {
			return true
		}
	}
	return false
}
