// Package job defines the data model shared by every stage of an
// identity-log collection job: the job itself, backend status snapshots,
// fetched result chunks, normalized records, and execution outcomes.
//
// A Job is owned by exactly one orchestrator execution at a time. Nothing in
// this package holds process-wide state.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a snapshot of the backend's view of a search job.
//
// Status values are consumed immediately by the orchestrator and are never
// persisted as the job's lifecycle state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// State is the orchestrator-owned lifecycle state of a job.
//
// NOTE: These values are persisted in checkpoints and are part of the stable
// on-disk contract.
type State string

const (
	StateSubmitted   State = "submitted"
	StatePolling     State = "polling"
	StateFetching    State = "fetching"
	StateParsing     State = "parsing"
	StateDispatching State = "dispatching"
	StateCleanup     State = "cleanup"
	StateAborting    State = "aborting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Job identifies one search execution against a single identity source.
//
// ID is assigned by the backend at submission and never changes afterwards.
// Attempt, WaitSeconds and Deadline are the minimal state a host needs to
// persist between polls; NextOffset and DispatchedThrough make Drain resumable.
type Job struct {
	ID         string `json:"job_id"`
	SourceName string `json:"source_name"`
	Query      string `json:"query"`
	ParserID   string `json:"parser_id"`
	SecretRef  string `json:"secret_ref,omitempty"`
	ChunkSize  int    `json:"chunk_size"`

	Attempt        int       `json:"attempt"`
	WaitSeconds    int       `json:"wait_seconds"`
	MaxWaitSeconds int       `json:"max_wait_seconds"`
	SubmittedAt    time.Time `json:"submitted_at"`
	Deadline       time.Time `json:"deadline"`

	State State `json:"state"`

	// NextOffset is the first offset not yet durably fetched.
	NextOffset int `json:"next_offset"`

	// DispatchedThrough is the highest sequence number acknowledged by the
	// event sink. It starts at -1; nothing has been dispatched yet.
	DispatchedThrough int64 `json:"dispatched_through"`

	RecordsFetched    int    `json:"records_fetched"`
	RecordsDispatched int    `json:"records_dispatched"`
	ArchiveKey        string `json:"archive_key,omitempty"`

	Failure *Failure `json:"failure,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job has reached Done or Failed.
func (j *Job) Terminal() bool {
	return j.State.Terminal()
}

// Expired reports whether now is past the job deadline.
func (j *Job) Expired(now time.Time) bool {
	return !j.Deadline.IsZero() && now.After(j.Deadline)
}

// Fail records a failure and moves the job to Aborting. The first recorded
// failure is kept.
func (j *Job) Fail(f *Failure) {
	if j.Failure == nil {
		j.Failure = f
	}
	j.State = StateAborting
}

// ResultChunk is an ordered page of raw backend records fetched at Offset.
type ResultChunk struct {
	Offset  int               `json:"offset"`
	Records []json.RawMessage `json:"records"`
}

// Full reports whether the chunk holds chunkSize records, meaning another
// fetch is required.
func (c *ResultChunk) Full(chunkSize int) bool {
	return len(c.Records) >= chunkSize
}

// NormalizedRecord is the parser output unit delivered to the event sink.
type NormalizedRecord struct {
	Timestamp      time.Time      `json:"timestamp"`
	Actor          string         `json:"actor"`
	Action         string         `json:"action"`
	SourceIP       string         `json:"source_ip,omitempty"`
	SequenceNumber int64          `json:"sequence_number"`
	SourceName     string         `json:"source_name"`
	JobID          string         `json:"job_id"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// DedupKey returns the stable key downstream consumers use to drop
// duplicate deliveries of the same record.
func (r *NormalizedRecord) DedupKey() string {
	return fmt.Sprintf("%s:%d", r.JobID, r.SequenceNumber)
}

// DispatchSummary reports what a Drain delivered.
type DispatchSummary struct {
	JobID             string `json:"job_id"`
	SourceName        string `json:"source_name"`
	ChunksFetched     int    `json:"chunks_fetched"`
	RecordsFetched    int    `json:"records_fetched"`
	RecordsDispatched int    `json:"records_dispatched"`
	RecordsSkipped    int    `json:"records_skipped"`
	Batches           int    `json:"batches"`
	Retries           int    `json:"retries"`
	ArchiveKey        string `json:"archive_key,omitempty"`
}

// Failure carries enough context for an operator to replay from the archive
// or resubmit cleanly.
type Failure struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	JobID      string `json:"job_id,omitempty"`
	SourceName string `json:"source_name,omitempty"`
	LastOffset int    `json:"last_offset"`
}

// ResultStatus is the top-level outcome surfaced to the workflow host.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "Success"
	ResultFailed  ResultStatus = "Failed"
)

// ExecutionResult is the structured outcome of one execution.
type ExecutionResult struct {
	Status           ResultStatus `json:"status"`
	JobID            string       `json:"job_id,omitempty"`
	SourceName       string       `json:"source_name"`
	RecordsProcessed int          `json:"records_processed"`
	ArchiveKey       string       `json:"archive_key,omitempty"`
	Error            *Failure     `json:"error,omitempty"`
}
