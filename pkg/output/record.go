// Package output provides JSONL output for job results and events.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently, so a workflow
// host can read step results from stdout and a local run can keep delivered
// events in a file.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Record type constants follow the pattern idlogsync.<type>.v<version>.
const (
	// TypeEvent identifies a normalized identity event.
	TypeEvent = "idlogsync.event.v1"

	// TypeResult identifies the final execution result of a job.
	TypeResult = "idlogsync.result.v1"

	// TypeStep identifies the outcome of one host-managed step.
	TypeStep = "idlogsync.step.v1"

	// TypeJob identifies a checkpointed job listing entry.
	TypeJob = "idlogsync.job.v1"

	// TypeSource identifies a configured source listing entry.
	TypeSource = "idlogsync.source.v1"

	// TypeReplay identifies a replayed archive object.
	TypeReplay = "idlogsync.replay.v1"

	// TypeError identifies error records.
	TypeError = "idlogsync.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// JobID is the backend job id the payload belongs to, if any.
	JobID string `json:"job_id,omitempty"`

	// Source is the identity source name, if any.
	Source string `json:"source,omitempty"`

	Data json.RawMessage `json:"data"`
}

// EventRecord is a normalized record as delivered to an event sink.
type EventRecord struct {
	// ID is the dedup key (job id and sequence number).
	ID         string                `json:"id"`
	DetailType string                `json:"detail_type"`
	Detail     *job.NormalizedRecord `json:"detail"`
}

// StepRecord reports the outcome of a host-managed step.
type StepRecord struct {
	// Step is submit, advance, drain or cleanup.
	Step string `json:"step"`

	// Outcome is step specific: waiting, ready, failed, done.
	Outcome string `json:"outcome"`

	// DelaySeconds is how long the host should wait before the next
	// advance. Only set when Outcome is waiting.
	DelaySeconds int `json:"delay_seconds,omitempty"`

	Job     *job.Job             `json:"job"`
	Summary *job.DispatchSummary `json:"summary,omitempty"`
}

// SourceRecord describes one configured identity source.
type SourceRecord struct {
	Name           string `json:"name"`
	Parser         string `json:"parser"`
	SecretRef      string `json:"secret_ref"`
	ChunkSize      int    `json:"chunk_size"`
	InitialWait    string `json:"initial_wait"`
	MaxWait        string `json:"max_wait"`
	MaxJobDuration string `json:"max_job_duration"`
	Query          string `json:"query"`
	Disabled       bool   `json:"disabled,omitempty"`
}

// ReplayRecord reports one archive object that was re-dispatched.
type ReplayRecord struct {
	Key               string `json:"key"`
	Chunks            int    `json:"chunks"`
	Records           int    `json:"records"`
	RecordsDispatched int    `json:"records_dispatched"`
	DryRun            bool   `json:"dry_run,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a job.Kind or a CLI-level code.
	Code    string `json:"code"`
	Message string `json:"message"`

	// Key is the archive key or job id the error relates to.
	Key string `json:"key,omitempty"`

	Details map[string]any `json:"details,omitempty"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during record writing.
type WriteError struct {
	// Op is the operation that failed (marshal_data, marshal_record, write).
	Op  string
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}
