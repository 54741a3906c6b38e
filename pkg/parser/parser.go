// Package parser turns raw backend records into normalized identity events.
//
// Parsers are registered by id in a Registry at configuration time and looked
// up by the orchestrator per job. Every parser must be a pure function of its
// input: no I/O and no shared mutable state, so a retried Drain can run it
// again without side effects.
//
// A malformed record fails the whole input. Parsers never drop records.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Input is one chunk of raw records to normalize.
type Input struct {
	SourceName string
	JobID      string

	// Offset is the position of Records[0] in the job's result set.
	Offset int

	Records []json.RawMessage
}

// Parser normalizes raw records for one identity source.
type Parser interface {
	Parse(in Input) ([]job.NormalizedRecord, error)
}

// Func adapts a plain function to the Parser interface.
type Func func(in Input) ([]job.NormalizedRecord, error)

// Parse calls f(in).
func (f Func) Parse(in Input) ([]job.NormalizedRecord, error) {
	return f(in)
}

// ParseError reports the record that could not be normalized.
type ParseError struct {
	Offset int
	Index  int
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse record %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is makes every ParseError match job.ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == job.ErrParse
}

// decodeObject decodes raw as a JSON object, keeping numbers as json.Number
// so large ordinals survive intact.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("record is null")
	}
	return fields, nil
}
