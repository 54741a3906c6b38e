package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Sentinel errors for the job error taxonomy.
var (
	// ErrTransport indicates a network or timeout failure talking to a backend.
	ErrTransport = errors.New("transport error")

	// ErrBackend indicates the backend rejected a request (4xx/5xx).
	ErrBackend = errors.New("backend error")

	// ErrParse indicates a raw record could not be normalized.
	ErrParse = errors.New("parse error")

	// ErrDispatch indicates the event sink did not accept all records.
	ErrDispatch = errors.New("dispatch error")

	// ErrArchive indicates the archival write failed.
	ErrArchive = errors.New("archive error")

	// ErrDeadlineExceeded indicates the job outlived its maximum duration.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrUnknownSource indicates the source name is not configured.
	ErrUnknownSource = errors.New("unknown source")

	// ErrCredentialsUnavailable indicates secret retrieval failed.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")

	// ErrInvalidTransition indicates an operation was invoked in a state that
	// does not allow it.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Kind is the machine-readable failure classification.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindBackend     Kind = "backend"
	KindParse       Kind = "parse"
	KindDispatch    Kind = "dispatch"
	KindArchive     Kind = "archive"
	KindDeadline    Kind = "deadline"
	KindUnknown     Kind = "unknown_source"
	KindCredentials Kind = "credentials"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// Error wraps a job-stage failure with the context needed for diagnosis.
type Error struct {
	// Op is the operation that failed (e.g., "Submit", "FetchChunk").
	Op string

	JobID      string
	SourceName string

	// Offset is the chunk offset in effect when the failure happened.
	Offset int

	// Chunk is the raw chunk that failed to parse, if any.
	Chunk *ResultChunk

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.SourceName != "" {
		b.WriteString(" ")
		b.WriteString(e.SourceName)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	fmt.Fprintf(&b, " offset=%d: %v", e.Offset, e.Err)
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeadlineExceeded):
		return KindDeadline
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrDispatch):
		return KindDispatch
	case errors.Is(err, ErrArchive):
		return KindArchive
	case errors.Is(err, ErrUnknownSource):
		return KindUnknown
	case errors.Is(err, ErrCredentialsUnavailable):
		return KindCredentials
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrBackend):
		return KindBackend
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	default:
		return KindInternal
	}
}

// IsTransport returns true if the error is a retryable transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsBackend returns true if the error is a backend rejection.
func IsBackend(err error) bool {
	return errors.Is(err, ErrBackend)
}

// NewFailure builds a Failure for j from err.
func NewFailure(j *Job, err error) *Failure {
	f := &Failure{
		Kind:    KindOf(err),
		Message: SanitizeMessage(err.Error()),
	}
	if j != nil {
		f.JobID = j.ID
		f.SourceName = j.SourceName
		f.LastOffset = j.NextOffset
	}
	var jerr *Error
	if errors.As(err, &jerr) {
		f.LastOffset = jerr.Offset
	}
	return f
}

// MaxMessageLength caps failure messages stored in checkpoints and results.
const MaxMessageLength = 4096

// SanitizeMessage strips control characters (except whitespace) and truncates
// msg so it can be persisted safely.
func SanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}

	out := b.String()
	if utf8.RuneCountInString(out) > MaxMessageLength {
		runes := []rune(out)
		out = string(runes[:MaxMessageLength-3]) + "..."
	}
	return out
}
