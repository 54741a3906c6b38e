// Package sources loads the identity-source manifest and resolves a source
// name into the concrete search parameters for one job.
//
// A sources manifest is a YAML or JSON file validated against an embedded
// JSON Schema before use. The schema disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  chunk_size: 500
//	  initial_wait: 5s
//	  max_wait: 5m
//	  max_job_duration: 1h
//	  lookback: 15m
//	  secret_ref: aws-sm:idlogsync/splunk
//	sources:
//	  ping:
//	    parser: ping
//	    query: 'search index=ping earliest={{.Earliest}} latest={{.Latest}}'
//	  okta:
//	    parser: okta
//	    query: 'search index=okta sourcetype=OktaIM2:log earliest={{.Earliest}} latest={{.Latest}}'
package sources

import (
	"fmt"
	"time"

	"github.com/3leaps/idlogsync/pkg/parser"
)

// Manifest is a validated sources manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Defaults apply to every source that does not override them.
	Defaults Limits `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Sources maps source names to their configuration.
	Sources map[string]SourceConfig `json:"sources" yaml:"sources"`
}

// Limits holds the per-job settings that may be set globally or per source.
// Durations use Go duration syntax ("5s", "1h30m").
type Limits struct {
	// ChunkSize is the number of records per fetch. Default: 500.
	ChunkSize int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`

	// InitialWait is the delay before the first poll. Default: 5s.
	InitialWait string `json:"initial_wait,omitempty" yaml:"initial_wait,omitempty"`

	// MaxWait caps the poll delay. Default: 5m.
	MaxWait string `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`

	// MaxJobDuration bounds the job lifetime from submission. Default: 1h.
	MaxJobDuration string `json:"max_job_duration,omitempty" yaml:"max_job_duration,omitempty"`

	// Lookback is the search window ending at resolution time. Default: 15m.
	Lookback string `json:"lookback,omitempty" yaml:"lookback,omitempty"`

	// SecretRef names the backend credentials.
	SecretRef string `json:"secret_ref,omitempty" yaml:"secret_ref,omitempty"`
}

// SourceConfig configures one identity source.
type SourceConfig struct {
	Limits `yaml:",inline"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Query is a text/template rendered with .Source, .Earliest and .Latest
	// (epoch seconds).
	Query string `json:"query" yaml:"query"`

	// Parser is a registered parser id, or "fields" to use Fields.
	Parser string `json:"parser" yaml:"parser"`

	// Fields is the mapping for the "fields" parser.
	Fields *parser.FieldMapping `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Disabled sources are listed but never resolved.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultChunkSize      = 500
	DefaultInitialWait    = 5 * time.Second
	DefaultMaxWait        = 5 * time.Minute
	DefaultMaxJobDuration = time.Hour
	DefaultLookback       = 15 * time.Minute
)

// Source is a fully resolved source, ready for submission.
type Source struct {
	Name      string
	Query     string
	ParserID  string
	SecretRef string
	ChunkSize int

	InitialWait    time.Duration
	MaxWait        time.Duration
	MaxJobDuration time.Duration

	// Earliest and Latest bound the rendered search window.
	Earliest time.Time
	Latest   time.Time
}

// Validate checks the invariants the orchestrator relies on.
func (s Source) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("source name is required")
	case s.Query == "":
		return fmt.Errorf("source %s: query is empty", s.Name)
	case s.ParserID == "":
		return fmt.Errorf("source %s: parser is required", s.Name)
	case s.ChunkSize <= 0:
		return fmt.Errorf("source %s: chunk_size must be positive", s.Name)
	case s.InitialWait <= 0 || s.MaxWait < s.InitialWait:
		return fmt.Errorf("source %s: need 0 < initial_wait <= max_wait", s.Name)
	case s.MaxJobDuration <= 0:
		return fmt.Errorf("source %s: max_job_duration must be positive", s.Name)
	}
	return nil
}

// Trigger is the request that starts a job.
type Trigger struct {
	SourceName string `json:"source_name"`

	// Query, when set, replaces the rendered source query.
	Query string `json:"query,omitempty"`
}

// resolved holds the parsed limits for a source.
type resolved struct {
	chunkSize      int
	initialWait    time.Duration
	maxWait        time.Duration
	maxJobDuration time.Duration
	lookback       time.Duration
	secretRef      string
}

// effectiveLimits layers a source's limits over the manifest defaults and
// built-in defaults.
func (m *Manifest) effectiveLimits(name string, src SourceConfig) (resolved, error) {
	r := resolved{
		chunkSize:      firstInt(src.ChunkSize, m.Defaults.ChunkSize, DefaultChunkSize),
		secretRef:      firstString(src.SecretRef, m.Defaults.SecretRef),
		initialWait:    DefaultInitialWait,
		maxWait:        DefaultMaxWait,
		maxJobDuration: DefaultMaxJobDuration,
		lookback:       DefaultLookback,
	}

	durations := []struct {
		field string
		dst   *time.Duration
		value string
	}{
		{"initial_wait", &r.initialWait, firstString(src.InitialWait, m.Defaults.InitialWait)},
		{"max_wait", &r.maxWait, firstString(src.MaxWait, m.Defaults.MaxWait)},
		{"max_job_duration", &r.maxJobDuration, firstString(src.MaxJobDuration, m.Defaults.MaxJobDuration)},
		{"lookback", &r.lookback, firstString(src.Lookback, m.Defaults.Lookback)},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return r, fmt.Errorf("source %s: invalid %s %q: %w", name, d.field, d.value, err)
		}
		if v <= 0 {
			return r, fmt.Errorf("source %s: %s must be positive", name, d.field)
		}
		*d.dst = v
	}
	if r.initialWait > r.maxWait {
		return r, fmt.Errorf("source %s: initial_wait %s exceeds max_wait %s", name, r.initialWait, r.maxWait)
	}
	return r, nil
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
