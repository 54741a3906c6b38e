package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Built-in parser ids.
const (
	ParserPing   = "ping"
	ParserOkta   = "okta"
	ParserFields = "fields"
)

// DefaultOrdinalField is the per-record ordinal emitted by the search backend.
const DefaultOrdinalField = "_serial"

// RawField holds the unparsed event text when the backend extracts fields
// alongside it. JSON payloads found there are merged beneath extracted fields.
const RawField = "_raw"

// FieldMapping names the dotted field paths a FieldParser reads. Each slot
// lists candidate paths tried in order; the first non-empty value wins.
type FieldMapping struct {
	Timestamp []string `json:"timestamp" yaml:"timestamp"`
	Actor     []string `json:"actor" yaml:"actor"`
	Action    []string `json:"action" yaml:"action"`
	SourceIP  []string `json:"source_ip,omitempty" yaml:"source_ip,omitempty"`

	// Ordinal is the backend ordinal field. Empty uses DefaultOrdinalField;
	// "-" disables ordinals so sequence numbers always come from offsets.
	Ordinal string `json:"ordinal,omitempty" yaml:"ordinal,omitempty"`

	// RequireActor fails records with no actor instead of leaving it empty.
	RequireActor bool `json:"require_actor,omitempty" yaml:"require_actor,omitempty"`
}

// PingMapping covers PingOne activity records and PingFederate audit lines.
func PingMapping() FieldMapping {
	return FieldMapping{
		Timestamp:    []string{"recordedAt", "createdAt", "timestamp", "_time"},
		Actor:        []string{"actors.user.name", "actors.client.name", "subject", "user"},
		Action:       []string{"action.type", "event", "action"},
		SourceIP:     []string{"actors.user.ipAddress", "ip", "src_ip", "clientip"},
		RequireActor: true,
	}
}

// OktaMapping covers Okta System Log events.
func OktaMapping() FieldMapping {
	return FieldMapping{
		Timestamp:    []string{"published", "_time"},
		Actor:        []string{"actor.alternateId", "actor.displayName", "actor.id"},
		Action:       []string{"eventType", "legacyEventType"},
		SourceIP:     []string{"client.ipAddress", "request.ipChain.0.ip"},
		RequireActor: true,
	}
}

// FieldParser normalizes records by reading mapped field paths.
type FieldParser struct {
	mapping FieldMapping
}

var _ Parser = (*FieldParser)(nil)

// NewFieldParser creates a parser for the mapping.
func NewFieldParser(m FieldMapping) *FieldParser {
	if m.Ordinal == "" {
		m.Ordinal = DefaultOrdinalField
	}
	return &FieldParser{mapping: m}
}

// Validate reports mappings that cannot produce a record.
func (m FieldMapping) Validate() error {
	if len(m.Timestamp) == 0 {
		return errors.New("field mapping: timestamp path is required")
	}
	if len(m.Action) == 0 {
		return errors.New("field mapping: action path is required")
	}
	return nil
}

// Parse implements Parser.
func (p *FieldParser) Parse(in Input) ([]job.NormalizedRecord, error) {
	out := make([]job.NormalizedRecord, 0, len(in.Records))
	for i, raw := range in.Records {
		rec, err := p.parseOne(in, i, raw)
		if err != nil {
			return nil, &ParseError{Offset: in.Offset, Index: i, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *FieldParser) parseOne(in Input, index int, raw json.RawMessage) (job.NormalizedRecord, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return job.NormalizedRecord{}, err
	}
	merged := mergeRaw(fields)

	tsText := firstString(merged, p.mapping.Timestamp)
	if tsText == "" {
		return job.NormalizedRecord{}, fmt.Errorf("missing timestamp (tried %s)", strings.Join(p.mapping.Timestamp, ", "))
	}
	ts, err := ParseTimestamp(tsText)
	if err != nil {
		return job.NormalizedRecord{}, err
	}

	action := firstString(merged, p.mapping.Action)
	if action == "" {
		return job.NormalizedRecord{}, fmt.Errorf("missing action (tried %s)", strings.Join(p.mapping.Action, ", "))
	}

	actor := firstString(merged, p.mapping.Actor)
	if actor == "" && p.mapping.RequireActor {
		return job.NormalizedRecord{}, fmt.Errorf("missing actor (tried %s)", strings.Join(p.mapping.Actor, ", "))
	}

	seq, err := sequenceNumber(fields, p.mapping.Ordinal, in.Offset, index)
	if err != nil {
		return job.NormalizedRecord{}, err
	}

	return job.NormalizedRecord{
		Timestamp:      ts.UTC(),
		Actor:          actor,
		Action:         action,
		SourceIP:       firstString(merged, p.mapping.SourceIP),
		SequenceNumber: seq,
		SourceName:     in.SourceName,
		JobID:          in.JobID,
		Fields:         fields,
	}, nil
}

// sequenceNumber derives the record's position in the job's result set from
// the backend ordinal when present, else from offset plus index.
func sequenceNumber(fields map[string]any, ordinalField string, offset, index int) (int64, error) {
	if ordinalField != "" && ordinalField != "-" {
		if v, ok := fields[ordinalField]; ok && v != nil {
			n, err := toInt64(v)
			if err != nil {
				return 0, fmt.Errorf("invalid ordinal %s: %w", ordinalField, err)
			}
			if n < 0 {
				return 0, fmt.Errorf("invalid ordinal %s: negative value %d", ordinalField, n)
			}
			return n, nil
		}
	}
	return int64(offset) + int64(index), nil
}

// mergeRaw overlays extracted fields on top of a JSON payload carried in _raw.
func mergeRaw(fields map[string]any) map[string]any {
	rawText, ok := fields[RawField].(string)
	if !ok || !strings.HasPrefix(strings.TrimSpace(rawText), "{") {
		return fields
	}
	inner, err := decodeObject(json.RawMessage(rawText))
	if err != nil {
		return fields
	}
	for k, v := range fields {
		inner[k] = v
	}
	return inner
}

// lookup walks a dotted path through nested objects and arrays.
func lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

func firstString(fields map[string]any, paths []string) string {
	for _, path := range paths {
		v, ok := lookup(fields, path)
		if !ok {
			continue
		}
		s := stringify(v)
		if s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		// Multi-value fields: use the first scalar.
		for _, e := range t {
			if s := stringify(e); s != "" {
				return s
			}
		}
	}
	return ""
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not an integer: %v", t)
		}
		return int64(t), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05.000 MST",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 variants and epoch seconds (with optional
// fractional part).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
