package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/job"
)

func raws(t *testing.T, docs ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		require.True(t, json.Valid([]byte(d)), "invalid fixture: %s", d)
		out = append(out, json.RawMessage(d))
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	noop := Func(func(Input) ([]job.NormalizedRecord, error) { return nil, nil })
	require.NoError(t, r.Register("custom", noop))

	err := r.Register("custom", noop)
	assert.ErrorIs(t, err, ErrDuplicateParser)

	assert.Error(t, r.Register(" ", noop))
	assert.Error(t, r.Register("nil", nil))

	p, err := r.Lookup("custom")
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownParser)

	assert.Equal(t, []string{"custom"}, r.IDs())
}

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{ParserOkta, ParserPing}, r.IDs())
}

func TestPingParser(t *testing.T) {
	p := NewFieldParser(PingMapping())

	in := Input{
		SourceName: "ping",
		JobID:      "sid-1",
		Offset:     500,
		Records: raws(t,
			`{"recordedAt":"2026-01-19T12:00:00.123Z","action":{"type":"USER.ACCESS_ALLOWED"},"actors":{"user":{"name":"alice","ipAddress":"10.0.0.1"}}}`,
			`{"_time":"2026-01-19T12:00:01.000+00:00","event":"AUTHN_ATTEMPT","subject":"bob","ip":"10.0.0.2"}`,
		),
	}

	recs, err := p.Parse(in)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "alice", recs[0].Actor)
	assert.Equal(t, "USER.ACCESS_ALLOWED", recs[0].Action)
	assert.Equal(t, "10.0.0.1", recs[0].SourceIP)
	assert.Equal(t, time.Date(2026, 1, 19, 12, 0, 0, 123000000, time.UTC), recs[0].Timestamp)
	assert.Equal(t, int64(500), recs[0].SequenceNumber)
	assert.Equal(t, "ping", recs[0].SourceName)
	assert.Equal(t, "sid-1", recs[0].JobID)

	assert.Equal(t, "bob", recs[1].Actor)
	assert.Equal(t, "AUTHN_ATTEMPT", recs[1].Action)
	assert.Equal(t, int64(501), recs[1].SequenceNumber)
}

func TestOktaParser_RawPayloadAndOrdinal(t *testing.T) {
	p := NewFieldParser(OktaMapping())

	inner := `{"published":"2026-01-19T12:00:00Z","eventType":"user.session.start","actor":{"alternateId":"carol@example.com"},"client":{"ipAddress":"192.0.2.7"}}`
	doc := fmt.Sprintf(`{"_serial":"7","_raw":%q}`, inner)

	recs, err := p.Parse(Input{SourceName: "okta", JobID: "sid-2", Offset: 0, Records: raws(t, doc)})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, "carol@example.com", recs[0].Actor)
	assert.Equal(t, "user.session.start", recs[0].Action)
	assert.Equal(t, "192.0.2.7", recs[0].SourceIP)
	assert.Equal(t, int64(7), recs[0].SequenceNumber)
}

func TestFieldParser_FailsWholeInput(t *testing.T) {
	p := NewFieldParser(PingMapping())

	tests := []struct {
		name string
		doc  string
	}{
		{name: "not an object", doc: `[1,2]`},
		{name: "missing timestamp", doc: `{"event":"X","subject":"a"}`},
		{name: "bad timestamp", doc: `{"timestamp":"yesterday","event":"X","subject":"a"}`},
		{name: "missing action", doc: `{"timestamp":"2026-01-19T12:00:00Z","subject":"a"}`},
		{name: "missing actor", doc: `{"timestamp":"2026-01-19T12:00:00Z","event":"X"}`},
		{name: "bad ordinal", doc: `{"timestamp":"2026-01-19T12:00:00Z","event":"X","subject":"a","_serial":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := `{"timestamp":"2026-01-19T12:00:00Z","event":"X","subject":"a"}`
			recs, err := p.Parse(Input{Offset: 10, Records: raws(t, good, tt.doc)})
			require.Error(t, err)
			assert.Nil(t, recs)
			assert.ErrorIs(t, err, job.ErrParse)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, 1, perr.Index)
			assert.Equal(t, 10, perr.Offset)
		})
	}
}

func TestFieldParser_OrdinalDisabled(t *testing.T) {
	m := PingMapping()
	m.Ordinal = "-"
	p := NewFieldParser(m)

	recs, err := p.Parse(Input{Offset: 3, Records: raws(t,
		`{"timestamp":"1768824000","event":"X","subject":"a","_serial":99}`,
	)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), recs[0].SequenceNumber)
	assert.Equal(t, time.Unix(1768824000, 0).UTC(), recs[0].Timestamp)
}

func TestFieldParser_SequenceSpansChunks(t *testing.T) {
	p := NewFieldParser(FieldMapping{Timestamp: []string{"ts"}, Action: []string{"a"}})

	var all []job.NormalizedRecord
	for offset := 0; offset < 30; offset += 10 {
		docs := make([]string, 10)
		for i := range docs {
			docs[i] = `{"ts":"2026-01-19T12:00:00Z","a":"login"}`
		}
		recs, err := p.Parse(Input{Offset: offset, Records: raws(t, docs...)})
		require.NoError(t, err)
		all = append(all, recs...)
	}

	for i, r := range all {
		assert.Equal(t, int64(i), r.SequenceNumber)
	}
}

func TestFieldMapping_Validate(t *testing.T) {
	assert.NoError(t, PingMapping().Validate())
	assert.Error(t, FieldMapping{Action: []string{"a"}}.Validate())
	assert.Error(t, FieldMapping{Timestamp: []string{"t"}}.Validate())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "2026-01-19T12:00:00Z", want: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)},
		{in: "2026-01-19T14:00:00.500+02:00", want: time.Date(2026, 1, 19, 12, 0, 0, 500000000, time.UTC)},
		{in: "1768824000.25", want: time.Unix(1768824000, 250000000).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}

	_, err := ParseTimestamp("not-a-time")
	assert.Error(t, err)
}
