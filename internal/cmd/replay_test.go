package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/provider"
	"github.com/3leaps/idlogsync/pkg/provider/file"
	"github.com/3leaps/idlogsync/pkg/sink"
)

func TestLiteralPrefix(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{pattern: "ping/2026-01-19/12-00-00/sid.json.gz", want: "ping/2026-01-19/12-00-00/sid.json.gz"},
		{pattern: "ping/2026-01-19/**", want: "ping/2026-01-19/"},
		{pattern: "ping/2026-01-1?/**", want: "ping/"},
		{pattern: "ping/*/12-*/*.json.gz", want: "ping/"},
		{pattern: "{ping,okta}/**", want: ""},
		{pattern: "**/*.json.gz", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, literalPrefix(tt.pattern))
		})
	}
}

func TestMatchArchiveKeys(t *testing.T) {
	ctx := context.Background()
	store, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, key := range []string{
		"ping/2026-01-19/12-00-00/a.json.gz",
		"ping/2026-01-19/13-00-00/b.json.gz",
		"ping/2026-01-20/12-00-00/c.json.gz",
		"ping/2026-01-19/12-00-00/notes.txt",
		"okta/2026-01-19/12-00-00/d.json.gz",
	} {
		require.NoError(t, store.PutObject(ctx, key, strings.NewReader("x"), 1, provider.PutOptions{}))
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{pattern: "ping/2026-01-19/**", want: []string{"ping/2026-01-19/12-00-00/a.json.gz", "ping/2026-01-19/13-00-00/b.json.gz"}},
		{pattern: "*/2026-01-19/12-*/*", want: []string{"okta/2026-01-19/12-00-00/d.json.gz", "ping/2026-01-19/12-00-00/a.json.gz"}},
		{pattern: "okta/**", want: []string{"okta/2026-01-19/12-00-00/d.json.gz"}},
		{pattern: "duo/**", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := matchArchiveKeys(ctx, store, tt.pattern)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}

	_, err = matchArchiveKeys(ctx, store, "ping/[")
	assert.Error(t, err)
}

func TestReplayCommand_DryRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "sources.yaml"), `version: "1.0"
sources:
  ping: {parser: ping, query: 'search index=ping', secret_ref: env:SPLUNK}
`)
	writeFile(t, filepath.Join(dir, "idlogsync.yaml"), fmt.Sprintf(`logging:
  level: error
sources:
  manifest: %[1]s/sources.yaml
events:
  kind: jsonl
archive:
  kind: file
  base_dir: %[1]s/archive
checkpoint:
  dir: %[1]s/checkpoints
`, dir))

	store, err := file.New(file.Config{BaseDir: filepath.Join(dir, "archive")})
	require.NoError(t, err)
	chunks := []job.ResultChunk{{Offset: 0, Records: []json.RawMessage{
		json.RawMessage(`{"timestamp":"2026-01-19T12:00:00Z","event":"AUTHN_ATTEMPT","subject":"alice"}`),
	}}}
	key, err := sink.NewDispatcher(discardSink{}, store, sink.Config{}).
		StoreRaw(ctx, chunks, "ping", "sid-1", time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	_, err = executeCommand(t, "--config", filepath.Join(dir, "idlogsync.yaml"), "replay", "--key", key, "--dry-run")
	require.NoError(t, err)

	_, err = executeCommand(t, "--config", filepath.Join(dir, "idlogsync.yaml"), "replay", "--key", "ping/missing.json.gz", "--dry-run")
	require.Error(t, err)
	assert.Equal(t, exitJobFailed, exitCode(err))
	assert.Contains(t, err.Error(), "1 of 1 archive objects failed")
}
