package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/checkpoint"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/output"
)

const stepJobID = "1768824000.42"

// stepEnv is a fake search head plus a config that drains to files.
type stepEnv struct {
	fake   *fakeSplunk
	dir    string
	config string
	events string
}

func newStepEnv(t *testing.T, fake *fakeSplunk) *stepEnv {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	t.Setenv("SPLUNK_HOST", u.Hostname())
	t.Setenv("SPLUNK_PORT", u.Port())
	t.Setenv("SPLUNK_TOKEN", "test-token")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sources.yaml"), `version: "1.0"
defaults:
  secret_ref: env:SPLUNK
sources:
  ping:
    parser: ping
    chunk_size: 2
    initial_wait: 2s
    max_wait: 10s
    query: 'search index=ping earliest={{.Earliest}} latest={{.Latest}}'
`)
	env := &stepEnv{
		fake:   fake,
		dir:    dir,
		config: filepath.Join(dir, "idlogsync.yaml"),
		events: filepath.Join(dir, "events.jsonl"),
	}
	writeFile(t, env.config, fmt.Sprintf(`logging:
  level: error
sources:
  manifest: %[1]s/sources.yaml
search:
  scheme: http
  retry_delay: 1ms
events:
  kind: jsonl
  output: file:%[2]s
archive:
  kind: file
  base_dir: %[1]s/archive
checkpoint:
  driver: file
  dir: %[1]s/checkpoints
`, dir, env.events))
	return env
}

func (e *stepEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommand(t, append([]string{"--config", e.config}, args...)...)
}

func (e *stepEnv) store() *checkpoint.FileStore {
	return checkpoint.NewFileStore(filepath.Join(e.dir, "checkpoints"))
}

// decodeRecords returns the data of every output line of recordType.
func decodeRecords[T any](t *testing.T, out, recordType string) []T {
	t.Helper()
	var got []T
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), "line %q", sc.Text())
		require.Equal(t, recordType, rec.Type)

		var v T
		require.NoError(t, json.Unmarshal(rec.Data, &v))
		got = append(got, v)
	}
	require.NoError(t, sc.Err())
	return got
}

func singleStep(t *testing.T, out string) output.StepRecord {
	t.Helper()
	steps := decodeRecords[output.StepRecord](t, out, output.TypeStep)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].Job)
	return steps[0]
}

func TestJobCommands_StepSequence(t *testing.T) {
	env := newStepEnv(t, &fakeSplunk{
		states: []string{"RUNNING", "DONE"},
		records: []string{
			`{"timestamp":"2026-01-19T12:00:00Z","event":"AUTHN_ATTEMPT","subject":"alice","ip":"10.0.0.1"}`,
			`{"timestamp":"2026-01-19T12:00:01Z","event":"AUTHN_SUCCESS","subject":"alice","ip":"10.0.0.1"}`,
			`{"timestamp":"2026-01-19T12:00:02Z","event":"SESSION_START","subject":"bob"}`,
		},
	})
	ctx := context.Background()

	out, err := env.run(t, "job", "submit", "--source", "ping")
	require.NoError(t, err)
	step := singleStep(t, out)
	assert.Equal(t, "submit", step.Step)
	assert.Equal(t, "waiting", step.Outcome)
	assert.Equal(t, stepJobID, step.Job.ID)
	assert.Equal(t, job.StatePolling, step.Job.State)

	// In-flight jobs survive gc.
	out, err = env.run(t, "job", "gc", "--older-than", "0s")
	require.NoError(t, err)
	assert.Empty(t, decodeRecords[job.Job](t, out, output.TypeJob))

	out, err = env.run(t, "job", "advance", "--job-id", stepJobID)
	require.NoError(t, err)
	step = singleStep(t, out)
	assert.Equal(t, "advance", step.Step)
	assert.Equal(t, "waiting", step.Outcome)
	assert.Equal(t, 2, step.DelaySeconds)
	assert.Equal(t, 1, step.Job.Attempt)
	assert.Equal(t, 4, step.Job.WaitSeconds)

	out, err = env.run(t, "job", "advance", "--job-id", stepJobID)
	require.NoError(t, err)
	step = singleStep(t, out)
	assert.Equal(t, "ready", step.Outcome)
	assert.Zero(t, step.DelaySeconds)
	assert.Equal(t, 2, step.Job.Attempt)
	assert.Equal(t, job.StateFetching, step.Job.State)

	out, err = env.run(t, "job", "drain", "--job-id", stepJobID)
	require.NoError(t, err)
	step = singleStep(t, out)
	assert.Equal(t, "drain", step.Step)
	assert.Equal(t, "drained", step.Outcome)
	require.NotNil(t, step.Summary)
	assert.Equal(t, 3, step.Summary.RecordsFetched)
	assert.Equal(t, 3, step.Summary.RecordsDispatched)
	assert.NotEmpty(t, step.Summary.ArchiveKey)
	assert.Equal(t, job.StateCleanup, step.Job.State)

	out, err = env.run(t, "job", "cleanup", "--job-id", stepJobID)
	require.NoError(t, err)
	step = singleStep(t, out)
	assert.Equal(t, "cleanup", step.Step)
	assert.Equal(t, string(job.StateDone), step.Outcome)

	env.fake.mu.Lock()
	assert.True(t, env.fake.cancelled)
	env.fake.mu.Unlock()

	b, err := os.ReadFile(env.events)
	require.NoError(t, err)
	assert.Len(t, decodeRecords[output.EventRecord](t, string(b), output.TypeEvent), 3)

	saved, err := env.store().Load(ctx, stepJobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateDone, saved.State)
	spool, err := env.store().Chunks(ctx, stepJobID)
	require.NoError(t, err)
	assert.Empty(t, spool)

	// list
	out, err = env.run(t, "job", "list")
	require.NoError(t, err)
	jobs := decodeRecords[job.Job](t, out, output.TypeJob)
	require.Len(t, jobs, 1)
	assert.Equal(t, stepJobID, jobs[0].ID)
	assert.Equal(t, job.StateDone, jobs[0].State)

	out, err = env.run(t, "job", "list", "--state", "failed")
	require.NoError(t, err)
	assert.Empty(t, decodeRecords[job.Job](t, out, output.TypeJob))

	// gc removes the finished job.
	out, err = env.run(t, "job", "gc", "--older-than", "0s")
	require.NoError(t, err)
	pruned := decodeRecords[job.Job](t, out, output.TypeJob)
	require.Len(t, pruned, 1)
	assert.Equal(t, stepJobID, pruned[0].ID)

	_, err = env.store().Load(ctx, stepJobID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestJobAdvance_AbortCleansUp(t *testing.T) {
	env := newStepEnv(t, &fakeSplunk{states: []string{"FAILED"}})

	_, err := env.run(t, "job", "submit", "--source", "ping")
	require.NoError(t, err)

	out, err := env.run(t, "job", "advance", "--job-id", stepJobID)
	require.Error(t, err)
	assert.Equal(t, exitJobFailed, exitCode(err))
	assert.Contains(t, err.Error(), string(job.KindBackend))

	step := singleStep(t, out)
	assert.Equal(t, "failed", step.Outcome)
	assert.Equal(t, job.StateFailed, step.Job.State)
	require.NotNil(t, step.Job.Failure)
	assert.Equal(t, job.KindBackend, step.Job.Failure.Kind)
	assert.Equal(t, 1, step.Job.Attempt)

	env.fake.mu.Lock()
	assert.True(t, env.fake.cancelled)
	env.fake.mu.Unlock()

	saved, err := env.store().Load(context.Background(), stepJobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, saved.State)

	// Advancing a finished job is rejected without touching the backend.
	_, err = env.run(t, "job", "advance", "--job-id", stepJobID)
	require.Error(t, err)
	assert.NotEqual(t, exitJobFailed, exitCode(err))

	env.fake.mu.Lock()
	assert.Equal(t, 1, env.fake.polls)
	env.fake.mu.Unlock()
}

func TestJobCommands_Errors(t *testing.T) {
	env := newStepEnv(t, &fakeSplunk{})

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{name: "advance unknown job", args: []string{"job", "advance", "--job-id", "nope"}, wantCode: foundry.ExitFileNotFound, wantErr: "Unknown job"},
		{name: "drain unknown job", args: []string{"job", "drain", "--job-id", "nope"}, wantCode: foundry.ExitFileNotFound, wantErr: "Unknown job"},
		{name: "cleanup unknown job", args: []string{"job", "cleanup", "--job-id", "nope"}, wantCode: foundry.ExitFileNotFound, wantErr: "Unknown job"},
		{name: "submit unknown source", args: []string{"job", "submit", "--source", "okta"}, wantCode: foundry.ExitInvalidArgument, wantErr: "Invalid source"},
		{name: "gc negative age", args: []string{"job", "gc", "--older-than=-1h"}, wantCode: foundry.ExitInvalidArgument, wantErr: "--older-than"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, exitCode(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunCommand_ArchiveDisabled(t *testing.T) {
	env := newStepEnv(t, &fakeSplunk{records: []string{
		`{"timestamp":"2026-01-19T12:00:00Z","event":"AUTHN_ATTEMPT","subject":"alice"}`,
	}})
	cfg, err := os.ReadFile(env.config)
	require.NoError(t, err)
	writeFile(t, env.config, strings.Replace(string(cfg), "archive:\n  kind: file", "archive:\n  kind: none", 1))

	out, err := env.run(t, "run", "--source", "ping")
	require.NoError(t, err)

	results := decodeRecords[job.ExecutionResult](t, out, output.TypeResult)
	require.Len(t, results, 1)
	assert.Equal(t, job.ResultSuccess, results[0].Status)
	assert.Equal(t, 1, results[0].RecordsProcessed)
	assert.Empty(t, results[0].ArchiveKey)

	_, err = os.Stat(filepath.Join(env.dir, "archive"))
	assert.True(t, os.IsNotExist(err))
}
