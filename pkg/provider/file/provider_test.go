package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/provider"
)

func newStore(t *testing.T) (*Provider, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	return p, dir
}

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.PutObject(context.Background(), key, strings.NewReader(body), int64(len(body)), provider.PutOptions{}))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	assert.Error(t, err)
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	p, dir := newStore(t)

	put(t, p, "ping/2026-01-19/12-00-00/sid.json.gz", "first")
	put(t, p, "ping/2026-01-19/12-00-00/sid.json.gz", "second")

	body, size, err := p.GetObject(ctx, "ping/2026-01-19/12-00-00/sid.json.gz")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, int64(6), size)

	entries, err := os.ReadDir(filepath.Join(dir, "ping", "2026-01-19", "12-00-00"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	meta, err := p.Head(ctx, "/ping/2026-01-19/12-00-00/sid.json.gz")
	require.NoError(t, err)
	assert.Equal(t, "ping/2026-01-19/12-00-00/sid.json.gz", meta.Key)
	assert.Equal(t, "gzip", meta.ContentEncoding)
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	p, _ := newStore(t)
	put(t, p, "ping/a.json.gz", "x")

	_, _, err := p.GetObject(ctx, "ping/missing.json.gz")
	assert.True(t, provider.IsNotFound(err))

	_, err = p.Head(ctx, "ping")
	assert.True(t, provider.IsNotFound(err))

	for _, key := range []string{"", "/", "  "} {
		t.Run(key, func(t *testing.T) {
			err := p.PutObject(ctx, key, strings.NewReader("x"), 1, provider.PutOptions{})
			require.Error(t, err)
			var perr *provider.ProviderError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestPut_StaysUnderBaseDir(t *testing.T) {
	p, dir := newStore(t)
	put(t, p, "../escape.json.gz", "x")

	_, err := os.Stat(filepath.Join(dir, "escape.json.gz"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape.json.gz"))
	assert.True(t, os.IsNotExist(err))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	p, _ := newStore(t)

	for _, key := range []string{"ping/b", "ping/a", "ping/c", "okta/a", "pingfed/a"} {
		put(t, p, key, "x")
	}

	res, err := p.List(ctx, provider.ListOptions{Prefix: "ping/", MaxKeys: 2})
	require.NoError(t, err)
	assert.True(t, res.IsTruncated)
	assert.Equal(t, []string{"ping/a", "ping/b"}, keys(res.Objects))

	res, err = p.List(ctx, provider.ListOptions{Prefix: "ping/", MaxKeys: 2, ContinuationToken: res.ContinuationToken})
	require.NoError(t, err)
	assert.False(t, res.IsTruncated)
	assert.Equal(t, []string{"ping/c"}, keys(res.Objects))

	res, err = p.List(ctx, provider.ListOptions{Prefix: "ping"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ping/a", "ping/b", "ping/c", "pingfed/a"}, keys(res.Objects))

	res, err = p.List(ctx, provider.ListOptions{Prefix: "duo/"})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)

	var walked []string
	require.NoError(t, provider.Walk(ctx, p, "", func(obj provider.ObjectSummary) error {
		walked = append(walked, obj.Key)
		return nil
	}))
	assert.Len(t, walked, 5)
}

func keys(objs []provider.ObjectSummary) []string {
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.Key)
	}
	return out
}
