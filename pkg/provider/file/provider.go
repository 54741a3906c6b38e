// Package file implements the archive object store on a local directory.
//
// Keys map to slash-separated relative paths under BaseDir. Writes are atomic
// (temp file plus rename), so a re-drained job replaces its archive object
// without readers ever observing a partial file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/idlogsync/pkg/provider"
)

// DefaultMaxKeys is the default page size for List.
const DefaultMaxKeys = 1000

// Provider implements provider.Store for a local directory.
type Provider struct {
	baseDir string
}

var _ provider.Store = (*Provider)(nil)

// Config configures a file store.
type Config struct {
	BaseDir string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	return nil
}

// New creates a file store rooted at cfg.BaseDir. The directory is created
// on first write.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Close satisfies provider.Provider.
func (p *Provider) Close() error { return nil }

// List returns a page of keys starting with opts.Prefix in lexical order.
// The continuation token is the last key of the previous page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	objects, err := p.collect(ctx, prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(objects), func(i int) bool {
			return objects[i].Key > opts.ContinuationToken
		})
	}
	end := min(start+maxKeys, len(objects))

	res := &provider.ListResult{Objects: objects[start:end]}
	if end < len(objects) {
		res.IsTruncated = true
		res.ContinuationToken = objects[end-1].Key
	}
	return res, nil
}

// Head returns size and modification time for key.
func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Head", key, provider.ErrNotFound)
	}

	meta := &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: cleanKey(key), Size: st.Size(), LastModified: st.ModTime()},
	}
	if strings.HasSuffix(key, ".gz") {
		meta.ContentEncoding = "gzip"
	}
	return meta, nil
}

// GetObject opens key for reading. The caller closes the returned reader.
func (p *Provider) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	return f, st.Size(), nil
}

// PutObject writes body to key atomically. Content type and encoding are
// implied by the key suffix and not stored.
func (p *Provider) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ provider.PutOptions) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".idlogsync-put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func cleanKey(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "/")
}

// fullPath maps a key to a path under baseDir, rejecting traversal.
func (p *Provider) fullPath(key string) (string, error) {
	clean := strings.TrimPrefix(filepath.Clean("/"+cleanKey(key)), "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

// collect walks from the deepest directory implied by prefix and returns
// matching objects sorted by key. Temp files from in-flight writes are
// skipped.
func (p *Provider) collect(ctx context.Context, prefix string) ([]provider.ObjectSummary, error) {
	root := p.baseDir
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = filepath.Join(p.baseDir, filepath.FromSlash(prefix[:i]))
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []provider.ObjectSummary
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".idlogsync-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, provider.ObjectSummary{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		wrapped.Err = provider.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
