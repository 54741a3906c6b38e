package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/idlogsync/pkg/job"
)

// FileStore persists checkpoints in an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/chunks/<offset>.json
//
// Root is expected to be under the app data dir. Every file is written to a
// temp file and renamed into place, so readers never see a partial write.
type FileStore struct {
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *FileStore) chunkDir(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "chunks")
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("checkpoint root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, j *job.Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if err := validateID(j.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return writeAtomic(s.JobDir(j.ID), "job.json", append(b, '\n'))
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, jobID string) (*job.Job, error) {
	if err := validateID(jobID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(jobID)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("%s: job.json is empty", jobID)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(trimmed), &j); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &j, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, jobID string) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// DropChunks implements Store.
func (s *FileStore) DropChunks(ctx context.Context, jobID string) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.chunkDir(jobID)); err != nil {
		return fmt.Errorf("remove chunk spool: %w", err)
	}
	return nil
}

// List implements Store. Directories without a readable job.json are
// skipped.
func (s *FileStore) List(ctx context.Context) ([]job.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint root: %w", err)
	}

	out := make([]job.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.Load(ctx, entry.Name())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, *j)
	}
	sortNewestFirst(out)
	return out, nil
}

// AppendChunk implements Store.
func (s *FileStore) AppendChunk(ctx context.Context, jobID string, chunk *job.ResultChunk) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	if chunk == nil || chunk.Offset < 0 {
		return fmt.Errorf("invalid chunk")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return writeAtomic(s.chunkDir(jobID), chunkFileName(chunk.Offset), b)
}

// Chunks implements Store.
func (s *FileStore) Chunks(ctx context.Context, jobID string) ([]job.ResultChunk, error) {
	if err := validateID(jobID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.chunkDir(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chunk spool: %w", err)
	}

	type spooled struct {
		offset int
		name   string
	}
	files := make([]spooled, 0, len(entries))
	for _, e := range entries {
		off, ok := parseChunkFileName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		files = append(files, spooled{offset: off, name: e.Name()})
	}
	sort.Slice(files, func(i, k int) bool { return files[i].offset < files[k].offset })

	out := make([]job.ResultChunk, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(filepath.Join(s.chunkDir(jobID), f.name))
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", f.offset, err)
		}
		var c job.ResultChunk
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse chunk %d: %w", f.offset, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func chunkFileName(offset int) string {
	return fmt.Sprintf("%012d.json", offset)
}

func parseChunkFileName(name string) (int, bool) {
	digits, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// writeAtomic writes b to dir/name through a temp file and rename.
func writeAtomic(dir, name string, b []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
