package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/3leaps/idlogsync/pkg/job"
)

// MemoryStore keeps checkpoints in process memory. It backs one-shot runs
// where no step outlives the process.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string][]byte
	chunks map[string]map[int][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string][]byte),
		chunks: make(map[string]map[int][]byte),
	}
}

// Save implements Store. The job is copied so later caller mutations do not
// leak into the checkpoint.
func (m *MemoryStore) Save(_ context.Context, j *job.Job) error {
	if err := validateID(j.ID); err != nil {
		return err
	}
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = b
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	b, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, notFound(jobID)
	}
	var j job.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	delete(m.chunks, jobID)
	return nil
}

// DropChunks implements Store.
func (m *MemoryStore) DropChunks(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, jobID)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, 0, len(m.jobs))
	for _, b := range m.jobs {
		var j job.Job
		if err := json.Unmarshal(b, &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sortNewestFirst(out)
	return out, nil
}

// AppendChunk implements Store.
func (m *MemoryStore) AppendChunk(_ context.Context, jobID string, chunk *job.ResultChunk) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[jobID] == nil {
		m.chunks[jobID] = make(map[int][]byte)
	}
	m.chunks[jobID][chunk.Offset] = b
	return nil
}

// Chunks implements Store.
func (m *MemoryStore) Chunks(_ context.Context, jobID string) ([]job.ResultChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spool := m.chunks[jobID]
	offsets := make([]int, 0, len(spool))
	for off := range spool {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	out := make([]job.ResultChunk, 0, len(offsets))
	for _, off := range offsets {
		var c job.ResultChunk
		if err := json.Unmarshal(spool[off], &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
