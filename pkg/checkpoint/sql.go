package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/3leaps/idlogsync/pkg/job"
)

// jobRow is a checkpointed job. The full job is kept as JSON in Data; the
// other columns exist for listing and inspection.
type jobRow struct {
	ID          string    `gorm:"primaryKey;size:255"`
	SourceName  string    `gorm:"index;size:255;not null"`
	State       string    `gorm:"index;size:32;not null"`
	SubmittedAt time.Time `gorm:"index"`
	Data        []byte    `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (jobRow) TableName() string { return "job_checkpoints" }

// chunkRow is one spooled result chunk.
type chunkRow struct {
	JobID     string    `gorm:"primaryKey;size:255"`
	Offset    int       `gorm:"primaryKey;autoIncrement:false;column:chunk_offset"`
	Records   []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (chunkRow) TableName() string { return "chunk_spools" }

// SQLStore persists checkpoints with GORM.
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite database at path and
// returns a migrated store.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	return NewSQLStore(ctx, db)
}

// NewSQLStore wraps db and creates the checkpoint tables.
func NewSQLStore(ctx context.Context, db *gorm.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the necessary tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &chunkRow{}); err != nil {
		return fmt.Errorf("migrate checkpoint tables: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, j *job.Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if err := validateID(j.ID); err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	row := jobRow{
		ID:          j.ID,
		SourceName:  j.SourceName,
		State:       string(j.State),
		SubmittedAt: j.SubmittedAt.UTC(),
		Data:        data,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, jobID string) (*job.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(jobID)
		}
		return nil, err
	}
	return decodeJob(row.Data)
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&chunkRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", jobID).Delete(&jobRow{}).Error
	})
}

// DropChunks implements Store.
func (s *SQLStore) DropChunks(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&chunkRow{}).Error
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Order("submitted_at DESC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]job.Job, 0, len(rows))
	for _, row := range rows {
		j, err := decodeJob(row.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", row.ID, err)
		}
		out = append(out, *j)
	}
	return out, nil
}

// AppendChunk implements Store.
func (s *SQLStore) AppendChunk(ctx context.Context, jobID string, chunk *job.ResultChunk) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	if chunk == nil || chunk.Offset < 0 {
		return fmt.Errorf("invalid chunk")
	}
	records, err := json.Marshal(chunk.Records)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	row := chunkRow{JobID: jobID, Offset: chunk.Offset, Records: records}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "chunk_offset"}},
			DoUpdates: clause.AssignmentColumns([]string{"records"}),
		}).
		Create(&row).Error
}

// Chunks implements Store.
func (s *SQLStore) Chunks(ctx context.Context, jobID string) ([]job.ResultChunk, error) {
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("chunk_offset ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]job.ResultChunk, 0, len(rows))
	for _, row := range rows {
		c := job.ResultChunk{Offset: row.Offset}
		if err := json.Unmarshal(row.Records, &c.Records); err != nil {
			return nil, fmt.Errorf("parse chunk %d: %w", row.Offset, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeJob(data []byte) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &j, nil
}
