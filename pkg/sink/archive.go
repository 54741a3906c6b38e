package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/provider"
)

// ArchiveSuffix is the extension of every archive object.
const ArchiveSuffix = ".json.gz"

// Archive is the decoded content of one archive object: every raw chunk
// fetched for a job, in fetch order.
type Archive struct {
	SourceName  string            `json:"source_name"`
	JobID       string            `json:"job_id"`
	SubmittedAt time.Time         `json:"submitted_at"`
	RecordCount int               `json:"record_count"`
	Chunks      []job.ResultChunk `json:"chunks"`
}

// ArchiveKey returns {source}/{YYYY-MM-DD}/{HH-MM-SS}/{jobId}.json.gz using
// the UTC time at. Path separators in the parts are replaced so the key
// keeps exactly four segments.
func ArchiveKey(sourceName, jobID string, at time.Time) string {
	at = at.UTC()
	return strings.Join([]string{
		keySegment(sourceName),
		at.Format("2006-01-02"),
		at.Format("15-04-05"),
		keySegment(jobID) + ArchiveSuffix,
	}, "/")
}

func keySegment(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(s)
}

// StoreRaw writes the full raw chunk set as one gzip-compressed JSON object
// and returns its key. The key depends only on the source, the job id and
// at, so storing the same job again overwrites the same object. Transient
// store errors are retried up to ArchiveAttempts.
func (d *Dispatcher) StoreRaw(ctx context.Context, chunks []job.ResultChunk, sourceName, jobID string, at time.Time) (string, error) {
	key := ArchiveKey(sourceName, jobID, at)
	if d.archive == nil {
		return key, fmt.Errorf("%w: no archive store configured", job.ErrArchive)
	}

	doc := Archive{
		SourceName:  sourceName,
		JobID:       jobID,
		SubmittedAt: at.UTC(),
		Chunks:      chunks,
	}
	for _, c := range chunks {
		doc.RecordCount += len(c.Records)
	}
	if doc.Chunks == nil {
		doc.Chunks = []job.ResultChunk{}
	}

	body, err := encodeArchive(&doc)
	if err != nil {
		return key, fmt.Errorf("%w: encode %s: %w", job.ErrArchive, key, err)
	}
	if d.cfg.MaxArchiveBytes > 0 && int64(len(body)) > d.cfg.MaxArchiveBytes {
		return key, fmt.Errorf("%w: %s is %d bytes, limit %d", job.ErrArchive, key, len(body), d.cfg.MaxArchiveBytes)
	}

	for attempt := 1; ; attempt++ {
		err = d.archive.PutObject(ctx, key, bytes.NewReader(body), int64(len(body)), provider.PutOptions{
			ContentType:     "application/json",
			ContentEncoding: "gzip",
			Metadata: map[string]string{
				"source-name":  sourceName,
				"job-id":       jobID,
				"record-count": strconv.Itoa(doc.RecordCount),
			},
		})
		if err == nil {
			return key, nil
		}
		if !provider.IsTransient(err) || attempt >= d.cfg.ArchiveAttempts || ctx.Err() != nil {
			break
		}

		d.logger.Warn("Archive write failed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := d.sleep(ctx, d.cfg.RetryDelay); serr != nil {
			return key, fmt.Errorf("%w: %w", job.ErrArchive, serr)
		}
	}

	if provider.IsAccessDenied(err) {
		return key, fmt.Errorf("%w: archive store refused the write, check credentials and bucket policy: %w", job.ErrArchive, err)
	}
	return key, fmt.Errorf("%w: %w", job.ErrArchive, err)
}

func encodeArchive(doc *Archive) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeArchive reads a gzip-compressed archive object.
func DecodeArchive(r io.Reader) (*Archive, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	var doc Archive
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &doc, nil
}

// ReadArchive fetches and decodes the archive object at key.
func ReadArchive(ctx context.Context, store provider.ObjectGetter, key string) (*Archive, error) {
	body, _, err := store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	doc, err := DecodeArchive(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if doc.JobID == "" || doc.SourceName == "" {
		return nil, fmt.Errorf("%s: archive is missing source or job id", key)
	}
	return doc, nil
}
