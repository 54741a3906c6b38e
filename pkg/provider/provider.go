// Package provider defines the object store abstraction behind the raw
// archive.
//
// The archive writes one object per job, reads objects back for replay, and
// enumerates keys under date-partitioned prefixes. Authentication uses SDK
// default credential chains; providers do not implement custom auth logic.
package provider

import (
	"context"
	"time"
)

// Provider enumerates and inspects stored objects.
//
// Implementations should:
//   - Support pagination via continuation tokens
//   - Return keys relative to any configured key prefix
//   - Be safe for concurrent use
type Provider interface {
	// List returns a page of objects with the given prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Store is a provider that can write and read whole objects.
type Store interface {
	Provider
	ObjectPutter
	ObjectGetter
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the provider default.
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is empty on the last page.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType     string
	ContentEncoding string

	// Metadata contains user-defined metadata key-value pairs.
	Metadata map[string]string
}

// ProviderType identifies an object store implementation.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// Walk calls fn for every object under prefix, following continuation
// tokens until the listing is exhausted or fn returns an error.
func Walk(ctx context.Context, p Provider, prefix string, fn func(ObjectSummary) error) error {
	token := ""
	for {
		res, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			return nil
		}
		token = res.ContinuationToken
	}
}
