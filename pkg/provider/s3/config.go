// Package s3 implements the archive object store for AWS S3 and
// S3-compatible storage.
package s3

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config configures an S3 archive store.
//
// Credentials come from the AWS SDK v2 default chain unless
// AccessKeyID/SecretAccessKey are set. For S3-compatible stores (MinIO,
// moto) set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the archive bucket name (required).
	Bucket string

	// KeyPrefix is prepended to every object key, e.g. "idlogs/raw/".
	// Keys returned by List are relative to it.
	KeyPrefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS when the SDK
	// chain resolves nothing; no default is applied with a custom Endpoint.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	// Both or neither must be set.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// ServerSideEncryption is "AES256" or "aws:kms". Empty uses the
	// bucket default.
	ServerSideEncryption string

	// KMSKeyID selects the key when ServerSideEncryption is "aws:kms".
	KMSKeyID string

	// MaxKeys is the default page size for List. Zero uses DefaultMaxKeys;
	// values over MaxAllowedKeys are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	switch types.ServerSideEncryption(c.ServerSideEncryption) {
	case "", types.ServerSideEncryptionAes256, types.ServerSideEncryptionAwsKms:
	default:
		return &ConfigError{Field: "ServerSideEncryption", Message: "must be AES256 or aws:kms"}
	}
	if c.KMSKeyID != "" && c.ServerSideEncryption != string(types.ServerSideEncryptionAwsKms) {
		return &ConfigError{Field: "KMSKeyID", Message: "requires ServerSideEncryption aws:kms"}
	}
	if strings.HasPrefix(c.KeyPrefix, "/") {
		return &ConfigError{Field: "KeyPrefix", Message: "must not start with /"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
