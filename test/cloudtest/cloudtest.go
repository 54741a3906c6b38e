// Package cloudtest provides helpers for cloud integration tests using moto.
//
// moto emulates S3, Secrets Manager and EventBridge on a single local
// endpoint, which covers the archive store, the credentials provider and the
// event sink without real AWS credentials. Tests using this package must be
// tagged with //go:build cloudintegration.
//
// Usage:
//
//	func TestArchive(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	// DefaultRegion is the default AWS region for tests.
	DefaultRegion = "us-east-1"

	// TestAccessKeyID is the access key used for moto (accepts any).
	TestAccessKeyID = "testing"

	// TestSecretAccessKey is the secret key used for moto (accepts any).
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is the moto server endpoint, configurable via MOTO_ENDPOINT.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is the AWS region for tests, configurable via MOTO_REGION.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	awsCfg     aws.Config
	awsCfgOnce sync.Once
	awsCfgErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available checks if the moto server is reachable.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto server is not available.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: make moto-start)", Endpoint)
	}
}

// AWSConfig returns a shared SDK config with static moto credentials.
func AWSConfig(t *testing.T) aws.Config {
	t.Helper()
	awsCfgOnce.Do(func() {
		awsCfg, awsCfgErr = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID, TestSecretAccessKey, "",
			)),
		)
	})
	if awsCfgErr != nil {
		t.Fatalf("failed to load aws config: %v", awsCfgErr)
	}
	return awsCfg
}

// S3Client returns an S3 client pointed at moto.
func S3Client(t *testing.T) *s3.Client {
	t.Helper()
	return s3.NewFromConfig(AWSConfig(t), func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})
}

// SecretsManagerClient returns a Secrets Manager client pointed at moto.
func SecretsManagerClient(t *testing.T) *secretsmanager.Client {
	t.Helper()
	return secretsmanager.NewFromConfig(AWSConfig(t), func(o *secretsmanager.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// EventBridgeClient returns an EventBridge client pointed at moto.
func EventBridgeClient(t *testing.T) *eventbridge.Client {
	t.Helper()
	return eventbridge.NewFromConfig(AWSConfig(t), func(o *eventbridge.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
	})
}

// uniqueName derives a resource name from the test name.
func uniqueName(t *testing.T, maxLen int) string {
	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

// CreateBucket creates a test bucket with a unique name and registers cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := S3Client(t)
	name := uniqueName(t, 50)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, context.Background(), name) })
	return name
}

func deleteBucket(t *testing.T, ctx context.Context, bucket string) {
	c := S3Client(t)
	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// CreateSecret stores a JSON secret and registers cleanup. It returns the
// secret name.
func CreateSecret(t *testing.T, ctx context.Context, value string) string {
	t.Helper()
	c := SecretsManagerClient(t)
	name := uniqueName(t, 40)

	if _, err := c.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
	}); err != nil {
		t.Fatalf("failed to create secret %s: %v", name, err)
	}
	t.Cleanup(func() {
		_, err := c.DeleteSecret(context.Background(), &secretsmanager.DeleteSecretInput{
			SecretId:                   aws.String(name),
			ForceDeleteWithoutRecovery: aws.Bool(true),
		})
		if err != nil {
			t.Logf("warning: failed to delete secret %s: %v", name, err)
		}
	})
	return name
}

// CreateEventBus creates a custom event bus and registers cleanup.
func CreateEventBus(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := EventBridgeClient(t)
	name := uniqueName(t, 40)

	if _, err := c.CreateEventBus(ctx, &eventbridge.CreateEventBusInput{Name: aws.String(name)}); err != nil {
		t.Fatalf("failed to create event bus %s: %v", name, err)
	}
	t.Cleanup(func() {
		if _, err := c.DeleteEventBus(context.Background(), &eventbridge.DeleteEventBusInput{Name: aws.String(name)}); err != nil {
			t.Logf("warning: failed to delete event bus %s: %v", name, err)
		}
	})
	return name
}
