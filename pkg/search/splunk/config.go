// Package splunk implements search.Client against the Splunk asynchronous
// search REST API.
package splunk

import (
	"time"
)

// Config configures a Splunk search client.
type Config struct {
	// SecretRef locates the backend credentials (host, port, auth).
	SecretRef string

	// Scheme is the URL scheme for the management port.
	// Default: https
	Scheme string

	// Timeout bounds each HTTP request.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the total number of tries for Status and FetchChunk
	// when the transport fails.
	// Default: 3
	RetryAttempts int

	// RetryDelay is the fixed pause between those tries.
	// Default: 1s
	RetryDelay time.Duration

	// RateLimit is the maximum requests per second. Zero means unlimited.
	RateLimit float64

	// SubmitIdempotency sends an Idempotency-Key header on Submit and allows
	// one retry on transport failure. Without it Submit is never retried.
	SubmitIdempotency bool

	// InsecureSkipVerify disables TLS verification for self-signed
	// management certificates.
	InsecureSkipVerify bool
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Scheme:        "https",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.SecretRef == "" {
		return &ConfigError{Field: "SecretRef", Message: "secret reference is required"}
	}
	switch c.Scheme {
	case "", "http", "https":
	default:
		return &ConfigError{Field: "Scheme", Message: "must be http or https"}
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
	return "splunk config: " + e.Field + ": " + e.Message
}
