// Package config loads application configuration.
//
// Precedence, highest first: runtime overrides, IDLOGSYNC_* environment
// variables, the YAML config file, built-in defaults. Environment names are
// the dotted key upper-cased with dots replaced by underscores, for example
// IDLOGSYNC_EVENTS_BUS_NAME.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IDLOGSYNC"

// Config is the application configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Sources     SourcesConfig     `mapstructure:"sources"`
	Search      SearchConfig      `mapstructure:"search"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Events      EventsConfig      `mapstructure:"events"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type SourcesConfig struct {
	// Manifest is the path of the sources manifest.
	Manifest string `mapstructure:"manifest"`
}

type SearchConfig struct {
	Scheme             string        `mapstructure:"scheme"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	SubmitIdempotency  bool          `mapstructure:"submit_idempotency"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

type CredentialsConfig struct {
	// DefaultScheme resolves references without a scheme prefix.
	DefaultScheme string        `mapstructure:"default_scheme"`
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`

	// Region, Endpoint and Profile configure the Secrets Manager client.
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`
}

type EventsConfig struct {
	// Kind is eventbridge or jsonl.
	Kind        string        `mapstructure:"kind"`
	BusName     string        `mapstructure:"bus_name"`
	Source      string        `mapstructure:"source"`
	DetailType  string        `mapstructure:"detail_type"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Region      string        `mapstructure:"region"`
	Endpoint    string        `mapstructure:"endpoint"`
	Profile     string        `mapstructure:"profile"`

	// Output is the jsonl destination. Empty or "stdout" writes to stdout.
	Output string `mapstructure:"output"`
}

type ArchiveConfig struct {
	// Kind is s3, file or none. none disables archiving.
	Kind           string `mapstructure:"kind"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	BaseDir        string `mapstructure:"base_dir"`
	MaxBytes       int64  `mapstructure:"max_bytes"`

	// Attempts bounds archive writes retried after throttling or
	// unavailability.
	Attempts int `mapstructure:"attempts"`

	// SSE is AES256 or aws:kms; KMSKeyID applies to aws:kms only.
	SSE      string `mapstructure:"sse"`
	KMSKeyID string `mapstructure:"kms_key_id"`

	// Static S3 credentials. Empty uses the AWS default chain.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type CheckpointConfig struct {
	// Driver is file or sqlite.
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	DSN    string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	// PushgatewayURL enables the end-of-execution push when set.
	PushgatewayURL string   `mapstructure:"pushgateway_url"`
	JobName        string   `mapstructure:"job_name"`
	Instance       string   `mapstructure:"instance"`
	Tags           []string `mapstructure:"tags"`
}

// Defaults returns the built-in configuration as dotted keys.
func Defaults() map[string]any {
	return map[string]any{
		"logging.level":   "info",
		"logging.profile": "structured",

		"sources.manifest": "sources.yaml",

		"search.scheme":               "https",
		"search.timeout":              "30s",
		"search.retry_attempts":       3,
		"search.retry_delay":          "1s",
		"search.rate_limit":           0.0,
		"search.submit_idempotency":   false,
		"search.insecure_skip_verify": false,

		"credentials.default_scheme": "aws-sm",
		"credentials.cache_size":     32,
		"credentials.cache_ttl":      "5m",
		"credentials.region":         "",
		"credentials.endpoint":       "",
		"credentials.profile":        "",

		"events.kind":         "eventbridge",
		"events.bus_name":     "default",
		"events.source":       "idlogsync",
		"events.detail_type":  "IdentityLogRecord",
		"events.batch_size":   10,
		"events.max_attempts": 3,
		"events.retry_delay":  "500ms",
		"events.region":       "",
		"events.endpoint":     "",
		"events.profile":      "",
		"events.output":       "",

		"archive.kind":              "s3",
		"archive.bucket":            "",
		"archive.prefix":            "",
		"archive.region":            "",
		"archive.endpoint":          "",
		"archive.profile":           "",
		"archive.force_path_style":  false,
		"archive.base_dir":          "",
		"archive.max_bytes":         0,
		"archive.attempts":          3,
		"archive.sse":               "",
		"archive.kms_key_id":        "",
		"archive.access_key_id":     "",
		"archive.secret_access_key": "",

		"checkpoint.driver": "file",
		"checkpoint.dir":    ".idlogsync/checkpoints",
		"checkpoint.dsn":    ".idlogsync/checkpoints.db",

		"metrics.pushgateway_url": "",
		"metrics.job_name":        "idlogsync",
		"metrics.instance":        "",
		"metrics.tags":            []string{},
	}
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Options selects the config file.
type Options struct {
	// File is a YAML config file. Empty skips the file layer.
	File string
}

// Load builds the configuration from defaults, environment and overrides.
// Overrides are nested maps keyed like the YAML file; later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadWithOptions(ctx, Options{}, overrides...)
}

// LoadWithOptions is Load with a config file layer.
func LoadWithOptions(ctx context.Context, opts Options, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects unsupported backend kinds and incomplete backends.
func (c *Config) Validate() error {
	var errs []error
	switch c.Events.Kind {
	case "eventbridge", "jsonl":
	default:
		errs = append(errs, fmt.Errorf("events.kind: unsupported value %q (want eventbridge or jsonl)", c.Events.Kind))
	}
	switch c.Archive.Kind {
	case "s3", "file", "none":
	default:
		errs = append(errs, fmt.Errorf("archive.kind: unsupported value %q (want s3, file or none)", c.Archive.Kind))
	}
	switch c.Archive.SSE {
	case "", "AES256", "aws:kms":
	default:
		errs = append(errs, fmt.Errorf("archive.sse: unsupported value %q (want AES256 or aws:kms)", c.Archive.SSE))
	}
	if c.Archive.KMSKeyID != "" && c.Archive.SSE != "aws:kms" {
		errs = append(errs, errors.New("archive.kms_key_id requires archive.sse aws:kms"))
	}
	if (c.Archive.AccessKeyID != "") != (c.Archive.SecretAccessKey != "") {
		errs = append(errs, errors.New("archive: access_key_id and secret_access_key must be set together"))
	}
	if c.Archive.Attempts < 0 {
		errs = append(errs, errors.New("archive.attempts must not be negative"))
	}
	switch c.Checkpoint.Driver {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.driver: unsupported value %q (want file or sqlite)", c.Checkpoint.Driver))
	}
	if c.Events.BatchSize < 0 || c.Events.MaxAttempts < 0 {
		errs = append(errs, errors.New("events: batch_size and max_attempts must not be negative"))
	}
	if c.Search.RetryAttempts < 0 {
		errs = append(errs, errors.New("search.retry_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// flatten turns nested maps into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
