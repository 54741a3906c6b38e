package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/internal/config"
	"github.com/3leaps/idlogsync/internal/metrics"
	"github.com/3leaps/idlogsync/internal/observability"
	"github.com/3leaps/idlogsync/pkg/checkpoint"
	"github.com/3leaps/idlogsync/pkg/credentials"
	"github.com/3leaps/idlogsync/pkg/orchestrator"
	"github.com/3leaps/idlogsync/pkg/output"
	"github.com/3leaps/idlogsync/pkg/parser"
	"github.com/3leaps/idlogsync/pkg/provider"
	"github.com/3leaps/idlogsync/pkg/provider/file"
	"github.com/3leaps/idlogsync/pkg/provider/s3"
	"github.com/3leaps/idlogsync/pkg/search"
	"github.com/3leaps/idlogsync/pkg/search/splunk"
	"github.com/3leaps/idlogsync/pkg/sink"
	"github.com/3leaps/idlogsync/pkg/sink/eventbridge"
	"github.com/3leaps/idlogsync/pkg/sink/jsonl"
	"github.com/3leaps/idlogsync/pkg/sources"
)

// app holds the components built from configuration for one command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	resolver *sources.Resolver
	parsers  *parser.Registry
	store    checkpoint.Store
	archive  provider.Store
	metrics  *metrics.Collector
	orch     *orchestrator.Orchestrator

	closers []func() error
}

// appOptions selects which components a command needs.
type appOptions struct {
	// events and archive are only needed by commands that drain or replay.
	events  bool
	archive bool
}

// newApp wires the configured components.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  observability.CLILogger,
		parsers: parser.Default(),
		metrics: metrics.NewCollector(),
	}

	resolver, err := loadResolver(cfg)
	if err != nil {
		return nil, err
	}
	a.resolver = resolver
	if err := resolver.RegisterParsers(a.parsers); err != nil {
		return nil, err
	}

	if a.store, err = a.openCheckpoint(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var archive provider.ObjectPutter
	if opts.archive && cfg.Archive.Kind != "none" {
		if a.archive, err = openArchive(ctx, cfg.Archive); err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.archive.Close)
		archive = a.archive
	}

	var events sink.EventSink = discardSink{}
	if opts.events {
		if events, err = a.openEvents(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	dispatcher := sink.NewDispatcher(events, archive, sink.Config{
		Source:          cfg.Events.Source,
		DetailType:      cfg.Events.DetailType,
		BatchSize:       cfg.Events.BatchSize,
		MaxAttempts:     cfg.Events.MaxAttempts,
		RetryDelay:      cfg.Events.RetryDelay,
		MaxArchiveBytes: cfg.Archive.MaxBytes,
		ArchiveAttempts: cfg.Archive.Attempts,
	}).WithLogger(a.logger.Named("sink"))

	clients, err := a.searchClients(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = orchestrator.New(clients, a.parsers, dispatcher, a.store).
		WithLogger(a.logger.Named("orchestrator")).
		WithMetrics(a.metrics)
	return a, nil
}

// Close releases every opened component.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// pushMetrics sends the collected metrics when a Pushgateway is configured.
func (a *app) pushMetrics(ctx context.Context) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := a.metrics.Push(ctx, url, a.cfg.Metrics.JobName, a.cfg.Metrics.Instance); err != nil {
		a.logger.Warn("Metrics push failed", zap.String("url", url), zap.Error(err))
	}
}

func loadResolver(cfg *config.Config) (*sources.Resolver, error) {
	m, err := sources.Load(cfg.Sources.Manifest)
	if err != nil {
		return nil, fmt.Errorf("load sources manifest %s: %w", cfg.Sources.Manifest, err)
	}
	return sources.NewResolver(m)
}

func (a *app) openCheckpoint(ctx context.Context) (checkpoint.Store, error) {
	switch a.cfg.Checkpoint.Driver {
	case "sqlite":
		s, err := checkpoint.OpenSQLite(ctx, a.cfg.Checkpoint.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return checkpoint.NewFileStore(a.cfg.Checkpoint.Dir), nil
	}
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (provider.Store, error) {
	switch cfg.Kind {
	case "file":
		return file.New(file.Config{BaseDir: cfg.BaseDir})
	default:
		return s3.New(ctx, s3Config(cfg))
	}
}

func s3Config(cfg config.ArchiveConfig) s3.Config {
	return s3.Config{
		Bucket:               cfg.Bucket,
		KeyPrefix:            cfg.Prefix,
		Region:               cfg.Region,
		Endpoint:             cfg.Endpoint,
		Profile:              cfg.Profile,
		ForcePathStyle:       cfg.ForcePathStyle,
		ServerSideEncryption: cfg.SSE,
		KMSKeyID:             cfg.KMSKeyID,
		AccessKeyID:          cfg.AccessKeyID,
		SecretAccessKey:      cfg.SecretAccessKey,
	}
}

func (a *app) openEvents(ctx context.Context) (sink.EventSink, error) {
	ec := a.cfg.Events
	if ec.Kind != "jsonl" {
		return eventbridge.New(ctx, eventbridge.Config{
			BusName:  ec.BusName,
			Region:   ec.Region,
			Endpoint: ec.Endpoint,
			Profile:  ec.Profile,
		})
	}

	var w io.Writer = os.Stdout
	if ec.Output != "" && ec.Output != "stdout" {
		f, err := os.OpenFile(strings.TrimPrefix(ec.Output, "file:"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event output %s: %w", ec.Output, err)
		}
		a.closers = append(a.closers, f.Close)
		w = f
	}
	jw := output.NewJSONLWriter(w)
	a.closers = append(a.closers, jw.Close)
	return jsonl.New(jw, ec.BatchSize), nil
}

// searchClients returns one cached Splunk client per credentials reference.
func (a *app) searchClients(ctx context.Context) (orchestrator.ClientFunc, error) {
	cc := a.cfg.Credentials
	router := credentials.NewRouter(cc.DefaultScheme).
		Handle(credentials.SchemeEnv, &credentials.EnvProvider{})

	sm, err := credentials.NewSecretsManager(ctx, credentials.SecretsManagerConfig{
		Region:   cc.Region,
		Endpoint: cc.Endpoint,
		Profile:  cc.Profile,
	})
	if err != nil {
		a.logger.Warn("Secrets Manager unavailable; only env: references will resolve", zap.Error(err))
	} else {
		router.Handle(credentials.SchemeSecretsManager, sm)
	}
	creds := credentials.NewCache(router, cc.CacheSize, cc.CacheTTL)

	sc := a.cfg.Search
	var (
		mu      sync.Mutex
		clients = map[string]search.Client{}
	)
	return func(ref string) (search.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[ref]; ok {
			return c, nil
		}
		c, err := splunk.New(splunk.Config{
			SecretRef:          ref,
			Scheme:             sc.Scheme,
			Timeout:            sc.Timeout,
			RetryAttempts:      sc.RetryAttempts,
			RetryDelay:         sc.RetryDelay,
			RateLimit:          sc.RateLimit,
			SubmitIdempotency:  sc.SubmitIdempotency,
			InsecureSkipVerify: sc.InsecureSkipVerify,
		}, creds)
		if err != nil {
			return nil, err
		}
		clients[ref] = c.WithLogger(a.logger.Named("splunk"))
		return clients[ref], nil
	}, nil
}

// discardSink accepts nothing; commands that never dispatch use it.
type discardSink struct{}

func (discardSink) MaxBatchSize() int { return 10 }

func (discardSink) PutEvents(_ context.Context, events []sink.Event) ([]sink.EntryResult, error) {
	return nil, fmt.Errorf("no event sink configured for this command (%d events)", len(events))
}

// resultWriter is the JSONL writer for command results on the command's
// output stream.
func resultWriter(cmd *cobra.Command) *output.JSONLWriter {
	return output.NewJSONLWriter(cmd.OutOrStdout())
}
