// Package metrics records job metrics with Prometheus and pushes them to a
// Pushgateway when an execution ends.
//
// Executions are short-lived batch jobs, so nothing is scraped. Each process
// owns its own registry and pushes it once.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/orchestrator"
)

// DefaultJobName is the Pushgateway job label.
const DefaultJobName = "idlogsync"

// Collector implements orchestrator.Metrics.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted     *prometheus.CounterVec
	polls             *prometheus.CounterVec
	chunksFetched     *prometheus.CounterVec
	recordsFetched    *prometheus.CounterVec
	recordsDispatched *prometheus.CounterVec
	dispatchRetries   *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	lastSuccess       *prometheus.GaugeVec
}

var _ orchestrator.Metrics = (*Collector)(nil)

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_jobs_submitted_total",
			Help: "Search jobs submitted",
		}, []string{"source"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_status_polls_total",
			Help: "Search job status polls by reported status",
		}, []string{"source", "status"}),
		chunksFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_chunks_fetched_total",
			Help: "Result chunks fetched",
		}, []string{"source"}),
		recordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_records_fetched_total",
			Help: "Raw records fetched",
		}, []string{"source"}),
		recordsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_records_dispatched_total",
			Help: "Records accepted by the event sink",
		}, []string{"source"}),
		dispatchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_dispatch_retries_total",
			Help: "Event entries resent after rejection",
		}, []string{"source"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idlogsync_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"source", "state", "kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idlogsync_job_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"source", "state"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idlogsync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful job",
		}, []string{"source"}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.polls,
		c.chunksFetched,
		c.recordsFetched,
		c.recordsDispatched,
		c.dispatchRetries,
		c.jobsFinished,
		c.jobDuration,
		c.lastSuccess,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// JobSubmitted implements orchestrator.Metrics.
func (c *Collector) JobSubmitted(source string) {
	c.jobsSubmitted.WithLabelValues(source).Inc()
}

// Polled implements orchestrator.Metrics.
func (c *Collector) Polled(source string, status job.Status) {
	c.polls.WithLabelValues(source, string(status)).Inc()
}

// ChunkFetched implements orchestrator.Metrics.
func (c *Collector) ChunkFetched(source string, records int) {
	c.chunksFetched.WithLabelValues(source).Inc()
	c.recordsFetched.WithLabelValues(source).Add(float64(records))
}

// RecordsDispatched implements orchestrator.Metrics.
func (c *Collector) RecordsDispatched(source string, sent, retries int) {
	c.recordsDispatched.WithLabelValues(source).Add(float64(sent))
	c.dispatchRetries.WithLabelValues(source).Add(float64(retries))
}

// JobFinished implements orchestrator.Metrics.
func (c *Collector) JobFinished(source string, state job.State, kind job.Kind, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(source, string(state), string(kind)).Inc()
	c.jobDuration.WithLabelValues(source, string(state)).Observe(elapsed.Seconds())
	if state == job.StateDone {
		c.lastSuccess.WithLabelValues(source).SetToCurrentTime()
	}
}

// Push sends the registry to the Pushgateway at url, grouped by instance.
func (c *Collector) Push(ctx context.Context, url, jobName, instance string) error {
	if jobName == "" {
		jobName = DefaultJobName
	}
	p := push.New(url, jobName).Gatherer(c.registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
