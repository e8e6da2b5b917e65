// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"nbaattend/enrich"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var queuedJobsDesc = prometheus.NewDesc(
	"nbaattend_jobs",
	"Pipeline jobs in the queue by kind and state",
	[]string{"kind", "state"},
	nil,
)

// JobCounter reports job counts keyed by kind, then state.
type JobCounter func(ctx context.Context) (map[string]map[string]int, error)

// QueueCollector reads job counts from the database on each scrape.
type QueueCollector struct {
	count  JobCounter
	logger *zap.SugaredLogger
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queuedJobsDesc
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.count(context.Background())
	if err != nil {
		c.logger.Errorf("failed to collect job metrics: %v", err)
		return
	}
	for kind, states := range counts {
		for state, n := range states {
			ch <- prometheus.MustNewConstMetric(queuedJobsDesc, prometheus.GaugeValue, float64(n), kind, state)
		}
	}
}

// Recorder owns a registry and the pipeline's collectors. It implements
// enrich.Observer.
type Recorder struct {
	registry *prometheus.Registry

	attemptsFailed *prometheus.CounterVec
	teamsDone      *prometheus.CounterVec
	teamSeconds    prometheus.Histogram
	merged         *prometheus.CounterVec
	artifacts      *prometheus.CounterVec
	jobs           *prometheus.CounterVec
}

var _ enrich.Observer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbaattend_fetch_attempts_failed_total",
			Help: "Failed game log fetch attempts by team",
		}, []string{"team"}),
		teamsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbaattend_teams_fetched_total",
			Help: "Teams that finished game log fetching by terminal state",
		}, []string{"state", "cached"}),
		teamSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nbaattend_team_fetch_seconds",
			Help:    "Time from first attempt to terminal state per team",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbaattend_merge_records_total",
			Help: "Attendance records seen by the merge step by result",
		}, []string{"result"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbaattend_artifacts_written_total",
			Help: "Artifacts written by name",
		}, []string{"artifact"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbaattend_jobs_finished_total",
			Help: "Pipeline jobs finished by kind and final state",
		}, []string{"kind", "state"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		r.attemptsFailed, r.teamsDone, r.teamSeconds, r.merged, r.artifacts, r.jobs,
	)
	return r
}

// WatchQueue registers a collector that reports queue depth from count.
func (r *Recorder) WatchQueue(count JobCounter, logger *zap.SugaredLogger) {
	r.registry.MustRegister(&QueueCollector{count: count, logger: logger})
}

func (r *Recorder) OnAttemptFailed(name string, err *enrich.FetchError) {
	r.attemptsFailed.WithLabelValues(name).Inc()
}

func (r *Recorder) OnTeamDone(o enrich.Outcome) {
	r.teamsDone.WithLabelValues(o.State.String(), strconv.FormatBool(o.Cached)).Inc()
	r.teamSeconds.Observe(o.Elapsed.Seconds())
}

// Merged counts matched and unmatched records and the teams skipped as
// unknown.
func (r *Recorder) Merged(report enrich.MergeReport) {
	r.merged.WithLabelValues("matched").Add(float64(report.Matched))
	r.merged.WithLabelValues("unmatched").Add(float64(len(report.Unmatched)))
	r.merged.WithLabelValues("unknown_team").Add(float64(len(report.UnknownTeams)))
}

func (r *Recorder) ArtifactWritten(name string) {
	r.artifacts.WithLabelValues(name).Inc()
}

func (r *Recorder) JobFinished(kind, state string) {
	r.jobs.WithLabelValues(kind, state).Inc()
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
