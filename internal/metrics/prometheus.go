package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all ruleledger metrics.
type Registry struct {
	// Version store
	VersionsCreated  prometheus.Counter
	VersionConflicts prometheus.Counter
	Diffs            prometheus.Counter

	// Deployments
	Deployments        *prometheus.CounterVec
	DeploymentDuration prometheus.Histogram
	DeploymentRows     *prometheus.GaugeVec

	// Live state
	LiveFetches      *prometheus.CounterVec
	LiveParseSkipped prometheus.Counter

	// Drift
	DriftChecks  *prometheus.CounterVec
	DriftedHosts prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.VersionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleledger_versions_created_total",
		Help: "Policy versions persisted",
	})

	r.VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleledger_version_conflicts_total",
		Help: "Version saves that lost the version-number race",
	})

	r.Diffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleledger_diffs_total",
		Help: "Version diffs computed",
	})

	r.Deployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleledger_deployments_total",
		Help: "Per-host deployments by terminal status",
	}, []string{"status"})

	r.DeploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ruleledger_deployment_duration_seconds",
		Help:    "Time from Running to a terminal status for one host",
		Buckets: prometheus.DefBuckets,
	})

	r.DeploymentRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ruleledger_deployment_rows",
		Help: "Deployment rows currently in each status",
	}, []string{"status"})

	r.LiveFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleledger_live_fetch_total",
		Help: "Live-state fetches by result",
	}, []string{"result"})

	r.LiveParseSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleledger_live_parse_skipped_total",
		Help: "Dump lines or tokens the live-state parser skipped",
	})

	r.DriftChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleledger_drift_checks_total",
		Help: "Per-host drift checks by result",
	}, []string{"result"})

	r.DriftedHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ruleledger_drifted_hosts",
		Help: "Hosts that drifted from their deployed version in the last sweep",
	})

	return r
}

// RecordDeployment records a host deployment reaching a terminal status.
func (r *Registry) RecordDeployment(status string, elapsed time.Duration) {
	r.Deployments.WithLabelValues(status).Inc()
	r.DeploymentDuration.Observe(elapsed.Seconds())
}

// RecordLiveFetch records the outcome of a live-state fetch. result is one
// of "ok", "empty" or "error".
func (r *Registry) RecordLiveFetch(result string, skipped int) {
	r.LiveFetches.WithLabelValues(result).Inc()
	if skipped > 0 {
		r.LiveParseSkipped.Add(float64(skipped))
	}
}

// RecordDriftCheck records one host comparison. result is one of
// "in_sync", "drifted" or "error".
func (r *Registry) RecordDriftCheck(result string) {
	r.DriftChecks.WithLabelValues(result).Inc()
}
