// Package metrics provides the coordinator's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bors"

const (
	repositoryLabel = "repository"
	priorityLabel   = "priority"
	kindLabel       = "kind"
	outcomeLabel    = "outcome"
	reasonLabel     = "reason"
)

// Collector bundles the coordinator's metrics. A single Collector is shared
// across all repositories; each method takes the repository identity as a
// label rather than each repository registering its own collectors.
type Collector struct {
	queueSize         *prometheus.GaugeVec
	attemptsStarted   *prometheus.CounterVec
	attemptsConcluded *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec
	syncDuration      *prometheus.HistogramVec
	syncDrift         *prometheus.CounterVec
}

// New registers the collector's metrics with reg. The process passes
// prometheus.DefaultRegisterer; tests pass a fresh registry so repeated
// construction doesn't trip duplicate-registration checks.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		queueSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_size",
				Help:      "number of pull requests currently in the land queue",
			},
			[]string{repositoryLabel, priorityLabel},
		),
		attemptsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_started_total",
				Help:      "count of land/canary/cherry-pick attempts started",
			},
			[]string{repositoryLabel, kindLabel},
		),
		attemptsConcluded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_concluded_total",
				Help:      "count of attempts that reached a terminal state, by outcome and failure reason",
			},
			[]string{repositoryLabel, kindLabel, outcomeLabel, reasonLabel},
		),
		attemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "wall-clock duration of a concluded attempt, from Preparing to the terminal state",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 12), // 5s .. ~2.8h
			},
			[]string{repositoryLabel, kindLabel, outcomeLabel},
		),
		syncDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "wall-clock duration of a sync-loop reconciliation pass",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{repositoryLabel},
		),
		syncDrift: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_drift_total",
				Help:      "count of PRs whose registry state was corrected by a sync pass (removed, or whose head sha changed)",
			},
			[]string{repositoryLabel},
		),
	}
}

func repoLabel(owner, name string) string {
	return owner + "/" + name
}

// SetQueueSize overwrites the current land-queue gauge for one repository's
// priority, since gauges reflect point-in-time queue contents rather than
// deltas.
func (c *Collector) SetQueueSize(owner, name string, priority string, size int) {
	if c == nil {
		return
	}

	c.queueSize.WithLabelValues(repoLabel(owner, name), priority).Set(float64(size))
}

// AttemptStarted records an attempt entering Preparing.
func (c *Collector) AttemptStarted(owner, name, kind string) {
	if c == nil {
		return
	}

	c.attemptsStarted.WithLabelValues(repoLabel(owner, name), kind).Inc()
}

// AttemptConcluded records a terminal attempt transition and its age.
func (c *Collector) AttemptConcluded(owner, name, kind, outcome, reason string, duration time.Duration) {
	if c == nil {
		return
	}

	repo := repoLabel(owner, name)
	c.attemptsConcluded.WithLabelValues(repo, kind, outcome, reason).Inc()
	c.attemptDuration.WithLabelValues(repo, kind, outcome).Observe(duration.Seconds())
}

// SyncObserved records one sync-loop pass: its wall-clock duration and how
// many PRs it found drifted from the registry's prior belief.
func (c *Collector) SyncObserved(owner, name string, duration time.Duration, drift int) {
	if c == nil {
		return
	}

	repo := repoLabel(owner, name)
	c.syncDuration.WithLabelValues(repo).Observe(duration.Seconds())
	if drift > 0 {
		c.syncDrift.WithLabelValues(repo).Add(float64(drift))
	}
}
