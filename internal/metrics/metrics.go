// Package metrics exposes Prometheus instruments for the scheduler and
// delivery paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_polls_total",
			Help: "Total number of feed poll attempts",
		},
		[]string{"source_type", "status"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_poll_duration_seconds",
			Help:    "Feed poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	ItemsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "items_ingested_total",
			Help: "Total number of new items stored from polls",
		},
		[]string{"source_type"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Total number of delivery attempts recorded in the ledger",
		},
		[]string{"channel", "status"},
	)

	DigestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_runs_total",
			Help: "Total number of digest runs",
		},
		[]string{"trigger"},
	)

	ScheduledJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduled_jobs",
			Help: "Number of feed poll jobs currently scheduled",
		},
	)
)
