package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrackedImages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fblaster_tracked_images",
		Help: "Number of images currently tracked for updates.",
	})
	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fblaster_polls_total",
		Help: "Total number of registry poll ticks performed.",
	})
	PollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fblaster_poll_errors_total",
		Help: "Total number of registry poll errors by registry.",
	}, []string{"registry"})
	UpgradesSelectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fblaster_upgrades_selected_total",
		Help: "Total number of upgrade tags selected by image.",
	}, []string{"image"})
	PullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fblaster_pull_duration_seconds",
		Help:    "Duration of image pull stages.",
		Buckets: prometheus.DefBuckets,
	})
	RespawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fblaster_respawns_total",
		Help: "Total number of orchestration child respawns.",
	})
	RespawnFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fblaster_respawn_failures_total",
		Help: "Total number of respawn attempts that failed and were retried.",
	})
	HealthRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fblaster_health_restarts_total",
		Help: "Total number of health-triggered service restarts by service.",
	}, []string{"service"})
	VersionStoreWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fblaster_version_store_write_failures_total",
		Help: "Total number of failures persisting the version store.",
	})
)
