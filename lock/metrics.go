package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstore_lock_wait_seconds",
			Help:    "Time spent acquiring mailbox locks.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"mode"},
	)
	metricLockBusy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_lock_busy_total",
			Help: "Lock acquisitions given up because the mailbox stayed busy.",
		},
		[]string{"mode"},
	)
	metricLockStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstore_lock_stale_reclaimed_total",
			Help: "Abandoned dotlocks removed after exceeding the staleness threshold.",
		},
	)
)
