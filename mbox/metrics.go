package mbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSync = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_mbox_sync_total",
			Help: "Mailbox parse passes, by result.",
		},
		[]string{"result"}, // ok, reparse, error
	)
	metricParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstore_mbox_parsed_messages_total",
			Help: "Messages added to mailbox indexes.",
		},
	)
	metricAppend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailstore_mbox_append_total",
			Help: "Messages appended to mailboxes, by result.",
		},
		[]string{"result"}, // ok, error
	)
	metricExpunged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstore_mbox_expunged_messages_total",
			Help: "Messages removed by mailbox rewrites.",
		},
	)
	metricRewrite = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailstore_mbox_rewrite_duration_seconds",
			Help:    "Mailbox rewrite duration, by result.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"result"}, // ok, error
	)
	metricUIDValidity = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailstore_mbox_uidvalidity_reset_total",
			Help: "UID validity epochs invalidated because of inconsistent X-UID headers.",
		},
	)
)
