// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline: queue depths and flush outcomes on the durable path, connection
// and fan-out counters on the live path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Durable path

	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamlog_events_enqueued_total",
		Help: "Total events accepted into the durable batch queue",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamlog_queue_depth",
		Help: "Events waiting in the pending queue list",
	})

	ProcessingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamlog_processing_depth",
		Help: "Events claimed by an in-flight flush but not yet confirmed persisted",
	})

	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamlog_flushes_total",
		Help: "Flush attempts by outcome",
	}, []string{"outcome"}) // "success", "failure", "empty"

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamlog_flush_duration_seconds",
		Help:    "Duration of flush attempts including sink insert",
		Buckets: prometheus.DefBuckets,
	})

	EventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamlog_events_persisted_total",
		Help: "Events confirmed durable in the storage sink",
	})

	ReconciledDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamlog_reconciled_duplicates_total",
		Help: "Events dropped from the processing list because the sink already held them",
	})

	// Live path

	DeviceSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamlog_device_sessions",
		Help: "Currently connected device sockets",
	})

	WebSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamlog_web_sessions",
		Help: "Currently connected viewer sockets",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamlog_subscriptions",
		Help: "Active viewer-to-device subscriptions",
	})

	LiveEventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamlog_live_events_forwarded_total",
		Help: "Events forwarded to subscribed viewers",
	})

	LiveEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamlog_live_events_dropped_total",
		Help: "Live deliveries dropped because a viewer send buffer was full",
	})

	AdmissionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamlog_admission_rejects_total",
		Help: "Socket connections rejected at admission by close code",
	}, []string{"code"})
)
