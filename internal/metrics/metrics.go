// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package metrics provides Prometheus instrumentation for the compliance
// pipeline: action outcomes, risk levels, seal delivery, crypto-shredder
// activity, database query latency and API throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_pipeline_actions_total",
			Help: "Total logged actions by compliance status",
		},
		[]string{"status"}, // "compliant", "blocked"
	)

	PipelineRiskLevelTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_pipeline_risk_level_total",
			Help: "Total risk assessments by resulting level",
		},
		[]string{"level"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "custodia_pipeline_duration_seconds",
			Help:    "End-to-end duration of a pipeline invocation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sealing metrics
	SealRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_seal_requests_total",
			Help: "Seal requests by outcome",
		},
		[]string{"outcome"}, // "sealed", "buffered", "error"
	)

	SealBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodia_seal_buffer_depth",
			Help: "Hashes held in the offline buffer awaiting resync",
		},
	)

	SealCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodia_seal_circuit_state",
			Help: "Sealing circuit state (0 = closed, 1 = open)",
		},
	)

	SealSyncedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_seal_synced_total",
			Help: "Buffered hashes successfully delivered on resync",
		},
	)

	// Crypto-shredder metrics
	KeyStoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodia_keystore_entries",
			Help: "Live (unshredded) wrapped-DEK entries in the key store",
		},
	)

	ShredsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_shreds_total",
			Help: "Total crypto-shred operations that destroyed a key",
		},
	)

	PurgedReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_purged_reads_total",
			Help: "Read attempts answered with GDPR_PURGED",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodia_db_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_db_query_errors_total",
			Help: "Total DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodia_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)
