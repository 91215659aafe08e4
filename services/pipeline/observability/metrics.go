// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the pipeline.
//
// # Description
//
// Prometheus metrics cover the orchestration core:
//   - Dispatch outcomes (accepted, duplicate, rejected) by stage
//   - Stage runs by outcome and their duration
//   - Automatic retries and terminal failures by error kind
//   - Finalize calls rejected as duplicates or stale deliveries
//   - Queue depth and jobs in flight
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. All helper methods accept a
// nil receiver so components can run without metrics in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "pidpipeline"

// Subsystems
const (
	dispatchSubsystem = "dispatch"
	stageSubsystem    = "stage"
	queueSubsystem    = "queue"
)

// Metrics holds all Prometheus metrics of the pipeline.
//
// # Fields
//
//   - DispatchTotal: Dispatch calls by stage and outcome
//   - StageRunsTotal: Finalized runs by stage and outcome
//   - StageDurationSeconds: Run duration by stage and outcome
//   - RetriesTotal: Automatic retries scheduled by stage
//   - TerminalFailuresTotal: Runs that moved a diagram to ERROR
//   - FinalizeRejectedTotal: Finalize calls that did nothing
//   - QueueJobs: Jobs in the durable queue by state
//   - InFlight: Jobs currently executing by stage
//   - HeavySlotsInUse: Compute slots held by heavy stages
type Metrics struct {
	// Labels: stage, outcome (accepted, duplicate, rejected)
	DispatchTotal *prometheus.CounterVec

	// Labels: stage, outcome (success, failure)
	StageRunsTotal *prometheus.CounterVec

	// Labels: stage, outcome
	StageDurationSeconds *prometheus.HistogramVec

	// Labels: stage
	RetriesTotal *prometheus.CounterVec

	// Labels: stage, kind (transient, input_invalid, internal)
	TerminalFailuresTotal *prometheus.CounterVec

	// Labels: reason (already_finalized, stale_job)
	FinalizeRejectedTotal *prometheus.CounterVec

	// Labels: state (ready, delayed, leased)
	QueueJobs *prometheus.GaugeVec

	// Labels: stage
	InFlight *prometheus.GaugeVec

	HeavySlotsInUse prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Pass prometheus.DefaultRegisterer in
//     production and a fresh prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics if the same registerer is used twice (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "total",
				Help:      "Dispatch calls by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		StageRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "runs_total",
				Help:      "Finalized stage runs by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		StageDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "duration_seconds",
				Help:      "Stage run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"stage", "outcome"},
		),

		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "retries_total",
				Help:      "Automatic retries scheduled by stage",
			},
			[]string{"stage"},
		),

		TerminalFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "terminal_failures_total",
				Help:      "Stage failures that moved a diagram to error, by kind",
			},
			[]string{"stage", "kind"},
		),

		FinalizeRejectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "finalize_rejected_total",
				Help:      "Finalize calls rejected as duplicate or stale deliveries",
			},
			[]string{"reason"},
		),

		QueueJobs: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: queueSubsystem,
				Name:      "jobs",
				Help:      "Jobs in the durable queue by state",
			},
			[]string{"state"},
		),

		InFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "in_flight",
				Help:      "Stage jobs currently executing",
			},
			[]string{"stage"},
		),

		HeavySlotsInUse: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stageSubsystem,
				Name:      "heavy_slots_in_use",
				Help:      "Compute slots held by heavy stages",
			},
		),
	}
}

// =============================================================================
// Finalize Rejection Reasons
// =============================================================================

// RejectReason labels FinalizeRejectedTotal.
type RejectReason string

const (
	// RejectAlreadyFinalized is a second finalize of the same attempt.
	RejectAlreadyFinalized RejectReason = "already_finalized"

	// RejectStaleJob is a delivery of a job whose run is no longer pending.
	RejectStaleJob RejectReason = "stale_job"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordDispatch counts one dispatch call.
func (m *Metrics) RecordDispatch(stage, outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordRun counts one finalized run and observes its duration.
func (m *Metrics) RecordRun(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRunsTotal.WithLabelValues(stage, outcome).Inc()
	if d > 0 {
		m.StageDurationSeconds.WithLabelValues(stage, outcome).Observe(d.Seconds())
	}
}

// RecordRetry counts one scheduled automatic retry.
func (m *Metrics) RecordRetry(stage string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(stage).Inc()
}

// RecordTerminal counts one failure that ended in ERROR.
func (m *Metrics) RecordTerminal(stage, kind string) {
	if m == nil {
		return
	}
	m.TerminalFailuresTotal.WithLabelValues(stage, kind).Inc()
}

// RecordFinalizeRejected counts one finalize that did nothing.
func (m *Metrics) RecordFinalizeRejected(reason RejectReason) {
	if m == nil {
		return
	}
	m.FinalizeRejectedTotal.WithLabelValues(string(reason)).Inc()
}

// SetQueueDepth publishes the queue counts.
func (m *Metrics) SetQueueDepth(ready, delayed, leased int) {
	if m == nil {
		return
	}
	m.QueueJobs.WithLabelValues("ready").Set(float64(ready))
	m.QueueJobs.WithLabelValues("delayed").Set(float64(delayed))
	m.QueueJobs.WithLabelValues("leased").Set(float64(leased))
}

// JobStarted increments the in-flight gauge.
func (m *Metrics) JobStarted(stage string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(stage).Inc()
}

// JobEnded decrements the in-flight gauge.
func (m *Metrics) JobEnded(stage string) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(stage).Dec()
}

// HeavySlotAcquired increments the heavy slot gauge.
func (m *Metrics) HeavySlotAcquired() {
	if m == nil {
		return
	}
	m.HeavySlotsInUse.Inc()
}

// HeavySlotReleased decrements the heavy slot gauge.
func (m *Metrics) HeavySlotReleased() {
	if m == nil {
		return
	}
	m.HeavySlotsInUse.Dec()
}
