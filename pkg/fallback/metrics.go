// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace  = "stageflow"
	fallbackSubsystem = "ai_fallback"
)

// Metrics holds the orchestrator's Prometheus collectors.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// AttemptsTotal counts attempts by provider and result code ("OK" on
	// success).
	AttemptsTotal *prometheus.CounterVec

	// FallbacksTotal counts moves from one provider to the next.
	FallbacksTotal *prometheus.CounterVec

	// SoftFailuresTotal counts successful answers flagged as provider errors.
	SoftFailuresTotal *prometheus.CounterVec

	// BreakerTransitions counts breaker state changes by provider and new
	// state.
	BreakerTransitions *prometheus.CounterVec

	// RunDurationSeconds measures whole queries including fallback.
	RunDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fallbackSubsystem,
			Name:      "attempts_total",
			Help:      "AI query attempts by provider and result code",
		}, []string{"provider", "code"}),
		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fallbackSubsystem,
			Name:      "fallbacks_total",
			Help:      "Fallbacks from a failed provider to the next one",
		}, []string{"from", "to"}),
		SoftFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fallbackSubsystem,
			Name:      "soft_failures_total",
			Help:      "Successful responses whose text was a provider error",
		}, []string{"provider"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: fallbackSubsystem,
			Name:      "breaker_transitions_total",
			Help:      "Provider breaker state transitions",
		}, []string{"provider", "state"}),
		RunDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: fallbackSubsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of one logical AI query including fallback",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"result"}),
	}
}
