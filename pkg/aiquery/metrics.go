// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aiquery

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

var (
	tracer = otel.Tracer("stageflow.aiquery")
	meter  = otel.Meter("stageflow.aiquery")
)

var (
	turnLatency  metric.Float64Histogram
	turnTotal    metric.Int64Counter
	blockedTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		turnLatency, err = meter.Float64Histogram(
			"aiquery_turn_duration_seconds",
			metric.WithDescription("Duration of AI turns including fallback"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		turnTotal, err = meter.Int64Counter(
			"aiquery_turn_total",
			metric.WithDescription("AI turns by result code"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		blockedTotal, err = meter.Int64Counter(
			"aiquery_blocked_total",
			metric.WithDescription("AI turns blocked by readiness checks"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startTurnSpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "aiquery.Turn",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
}

func recordTurn(ctx context.Context, span trace.Span, start time.Time, res Result, attempts int) {
	code := "OK"
	if res.Err != nil {
		code = string(res.Err.Code)
		if !res.Err.Silent {
			span.SetStatus(codes.Error, code)
		}
	}
	span.SetAttributes(
		attribute.String("aiquery.result", code),
		attribute.String("ai.provider", res.Provider),
		attribute.Int("aiquery.attempts", attempts),
		attribute.Bool("aiquery.provider_error", res.Message.IsProviderError),
	)

	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("code", code))
	turnLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	turnTotal.Add(ctx, 1, attrs)
}

func recordBlocked(ctx context.Context, code aierr.Code) {
	if err := initMetrics(); err != nil {
		return
	}
	blockedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
}
