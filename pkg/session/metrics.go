// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("stageflow.session")
	meter  = otel.Meter("stageflow.session")
)

var (
	attemptLatency metric.Float64Histogram
	attemptTotal   metric.Int64Counter
	framesPerRun   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		attemptLatency, err = meter.Float64Histogram(
			"session_attempt_duration_seconds",
			metric.WithDescription("Duration of AI query attempts"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		attemptTotal, err = meter.Int64Counter(
			"session_attempt_total",
			metric.WithDescription("AI query attempts by result code"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		framesPerRun, err = meter.Int64Histogram(
			"session_frames",
			metric.WithDescription("Stream frames received per attempt"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startAttemptSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "session.Attempt",
		trace.WithAttributes(attribute.String("ai.provider", provider)),
	)
}

func recordAttempt(ctx context.Context, span trace.Span, start time.Time, res Result, frames int) {
	code := "OK"
	if res.Err != nil {
		code = string(res.Err.Code)
		if !res.Err.Silent {
			span.SetStatus(codes.Error, code)
		}
	}
	span.SetAttributes(
		attribute.String("session.result", code),
		attribute.Int("session.frames", frames),
		attribute.Bool("session.rendered", res.Rendered),
	)

	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("code", code))
	attemptLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	attemptTotal.Add(ctx, 1, attrs)
	framesPerRun.Record(ctx, int64(frames))
}
