// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("stageflow.transport")
	meter  = otel.Meter("stageflow.transport")
)

var (
	sendLatency metric.Float64Histogram
	sendTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		sendLatency, err = meter.Float64Histogram(
			"transport_send_duration_seconds",
			metric.WithDescription("Time from request start to response headers"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sendTotal, err = meter.Int64Counter(
			"transport_send_total",
			metric.WithDescription("AI query requests by outcome"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startSendSpan(ctx context.Context, requestID, provider string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "transport.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("ai.provider", provider),
		),
	)
}

// outcome labels
const (
	outcomeStream     = "stream"
	outcomeJSONError  = "json_error"
	outcomeUnexpected = "json_unexpected"
	outcomeFailed     = "failed"
)

func recordSend(ctx context.Context, span trace.Span, start time.Time, outcome string, status int) {
	span.SetAttributes(
		attribute.String("transport.outcome", outcome),
		attribute.Int("http.status_code", status),
	)
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	sendLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	sendTotal.Add(ctx, 1, attrs)
}
