// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{})
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoExporters(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if tel.Registry == nil {
		t.Fatal("Registry is nil")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("error = %v, want ErrUnknownExporter", err)
	}
	_, err = Init(context.Background(), Config{MetricExporter: "graphite"})
	if !errors.Is(err, ErrUnknownExporter) {
		t.Errorf("error = %v, want ErrUnknownExporter", err)
	}
}

func TestInit_StdoutTraceExport(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Init(context.Background(), Config{
		ServiceName:   "test",
		TraceExporter: ExporterStdout,
		Output:        &buf,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "unit-span")
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "unit-span") {
		t.Errorf("span not exported, output: %q", buf.String())
	}
}

func TestInit_InstallsTraceContextPropagator(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err != nil {
		t.Fatal(err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Errorf("traceparent not among propagator fields %v", fields)
	}
}

// TestPrometheus_SharedRegistry checks that otel instruments and
// client_golang collectors come out of the same handler.
func TestPrometheus_SharedRegistry(t *testing.T) {
	tel, err := Init(context.Background(), Config{
		ServiceName:    "test",
		MetricExporter: ExporterPrometheus,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	counter, err := otel.Meter("telemetry-test").Int64Counter("otel_side_total")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 3)

	promauto.With(tel.Registry).NewCounter(prometheus.CounterOpts{
		Name: "client_side_total",
		Help: "test counter",
	}).Inc()

	srv := httptest.NewServer(tel.MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"otel_side", "client_side_total 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServeMetrics(t *testing.T) {
	tel, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := tel.ServeMetrics(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ServeMetrics() error = %v", err)
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
