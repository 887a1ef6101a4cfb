// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command stubserver serves a scripted StageFlow AI endpoint for local
// development and demos.
//
// # Environment Variables
//
//   - STUB_PORT: HTTP server port (default: 8787)
//   - STUB_SCENARIO: default scenario (default: stream)
//   - STUB_CHUNK_DELAY: pause between streamed frames (default: 40ms)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: when set, spans are sent there
//
// Flags override the environment.
//
// # Usage
//
//	go run ./cmd/stubserver -scenario all_providers_failed
//	stageflow ask "How is my pipeline?"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stageflow/stageflow-ai/pkg/logging"
	"github.com/stageflow/stageflow-ai/pkg/telemetry"
	"github.com/stageflow/stageflow-ai/services/stubserver"
)

func main() {
	scenarioNames := make([]string, 0, len(stubserver.Scenarios()))
	for _, s := range stubserver.Scenarios() {
		scenarioNames = append(scenarioNames, string(s))
	}
	port := flag.Int("port", getEnvInt("STUB_PORT", 8787), "Port to listen on")
	scenario := flag.String("scenario", getEnvString("STUB_SCENARIO", string(stubserver.ScenarioStream)),
		"Default scenario: "+strings.Join(scenarioNames, ", "))
	delay := flag.Duration("delay", getEnvDuration("STUB_CHUNK_DELAY", 40*time.Millisecond), "Pause between streamed frames")
	requireAuth := flag.Bool("require-auth", false, "Reject requests without a bearer token or session cookie")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		gin.SetMode(gin.DebugMode)
		level = logging.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.New(logging.Config{Level: level, Service: "stageflow-stub", JSON: !*debug})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traces := telemetry.ExporterNone
	otlp := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlp != "" {
		traces = telemetry.ExporterOTLP
	}
	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stageflow-stub",
		TraceExporter:  traces,
		MetricExporter: telemetry.ExporterPrometheus,
		OTLPEndpoint:   otlp,
	})
	if err != nil {
		logger.Error("Failed to init telemetry", "error", err)
		os.Exit(1)
	}

	srv := stubserver.New(stubserver.Config{
		Default:        stubserver.Scenario(*scenario),
		ChunkDelay:     *delay,
		RequireAuth:    *requireAuth,
		ServiceName:    "stageflow-stub",
		Metrics:        true,
		MetricsHandler: tel.MetricsHandler(),
		Logger:         logger.Slog(),
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down stub server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting stub server", "address", httpSrv.Addr, "scenario", *scenario)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
