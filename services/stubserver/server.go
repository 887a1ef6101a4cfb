// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stubserver is a local stand-in for the AI query endpoint.
//
// # Description
//
// It speaks the same wire format as the production endpoint (SSE stream,
// 200 JSON failures, HTTP errors) and picks a canned Scenario per request.
// It backs the CLI demo and the integration tests; it never calls a real
// model.
//
// Scenario selection, first match wins:
//  1. the X-Stub-Scenario request header
//  2. Config.ProviderScenarios[request.provider]
//  3. Config.Default
package stubserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stageflow/stageflow-ai/pkg/sse"
	"github.com/stageflow/stageflow-ai/pkg/transport"
)

// ScenarioHeader overrides scenario selection per request.
const ScenarioHeader = "X-Stub-Scenario"

// QueryPath is the route of the AI query endpoint.
const QueryPath = "/api/ai/query"

// Config configures a Server.
type Config struct {
	// Default scenario. Empty means ScenarioStream.
	Default Scenario

	// ProviderScenarios picks a scenario by the request's provider field.
	ProviderScenarios map[string]Scenario

	// ChunkDelay is the pause between streamed frames.
	ChunkDelay time.Duration

	// RequireAuth rejects requests with neither a bearer token nor a
	// session cookie.
	RequireAuth bool

	// ServiceName labels otel spans. Empty disables the otelgin middleware.
	ServiceName string

	// Metrics exposes /metrics.
	Metrics bool

	// MetricsHandler serves /metrics. Nil uses the default Prometheus
	// registry.
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// Server holds the routes.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *slog.Logger
}

// New builds a Server with its routes registered.
func New(cfg Config) *Server {
	if cfg.Default == "" {
		cfg.Default = ScenarioStream
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}

	s := &Server{cfg: cfg, router: router, logger: logger}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST(QueryPath, s.handleQuery)
	if cfg.Metrics {
		h := cfg.MetricsHandler
		if h == nil {
			h = promhttp.Handler()
		}
		router.GET("/metrics", gin.WrapH(h))
	}
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleQuery(c *gin.Context) {
	if s.cfg.RequireAuth && !authenticated(c.Request) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated", "code": "AUTH_REQUIRED"})
		return
	}

	var req transport.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		s.logger.Warn("stub rejected request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	scenario := s.pick(c.Request, req)
	s.logger.Info("stub query",
		"scenario", scenario,
		"provider", req.Provider,
		"history", len(req.ConversationHistory),
		"request_id", c.GetHeader("X-Request-ID"),
	)

	play, ok := scenarios[scenario]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scenario " + string(scenario)})
		return
	}
	play(s, c, req)
}

func (s *Server) pick(r *http.Request, req transport.Request) Scenario {
	if h := strings.TrimSpace(r.Header.Get(ScenarioHeader)); h != "" {
		return Scenario(h)
	}
	if sc, ok := s.cfg.ProviderScenarios[req.Provider]; ok {
		return sc
	}
	return s.cfg.Default
}

func authenticated(r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return true
	}
	for _, ck := range r.Cookies() {
		if strings.HasPrefix(ck.Name, "sb-") && ck.Value != "" {
			return true
		}
	}
	return false
}

// errClientGone ends a stream whose client disconnected.
var errClientGone = errors.New("client disconnected")

// streamFrames writes frames with the configured pause between them.
func (s *Server) streamFrames(c *gin.Context, frames ...func(sse.Writer) error) {
	sse.SetHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	w := sse.NewWriter(c.Writer)
	ctx := c.Request.Context()
	for i, f := range frames {
		if i > 0 && s.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				s.logger.Debug("stub stream stopped", "error", errClientGone)
				return
			case <-time.After(s.cfg.ChunkDelay):
			}
		}
		if err := f(w); err != nil {
			s.logger.Debug("stub stream write failed", "error", err)
			return
		}
	}
}
