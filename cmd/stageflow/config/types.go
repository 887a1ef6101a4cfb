// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/stageflow/stageflow-ai/pkg/fallback"
	"github.com/stageflow/stageflow-ai/pkg/logging"
	"github.com/stageflow/stageflow-ai/pkg/policy"
	"github.com/stageflow/stageflow-ai/pkg/readiness"
)

type StageflowConfig struct {
	// Server: where AI queries are posted
	Server ServerConfig `yaml:"server"`

	// Organization scopes the provider chain and daily quotas
	Organization string `yaml:"organization"`

	// Providers: fallback chain used when the server does not pick one
	Providers fallback.ProviderChain `yaml:"providers"`

	Session   SessionConfig          `yaml:"session"`
	Retry     fallback.RetryConfig   `yaml:"retry"`
	Breaker   fallback.BreakerConfig `yaml:"breaker"`
	Readiness ReadinessConfig        `yaml:"readiness"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Logging   LoggingConfig          `yaml:"logging"`
	Secrets   SecretsConfig          `yaml:"secrets"`
	Policy    PolicyConfig           `yaml:"policy"`
}

type ServerConfig struct {
	BaseURL   string `yaml:"base_url"`   // e.g. http://localhost:8787
	QueryPath string `yaml:"query_path"` // e.g. /api/ai/query
}

// Endpoint joins BaseURL and QueryPath.
func (s ServerConfig) Endpoint() (string, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("server.base_url %q is not an absolute URL", s.BaseURL)
	}
	return base.JoinPath(s.QueryPath).String(), nil
}

type SessionConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RenderInterval time.Duration `yaml:"render_interval"`

	// Supersede cancels an in-flight question when a new one is asked
	// instead of rejecting the new one.
	Supersede bool `yaml:"supersede"`
}

type ReadinessConfig struct {
	// Variant simulates the app's readiness state (ready, connect_provider, ...).
	Variant readiness.Variant `yaml:"variant"`

	// ProbeAddr is dialed to decide online/offline. Empty derives it from
	// server.base_url; "-" disables the probe.
	ProbeAddr    string        `yaml:"probe_addr"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// QuotaPath is the badger directory for once-a-day actions. Empty keeps
	// quotas in memory for the process lifetime.
	QuotaPath string `yaml:"quota_path"`
}

// TraceExporter names where spans go.
type TraceExporter string

const (
	TracesNone   TraceExporter = "none"
	TracesStdout TraceExporter = "stdout"
	TracesOTLP   TraceExporter = "otlp"
)

// MetricsExporter names where metrics go.
type MetricsExporter string

const (
	MetricsNone       MetricsExporter = "none"
	MetricsStdout     MetricsExporter = "stdout"
	MetricsPrometheus MetricsExporter = "prometheus"
)

type TelemetryConfig struct {
	Traces       TraceExporter   `yaml:"traces"`
	OTLPEndpoint string          `yaml:"otlp_endpoint"` // host:port of the collector
	Metrics      MetricsExporter `yaml:"metrics"`
	MetricsAddr  string          `yaml:"metrics_addr"` // listen address for /metrics
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

type SecretsConfig struct {
	// UseEnv reads the token from STAGEFLOW_TOKEN instead of the keyring.
	UseEnv bool `yaml:"use_env"`
}

type PolicyConfig struct {
	// BlockAt refuses questions with findings of this confidence or
	// higher: low, medium or high. "off" disables screening.
	BlockAt string `yaml:"block_at"`
}

// PolicyOff disables question screening.
const PolicyOff = "off"

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() StageflowConfig {
	return StageflowConfig{
		Server: ServerConfig{
			BaseURL:   "http://localhost:8787",
			QueryPath: "/api/ai/query",
		},
		Organization: "default",
		Providers: fallback.ProviderChain{
			Providers: []string{"openai", "anthropic", "google"},
			Primary:   "openai",
		},
		Session: SessionConfig{
			IdleTimeout:    30 * time.Second,
			RenderInterval: 35 * time.Millisecond,
		},
		Retry:   fallback.DefaultRetryConfig(),
		Breaker: fallback.DefaultBreakerConfig(),
		Readiness: ReadinessConfig{
			Variant:      readiness.VariantReady,
			ProbeTimeout: 2 * time.Second,
			QuotaPath:    "~/.stageflow/quota",
		},
		Telemetry: TelemetryConfig{
			Traces:       TracesNone,
			OTLPEndpoint: "localhost:4317",
			Metrics:      MetricsNone,
			MetricsAddr:  "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.stageflow/logs",
		},
		Policy: PolicyConfig{BlockAt: string(policy.Medium)},
	}
}

// Validate reports every invalid field at once.
func (c StageflowConfig) Validate() error {
	var errs []error
	if _, err := c.Server.Endpoint(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if c.Session.RenderInterval < 0 {
		errs = append(errs, errors.New("session.render_interval must not be negative"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.Breaker.FailureThreshold < 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must not be negative"))
	}
	switch c.Telemetry.Traces {
	case "", TracesNone, TracesStdout, TracesOTLP:
	default:
		errs = append(errs, fmt.Errorf("telemetry.traces %q is not one of none, stdout, otlp", c.Telemetry.Traces))
	}
	switch c.Telemetry.Metrics {
	case "", MetricsNone, MetricsStdout, MetricsPrometheus:
	default:
		errs = append(errs, fmt.Errorf("telemetry.metrics %q is not one of none, stdout, prometheus", c.Telemetry.Metrics))
	}
	switch c.Policy.BlockAt {
	case PolicyOff, string(policy.Low), string(policy.Medium), string(policy.High):
	default:
		errs = append(errs, fmt.Errorf("policy.block_at %q is not one of off, low, medium, high", c.Policy.BlockAt))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}
