// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"sync"

	"github.com/spf13/cobra"

	"github.com/stageflow/stageflow-ai/cmd/stageflow/config"
	"github.com/stageflow/stageflow-ai/pkg/aiquery"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/fallback"
	"github.com/stageflow/stageflow-ai/pkg/logging"
	"github.com/stageflow/stageflow-ai/pkg/policy"
	"github.com/stageflow/stageflow-ai/pkg/readiness"
	"github.com/stageflow/stageflow-ai/pkg/telemetry"
	"github.com/stageflow/stageflow-ai/pkg/transport"
	"github.com/stageflow/stageflow-ai/pkg/ux"
)

// cliEnv is everything a command needs, built once per invocation by
// setupEnv and released by closeEnv.
type cliEnv struct {
	cfgPath string
	printer *ux.Printer
	view    *ux.LiveView
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	stop    context.CancelFunc

	mu  sync.RWMutex
	cfg config.StageflowConfig

	// Built lazily.
	screen  *policy.Screen
	eng     *aiquery.Engine
	source  *fallback.StaticSource
	orch    *fallback.Orchestrator
	closers []func() error
}

var env *cliEnv

func setupEnv(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	if orgFlag != "" {
		cfg.Organization = orgFlag
	}

	mode := ux.DetectMode(os.Stdout)
	if outputFlag != "" {
		if mode, err = ux.ParseMode(outputFlag); err != nil {
			return err
		}
	}
	printer := ux.NewPrinter(cmd.OutOrStdout(), mode)

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	if debugFlag {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "stageflow-cli",
		JSON:    cfg.Logging.JSON,
		Quiet:   !debugFlag,
		Output:  cmd.ErrOrStderr(),
	})

	ctx, stop := context.WithCancel(cmd.Context())
	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stageflow-cli",
		ServiceVersion: version,
		Environment:    cfg.Organization,
		TraceExporter:  string(cfg.Telemetry.Traces),
		MetricExporter: string(cfg.Telemetry.Metrics),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Output:         cmd.ErrOrStderr(),
	})
	if err != nil {
		stop()
		_ = logger.Close()
		return err
	}
	if cfg.Telemetry.Metrics == config.MetricsPrometheus {
		addr, err := tel.ServeMetrics(ctx, cfg.Telemetry.MetricsAddr)
		if err != nil {
			logger.Warn("metrics endpoint unavailable", "addr", cfg.Telemetry.MetricsAddr, "error", err)
		} else {
			logger.Info("serving metrics", "addr", addr)
		}
	}

	env = &cliEnv{
		cfgPath: path,
		cfg:     cfg,
		printer: printer,
		view:    ux.NewLiveView(printer),
		logger:  logger,
		tel:     tel,
		stop:    stop,
	}
	return nil
}

// closeEnv runs after every command, including failed ones.
func closeEnv() {
	if env == nil {
		return
	}
	e := env
	env = nil

	e.stop()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = append(errs, e.tel.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("shutdown incomplete", "error", err)
	}
	_ = e.logger.Close()
}

func (e *cliEnv) settings() config.StageflowConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *cliEnv) askOptions() aiquery.AskOptions {
	cfg := e.settings()
	return aiquery.AskOptions{
		Variant:   cfg.Readiness.Variant,
		Supersede: cfg.Session.Supersede || supersedeFlag,
	}
}

func (e *cliEnv) policyScreen() (*policy.Screen, error) {
	if e.screen == nil {
		s, err := policy.New()
		if err != nil {
			return nil, fmt.Errorf("load question policy: %w", err)
		}
		e.screen = s
	}
	return e.screen, nil
}

// orchestrator builds the provider chain machinery. It needs no network.
func (e *cliEnv) orchestrator() *fallback.Orchestrator {
	if e.orch != nil {
		return e.orch
	}
	cfg := e.settings()
	e.source = fallback.NewStaticSource(cfg.Providers)
	e.orch = fallback.NewOrchestrator(fallback.Config{
		Resolver: fallback.NewChainResolver(e.source),
		Breaker:  cfg.Breaker,
		Retry:    cfg.Retry,
		Metrics:  fallback.NewMetrics(e.tel.Registry),
		Logger:   e.logger.Slog(),
	})
	return e.orch
}

// engine builds the AI engine on first use.
func (e *cliEnv) engine() (*aiquery.Engine, error) {
	if e.eng != nil {
		return e.eng, nil
	}
	cfg := e.settings()
	log := e.logger.Slog()

	endpoint, err := cfg.Server.Endpoint()
	if err != nil {
		return nil, err
	}
	tokens, err := tokenSource(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("load session token: %w", err)
	}
	client, err := transport.New(transport.Config{
		Endpoint: endpoint,
		Tokens:   tokens,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	quota, err := openQuotaStore(cfg.Readiness, e.logger)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, quota.Close)

	guard := readiness.NewGuard(probeFor(cfg), quota, readiness.WithLogger(log))

	eng, err := aiquery.New(aiquery.Config{
		Sender:         client,
		Orchestrator:   e.orchestrator(),
		Readiness:      guard,
		OrgID:          cfg.Organization,
		IdleTimeout:    cfg.Session.IdleTimeout,
		RenderInterval: cfg.Session.RenderInterval,
		OnUpdate: func(_ string, msgs []conversation.Message) {
			e.view.Update(msgs)
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	e.eng = eng
	return eng, nil
}

// applyConfig takes a reloaded config into effect for later turns.
func (e *cliEnv) applyConfig(next config.StageflowConfig) {
	if orgFlag != "" {
		next.Organization = orgFlag
	}
	e.mu.Lock()
	prev := e.cfg
	e.cfg = next
	e.mu.Unlock()

	if e.source != nil && !slices.Equal(prev.Providers.Ordered(), next.Providers.Ordered()) {
		e.source.Set(next.Organization, next.Providers)
		e.orch.InvalidateChain(next.Organization)
	}
	if e.eng != nil && prev.Organization != next.Organization {
		e.eng.SetOrganization(next.Organization)
	}
	e.logger.Info("configuration reloaded", "organization", next.Organization, "providers", next.Providers.Ordered())
}

func openQuotaStore(cfg config.ReadinessConfig, logger *logging.Logger) (readiness.QuotaStore, error) {
	if cfg.QuotaPath == "" {
		return readiness.NewMemoryQuotaStore(), nil
	}
	store, err := readiness.OpenBadgerQuotaStore(readiness.BadgerConfig{
		Path:   cfg.QuotaPath,
		Logger: logger.Slog(),
	})
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}
	return store, nil
}

// probeFor picks the connectivity check. "-" disables it.
func probeFor(cfg config.StageflowConfig) readiness.Connectivity {
	addr := cfg.Readiness.ProbeAddr
	switch addr {
	case "-":
		return readiness.StaticConnectivity(true)
	case "":
		addr = hostPort(cfg.Server.BaseURL)
	}
	return readiness.DialProbe{Addr: addr, Timeout: cfg.Readiness.ProbeTimeout}
}

func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
