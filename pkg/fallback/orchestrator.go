// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback wraps single AI query attempts with provider fallback.
//
// # Description
//
// One logical query is attempted against the organization's primary
// provider first. Failures that another provider could plausibly fix
// (retryable records and a rejected provider key) move on to the next
// provider after a short backoff. Exhausting the chain yields an
// ALL_PROVIDERS_FAILED record that headlines the most actionable failure.
//
// Successful answers are inspected for soft failures: text that is really
// an upstream provider error. Those are flagged on the message and demote
// the provider, but never become an ErrorRecord.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use. Each Run is independent apart
// from the shared chain cache and breakers.
package fallback

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/session"
)

// AttemptFunc runs one attempt against provider.
type AttemptFunc func(ctx context.Context, provider string) session.Result

// Plan describes one logical query.
type Plan struct {
	OrgID   string
	Attempt AttemptFunc
}

// Outcome is the result of Run. Result.Err is nil on success.
type Outcome struct {
	Result     session.Result
	Provider   string
	Attempts   int
	Suggestion *Suggestion
}

// Config configures an Orchestrator.
type Config struct {
	Resolver *ChainResolver
	Breaker  BreakerConfig
	Retry    RetryConfig
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Orchestrator runs Plans.
type Orchestrator struct {
	resolver *ChainResolver
	breakers *BreakerRegistry
	retry    RetryConfig
	metrics  *Metrics
	logger   *slog.Logger
}

// NewOrchestrator builds an Orchestrator. Resolver is required; the
// remaining fields default.
func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		resolver: cfg.Resolver,
		retry:    cfg.Retry,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	bc := cfg.Breaker
	notify := bc.OnStateChange
	bc.OnStateChange = func(provider string, from, to BreakerState) {
		o.metrics.BreakerTransitions.WithLabelValues(provider, to.String()).Inc()
		o.logger.Info("provider breaker changed state", "provider", provider, "from", from, "to", to)
		if notify != nil {
			notify(provider, from, to)
		}
	}
	o.breakers = NewBreakerRegistry(bc)
	if o.retry.BackoffFactor == 0 {
		o.retry.BackoffFactor = 2.0
	}
	if o.retry.MaxBackoff < o.retry.InitialBackoff {
		o.retry.MaxBackoff = o.retry.InitialBackoff
	}
	return o
}

// Breakers exposes the per-provider breakers.
func (o *Orchestrator) Breakers() *BreakerRegistry { return o.breakers }

// Chain resolves the provider chain for orgID.
func (o *Orchestrator) Chain(ctx context.Context, orgID string) (ProviderChain, error) {
	return o.resolver.Resolve(ctx, orgID)
}

// InvalidateChain drops the cached chain of orgID. Empty means every
// organization.
func (o *Orchestrator) InvalidateChain(orgID string) { o.resolver.Invalidate(orgID) }

// Run executes plan.
//
// # Description
//
// An empty chain fails with NO_PROVIDERS before any attempt. Attempts
// walk the chain (skipping providers whose breaker is open, unless every
// provider is open) and cycle while RetryConfig.MaxAttempts allows.
// ABORTED and non-fallback failures end the run immediately. When only
// one provider was tried its own record is returned; otherwise the
// collected failures become ALL_PROVIDERS_FAILED.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) Outcome {
	start := time.Now()
	out := o.run(ctx, plan)

	result := "OK"
	if out.Result.Err != nil {
		result = string(out.Result.Err.Code)
	}
	o.metrics.RunDurationSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return out
}

func (o *Orchestrator) run(ctx context.Context, plan Plan) Outcome {
	chain, err := o.resolver.Resolve(ctx, plan.OrgID)
	if err != nil {
		o.logger.Error("provider chain lookup failed", "org_id", plan.OrgID, "error", err)
		return Outcome{Result: session.Fail(aierr.Classify(aierr.Exception{Err: err}))}
	}
	order := o.order(chain.Ordered())
	if len(order) == 0 {
		return Outcome{Result: session.Fail(aierr.New(aierr.CodeNoProviders))}
	}

	maxAttempts := o.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(order)
	}

	var (
		failures     []aierr.ProviderFailure
		fallbackPlan json.RawMessage
		last         session.Result
		tried        []string
		prev         string
		backoff      = o.retry.InitialBackoff
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		provider := order[attempt%len(order)]
		if attempt > 0 {
			if prev != provider {
				o.metrics.FallbacksTotal.WithLabelValues(prev, provider).Inc()
			}
			o.logger.Info("falling back to next provider",
				"from", prev, "to", provider, "attempt", attempt+1, "org_id", plan.OrgID)
			if err := sleep(ctx, calculateBackoff(backoff, o.retry.JitterFactor)); err != nil {
				return Outcome{Result: session.Fail(aierr.Classify(aierr.Exception{Err: err})), Attempts: attempt}
			}
			backoff = nextBackoff(backoff, o.retry.BackoffFactor, o.retry.MaxBackoff)
		}
		if !slices.Contains(tried, provider) {
			tried = append(tried, provider)
		}
		prev = provider

		res := plan.Attempt(ctx, provider)
		breaker := o.breakers.Get(provider)

		if res.OK() {
			o.metrics.AttemptsTotal.WithLabelValues(provider, "OK").Inc()
			return o.succeed(res, provider, attempt+1, chain)
		}

		rec := *res.Err
		o.metrics.AttemptsTotal.WithLabelValues(provider, string(rec.Code)).Inc()
		if rec.IsAbort() {
			return Outcome{Result: res, Provider: provider, Attempts: attempt + 1}
		}
		if !fallbackEligible(rec) {
			return Outcome{Result: res, Provider: provider, Attempts: attempt + 1}
		}
		breaker.RecordFailure()
		last = res

		if len(rec.Providers) > 0 {
			failures = append(failures, rec.Providers...)
		} else {
			failures = append(failures, aierr.ProviderFailure{
				Provider: provider,
				Code:     string(rec.Code),
				Message:  rec.Message,
				Status:   rec.Status,
			})
		}
		if len(rec.FallbackPlan) > 0 {
			fallbackPlan = rec.FallbackPlan
		}
		if rec.Code == aierr.CodeAllProvidersFailed {
			// The server already walked its own chain.
			return Outcome{Result: res, Provider: provider, Attempts: attempt + 1}
		}
	}

	if len(tried) <= 1 {
		return Outcome{Result: last, Provider: tried[0], Attempts: maxAttempts}
	}
	o.logger.Warn("all providers failed", "org_id", plan.OrgID, "providers", tried)
	rec := aierr.AllProvidersFailed(failures, fallbackPlan)
	return Outcome{Result: session.Result{Err: &rec, Rendered: last.Rendered}, Attempts: maxAttempts}
}

func (o *Orchestrator) succeed(res session.Result, provider string, attempts int, chain ProviderChain) Outcome {
	out := Outcome{Result: res, Provider: provider, Attempts: attempts}
	breaker := o.breakers.Get(provider)

	soft, phrase := DetectSoftFailure(res.Message.Content)
	if !soft {
		breaker.RecordSuccess()
		return out
	}

	breaker.RecordFailure()
	o.metrics.SoftFailuresTotal.WithLabelValues(provider).Inc()
	o.logger.Warn("provider answered with an error message",
		"provider", provider, "phrase", phrase, "message_id", res.Message.ID)
	out.Result.Message.IsProviderError = true
	if chain.Len() > 1 {
		out.Suggestion = newSuggestion(provider, phrase)
	}
	return out
}

// order moves providers with an open breaker to the back.
func (o *Orchestrator) order(providers []string) []string {
	ready := make([]string, 0, len(providers))
	var demoted []string
	for _, p := range providers {
		if o.breakers.Get(p).Allow() {
			ready = append(ready, p)
		} else {
			demoted = append(demoted, p)
		}
	}
	if len(ready) == 0 {
		return demoted
	}
	return ready
}

// fallbackEligible reports whether another provider could fix rec.
func fallbackEligible(rec aierr.ErrorRecord) bool {
	return rec.Retryable || rec.Code == aierr.CodeInvalidAPIKey
}
