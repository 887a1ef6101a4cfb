// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readiness decides, before any network call, whether an AI query
// may be sent at all.
package readiness

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

// Variant is the AI readiness state reported by the app shell.
type Variant string

const (
	VariantReady           Variant = "ready"
	VariantSessionInvalid  Variant = "session_invalid"
	VariantConnectProvider Variant = "connect_provider"
	VariantConfigError     Variant = "config_error"
	VariantDisabled        Variant = "disabled"
)

var variantCodes = map[Variant]aierr.Code{
	VariantSessionInvalid:  aierr.CodeAuthExpired,
	VariantConnectProvider: aierr.CodeNoProviders,
	VariantConfigError:     aierr.CodeConfigError,
	VariantDisabled:        aierr.CodeAIDisabled,
}

// Check is the input of one readiness evaluation.
type Check struct {
	Variant Variant

	// OrgID scopes the daily quota flag.
	OrgID string

	// DailyAction names a once-per-day action such as "plan_my_day".
	// Empty skips the quota check.
	DailyAction string
}

// =============================================================================
// Connectivity
// =============================================================================

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// StaticConnectivity always reports its own value.
type StaticConnectivity bool

func (s StaticConnectivity) Online(context.Context) bool { return bool(s) }

// DialProbe reports online when a TCP connection to Addr succeeds within
// Timeout.
type DialProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProbe) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// =============================================================================
// Guard
// =============================================================================

// Guard runs the readiness checks in order: connectivity, variant, daily
// quota. Quota store errors are logged and treated as "not consumed".
type Guard struct {
	conn   Connectivity
	quota  QuotaStore
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock overrides time.Now for day boundaries.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard builds a Guard. conn nil means always online; quota nil
// disables the daily check.
func NewGuard(conn Connectivity, quota QuotaStore, opts ...Option) *Guard {
	g := &Guard{conn: conn, quota: quota, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	if g.conn == nil {
		g.conn = StaticConnectivity(true)
	}
	return g
}

// reservationTTL bounds a daily-action reservation that is never settled,
// for example when the process dies mid-turn.
const reservationTTL = 10 * time.Minute

// Check returns nil when the query may proceed, otherwise the record to
// show. Offline is retryable; every variant failure and a consumed daily
// action are not.
//
// A passing check with a DailyAction reserves that action, so a second
// conversation asking at the same time is refused. The caller settles the
// reservation with MarkConsumed after a successful answer or Release
// after a failure.
//
// # Examples
//
//	if rec := guard.Check(ctx, readiness.Check{Variant: v}); rec != nil {
//	    return session.Fail(*rec)
//	}
func (g *Guard) Check(ctx context.Context, c Check) *aierr.ErrorRecord {
	if !g.conn.Online(ctx) {
		rec := aierr.New(aierr.CodeOffline)
		return &rec
	}

	if code, blocked := variantCodes[c.Variant]; blocked {
		rec := aierr.New(code)
		rec.Detail = "readiness variant " + string(c.Variant)
		return &rec
	}

	if c.DailyAction != "" && g.quota != nil {
		now := g.now()
		until := now.Add(reservationTTL)
		if midnight := nextMidnight(now); midnight.Before(until) {
			until = midnight
		}
		ok, err := g.quota.Reserve(ctx, g.dayKey(c), until)
		if err != nil {
			g.logger.Warn("daily quota lookup failed", "action", c.DailyAction, "error", err)
		}
		if err == nil && !ok {
			rec := aierr.New(aierr.CodeQuotaExceeded)
			rec.Message = "You've already used this today. It resets at midnight."
			rec.Action = nil
			rec.Used, rec.Limit = 1, 1
			return &rec
		}
	}
	return nil
}

// MarkConsumed flags c's daily action as used until local midnight.
// No-op when c has no DailyAction.
func (g *Guard) MarkConsumed(ctx context.Context, c Check) error {
	if c.DailyAction == "" || g.quota == nil {
		return nil
	}
	return g.quota.MarkConsumed(ctx, g.dayKey(c), nextMidnight(g.now()))
}

// Release hands back the reservation taken by Check.
func (g *Guard) Release(ctx context.Context, c Check) error {
	if c.DailyAction == "" || g.quota == nil {
		return nil
	}
	return g.quota.Release(ctx, g.dayKey(c))
}

func (g *Guard) dayKey(c Check) string {
	return c.OrgID + "/" + c.DailyAction + "/" + g.now().Format(time.DateOnly)
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
