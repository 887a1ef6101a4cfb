// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aierr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// =============================================================================
// Signals
// =============================================================================

// Signal is one of HTTPFailure, BodyFailure, StreamFailure or Exception.
type Signal interface {
	signal()
}

// HTTPFailure is a non-2xx response. Body is the raw bytes, read once.
type HTTPFailure struct {
	Status int
	Body   []byte
}

// BodyFailure is a JSON error object delivered with a 2xx status.
type BodyFailure struct {
	Status int
	Body   ErrorBody
}

// StreamFailure is an error frame received mid-stream.
type StreamFailure struct {
	Body ErrorBody
}

// Exception is a local failure: network error, abort, timeout.
type Exception struct {
	Err error
}

func (HTTPFailure) signal()   {}
func (BodyFailure) signal()   {}
func (StreamFailure) signal() {}
func (Exception) signal()     {}

// evidence is the normalized view every rule inspects.
type evidence struct {
	status int
	code   string // upper-cased
	text   string // lower-cased error + message
	body   ErrorBody
	err    error
}

// =============================================================================
// Classification
// =============================================================================

// Classify converts a failure signal into an ErrorRecord.
//
// # Description
//
// Rules are evaluated in a fixed order and the first match wins:
//
//  1. configuration error
//  2. session / auth expired
//  3. invalid provider API key
//  4. rate limited
//  5. plan quota exceeded
//  6. no providers connected
//  7. all providers failed
//  8. network failure or timeout
//  9. unknown
//
// Auth is checked before "all providers failed" so that an expired session
// is never reported as a provider outage. Intentional aborts (ErrCancelled,
// ErrSuperseded, a bare context.Canceled) short-circuit to a silent ABORTED
// record before any rule runs.
//
// # Inputs
//
//   - sig: The failure signal.
//
// # Outputs
//
//   - ErrorRecord: Always populated. Never nil-equivalent.
//
// # Examples
//
//	rec := aierr.Classify(aierr.HTTPFailure{Status: 429, Body: body})
//	// rec.Code == CodeRateLimited, rec.Retryable == true
func Classify(sig Signal) ErrorRecord {
	ev, ok := gather(sig)
	if !ok {
		return New(CodeUnknown)
	}

	if ev.err != nil && isIntentionalAbort(ev.err) {
		rec := New(CodeAborted)
		rec.Detail = ev.err.Error()
		return rec
	}

	for _, rule := range rules {
		if rec, matched := rule(ev); matched {
			rec.Status = ev.status
			if rec.Detail == "" {
				rec.Detail = detail(ev)
			}
			return rec
		}
	}

	rec := New(CodeUnknown)
	rec.Status = ev.status
	rec.Detail = detail(ev)
	return rec
}

func gather(sig Signal) (evidence, bool) {
	switch s := sig.(type) {
	case HTTPFailure:
		ev := evidence{status: s.Status}
		if b, ok := ParseBody(s.Body); ok {
			ev.body = b
		} else if len(s.Body) > 0 {
			ev.body.Error = strings.TrimSpace(string(s.Body))
		}
		return fill(ev), true
	case BodyFailure:
		return fill(evidence{status: s.Status, body: s.Body}), true
	case StreamFailure:
		return fill(evidence{body: s.Body}), true
	case Exception:
		ev := evidence{err: s.Err}
		if s.Err != nil {
			ev.body.Error = s.Err.Error()
		}
		return fill(ev), true
	}
	return evidence{}, false
}

func fill(ev evidence) evidence {
	ev.code = strings.ToUpper(strings.TrimSpace(ev.body.Code))
	ev.text = strings.ToLower(ev.body.Error + " " + ev.body.Message)
	return ev
}

func detail(ev evidence) string {
	parts := make([]string, 0, 3)
	if ev.code != "" {
		parts = append(parts, ev.code)
	}
	if ev.body.Error != "" {
		parts = append(parts, ev.body.Error)
	}
	if ev.body.Message != "" && ev.body.Message != ev.body.Error {
		parts = append(parts, ev.body.Message)
	}
	return strings.Join(parts, ": ")
}

func isIntentionalAbort(err error) bool {
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded) {
		return true
	}
	// A bare cancel with no timeout cause is the caller walking away.
	return errors.Is(err, context.Canceled) && !errors.Is(err, ErrTimeout)
}

// =============================================================================
// Rules
// =============================================================================

type rule func(evidence) (ErrorRecord, bool)

var rules = []rule{
	configRule,
	authRule,
	invalidKeyRule,
	rateLimitRule,
	quotaRule,
	noProvidersRule,
	allProvidersFailedRule,
	transportRule,
}

func codeIn(ev evidence, codes ...string) bool {
	for _, c := range codes {
		if ev.code == c {
			return true
		}
	}
	return false
}

func textHas(ev evidence, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(ev.text, p) {
			return true
		}
	}
	return false
}

func configRule(ev evidence) (ErrorRecord, bool) {
	if codeIn(ev, "CONFIG_ERROR", "SERVER_CONFIG_ERROR", "MISSING_ENCRYPTION_KEY") ||
		textHas(ev, "config_error", "configuration error", "misconfigured") {
		return New(CodeConfigError), true
	}
	return ErrorRecord{}, false
}

func authRule(ev evidence) (ErrorRecord, bool) {
	if ev.status == http.StatusUnauthorized || ev.status == http.StatusForbidden ||
		codeIn(ev, "AUTH_EXPIRED", "AUTH_REQUIRED", "UNAUTHORIZED", "SESSION_EXPIRED", "SESSION_INVALID", "INVALID_SESSION") ||
		textHas(ev, "session expired", "session has expired", "not authenticated", "unauthorized", "jwt expired", "token expired", "invalid session") {
		return New(CodeAuthExpired), true
	}
	return ErrorRecord{}, false
}

func invalidKeyRule(ev evidence) (ErrorRecord, bool) {
	if codeIn(ev, "INVALID_API_KEY", "API_KEY_INVALID") ||
		textHas(ev, "invalid api key", "invalid_api_key", "incorrect api key", "invalid x-api-key") {
		return New(CodeInvalidAPIKey), true
	}
	return ErrorRecord{}, false
}

func rateLimitRule(ev evidence) (ErrorRecord, bool) {
	if ev.status == http.StatusTooManyRequests ||
		codeIn(ev, "RATE_LIMITED", "RATE_LIMIT_EXCEEDED") ||
		textHas(ev, "rate limit", "rate_limit", "too many requests") {
		return New(CodeRateLimited), true
	}
	return ErrorRecord{}, false
}

func quotaRule(ev evidence) (ErrorRecord, bool) {
	if !(ev.status == http.StatusPaymentRequired ||
		codeIn(ev, "QUOTA_EXCEEDED", "USAGE_LIMIT_EXCEEDED", "PLAN_LIMIT_REACHED", "AI_LIMIT_REACHED") ||
		textHas(ev, "quota exceeded", "usage limit", "plan limit", "monthly limit")) {
		return ErrorRecord{}, false
	}
	rec := New(CodeQuotaExceeded)
	if ev.body.Used != nil && ev.body.Limit != nil {
		rec.Used, rec.Limit = *ev.body.Used, *ev.body.Limit
		rec.Message = fmt.Sprintf("You've used %d of %d AI requests this period. Upgrade your plan for more.", rec.Used, rec.Limit)
	}
	return rec, true
}

func noProvidersRule(ev evidence) (ErrorRecord, bool) {
	if codeIn(ev, "NO_PROVIDERS", "NO_PROVIDERS_CONFIGURED", "NO_AI_PROVIDER") ||
		textHas(ev, "no ai provider", "no providers", "no provider configured") {
		return New(CodeNoProviders), true
	}
	return ErrorRecord{}, false
}

func allProvidersFailedRule(ev evidence) (ErrorRecord, bool) {
	if !(codeIn(ev, "ALL_PROVIDERS_FAILED") ||
		textHas(ev, "all providers failed", "all ai providers failed") ||
		len(ev.body.Providers) > 0) {
		return ErrorRecord{}, false
	}
	return AllProvidersFailed(ev.body.Providers, ev.body.FallbackPlan), true
}

func transportRule(ev evidence) (ErrorRecord, bool) {
	switch {
	case ev.status == http.StatusRequestTimeout || ev.status == http.StatusGatewayTimeout,
		codeIn(ev, "TIMEOUT", "REQUEST_TIMEOUT"),
		ev.err != nil && isTimeoutErr(ev.err),
		textHas(ev, "timed out", "timeout"):
		return New(CodeTimeout), true
	case ev.status == http.StatusBadGateway || ev.status == http.StatusServiceUnavailable,
		codeIn(ev, "NETWORK_ERROR"),
		ev.err != nil && isNetworkErr(ev.err),
		textHas(ev, "network error", "failed to fetch", "connection refused", "connection reset"):
		return New(CodeNetworkError), true
	}
	return ErrorRecord{}, false
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetworkErr(err error) bool {
	var ne net.Error
	var oe *net.OpError
	return errors.As(err, &ne) || errors.As(err, &oe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
