// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aierr classifies AI query failures into user-facing records.
//
// Failures reach the client through four channels: an HTTP status with a
// body, a JSON error object inside a 2xx response, an error frame inside
// the stream, or a local exception (network failure, abort, timeout).
// Classify folds all of them into one ErrorRecord with a stable Code,
// a message suitable for display, a retryable flag and an optional action.
//
// ErrorRecord is data. It is returned, never panicked, and it does not
// implement error so it cannot be accidentally wrapped and rethrown.
package aierr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Codes
// =============================================================================

// Code is the stable machine identifier of a failure class.
type Code string

const (
	CodeAuthExpired        Code = "AUTH_EXPIRED"
	CodeInvalidAPIKey      Code = "INVALID_API_KEY"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeNoProviders        Code = "NO_PROVIDERS"
	CodeAllProvidersFailed Code = "ALL_PROVIDERS_FAILED"
	CodeConfigError        Code = "CONFIG_ERROR"
	CodeTimeout            Code = "TIMEOUT"
	CodeNetworkError       Code = "NETWORK_ERROR"
	CodeParseError         Code = "PARSE_ERROR"
	CodeAborted            Code = "ABORTED"
	CodeUnknown            Code = "UNKNOWN"

	// Raised locally by the readiness checks.
	CodeOffline    Code = "OFFLINE"
	CodeAIDisabled Code = "AI_DISABLED"
)

// Severity drives how prominently a record is displayed.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ActionKind names a follow-up the UI binds to a handler.
type ActionKind string

const (
	ActionRetry         ActionKind = "retry"
	ActionOpenSettings  ActionKind = "open_provider_settings"
	ActionAddProvider   ActionKind = "add_provider"
	ActionUpgradePlan   ActionKind = "upgrade_plan"
	ActionCheckSettings ActionKind = "open_ai_settings"
)

// Action is an optional button attached to a record.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Label string     `json:"label"`
}

// Intentional abort causes. They reach Classify through context.Cause and
// produce a silent ABORTED record.
var (
	ErrCancelled  = errors.New("request cancelled by user")
	ErrSuperseded = errors.New("request superseded by a newer request")
)

// ErrTimeout is the cancel cause used when a stream stops producing data.
var ErrTimeout = errors.New("ai request timed out")

// =============================================================================
// Records
// =============================================================================

// ProviderFailure is one upstream provider's failure inside an
// ALL_PROVIDERS_FAILED response.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// ErrorRecord is the classified, display-ready form of any failure.
type ErrorRecord struct {
	Code      Code     `json:"code"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
	Retryable bool     `json:"retryable"`
	Action    *Action  `json:"action,omitempty"`

	// Status is the HTTP status when the failure came from a response.
	Status int `json:"status,omitempty"`

	// Used and Limit are set for QUOTA_EXCEEDED when the server reports them.
	Used  int `json:"used,omitempty"`
	Limit int `json:"limit,omitempty"`

	// Providers lists every provider failure for ALL_PROVIDERS_FAILED.
	Providers []ProviderFailure `json:"providers,omitempty"`

	// FallbackPlan is passed through verbatim from the server.
	FallbackPlan json.RawMessage `json:"fallbackPlan,omitempty"`

	// Silent records (intentional aborts) must not be rendered.
	Silent bool `json:"silent,omitempty"`

	// Detail is the raw server or exception text, for logs only.
	Detail string `json:"-"`
}

// String renders the record for logs.
func (r ErrorRecord) String() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", r.Code, r.Message, r.Detail)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// IsAbort reports an intentional abort that the UI must ignore.
func (r ErrorRecord) IsAbort() bool {
	return r.Code == CodeAborted
}

// template is the default presentation of a code.
type template struct {
	message   string
	severity  Severity
	retryable bool
	action    *Action
}

var (
	retryAction = &Action{Kind: ActionRetry, Label: "Try again"}

	templates = map[Code]template{
		CodeConfigError: {
			message:  "AI is not configured correctly on the server. Please contact support.",
			severity: SeverityError,
		},
		CodeAuthExpired: {
			message:  "Your session has expired. Please sign in again.",
			severity: SeverityError,
		},
		CodeInvalidAPIKey: {
			message:  "Your AI provider rejected the API key. Update it in provider settings.",
			severity: SeverityError,
			action:   &Action{Kind: ActionOpenSettings, Label: "Open provider settings"},
		},
		CodeRateLimited: {
			message:   "The AI provider is rate limiting requests. Wait a moment and try again.",
			severity:  SeverityWarning,
			retryable: true,
			action:    retryAction,
		},
		CodeQuotaExceeded: {
			message:  "You've reached your AI usage limit for this period.",
			severity: SeverityWarning,
			action:   &Action{Kind: ActionUpgradePlan, Label: "Upgrade plan"},
		},
		CodeNoProviders: {
			message:  "No AI provider is connected. Add one to start asking questions.",
			severity: SeverityWarning,
			action:   &Action{Kind: ActionAddProvider, Label: "Add provider"},
		},
		CodeAllProvidersFailed: {
			message:   "All of your AI providers failed to respond.",
			severity:  SeverityError,
			retryable: true,
			action:    retryAction,
		},
		CodeTimeout: {
			message:   "The AI took too long to respond.",
			severity:  SeverityWarning,
			retryable: true,
			action:    retryAction,
		},
		CodeNetworkError: {
			message:   "Couldn't reach StageFlow. Check your connection and try again.",
			severity:  SeverityWarning,
			retryable: true,
			action:    retryAction,
		},
		CodeParseError: {
			message:   "Part of the AI response could not be read.",
			severity:  SeverityInfo,
			retryable: true,
		},
		CodeAborted: {
			message:  "Request cancelled.",
			severity: SeverityInfo,
		},
		CodeOffline: {
			message:   "You're offline. Reconnect to use AI.",
			severity:  SeverityWarning,
			retryable: true,
			action:    retryAction,
		},
		CodeAIDisabled: {
			message:  "AI features are turned off for your organization.",
			severity: SeverityInfo,
			action:   &Action{Kind: ActionCheckSettings, Label: "Open AI settings"},
		},
		CodeUnknown: {
			message:   "Something went wrong with the AI request.",
			severity:  SeverityError,
			retryable: true,
			action:    retryAction,
		},
	}
)

// New returns the default record for code. Unknown codes map to UNKNOWN.
func New(code Code) ErrorRecord {
	t, ok := templates[code]
	if !ok {
		code, t = CodeUnknown, templates[CodeUnknown]
	}
	r := ErrorRecord{
		Code:      code,
		Message:   t.message,
		Severity:  t.severity,
		Retryable: t.retryable,
	}
	if t.action != nil {
		a := *t.action
		r.Action = &a
	}
	r.Silent = code == CodeAborted
	return r
}
