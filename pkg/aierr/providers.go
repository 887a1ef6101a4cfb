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
	"encoding/json"
	"fmt"
	"strings"
)

// FailureKind ranks provider failures by how actionable they are for the
// user. Lower values are more actionable.
type FailureKind int

const (
	FailureBilling FailureKind = iota
	FailureQuota
	FailureInvalidKey
	FailureModelNotFound
	FailureOther
)

// KindOf buckets a single provider failure by its code and message.
func KindOf(f ProviderFailure) FailureKind {
	code := strings.ToUpper(f.Code)
	msg := strings.ToLower(f.Message)
	has := func(s string, subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}

	// The code is authoritative; vendor messages often mention billing
	// in passing ("check your plan and billing details").
	switch {
	case has(code, "BILLING", "PAYMENT", "CREDIT"):
		return FailureBilling
	case has(code, "QUOTA"):
		return FailureQuota
	case has(code, "INVALID_API_KEY", "AUTHENTICATION"):
		return FailureInvalidKey
	case has(code, "MODEL_NOT_FOUND"):
		return FailureModelNotFound
	}
	switch {
	case has(msg, "credit balance", "payment required", "billing hard limit"):
		return FailureBilling
	case has(msg, "quota"):
		return FailureQuota
	case has(msg, "api key", "x-api-key"):
		return FailureInvalidKey
	case has(msg, "model not found", "does not exist", "model_not_found"):
		return FailureModelNotFound
	}
	return FailureOther
}

// SelectHeadline picks the failure to headline: billing beats quota beats
// invalid key beats model not found beats anything else. Ties keep chain
// order. ok is false for an empty list.
func SelectHeadline(failures []ProviderFailure) (ProviderFailure, bool) {
	if len(failures) == 0 {
		return ProviderFailure{}, false
	}
	best, bestKind := failures[0], KindOf(failures[0])
	for _, f := range failures[1:] {
		if k := KindOf(f); k < bestKind {
			best, bestKind = f, k
		}
	}
	return best, true
}

// AllProvidersFailed builds the ALL_PROVIDERS_FAILED record, headlining the
// most actionable failure and passing the full list and plan through. The
// headline is that provider's own message; a template stands in only when
// the provider sent none.
func AllProvidersFailed(failures []ProviderFailure, plan json.RawMessage) ErrorRecord {
	rec := New(CodeAllProvidersFailed)
	rec.Providers = append([]ProviderFailure(nil), failures...)
	if len(plan) > 0 && string(plan) != "null" {
		rec.FallbackPlan = plan
	}

	head, ok := SelectHeadline(failures)
	if !ok {
		return rec
	}
	if msg := strings.TrimSpace(head.Message); msg != "" {
		rec.Message = msg
		return rec
	}
	name := DisplayName(head.Provider)
	switch KindOf(head) {
	case FailureBilling:
		rec.Message = fmt.Sprintf("%s needs billing attention. Add credits or a payment method, or try again to use another provider.", name)
	case FailureQuota:
		rec.Message = fmt.Sprintf("%s has run out of API quota. Add credits, or try again to use another provider.", name)
	case FailureInvalidKey:
		rec.Message = fmt.Sprintf("%s rejected its API key. Update the key in provider settings.", name)
	case FailureModelNotFound:
		rec.Message = fmt.Sprintf("%s couldn't find the configured model. Pick a different model in provider settings.", name)
	default:
		if len(failures) == 1 {
			rec.Message = fmt.Sprintf("%s failed to respond. Try again in a moment.", name)
		}
	}
	return rec
}

var displayNames = map[string]string{
	"openai":    "OpenAI",
	"anthropic": "Anthropic",
	"google":    "Google Gemini",
	"gemini":    "Google Gemini",
	"mistral":   "Mistral",
	"xai":       "xAI",
}

// DisplayName maps a provider ID to its product name. Unknown IDs are
// returned unchanged.
func DisplayName(provider string) string {
	if n, ok := displayNames[strings.ToLower(provider)]; ok {
		return n
	}
	if provider == "" {
		return "Your AI provider"
	}
	return provider
}
