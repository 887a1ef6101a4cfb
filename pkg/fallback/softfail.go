// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"fmt"
	"strings"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

// softFailureWindow is how much of the content is inspected. Provider
// errors relayed as text always lead the message.
const softFailureWindow = 500

// softFailurePhrases are lower-case fragments that upstream providers put
// in error text. They are specific enough not to match ordinary answers
// about billing or quotas.
var softFailurePhrases = []string{
	"you exceeded your current quota",
	"insufficient_quota",
	"your credit balance is too low",
	"check your plan and billing details",
	"incorrect api key provided",
	"invalid x-api-key",
	"api key not valid",
	"rate limit reached for",
	"resource has been exhausted",
	"overloaded_error",
	"does not exist or you do not have access",
	"error code: 401",
	"error code: 402",
	"error code: 429",
	"error code: 500",
	"error code: 503",
}

// DetectSoftFailure reports whether content is a provider error disguised
// as an answer, and the phrase that matched.
func DetectSoftFailure(content string) (bool, string) {
	head := content
	if len(head) > softFailureWindow {
		head = head[:softFailureWindow]
	}
	head = strings.ToLower(head)
	for _, p := range softFailurePhrases {
		if strings.Contains(head, p) {
			return true, p
		}
	}
	return false, ""
}

// Suggestion is a non-blocking hint shown next to a soft-failed answer.
// It is never an ErrorRecord.
type Suggestion struct {
	Provider string       `json:"provider"`
	Phrase   string       `json:"phrase"`
	Message  string       `json:"message"`
	Action   aierr.Action `json:"action"`
}

func newSuggestion(provider, phrase string) *Suggestion {
	return &Suggestion{
		Provider: provider,
		Phrase:   phrase,
		Message: fmt.Sprintf("%s answered with an error. Retry to use another connected provider.",
			aierr.DisplayName(provider)),
		Action: aierr.Action{Kind: aierr.ActionRetry, Label: "Retry"},
	}
}
