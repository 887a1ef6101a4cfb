// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import "strings"

// MaxHistory is the number of prior messages sent with a request.
const MaxHistory = 12

// HistoryEntry is the request wire shape of a prior message.
type HistoryEntry struct {
	Role    Role   `json:"role" validate:"oneof=user assistant system"`
	Content string `json:"content"`
}

// History selects what is sent as conversationHistory: chart-bearing and
// still-streaming messages are dropped, as are empty and provider-error
// replies, and the last MaxHistory remaining entries are kept in order.
func History(ms []Message) []HistoryEntry {
	kept := make([]HistoryEntry, 0, len(ms))
	for _, m := range ms {
		if m.Chart != nil || m.Streaming || m.IsProviderError {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	if len(kept) > MaxHistory {
		kept = kept[len(kept)-MaxHistory:]
	}
	return kept
}
