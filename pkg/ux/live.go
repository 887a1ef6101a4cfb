// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"
	"sync"

	"github.com/stageflow/stageflow-ai/pkg/conversation"
)

// LiveView prints an assistant answer as it streams.
//
// It is fed conversation snapshots and writes only the text that was not
// printed yet. When a placeholder disappears and a new one starts (a
// fallback attempt) it ends the partial line and starts over.
//
// Thread Safety: safe for concurrent use.
type LiveView struct {
	p       *Printer
	spinner *Spinner

	mu      sync.Mutex
	active  bool
	msgID   string
	printed string
}

// NewLiveView returns a view printing through p.
func NewLiveView(p *Printer) *LiveView {
	return &LiveView{p: p, spinner: NewSpinner(p, "Thinking...")}
}

// Begin starts watching for a new streaming answer.
func (v *LiveView) Begin() {
	v.mu.Lock()
	v.active = true
	v.msgID = ""
	v.printed = ""
	v.mu.Unlock()
	v.spinner.Start()
}

// Update consumes a conversation snapshot.
func (v *LiveView) Update(msgs []conversation.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.active {
		return
	}

	m, ok := v.track(msgs)
	if !ok || m.Content == v.printed {
		return
	}
	v.spinner.Stop()

	if !strings.HasPrefix(m.Content, v.printed) {
		// The text was rewritten; start a fresh line rather than patching.
		v.p.Text("\n")
		v.printed = ""
	}
	v.p.Text(m.Content[len(v.printed):])
	v.printed = m.Content
}

// track returns the message being watched, switching to a newer streaming
// placeholder when the tracked one is gone.
func (v *LiveView) track(msgs []conversation.Message) (conversation.Message, bool) {
	if v.msgID != "" {
		for _, m := range msgs {
			if m.ID == v.msgID {
				return m, true
			}
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == conversation.RoleAssistant && m.Streaming {
			if v.msgID != "" && v.printed != "" {
				v.p.Text("\n")
			}
			v.msgID = m.ID
			v.printed = ""
			return m, true
		}
	}
	return conversation.Message{}, false
}

// End stops watching. It terminates the answer line when anything was
// printed and reports whether content was shown.
func (v *LiveView) End() bool {
	v.spinner.Stop()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = false
	shown := v.printed != ""
	if shown && !strings.HasSuffix(v.printed, "\n") {
		v.p.Text("\n")
	}
	return shown
}
