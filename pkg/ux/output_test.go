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
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/fallback"
)

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_ErrorRecord_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	rec := aierr.AllProvidersFailed([]aierr.ProviderFailure{
		{Provider: "openai", Code: "INSUFFICIENT_QUOTA", Message: "quota gone"},
		{Provider: "anthropic", Status: 529},
	}, nil)
	p.ErrorRecord(&rec)

	out := buf.String()
	if !strings.HasPrefix(out, "error [ALL_PROVIDERS_FAILED]: ") {
		t.Errorf("unexpected first line: %q", out)
	}
	if !strings.Contains(out, "quota gone") {
		t.Errorf("expected provider message in output, got %q", out)
	}
	if !strings.Contains(out, "HTTP 529") {
		t.Errorf("expected status fallback in output, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain mode must not emit ANSI sequences")
	}
}

func TestPrinter_ErrorRecord_SilentPrintsNothing(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	rec := aierr.New(aierr.CodeAborted)
	rec.Silent = true
	p.ErrorRecord(&rec)
	p.ErrorRecord(nil)

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestPrinter_ErrorRecord_RichShowsQuotaAndAction(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)

	rec := aierr.New(aierr.CodeQuotaExceeded)
	rec.Used, rec.Limit = 50, 50
	p.ErrorRecord(&rec)

	out := buf.String()
	if !strings.Contains(out, "Used 50 of 50") {
		t.Errorf("expected usage line, got %q", out)
	}
	if rec.Action != nil && !strings.Contains(out, rec.Action.Label) {
		t.Errorf("expected action label %q, got %q", rec.Action.Label, out)
	}
}

func TestPrinter_JSONModeOnlyWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeJSON)

	p.Title("title")
	p.Success("ok")
	p.Text("streamed")
	rec := aierr.New(aierr.CodeTimeout)
	p.ErrorRecord(&rec)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing before JSON, got %q", buf.String())
	}

	if err := p.JSON(map[string]string{"code": "TIMEOUT"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got["code"] != "TIMEOUT" {
		t.Errorf("got %v", got)
	}
}

func TestPrinter_Suggestion(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	p.Suggestion(&fallback.Suggestion{
		Provider: "anthropic",
		Message:  "Anthropic may be out of credits.",
		Action:   aierr.Action{Kind: aierr.ActionRetry, Label: "Try another provider"},
	})
	want := "hint: Anthropic may be out of credits. → Try another provider\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestPrinter_Attachments(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	p.Attachments(conversation.Message{
		Provider:   "openai",
		Chart:      &conversation.Chart{Type: "bar", Title: "Pipeline"},
		Structured: json.RawMessage(`{"response_type":"plan_my_day"}`),
	})

	out := buf.String()
	for _, want := range []string{"[bar chart: Pipeline]", "[structured: plan_my_day]", "answered by OpenAI"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":        ModeRich,
		"RICH":    ModeRich,
		"text":    ModePlain,
		"machine": ModeJSON,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("fancy"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv(ModeEnv, "json")
	if got := DetectMode(nil); got != ModeJSON {
		t.Errorf("got %q, want json", got)
	}
}

func TestDetectMode_NonTerminalIsPlain(t *testing.T) {
	t.Setenv(ModeEnv, "")
	if got := DetectMode(nil); got != ModePlain {
		t.Errorf("got %q, want plain", got)
	}
}

// =============================================================================
// LiveView Tests
// =============================================================================

func streaming(id, content string) conversation.Message {
	return conversation.Message{ID: id, Role: conversation.RoleAssistant, Content: content, Streaming: true}
}

func TestLiveView_PrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	v := NewLiveView(NewPrinter(&buf, ModePlain))

	prior := conversation.Message{ID: "old", Role: conversation.RoleAssistant, Content: "earlier answer"}
	user := conversation.Message{ID: "u", Role: conversation.RoleUser, Content: "hi"}

	v.Begin()
	v.Update([]conversation.Message{prior, user, streaming("a", "")})
	v.Update([]conversation.Message{prior, user, streaming("a", "Hel")})
	v.Update([]conversation.Message{prior, user, streaming("a", "Hello")})
	final := streaming("a", "Hello")
	final.Streaming = false
	v.Update([]conversation.Message{prior, user, final})

	if !v.End() {
		t.Error("End should report shown content")
	}
	if buf.String() != "Hello\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestLiveView_NewPlaceholderStartsNewLine(t *testing.T) {
	var buf bytes.Buffer
	v := NewLiveView(NewPrinter(&buf, ModePlain))

	v.Begin()
	v.Update([]conversation.Message{streaming("a", "partial")})
	v.Update([]conversation.Message{})
	v.Update([]conversation.Message{streaming("b", "second")})
	v.End()

	if buf.String() != "partial\nsecond\n" {
		t.Errorf("got %q", buf.String())
	}
}

func TestLiveView_IgnoresUpdatesOutsideTurn(t *testing.T) {
	var buf bytes.Buffer
	v := NewLiveView(NewPrinter(&buf, ModePlain))

	v.Update([]conversation.Message{streaming("a", "stale")})
	if v.End() {
		t.Error("nothing should have been shown")
	}
	if buf.Len() != 0 {
		t.Errorf("got %q", buf.String())
	}
}

// =============================================================================
// Spinner Tests
// =============================================================================

func TestSpinner_PlainModeIsNoop(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(NewPrinter(&buf, ModePlain), "Loading")
	s.Start()
	if s.Running() {
		t.Error("spinner should not run in plain mode")
	}
	s.Stop()
	if buf.Len() != 0 {
		t.Errorf("got %q", buf.String())
	}
}

func TestSpinner_RichModeDrawsAndClears(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeRich)
	s := NewSpinner(p, "Loading")
	s.Start()
	s.Start()
	time.Sleep(3 * spinnerInterval)
	s.Stop()
	s.Stop()

	p.mu.Lock()
	out := buf.String()
	p.mu.Unlock()
	if !strings.Contains(out, "Loading") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\033[K") {
		t.Errorf("expected line clear at the end, got %q", out)
	}
}

// =============================================================================
// Input Tests
// =============================================================================

func TestScanReader(t *testing.T) {
	r := NewScanReader(strings.NewReader("  first  \nsecond\n"))

	for _, want := range []string{"first", "second"} {
		got, err := r.ReadLine()
		if err != nil || got != want {
			t.Fatalf("ReadLine() = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := r.ReadLine(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func newInputModel(history ...string) inputModel {
	ti := textinput.New()
	ti.Focus()
	return inputModel{textInput: ti, history: history, historyIndex: -1}
}

func press(m inputModel, k tea.KeyType) inputModel {
	next, _ := m.Update(tea.KeyMsg{Type: k})
	return next.(inputModel)
}

func TestInputModel_HistoryNavigation(t *testing.T) {
	m := newInputModel("one", "two")
	m.textInput.SetValue("draft")

	m = press(m, tea.KeyUp)
	if got := m.textInput.Value(); got != "two" {
		t.Errorf("first up: got %q", got)
	}
	m = press(m, tea.KeyUp)
	m = press(m, tea.KeyUp)
	if got := m.textInput.Value(); got != "one" {
		t.Errorf("up past oldest: got %q", got)
	}
	m = press(m, tea.KeyDown)
	m = press(m, tea.KeyDown)
	if got := m.textInput.Value(); got != "draft" {
		t.Errorf("down past newest should restore the draft, got %q", got)
	}
}

func TestInputModel_CtrlKeys(t *testing.T) {
	m := press(newInputModel(), tea.KeyCtrlD)
	if !m.eof || !m.done {
		t.Error("Ctrl+D should end input with EOF")
	}

	m = newInputModel()
	m.textInput.SetValue("typed")
	m = press(m, tea.KeyCtrlC)
	if m.eof {
		t.Error("Ctrl+C with text should only clear the line")
	}
	if m.textInput.Value() != "" {
		t.Errorf("Ctrl+C should clear the line, got %q", m.textInput.Value())
	}

	m = press(newInputModel(), tea.KeyCtrlC)
	if !m.eof {
		t.Error("Ctrl+C on an empty line should end input")
	}
}

func TestInteractiveReader_RememberDedupesAndTrims(t *testing.T) {
	r := &InteractiveReader{maxHistory: 2}
	for _, s := range []string{"a", "a", "b", "c"} {
		r.remember(s)
	}
	if strings.Join(r.history, ",") != "b,c" {
		t.Errorf("got %v", r.history)
	}
}

func TestRequireValue(t *testing.T) {
	if err := requireValue("   "); err != ErrEmptyInput {
		t.Errorf("got %v", err)
	}
	if err := requireValue("x"); err != nil {
		t.Errorf("got %v", err)
	}
	if opts := providerOptions([]string{"openai", "anthropic"}); len(opts) != 2 {
		t.Errorf("got %d options", len(opts))
	}
}
