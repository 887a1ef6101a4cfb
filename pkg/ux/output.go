// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders AI query results in the terminal.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/fallback"
)

// StageFlow palette
var (
	ColorPrimary = lipgloss.Color("#6C5CE7")
	ColorAccent  = lipgloss.Color("#00B894")
	ColorBorder  = lipgloss.Color("#4B4E6D")

	ColorSuccess = lipgloss.Color("#00B894")
	ColorWarning = lipgloss.Color("#FDCB6E")
	ColorError   = lipgloss.Color("#E17055")
	ColorMuted   = lipgloss.Color("#636E72")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Printer writes styled output. Plain and JSON modes never emit ANSI codes.
//
// Thread Safety: writes are serialized.
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	mode Mode
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's output mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) rich() bool { return p.mode == ModeRich }

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, s)
}

func (p *Printer) line(style lipgloss.Style, icon Icon, text string) {
	if p.mode == ModeJSON {
		return
	}
	if !p.rich() {
		p.write(text + "\n")
		return
	}
	if icon != "" {
		text = style.Render(string(icon)) + " " + text
	} else {
		text = style.Render(text)
	}
	p.write(text + "\n")
}

// Title prints a styled title
func (p *Printer) Title(text string) { p.line(Styles.Title, "", text) }

// Success prints a success line
func (p *Printer) Success(text string) { p.line(Styles.Success, IconSuccess, text) }

// Warning prints a warning line
func (p *Printer) Warning(text string) { p.line(Styles.Warning, IconWarning, text) }

// Muted prints de-emphasized text
func (p *Printer) Muted(text string) { p.line(Styles.Muted, "", text) }

// Text writes s as-is. It is the only writer used for streamed content.
func (p *Printer) Text(s string) {
	if p.mode == ModeJSON {
		return
	}
	p.write(s)
}

// JSON writes v as one line of JSON. Only JSON mode prints.
func (p *Printer) JSON(v any) error {
	if p.mode != ModeJSON {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.write(string(data) + "\n")
	return nil
}

// ErrorRecord renders a classified failure. Silent records print nothing.
func (p *Printer) ErrorRecord(rec *aierr.ErrorRecord) {
	if rec == nil || rec.Silent || p.mode == ModeJSON {
		return
	}
	if !p.rich() {
		p.write(fmt.Sprintf("error [%s]: %s\n", rec.Code, rec.Message))
		for _, f := range rec.Providers {
			p.write(fmt.Sprintf("  %s: %s\n", aierr.DisplayName(f.Provider), providerLine(f)))
		}
		if rec.Action != nil {
			p.write(fmt.Sprintf("  next: %s\n", rec.Action.Label))
		}
		return
	}

	var b strings.Builder
	b.WriteString(Styles.Bold.Render(rec.Message))
	if rec.Limit > 0 {
		fmt.Fprintf(&b, "\n%s", Styles.Muted.Render(fmt.Sprintf("Used %d of %d", rec.Used, rec.Limit)))
	}
	for _, f := range rec.Providers {
		fmt.Fprintf(&b, "\n%s %s: %s", IconBullet, aierr.DisplayName(f.Provider), providerLine(f))
	}
	if rec.Action != nil {
		fmt.Fprintf(&b, "\n%s %s", Styles.Highlight.Render(string(IconArrow)), rec.Action.Label)
	}

	box := Styles.ErrorBox
	icon := Styles.Error.Render(string(IconError))
	if rec.Severity != aierr.SeverityError {
		box = Styles.WarningBox
		icon = Styles.Warning.Render(string(IconWarning))
	}
	p.write(icon + " " + Styles.Muted.Render(string(rec.Code)) + "\n" + box.Render(b.String()) + "\n")
}

func providerLine(f aierr.ProviderFailure) string {
	switch {
	case f.Message != "":
		return f.Message
	case f.Code != "":
		return f.Code
	case f.Status != 0:
		return fmt.Sprintf("HTTP %d", f.Status)
	default:
		return "failed"
	}
}

// Suggestion renders a switch-provider hint next to a soft-failed answer.
func (p *Printer) Suggestion(s *fallback.Suggestion) {
	if s == nil || p.mode == ModeJSON {
		return
	}
	text := s.Message
	if s.Action.Label != "" {
		text += " " + string(IconArrow) + " " + s.Action.Label
	}
	if !p.rich() {
		p.write("hint: " + text + "\n")
		return
	}
	p.write(Styles.WarningBox.Render(text) + "\n")
}

// Attachments summarizes the chart and structured payload of m, and the
// provider that answered.
func (p *Printer) Attachments(m conversation.Message) {
	if p.mode == ModeJSON {
		return
	}
	if m.Chart != nil {
		title := m.Chart.Title
		if title == "" {
			title = "Chart"
		}
		p.Muted(fmt.Sprintf("[%s chart: %s]", m.Chart.Type, title))
	}
	if rt := m.ResponseType(); rt != "" {
		p.Muted(fmt.Sprintf("[structured: %s]", rt))
	}
	if m.Provider != "" {
		p.Muted("answered by " + aierr.DisplayName(m.Provider))
	}
}

// Box prints content inside a rounded border. Plain mode prints the title
// and content on separate lines.
func (p *Printer) Box(title, content string) {
	if p.mode == ModeJSON {
		return
	}
	if !p.rich() {
		p.write(title + "\n" + content + "\n")
		return
	}
	p.write(Styles.Box.Render(Styles.Title.Render(title)+"\n"+content) + "\n")
}
