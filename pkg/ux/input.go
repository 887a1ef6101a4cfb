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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// LineReader reads one line of user input at a time.
//
// ReadLine returns io.EOF when input is exhausted (Ctrl+D or end of pipe).
type LineReader interface {
	ReadLine() (string, error)
}

// NewLineReader returns an interactive reader with history when in is a
// terminal, and a plain line scanner otherwise.
func NewLineReader(in *os.File, out io.Writer, prompt string, maxHistory int) LineReader {
	if !IsTerminal(in) {
		return NewScanReader(in)
	}
	return &InteractiveReader{
		in:         in,
		out:        out,
		prompt:     prompt,
		maxHistory: maxHistory,
	}
}

// =============================================================================
// ScanReader
// =============================================================================

// ScanReader reads newline-terminated input, for pipes and tests.
type ScanReader struct {
	scanner *bufio.Scanner
}

// NewScanReader wraps r.
func NewScanReader(r io.Reader) *ScanReader {
	return &ScanReader{scanner: bufio.NewScanner(r)}
}

// ReadLine returns the next line with surrounding whitespace trimmed.
func (r *ScanReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(r.scanner.Text()), nil
}

// =============================================================================
// InteractiveReader
// =============================================================================

// InteractiveReader uses bubbletea for line editing and up/down history.
//
// History is in-memory only. Not safe for concurrent use.
type InteractiveReader struct {
	in         io.Reader
	out        io.Writer
	prompt     string
	history    []string
	maxHistory int
}

// ReadLine runs one bubbletea program until Enter, Ctrl+C or Ctrl+D.
// Ctrl+C on an empty line and Ctrl+D return io.EOF.
func (r *InteractiveReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.CharLimit = 8000
	ti.Width = 80
	ti.Focus()

	m := inputModel{textInput: ti, history: r.history, historyIndex: -1}
	final, err := tea.NewProgram(m, tea.WithInput(r.in), tea.WithOutput(r.out)).Run()
	if err != nil {
		return "", err
	}
	result, ok := final.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", final)
	}
	if result.eof {
		return "", io.EOF
	}

	line := strings.TrimSpace(result.textInput.Value())
	if line != "" {
		r.remember(line)
	}
	return line, nil
}

func (r *InteractiveReader) remember(line string) {
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if r.maxHistory > 0 && len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
}

type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	draft        string
	done         bool
	eof          bool
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit

	case tea.KeyCtrlC:
		m.eof = m.textInput.Value() == ""
		m.textInput.SetValue("")
		m.done = true
		return m, tea.Quit

	case tea.KeyCtrlD:
		m.eof = true
		m.done = true
		return m, tea.Quit

	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.historyIndex == -1 {
			m.draft = m.textInput.Value()
			m.historyIndex = len(m.history) - 1
		} else if m.historyIndex > 0 {
			m.historyIndex--
		}
		m.textInput.SetValue(m.history[m.historyIndex])
		m.textInput.CursorEnd()
		return m, nil

	case tea.KeyDown:
		if m.historyIndex == -1 {
			return m, nil
		}
		if m.historyIndex < len(m.history)-1 {
			m.historyIndex++
			m.textInput.SetValue(m.history[m.historyIndex])
		} else {
			m.historyIndex = -1
			m.textInput.SetValue(m.draft)
		}
		m.textInput.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}
