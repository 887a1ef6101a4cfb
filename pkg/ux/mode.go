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
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how output is rendered.
type Mode string

const (
	// ModeRich uses colors, boxes and the spinner.
	ModeRich Mode = "rich"

	// ModePlain writes unstyled text, one record per line.
	ModePlain Mode = "plain"

	// ModeJSON writes one JSON object per result, for scripting.
	ModeJSON Mode = "json"
)

// ModeEnv overrides mode detection.
const ModeEnv = "STAGEFLOW_OUTPUT"

// ParseMode converts a flag or env value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "":
		return ModeRich, nil
	case "plain", "text":
		return ModePlain, nil
	case "json", "machine":
		return ModeJSON, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want rich, plain or json)", s)
	}
}

// DetectMode picks rich output for terminals and plain output otherwise.
// A valid ModeEnv value wins.
func DetectMode(f *os.File) Mode {
	if env := os.Getenv(ModeEnv); env != "" {
		if m, err := ParseMode(env); err == nil {
			return m
		}
	}
	if IsTerminal(f) {
		return ModeRich
	}
	return ModePlain
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
