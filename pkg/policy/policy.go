// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy screens outgoing AI questions for credentials and
// personal data.
//
// The rules are embedded in the binary from patterns.yaml, so a question
// is checked the same way on every machine.
package policy

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Confidence(s) {
	case High, Medium, Low:
		*c = Confidence(s)
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", s)
	}
}

// rank orders confidences for threshold checks.
func (c Confidence) rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// AtLeast reports whether c meets min.
func (c Confidence) AtLeast(min Confidence) bool { return c.rank() >= min.rank() }

type ruleFile struct {
	Classifications []Classification `yaml:"classifications"`
}

type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	re *regexp.Regexp
}

// Finding is one match in a screened text.
type Finding struct {
	Classification string     `json:"classification"`
	PatternID      string     `json:"pattern_id"`
	Description    string     `json:"description"`
	Confidence     Confidence `json:"confidence"`
	Line           int        `json:"line"`

	// Redacted shows the first and last characters of the match only.
	Redacted string `json:"redacted"`
}

// Screen holds compiled rules. It is safe for concurrent use.
type Screen struct {
	classes []Classification
}

// New compiles the embedded rules.
func New() (*Screen, error) {
	return Parse(embeddedPatterns)
}

// Parse compiles rules from YAML, sorted from highest to lowest priority.
func Parse(data []byte) (*Screen, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy rules: %w", err)
	}
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			p := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return &Screen{classes: f.Classifications}, nil
}

// Classify returns the name of the highest priority classification that
// matches text, or "public".
func (s *Screen) Classify(text string) string {
	for _, c := range s.classes {
		for _, p := range c.Patterns {
			if p.re.MatchString(text) {
				return c.Name
			}
		}
	}
	return "public"
}

// Scan reports every match in text with its 1-based line number.
func (s *Screen) Scan(text string) []Finding {
	var findings []Finding
	for n, line := range strings.Split(text, "\n") {
		for _, c := range s.classes {
			for _, p := range c.Patterns {
				for _, m := range p.re.FindAllString(line, -1) {
					findings = append(findings, Finding{
						Classification: c.Name,
						PatternID:      p.ID,
						Description:    p.Description,
						Confidence:     p.Confidence,
						Line:           n + 1,
						Redacted:       redact(strings.TrimSpace(m)),
					})
				}
			}
		}
	}
	return findings
}

// Blocking filters findings at or above min.
func Blocking(findings []Finding, min Confidence) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Confidence.AtLeast(min) {
			out = append(out, f)
		}
	}
	return out
}

func redact(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:4]) + strings.Repeat("*", len(r)-8) + string(r[len(r)-4:])
}
