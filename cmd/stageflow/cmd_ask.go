// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stageflow/stageflow-ai/cmd/stageflow/config"
	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/aiquery"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/fallback"
	"github.com/stageflow/stageflow-ai/pkg/policy"
	"github.com/stageflow/stageflow-ai/pkg/transport"
	"github.com/stageflow/stageflow-ai/pkg/ux"
)

const (
	askConversation = "ask"

	planAction  = "plan_my_day"
	planMessage = "Plan my day"
)

// errReported fails the command after the failure was already printed.
var errReported = errors.New("failure already reported")

func runAskCommand(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(strings.Join(args, " "), planFlag)
	if err != nil {
		return err
	}
	if err := screenQuestion(q.Message); err != nil {
		return err
	}
	eng, err := env.engine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	env.view.Begin()
	res := eng.Ask(ctx, askConversation, q, env.askOptions())
	shown := env.view.End()
	return report(res, shown)
}

func buildQuery(message string, plan bool) (aiquery.Query, error) {
	message = strings.TrimSpace(message)
	q := aiquery.Query{Message: message}
	if plan {
		q.DailyAction = planAction
		if q.Message == "" {
			q.Message = planMessage
		}
	}
	if q.Message == "" {
		return q, errors.New("ask needs a question, or --plan")
	}
	for _, raw := range dealFlags {
		d, err := parseDeal(raw)
		if err != nil {
			return q, err
		}
		q.Deals = append(q.Deals, d)
	}
	return q, nil
}

// screenQuestion refuses a question carrying credentials or personal
// data at or above policy.block_at.
func screenQuestion(message string) error {
	blockAt := env.settings().Policy.BlockAt
	if allowSensitive || blockAt == config.PolicyOff {
		return nil
	}
	screen, err := env.policyScreen()
	if err != nil {
		return err
	}
	hits := policy.Blocking(screen.Scan(message), policy.Confidence(blockAt))
	if len(hits) == 0 {
		return nil
	}
	env.logger.Info("question blocked by policy", "findings", len(hits), "classification", hits[0].Classification)

	p := env.printer
	if p.Mode() == ux.ModeJSON {
		if err := p.JSON(map[string]any{"ok": false, "blocked": hits}); err != nil {
			return err
		}
		return errReported
	}
	p.Warning("Not sent: the question looks like it contains sensitive data.")
	for _, h := range hits {
		p.Text(fmt.Sprintf("  line %d: %s (%s)\n", h.Line, h.Description, h.Redacted))
	}
	p.Muted("Remove it, or pass --allow-sensitive.")
	return errReported
}

// parseDeal reads "stage:status:value". The value may be omitted.
func parseDeal(raw string) (transport.Deal, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return transport.Deal{}, fmt.Errorf("--deal %q: want stage:status[:value]", raw)
	}
	d := transport.Deal{Stage: strings.TrimSpace(parts[0]), Status: strings.TrimSpace(parts[1])}
	if d.Stage == "" || d.Status == "" {
		return transport.Deal{}, fmt.Errorf("--deal %q: stage and status are required", raw)
	}
	if len(parts) == 3 {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil || v < 0 {
			return transport.Deal{}, fmt.Errorf("--deal %q: value must be a non-negative number", raw)
		}
		d.Value = v
	}
	return d, nil
}

// answerJSON is the --output json shape of one turn.
type answerJSON struct {
	OK           bool                 `json:"ok"`
	Content      string               `json:"content,omitempty"`
	Provider     string               `json:"provider,omitempty"`
	ResponseType string               `json:"responseType,omitempty"`
	Chart        *conversation.Chart  `json:"chart,omitempty"`
	Structured   json.RawMessage      `json:"structured,omitempty"`
	Error        *aierr.ErrorRecord   `json:"error,omitempty"`
	Suggestion   *fallback.Suggestion `json:"suggestion,omitempty"`
	Rejected     bool                 `json:"rejected,omitempty"`
}

func newAnswerJSON(res aiquery.Result) answerJSON {
	out := answerJSON{
		OK:         res.OK(),
		Provider:   res.Provider,
		Error:      res.Err,
		Suggestion: res.Suggestion,
		Rejected:   res.Rejected,
	}
	if res.OK() {
		m := res.Message
		out.Content = m.Content
		out.ResponseType = m.ResponseType()
		out.Chart = m.Chart
		out.Structured = m.Structured
	}
	return out
}

// report prints the outcome of a turn. shown tells whether the live view
// already streamed the answer text.
func report(res aiquery.Result, shown bool) error {
	p := env.printer
	if p.Mode() == ux.ModeJSON {
		if err := p.JSON(newAnswerJSON(res)); err != nil {
			return err
		}
		if res.OK() {
			return nil
		}
		return errReported
	}

	switch {
	case res.Rejected:
		p.Warning("Nothing was sent: a question is already being answered, or there was nothing to send.")
		return errReported

	case res.Err != nil:
		if res.Err.Silent {
			p.Muted("Cancelled.")
			return errReported
		}
		p.ErrorRecord(res.Err)
		return errReported
	}

	if !shown && res.Message.Content != "" {
		p.Text(res.Message.Content)
		if !strings.HasSuffix(res.Message.Content, "\n") {
			p.Text("\n")
		}
	}
	p.Attachments(res.Message)
	p.Suggestion(res.Suggestion)
	return nil
}
