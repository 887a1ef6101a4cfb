// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stubserver

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stageflow/stageflow-ai/pkg/sse"
	"github.com/stageflow/stageflow-ai/pkg/transport"
)

// Scenario names a canned response.
type Scenario string

const (
	ScenarioStream        Scenario = "stream"
	ScenarioPlanMyDay     Scenario = "plan_my_day"
	ScenarioChart         Scenario = "chart"
	ScenarioStreamError   Scenario = "stream_error"
	ScenarioAllFailed     Scenario = "all_providers_failed"
	ScenarioUnauthorized  Scenario = "unauthorized"
	ScenarioRateLimited   Scenario = "rate_limited"
	ScenarioQuotaExceeded Scenario = "quota_exceeded"
	ScenarioUnavailable   Scenario = "unavailable"
	ScenarioIdle          Scenario = "idle"
	ScenarioSoftFailure   Scenario = "soft_failure"
)

type player func(s *Server, c *gin.Context, req transport.Request)

var scenarios = map[Scenario]player{
	ScenarioStream:        playStream,
	ScenarioPlanMyDay:     playPlanMyDay,
	ScenarioChart:         playChart,
	ScenarioStreamError:   playStreamError,
	ScenarioAllFailed:     playAllFailed,
	ScenarioUnauthorized:  status(http.StatusUnauthorized, gin.H{"error": "Session expired", "code": "AUTH_EXPIRED"}),
	ScenarioRateLimited:   status(http.StatusTooManyRequests, gin.H{"error": "Too many requests", "code": "RATE_LIMITED"}),
	ScenarioQuotaExceeded: status(http.StatusPaymentRequired, gin.H{"error": "AI limit reached", "code": "QUOTA_EXCEEDED", "used": 50, "limit": 50}),
	ScenarioUnavailable:   status(http.StatusServiceUnavailable, nil),
	ScenarioIdle:          playIdle,
	ScenarioSoftFailure:   playSoftFailure,
}

// Scenarios lists the known scenario names, sorted.
func Scenarios() []Scenario {
	out := make([]Scenario, 0, len(scenarios))
	for name := range scenarios {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func content(s string) func(sse.Writer) error {
	return func(w sse.Writer) error { return w.WriteContent(s) }
}

func event(name string, v any) func(sse.Writer) error {
	return func(w sse.Writer) error { return w.WriteEvent(name, v) }
}

func done(w sse.Writer) error { return w.WriteRaw(sse.DoneSentinel) }

// words splits text into streamable fragments that keep their spacing.
func words(text string) []func(sse.Writer) error {
	parts := strings.SplitAfter(text, " ")
	frames := make([]func(sse.Writer) error, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			frames = append(frames, content(p))
		}
	}
	return frames
}

func playStream(s *Server, c *gin.Context, req transport.Request) {
	answer := "You asked: \"" + req.Message + "\". " +
		"Focus on the deals closest to closing and follow up on stalled proposals."
	frames := append(words(answer),
		event(sse.EventDefault, map[string]string{"provider": providerOr(req, "stub")}),
		done,
	)
	s.streamFrames(c, frames...)
}

func playPlanMyDay(s *Server, c *gin.Context, req transport.Request) {
	s.streamFrames(c,
		content("Section 1: follow up with the two proposals waiting on signatures."),
		content(" Section 2: prepare for the Acme demo at 2pm."),
		event(sse.EventStructured, map[string]any{
			"response_type": "plan_my_day",
			"tasks": []map[string]any{
				{"title": "Follow up on proposals", "deals": len(req.Deals)},
				{"title": "Prepare Acme demo", "time": "14:00"},
			},
		}),
		done,
	)
}

func playChart(s *Server, c *gin.Context, req transport.Request) {
	byStage := map[string]float64{}
	for _, d := range req.Deals {
		byStage[d.Stage] += d.Value
	}
	s.streamFrames(c,
		content("Here is your pipeline by stage."),
		event(sse.EventChart, map[string]any{
			"chartType":  "bar",
			"chartTitle": "Pipeline",
			"chartData":  byStage,
		}),
		done,
	)
}

func playStreamError(s *Server, c *gin.Context, _ transport.Request) {
	s.streamFrames(c,
		content("Let me look at "),
		func(w sse.Writer) error {
			return w.WriteError(map[string]string{"error": "Rate limit reached for requests", "code": "RATE_LIMITED"})
		},
	)
}

func playAllFailed(_ *Server, c *gin.Context, _ transport.Request) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      false,
		"code":    "ALL_PROVIDERS_FAILED",
		"message": "All AI providers failed",
		"providers": []gin.H{
			{"provider": "openai", "code": "INSUFFICIENT_QUOTA", "message": "You exceeded your current quota, please check your plan and billing details."},
			{"provider": "anthropic", "code": "OVERLOADED", "message": "Overloaded"},
		},
		"fallbackPlan": gin.H{"sections": []string{"Review stalled deals", "Call top three accounts"}},
	})
}

func playIdle(s *Server, c *gin.Context, _ transport.Request) {
	s.streamFrames(c, content("Thinking"))
	<-c.Request.Context().Done()
}

func playSoftFailure(s *Server, c *gin.Context, req transport.Request) {
	s.streamFrames(c,
		content("Your credit balance is too low to access the Anthropic API. "),
		content("Please go to Plans & Billing to upgrade or purchase credits."),
		event(sse.EventDefault, map[string]string{"provider": providerOr(req, "anthropic")}),
	)
}

func status(code int, body gin.H) player {
	return func(_ *Server, c *gin.Context, _ transport.Request) {
		if body == nil {
			c.Status(code)
			return
		}
		c.JSON(code, body)
	}
}

func providerOr(req transport.Request, def string) string {
	if req.Provider != "" {
		return req.Provider
	}
	return def
}
