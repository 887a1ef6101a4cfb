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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow-ai/pkg/sse"
	"github.com/stageflow/stageflow-ai/pkg/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func post(t *testing.T, s *Server, scenario string, req transport.Request, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, QueryPath, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if scenario != "" {
		r.Header.Set(ScenarioHeader, scenario)
	}
	for _, m := range mutate {
		m(r)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func frames(t *testing.T, body string) []sse.Frame {
	t.Helper()
	state, out := sse.ParseChunk(sse.State{}, []byte(body))
	return append(out, sse.Finish(state)...)
}

func TestStream_EchoesMessage(t *testing.T) {
	s := New(Config{})
	w := post(t, s, "", transport.Request{Message: "what next?", Provider: "openai"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var text strings.Builder
	var sawDone bool
	for _, f := range frames(t, w.Body.String()) {
		require.NoError(t, f.Err)
		if f.Done {
			sawDone = true
			continue
		}
		var payload struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &payload))
		text.WriteString(payload.Content)
	}
	assert.True(t, sawDone)
	assert.Contains(t, text.String(), `You asked: "what next?".`)
}

func TestChart_AggregatesDealsByStage(t *testing.T) {
	s := New(Config{})
	w := post(t, s, string(ScenarioChart), transport.Request{
		Message: "chart",
		Deals: []transport.Deal{
			{Stage: "proposal", Status: "open", Value: 100},
			{Stage: "proposal", Status: "open", Value: 50},
			{Stage: "won", Status: "closed", Value: 10},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var chart map[string]any
	for _, f := range frames(t, w.Body.String()) {
		if f.Event == sse.EventChart {
			require.NoError(t, json.Unmarshal(f.Data, &chart))
		}
	}
	require.NotNil(t, chart)
	data := chart["chartData"].(map[string]any)
	assert.Equal(t, 150.0, data["proposal"])
	assert.Equal(t, 10.0, data["won"])
}

func TestAllProvidersFailed_IsJSONWith200(t *testing.T) {
	s := New(Config{})
	w := post(t, s, string(ScenarioAllFailed), transport.Request{Message: "hi"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "ALL_PROVIDERS_FAILED", body["code"])
	assert.Len(t, body["providers"], 2)
}

func TestStatusScenarios(t *testing.T) {
	tests := []struct {
		scenario Scenario
		status   int
	}{
		{ScenarioUnauthorized, http.StatusUnauthorized},
		{ScenarioRateLimited, http.StatusTooManyRequests},
		{ScenarioQuotaExceeded, http.StatusPaymentRequired},
		{ScenarioUnavailable, http.StatusServiceUnavailable},
	}
	s := New(Config{})
	for _, tt := range tests {
		t.Run(string(tt.scenario), func(t *testing.T) {
			w := post(t, s, string(tt.scenario), transport.Request{Message: "hi"})
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestProviderScenarios(t *testing.T) {
	s := New(Config{ProviderScenarios: map[string]Scenario{"openai": ScenarioUnavailable}})

	assert.Equal(t, http.StatusServiceUnavailable, post(t, s, "", transport.Request{Message: "hi", Provider: "openai"}).Code)
	assert.Equal(t, http.StatusOK, post(t, s, "", transport.Request{Message: "hi", Provider: "anthropic"}).Code)
	// The header wins over the provider mapping.
	assert.Equal(t, http.StatusTooManyRequests,
		post(t, s, string(ScenarioRateLimited), transport.Request{Message: "hi", Provider: "anthropic"}).Code)
}

func TestRequireAuth(t *testing.T) {
	s := New(Config{RequireAuth: true})

	w := post(t, s, "", transport.Request{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(t, s, "", transport.Request{Message: "hi"}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer tok")
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(t, s, "", transport.Request{Message: "hi"}, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "sb-access-token", Value: "tok"})
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidRequests(t *testing.T) {
	s := New(Config{})

	w := post(t, s, "", transport.Request{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, s, "no_such_scenario", transport.Request{Message: "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest(http.MethodPost, QueryPath, strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdle_HoldsUntilClientLeaves(t *testing.T) {
	srv := httptest.NewServer(New(Config{}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	body, _ := json.Marshal(transport.Request{Message: "hi"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+QueryPath, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(ScenarioHeader, string(ScenarioIdle))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "Thinking")

	_, err = resp.Body.Read(buf)
	assert.Error(t, err)
}

func TestHealthAndScenarioList(t *testing.T) {
	s := New(Config{Metrics: true})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	list := Scenarios()
	assert.Len(t, list, len(scenarios))
	assert.IsIncreasing(t, list)
}
