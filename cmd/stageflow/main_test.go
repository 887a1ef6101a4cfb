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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/99designs/keyring"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow-ai/cmd/stageflow/config"
	"github.com/stageflow/stageflow-ai/services/stubserver"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Helpers
// =============================================================================

type cliFixture struct {
	t       *testing.T
	cfgPath string
}

// newFixture starts a stub server playing scenario and writes a config
// pointing at it. Tokens come from STAGEFLOW_TOKEN.
func newFixture(t *testing.T, scenario stubserver.Scenario, providers ...string) *cliFixture {
	t.Helper()
	stub := httptest.NewServer(stubserver.New(stubserver.Config{
		Default:     scenario,
		RequireAuth: true,
	}).Handler())
	t.Cleanup(stub.Close)
	t.Setenv(tokenEnv, "test-token")

	if len(providers) == 0 {
		providers = []string{"openai"}
	}
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.BaseURL = stub.URL
	cfg.Providers.Providers = providers
	cfg.Providers.Primary = providers[0]
	cfg.Retry.InitialBackoff = 0
	cfg.Retry.MaxBackoff = 0
	cfg.Readiness.ProbeAddr = "-"
	cfg.Readiness.QuotaPath = filepath.Join(dir, "quota")
	cfg.Logging.Dir = ""
	cfg.Secrets.UseEnv = true

	path := filepath.Join(dir, "stageflow.yaml")
	require.NoError(t, config.Save(path, cfg))
	return &cliFixture{t: t, cfgPath: path}
}

// run executes the CLI in plain mode and returns stdout.
func (f *cliFixture) run(stdin string, args ...string) (string, error) {
	f.t.Helper()
	return runCLI(f.t, stdin, append([]string{"--config", f.cfgPath, "--output", "plain"}, args...)...)
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags clears values left over from a previous Execute.
func resetFlags() {
	configPath, outputFlag, orgFlag = "", "", ""
	debugFlag, supersedeFlag, planFlag = false, false, false
	tokenStdin, yesFlag, allowSensitive = false, false, false
	dealFlags = nil
}

// =============================================================================
// ask
// =============================================================================

func TestAsk_StreamsAnswer(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)

	out, err := f.run("", "ask", "How", "is", "my", "pipeline?")
	require.NoError(t, err)
	assert.Contains(t, out, `You asked: "How is my pipeline?".`)
	assert.Contains(t, out, "answered by OpenAI")
	assert.Equal(t, 1, strings.Count(out, "You asked:"), "answer printed twice")
}

func TestAsk_ChartFromDeals(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioChart)

	out, err := f.run("", "ask", "--output", "json",
		"--deal", "proposal:open:100", "--deal", "proposal:open:50", "--deal", "won:closed",
		"Show my pipeline")
	require.NoError(t, err)

	var got answerJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.OK)
	require.NotNil(t, got.Chart)
	assert.Equal(t, "bar", got.Chart.Type)
	assert.JSONEq(t, `{"proposal":150,"won":0}`, string(got.Chart.Data))
}

func TestAsk_AllProvidersFailed(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioAllFailed, "openai", "anthropic")

	out, err := f.run("", "ask", "Plan")
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, out, "error [ALL_PROVIDERS_FAILED]")
	assert.Contains(t, out, "OpenAI:")
	assert.Contains(t, out, "Anthropic:")
}

func TestAsk_SoftFailureSuggestsSwitch(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioSoftFailure, "anthropic", "openai")

	out, err := f.run("", "ask", "Summarize")
	require.NoError(t, err)
	assert.Contains(t, out, "credit balance is too low")
	assert.Contains(t, out, "hint: ")
}

func TestAsk_PlanOncePerDay(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioPlanMyDay)

	out, err := f.run("", "ask", "--plan")
	require.NoError(t, err)
	assert.Contains(t, out, "[structured: plan_my_day]")

	out, err = f.run("", "ask", "--plan")
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, out, "error [QUOTA_EXCEEDED]")
}

func TestAsk_MissingTokenIsRejectedByServer(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)
	t.Setenv(tokenEnv, "")

	out, err := f.run("", "ask", "hello")
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, out, "error [AUTH_EXPIRED]")
}

func TestAsk_NeedsQuestion(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)
	_, err := f.run("", "ask")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errReported)
}

func TestAsk_BlocksSensitiveQuestion(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)

	out, err := f.run("", "ask", "why is AKIA1234567890123456 rejected?")
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, out, "Not sent")
	assert.Contains(t, out, "AWS access key ID")
	assert.NotContains(t, out, "AKIA1234567890123456")
	assert.NotContains(t, out, "You asked:")

	out, err = f.run("", "ask", "--allow-sensitive", "why is AKIA1234567890123456 rejected?")
	require.NoError(t, err)
	assert.Contains(t, out, "You asked:")
}

func TestParseDeal(t *testing.T) {
	d, err := parseDeal("proposal:open:1200.5")
	require.NoError(t, err)
	assert.Equal(t, "proposal", d.Stage)
	assert.Equal(t, "open", d.Status)
	assert.InDelta(t, 1200.5, d.Value, 0.001)

	d, err = parseDeal("won:closed")
	require.NoError(t, err)
	assert.Zero(t, d.Value)

	for _, bad := range []string{"proposal", ":open:1", "a:b:c", "a:b:-1", "a:b:1:2"} {
		_, err := parseDeal(bad)
		assert.Error(t, err, bad)
	}
}

// =============================================================================
// chat
// =============================================================================

func TestChat_SlashCommands(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)

	out, err := f.run("first question\n/retry\n/history\n/bogus\n/quit\nnever sent\n", "chat")
	require.NoError(t, err)

	assert.Contains(t, out, `You asked: "first question".`)
	assert.Contains(t, out, "Unknown command /bogus")
	assert.NotContains(t, out, "never sent")
	// Retry resends without a second user message.
	assert.Equal(t, 1, strings.Count(out, "you: first question"))
}

func TestChat_EOFEnds(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)
	_, err := f.run("", "chat")
	require.NoError(t, err)
}

// =============================================================================
// token
// =============================================================================

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	prev := openKeyring
	openKeyring = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openKeyring = prev })
}

func TestToken_SetStatusClear(t *testing.T) {
	useArrayKeyring(t)
	f := newFixture(t, stubserver.ScenarioStream)
	cfg, err := config.LoadFile(f.cfgPath)
	require.NoError(t, err)
	cfg.Secrets.UseEnv = false
	require.NoError(t, config.Save(f.cfgPath, cfg))

	_, err = f.run("", "token", "status")
	require.ErrorIs(t, err, errReported)

	out, err := f.run("  secret-token \n", "token", "set", "--stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "Session token saved.")

	store, err := openCredentials()
	require.NoError(t, err)
	token, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)

	out, err = f.run("", "token", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "stored in the system keyring")

	// The stored token authenticates queries.
	out, err = f.run("", "ask", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, `You asked: "hello".`)

	_, err = f.run("", "token", "clear", "--yes")
	require.NoError(t, err)
	token, err = store.Token()
	require.NoError(t, err)
	assert.Empty(t, token)

	// Clearing twice is fine.
	_, err = f.run("", "token", "clear", "--yes")
	require.NoError(t, err)
}

func TestToken_SetRejectsEmpty(t *testing.T) {
	useArrayKeyring(t)
	f := newFixture(t, stubserver.ScenarioStream)
	_, err := f.run("\n", "token", "set", "--stdin")
	require.Error(t, err)
}

// =============================================================================
// providers / config
// =============================================================================

func TestProviders_ListAndPrimary(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream, "openai", "anthropic", "google")

	out, err := f.run("", "providers")
	require.NoError(t, err)
	assert.Contains(t, out, "1. OpenAI (openai) primary")
	assert.Contains(t, out, "3. Google Gemini (google)")

	_, err = f.run("", "providers", "primary", "anthropic")
	require.NoError(t, err)

	cfg, err := config.LoadFile(f.cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Providers.Primary)

	out, err = f.run("", "providers", "--output", "json")
	require.NoError(t, err)
	var rows []providerJSON
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "anthropic", rows[0].ID)
	assert.Equal(t, "CLOSED", rows[0].Breaker)

	_, err = f.run("", "providers", "primary", "mistral")
	require.Error(t, err)
}

func TestConfig_PathAndShow(t *testing.T) {
	f := newFixture(t, stubserver.ScenarioStream)

	out, err := f.run("", "config", "path")
	require.NoError(t, err)
	assert.Equal(t, f.cfgPath, strings.TrimSpace(out))

	out, err = f.run("", "--org", "acme", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "organization: acme")

	// --org does not leak into the file.
	data, err := os.ReadFile(f.cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "acme")
}

func TestHostPort(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8787":      "localhost:8787",
		"https://api.stageflow.io":   "api.stageflow.io:443",
		"http://stageflow.internal/": "stageflow.internal:80",
	}
	for in, want := range tests {
		assert.Equal(t, want, hostPort(in), in)
	}
}
