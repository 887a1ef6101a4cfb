// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/transport"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeSender returns a fixed outcome or error. When body is set a
// StreamStarted wrapping it is returned.
type fakeSender struct {
	mu      sync.Mutex
	outcome transport.Outcome
	err     error
	body    io.ReadCloser
	calls   int
	lastReq transport.Request
}

func (f *fakeSender) Send(ctx context.Context, req transport.Request) (transport.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.body != nil {
		return transport.StreamStarted{Body: f.body, Status: 200, RequestID: "req-1"}, nil
	}
	return f.outcome, nil
}

// createSSEStream joins records into one body.
func createSSEStream(records ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(records, "")))
}

func newSpec(store *conversation.Store) AttemptSpec {
	return AttemptSpec{
		Request: transport.Request{Message: "Plan my day", Provider: "openai"},
		Store:   store,
		Guard:   NewGuard(),
	}
}

func newRunner(s Sender, idle time.Duration) *Runner {
	return NewRunner(RunnerConfig{Sender: s, IdleTimeout: idle, RenderInterval: time.Millisecond})
}

// =============================================================================
// Success
// =============================================================================

func TestAttempt_StreamSuccess(t *testing.T) {
	body := createSSEStream(
		"data: {\"content\":\"Here is \",\"provider\":\"anthropic\"}\n\n",
		"data: not-json\n\n",
		"event: chart\ndata: {\"chartData\":[1,2],\"chartType\":\"bar\",\"chartTitle\":\"Stages\"}\n\n",
		"data: {\"content\":\"your plan.\"}\n\n",
		"event: structured\ndata: {\"response_type\":\"plan_my_day\",\"sections\":[]}\n\n",
	)
	store := conversation.NewStore(nil)
	var renders []string
	spec := newSpec(store)
	spec.OnRender = func(_ string, content string) { renders = append(renders, content) }

	res := newRunner(&fakeSender{body: body}, time.Second).Attempt(context.Background(), spec)

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.True(t, res.Rendered)
	assert.Equal(t, "Here is your plan.", res.Message.Content)
	assert.Equal(t, "anthropic", res.Message.Provider)
	assert.False(t, res.Message.Streaming)
	require.NotNil(t, res.Message.Chart)
	assert.Equal(t, "Stages", res.Message.Chart.Title)
	assert.Equal(t, "plan_my_day", res.Message.ResponseType())

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, res.Message.ID, msgs[0].ID)
	assert.Equal(t, "Here is your plan.", msgs[0].Content)

	require.NotEmpty(t, renders)
	assert.Equal(t, "Here is your plan.", renders[len(renders)-1], "final flush delivers complete content")
}

func TestAttempt_ProviderDefaultsToRequest(t *testing.T) {
	res := newRunner(&fakeSender{body: createSSEStream("data: {\"content\":\"ok\"}\n\ndata: [DONE]\n\ndata: {\"content\":\"ignored\"}\n\n")}, time.Second).
		Attempt(context.Background(), newSpec(conversation.NewStore(nil)))
	require.True(t, res.OK())
	assert.Equal(t, "openai", res.Message.Provider)
	assert.Equal(t, "ok", res.Message.Content, "[DONE] ends the stream")
}

func TestAttempt_JSONUnexpectedWithContent(t *testing.T) {
	s := &fakeSender{outcome: transport.JSONUnexpected{Status: 200, Raw: []byte(`{"ok":true,"response":"fine"}`)}}
	res := newRunner(s, time.Second).Attempt(context.Background(), newSpec(conversation.NewStore(nil)))
	require.True(t, res.OK())
	assert.Equal(t, "fine", res.Message.Content)
}

// =============================================================================
// Failures
// =============================================================================

func TestAttempt_Failures(t *testing.T) {
	tests := []struct {
		name   string
		sender *fakeSender
		want   aierr.Code
	}{
		{
			name:   "json error outcome",
			sender: &fakeSender{outcome: transport.JSONError{Record: aierr.New(aierr.CodeRateLimited)}},
			want:   aierr.CodeRateLimited,
		},
		{
			name:   "json unexpected without content",
			sender: &fakeSender{outcome: transport.JSONUnexpected{Status: 200, Raw: []byte(`{"ok":true}`)}},
			want:   aierr.CodeUnknown,
		},
		{
			name:   "send error",
			sender: &fakeSender{err: io.ErrUnexpectedEOF},
			want:   aierr.CodeNetworkError,
		},
		{
			name:   "in-stream error frame",
			sender: &fakeSender{body: createSSEStream("data: {\"content\":\"par\"}\n\n", "data: {\"error\":\"Rate limit reached\",\"code\":\"RATE_LIMITED\"}\n\n")},
			want:   aierr.CodeRateLimited,
		},
		{
			name:   "empty stream",
			sender: &fakeSender{body: createSSEStream(": ping\n\n")},
			want:   aierr.CodeUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := conversation.NewStore(nil)
			res := newRunner(tt.sender, time.Second).Attempt(context.Background(), newSpec(store))
			require.False(t, res.OK())
			assert.Equal(t, tt.want, res.Err.Code)
			assert.Zero(t, store.Len(), "placeholder must be removed on failure")
		})
	}
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
func (e errReader) Close() error             { return nil }

func TestAttempt_ReadErrorIsNetwork(t *testing.T) {
	res := newRunner(&fakeSender{body: errReader{io.ErrUnexpectedEOF}}, time.Second).
		Attempt(context.Background(), newSpec(conversation.NewStore(nil)))
	require.False(t, res.OK())
	assert.Equal(t, aierr.CodeNetworkError, res.Err.Code)
}

// =============================================================================
// Timeout and cancellation
// =============================================================================

func TestAttempt_IdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"partial\"}\n\n"))
		// then stall
	}()

	store := conversation.NewStore(nil)
	start := time.Now()
	res := newRunner(&fakeSender{body: pr}, 60*time.Millisecond).Attempt(context.Background(), newSpec(store))

	require.False(t, res.OK())
	assert.Equal(t, aierr.CodeTimeout, res.Err.Code)
	assert.True(t, res.Err.Retryable)
	assert.False(t, res.Err.Silent)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, store.Len())

	_, err := pw.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe, "reader must be cancelled")
}

func TestAttempt_FailureLogsRenderStaleness(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"partial\"}\n\n"))
	}()

	var logs bytes.Buffer
	r := NewRunner(RunnerConfig{
		Sender:         &fakeSender{body: pr},
		IdleTimeout:    80 * time.Millisecond,
		RenderInterval: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(&logs, nil)),
	})
	res := r.Attempt(context.Background(), newSpec(conversation.NewStore(nil)))

	require.False(t, res.OK())
	assert.Equal(t, aierr.CodeTimeout, res.Err.Code)
	require.True(t, res.Rendered)
	assert.Contains(t, logs.String(), "since_last_render=")
}

func TestAttempt_IdleTimeoutBeforeHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := transport.New(transport.Config{Endpoint: srv.URL})
	require.NoError(t, err)

	store := conversation.NewStore(nil)
	spec := newSpec(store)
	start := time.Now()
	res := newRunner(client, 100*time.Millisecond).Attempt(context.Background(), spec)

	require.False(t, res.OK())
	assert.Equal(t, aierr.CodeTimeout, res.Err.Code)
	assert.False(t, res.Err.Silent)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, store.Len(), "placeholder must be removed")
}

func TestAttempt_CancelMidStreamIsSilent(t *testing.T) {
	pr, pw := io.Pipe()
	store := conversation.NewStore(nil)
	spec := newSpec(store)
	rendered := make(chan struct{}, 1)
	spec.OnRender = func(string, string) {
		select {
		case rendered <- struct{}{}:
		default:
		}
	}

	go func() {
		_, _ = pw.Write([]byte("data: {\"content\":\"thinking\"}\n\n"))
		<-rendered
		spec.Guard.Abort(aierr.ErrCancelled)
	}()

	res := newRunner(&fakeSender{body: pr}, 5*time.Second).Attempt(context.Background(), spec)
	require.False(t, res.OK())
	assert.Equal(t, aierr.CodeAborted, res.Err.Code)
	assert.True(t, res.Err.Silent)
	assert.True(t, res.Rendered)
	assert.Zero(t, store.Len(), "placeholder removed on abort")
}

func TestAttempt_ParentContextCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(aierr.ErrSuperseded)
	res := newRunner(&fakeSender{err: context.Canceled}, time.Second).Attempt(ctx, newSpec(conversation.NewStore(nil)))
	require.False(t, res.OK())
	assert.Equal(t, aierr.CodeAborted, res.Err.Code)
}

func TestAttempt_NewAttemptSupersedesPrevious(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	guard := NewGuard()
	store := conversation.NewStore(nil)

	first := make(chan Result, 1)
	go func() {
		spec := newSpec(store)
		spec.Guard = guard
		first <- newRunner(&fakeSender{body: pr}, 5*time.Second).Attempt(context.Background(), spec)
	}()
	_, _ = pw.Write([]byte("data: {\"content\":\"a\"}\n\n"))

	spec := newSpec(store)
	spec.Guard = guard
	second := newRunner(&fakeSender{body: createSSEStream("data: {\"content\":\"b\"}\n\n")}, time.Second).
		Attempt(context.Background(), spec)

	r1 := <-first
	require.False(t, r1.OK())
	assert.Equal(t, aierr.CodeAborted, r1.Err.Code)
	require.True(t, second.OK())

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].Content)
}

func TestStreamSession_SetBodyAfterAbortCloses(t *testing.T) {
	sess := newStreamSession(context.Background())
	sess.Abort(aierr.ErrCancelled)
	closed := false
	ok := sess.setBody(closeRecorder{onClose: func() { closed = true }})
	assert.False(t, ok)
	assert.True(t, closed)
	assert.True(t, errors.Is(context.Cause(sess.ctx), aierr.ErrCancelled))
}

type closeRecorder struct{ onClose func() }

func (closeRecorder) Read([]byte) (int, error) { return 0, io.EOF }
func (c closeRecorder) Close() error           { c.onClose(); return nil }
