// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session runs a single AI query attempt end to end: placeholder
// message, request, stream consumption, throttled rendering, timeout and
// cancellation, and the final commit or rollback of conversation state.
//
// The attempt's outcome is a Result: either a completed Message or an
// aierr.ErrorRecord. Nothing is panicked or returned as a Go error past
// this boundary.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/sse"
	"github.com/stageflow/stageflow-ai/pkg/transport"
)

// DefaultIdleTimeout is how long a stream may go without bytes before the
// attempt fails with TIMEOUT.
const DefaultIdleTimeout = 45 * time.Second

const readBufferSize = 16 * 1024

// Sender is the transport seen by the runner.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (transport.Outcome, error)
}

// Result is Ok(Message) when Err is nil, Err(ErrorRecord) otherwise.
type Result struct {
	Message conversation.Message
	Err     *aierr.ErrorRecord

	// Rendered reports that at least one non-empty content update reached
	// the conversation before the attempt ended.
	Rendered bool
}

// OK reports success.
func (r Result) OK() bool { return r.Err == nil }

// Fail wraps a record as a failed Result.
func Fail(rec aierr.ErrorRecord) Result { return Result{Err: &rec} }

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Sender         Sender
	IdleTimeout    time.Duration
	RenderInterval time.Duration
	Logger         *slog.Logger
}

// Runner executes attempts. Safe for concurrent use across conversations;
// per-conversation exclusivity is the Guard's job.
type Runner struct {
	sender         Sender
	idleTimeout    time.Duration
	renderInterval time.Duration
	logger         *slog.Logger
}

// NewRunner applies defaults to cfg.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		sender:         cfg.Sender,
		idleTimeout:    cfg.IdleTimeout,
		renderInterval: cfg.RenderInterval,
		logger:         cfg.Logger,
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = DefaultIdleTimeout
	}
	if r.renderInterval <= 0 {
		r.renderInterval = DefaultRenderInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// AttemptSpec is the input of one attempt.
type AttemptSpec struct {
	Request transport.Request
	Store   *conversation.Store
	Guard   *Guard

	// OnRender, if set, is called after each throttled content update.
	OnRender func(messageID, content string)
}

// =============================================================================
// StreamSession
// =============================================================================

// StreamSession is the per-attempt state. It is created at attempt start
// and discarded at completion, abort or error; it is never reused.
type StreamSession struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	body   io.ReadCloser
	closed bool

	timedOut atomic.Bool
	rendered atomic.Bool

	// lastFlush is the UnixNano time of the last render; zero before any.
	lastFlush atomic.Int64

	parser     sse.State
	content    strings.Builder
	provider   string
	chart      *conversation.Chart
	structured json.RawMessage
	frames     int
}

func newStreamSession(parent context.Context) *StreamSession {
	ctx, cancel := context.WithCancelCause(parent)
	s := &StreamSession{ctx: ctx, cancel: cancel}
	// Closing the body unblocks a Read parked on a slow stream.
	context.AfterFunc(ctx, s.closeBody)
	return s
}

// Abort cancels the session with cause and releases its network stream.
func (s *StreamSession) Abort(cause error) {
	s.cancel(cause)
}

// sinceLastFlush reports how long the rendered content has been stale.
// Zero when nothing was rendered.
func (s *StreamSession) sinceLastFlush() time.Duration {
	n := s.lastFlush.Load()
	if n == 0 {
		return 0
	}
	return time.Since(time.Unix(0, n))
}

func (s *StreamSession) setBody(body io.ReadCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		s.closed = true
		_ = body.Close()
		return false
	}
	s.body = body
	return true
}

func (s *StreamSession) closeBody() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.body != nil {
		_ = s.body.Close()
	}
}

// =============================================================================
// Attempt
// =============================================================================

// Attempt runs one request against the transport.
//
// # Description
//
// Appends a streaming placeholder, sends the request, and consumes the
// response. Content updates are patched into the placeholder through a
// Throttler. On success the placeholder is replaced by the final message
// (content, provider, chart, structured payload). On failure or abort the
// placeholder is removed and pending render ticks are discarded.
//
// The idle timer is armed before the request is sent, so a server that
// never answers with headers times out too. It is reset when headers
// arrive and on every chunk. When it fires it sets the
// session's timed-out flag before cancelling, and the read loop checks the
// flag first after every Read, so a timeout is never misreported as an
// abort.
//
// # Inputs
//
//   - ctx: Query context. Cancelling it with aierr.ErrCancelled or
//     aierr.ErrSuperseded aborts silently.
//   - spec: Request, conversation store and guard.
//
// # Outputs
//
//   - Result: Ok(Message) or Err(ErrorRecord). ABORTED records are Silent.
func (r *Runner) Attempt(ctx context.Context, spec AttemptSpec) Result {
	start := time.Now()
	ctx, span := startAttemptSpan(ctx, spec.Request.Provider)
	defer span.End()

	sess := newStreamSession(ctx)
	defer sess.cancel(nil)
	if spec.Guard != nil {
		detach := spec.Guard.Attach(sess.Abort)
		defer detach()
	}

	placeholder := conversation.NewPlaceholder()
	spec.Store.Update(conversation.Append(placeholder))

	throttle := NewThrottler(r.renderInterval, func(content string) {
		if content != "" {
			sess.rendered.Store(true)
		}
		spec.Store.Update(conversation.SetContent(placeholder.ID, content))
		sess.lastFlush.Store(time.Now().UnixNano())
		if spec.OnRender != nil {
			spec.OnRender(placeholder.ID, content)
		}
	})

	res := r.run(sess, spec, throttle)
	if res.OK() {
		throttle.Flush()
		final := placeholder
		final.Content = res.Message.Content
		final.Streaming = false
		final.Provider = res.Message.Provider
		final.Chart = res.Message.Chart
		final.Structured = res.Message.Structured
		spec.Store.Update(conversation.Replace(placeholder.ID, final))
		res.Message = final
	} else {
		throttle.Stop()
		spec.Store.Update(conversation.Remove(placeholder.ID))
		r.logFailure(spec, sess, *res.Err)
	}
	res.Rendered = sess.rendered.Load()

	recordAttempt(ctx, span, start, res, sess.frames)
	return res
}

func (r *Runner) logFailure(spec AttemptSpec, sess *StreamSession, rec aierr.ErrorRecord) {
	if rec.Silent {
		r.logger.Debug("ai attempt aborted", "provider", spec.Request.Provider, "detail", rec.Detail)
		return
	}
	attrs := []any{
		"provider", spec.Request.Provider,
		"code", rec.Code,
		"retryable", rec.Retryable,
		"detail", rec.Detail,
	}
	if sess.rendered.Load() {
		attrs = append(attrs, "since_last_render", sess.sinceLastFlush().Round(time.Millisecond))
	}
	r.logger.Warn("ai attempt failed", attrs...)
}

func (r *Runner) run(sess *StreamSession, spec AttemptSpec, throttle *Throttler) Result {
	idle := time.AfterFunc(r.idleTimeout, func() {
		sess.timedOut.Store(true)
		sess.cancel(aierr.ErrTimeout)
	})
	defer idle.Stop()

	out, err := r.sender.Send(sess.ctx, spec.Request)
	if sess.timedOut.Load() {
		if o, ok := out.(transport.StreamStarted); ok {
			_ = o.Body.Close()
		}
		return Fail(aierr.Classify(aierr.Exception{Err: aierr.ErrTimeout}))
	}
	if err != nil {
		return Fail(r.classifyException(sess, err))
	}

	switch o := out.(type) {
	case transport.JSONError:
		return Fail(o.Record)
	case transport.JSONUnexpected:
		return r.fromJSON(spec, o)
	case transport.StreamStarted:
		if !sess.setBody(o.Body) {
			return Fail(r.classifyException(sess, context.Cause(sess.ctx)))
		}
		idle.Reset(r.idleTimeout)
		return r.consume(sess, spec, o, throttle, idle)
	}
	return Fail(aierr.New(aierr.CodeUnknown))
}

// fromJSON accepts a non-streamed answer ({"content"} or {"response"});
// anything else is UNKNOWN.
func (r *Runner) fromJSON(spec AttemptSpec, o transport.JSONUnexpected) Result {
	var body struct {
		Content    string          `json:"content"`
		Response   string          `json:"response"`
		Provider   string          `json:"provider"`
		Structured json.RawMessage `json:"structured"`
	}
	if err := json.Unmarshal(o.Raw, &body); err == nil {
		text := body.Content
		if text == "" {
			text = body.Response
		}
		if text != "" || len(body.Structured) > 0 {
			provider := body.Provider
			if provider == "" {
				provider = spec.Request.Provider
			}
			return Result{Message: conversation.Message{
				Content:    text,
				Provider:   provider,
				Structured: body.Structured,
			}}
		}
	}
	rec := aierr.New(aierr.CodeUnknown)
	rec.Status = o.Status
	rec.Detail = "unexpected json response"
	return Fail(rec)
}

func (r *Runner) consume(sess *StreamSession, spec AttemptSpec, o transport.StreamStarted, throttle *Throttler, idle *time.Timer) Result {
	log := r.logger.With("request_id", o.RequestID, "provider", spec.Request.Provider)
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := sess.body.Read(buf)

		if sess.timedOut.Load() {
			return Fail(aierr.Classify(aierr.Exception{Err: aierr.ErrTimeout}))
		}
		if sess.ctx.Err() != nil {
			return Fail(r.classifyException(sess, context.Cause(sess.ctx)))
		}
		idle.Reset(r.idleTimeout)

		var frames []sse.Frame
		if n > 0 {
			sess.parser, frames = sse.ParseChunk(sess.parser, buf[:n])
		}
		if readErr == io.EOF {
			frames = append(frames, sse.Finish(sess.parser)...)
			sess.parser = sse.State{}
		}

		done, failed := r.handleFrames(sess, frames, throttle, log)
		if failed != nil {
			return Fail(*failed)
		}
		if done || readErr == io.EOF {
			return r.complete(sess, spec)
		}
		if readErr != nil {
			return Fail(r.classifyException(sess, readErr))
		}
	}
}

// handleFrames applies frames to the session. done is set by the [DONE]
// sentinel; failed by an in-stream error frame.
func (r *Runner) handleFrames(sess *StreamSession, frames []sse.Frame, throttle *Throttler, log *slog.Logger) (done bool, failed *aierr.ErrorRecord) {
	for _, f := range frames {
		sess.frames++
		if f.Err != nil {
			log.Warn("skipping malformed stream frame", "error", f.Err)
			continue
		}
		if f.Done {
			return true, nil
		}

		switch f.Event {
		case sse.EventChart:
			var chart conversation.Chart
			if err := json.Unmarshal(f.Data, &chart); err != nil {
				log.Warn("skipping malformed chart frame", "error", err)
				continue
			}
			sess.chart = &chart
		case sse.EventStructured:
			sess.structured = append(json.RawMessage(nil), f.Data...)
		case sse.EventDefault:
			if body, ok := aierr.ParseBody(f.Data); ok && body.IsFailure() {
				rec := aierr.Classify(aierr.StreamFailure{Body: body})
				return false, &rec
			}
			var payload struct {
				Content  *string `json:"content"`
				Provider string  `json:"provider"`
			}
			if err := json.Unmarshal(f.Data, &payload); err != nil {
				// valid JSON that is not an object, e.g. a bare string
				log.Debug("ignoring non-object stream frame", "raw", f.Raw)
				continue
			}
			if payload.Provider != "" {
				sess.provider = payload.Provider
			}
			if payload.Content != nil && *payload.Content != "" {
				sess.content.WriteString(*payload.Content)
				throttle.Notify(sess.content.String())
			}
		default:
			log.Debug("ignoring unknown stream event", "event", f.Event)
		}
	}
	return false, nil
}

func (r *Runner) complete(sess *StreamSession, spec AttemptSpec) Result {
	content := sess.content.String()
	if strings.TrimSpace(content) == "" && sess.chart == nil && len(sess.structured) == 0 {
		rec := aierr.New(aierr.CodeUnknown)
		rec.Message = "The AI returned an empty response."
		rec.Detail = "stream ended without content"
		return Fail(rec)
	}
	provider := sess.provider
	if provider == "" {
		provider = spec.Request.Provider
	}
	return Result{Message: conversation.Message{
		Content:    content,
		Provider:   provider,
		Chart:      sess.chart,
		Structured: sess.structured,
	}}
}

// classifyException prefers the session's cancel cause over the error
// surfaced by the read, since a closed body reports only "use of closed
// connection".
func (r *Runner) classifyException(sess *StreamSession, err error) aierr.ErrorRecord {
	if sess.timedOut.Load() {
		return aierr.Classify(aierr.Exception{Err: aierr.ErrTimeout})
	}
	if cause := context.Cause(sess.ctx); cause != nil {
		err = cause
	}
	if err == nil {
		err = errors.New("stream ended unexpectedly")
	}
	return aierr.Classify(aierr.Exception{Err: err})
}
