// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aiquery is the entry point for AI turns in a conversation.
//
// # Description
//
// Engine ties the pieces together for one turn:
//
//	readiness check → single-flight guard → user message
//	  → provider fallback over stream attempts → committed answer
//
// Every outcome is returned as data in Result. Intentional aborts come
// back as a Silent ABORTED record that callers must not display.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Turns in different conversations run
// independently; turns in the same conversation are single-flight.
package aiquery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/fallback"
	"github.com/stageflow/stageflow-ai/pkg/readiness"
	"github.com/stageflow/stageflow-ai/pkg/session"
	"github.com/stageflow/stageflow-ai/pkg/transport"
)

// Query is what the user asked plus the context sent with it.
type Query struct {
	Message string
	Deals   []transport.Deal
	Signals []transport.Signal

	// DailyAction marks once-per-day actions such as "plan_my_day".
	DailyAction string
}

// AskOptions tune one call.
type AskOptions struct {
	// Variant is the readiness state reported by the app shell.
	Variant readiness.Variant

	// Supersede aborts an in-flight turn and waits for it to unwind
	// instead of rejecting the new one.
	Supersede bool
}

// Result is the outcome of Ask or Retry.
type Result struct {
	// Message is the committed assistant message when Err is nil.
	Message conversation.Message

	// Err is the classified failure. Err.Silent records must not be shown.
	Err *aierr.ErrorRecord

	// Suggestion is set next to a soft-failed answer when another
	// provider is available.
	Suggestion *fallback.Suggestion

	// Provider that produced Message, or the last one tried.
	Provider string

	// Rejected is true when the call changed nothing: a turn was already
	// in flight, the message was blank, or there was nothing to retry.
	Rejected bool
}

// OK reports a committed answer.
func (r Result) OK() bool { return !r.Rejected && r.Err == nil }

// Config configures an Engine.
type Config struct {
	// Sender performs requests. Required.
	Sender session.Sender

	// Orchestrator walks the provider chain. Required.
	Orchestrator *fallback.Orchestrator

	// Readiness runs pre-flight checks. Nil skips them.
	Readiness *readiness.Guard

	// OrgID selects the provider chain and scopes daily quotas.
	OrgID string

	IdleTimeout    time.Duration
	RenderInterval time.Duration

	// OnUpdate is called with a snapshot after every conversation change.
	// It runs under the conversation lock and must not call back into the
	// Engine.
	OnUpdate func(conversationID string, msgs []conversation.Message)

	Logger *slog.Logger
}

// ErrMissingDependency is returned by New when a required field is nil.
var ErrMissingDependency = errors.New("aiquery: missing dependency")

// Engine runs AI turns. Create with New.
type Engine struct {
	runner   *session.Runner
	orch     *fallback.Orchestrator
	ready    *readiness.Guard
	guards   *session.Registry
	onUpdate func(string, []conversation.Message)
	logger   *slog.Logger

	mu    sync.RWMutex
	orgID string
	convs map[string]*thread
}

// thread is the per-conversation state.
type thread struct {
	store *conversation.Store

	mu   sync.Mutex
	last *turn
}

// turn remembers the most recent query so Retry can resend it verbatim.
type turn struct {
	query     Query
	request   transport.Request
	userMsgID string
}

// New builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Sender == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("sender is nil"))
	}
	if cfg.Orchestrator == nil {
		return nil, errors.Join(ErrMissingDependency, errors.New("orchestrator is nil"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner: session.NewRunner(session.RunnerConfig{
			Sender:         cfg.Sender,
			IdleTimeout:    cfg.IdleTimeout,
			RenderInterval: cfg.RenderInterval,
			Logger:         logger,
		}),
		orch:     cfg.Orchestrator,
		ready:    cfg.Readiness,
		guards:   session.NewRegistry(),
		onUpdate: cfg.OnUpdate,
		logger:   logger,
		orgID:    cfg.OrgID,
		convs:    make(map[string]*thread),
	}, nil
}

// Conversation returns the store of conversationID, creating it if needed.
func (e *Engine) Conversation(conversationID string) *conversation.Store {
	return e.thread(conversationID).store
}

// SetOrganization switches the active organization and drops the cached
// provider chain of the previous one.
func (e *Engine) SetOrganization(orgID string) {
	e.mu.Lock()
	prev := e.orgID
	e.orgID = orgID
	e.mu.Unlock()
	if prev != orgID {
		e.orch.InvalidateChain(prev)
		e.logger.Info("organization changed", "from", prev, "to", orgID)
	}
}

func (e *Engine) org() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orgID
}

func (e *Engine) thread(id string) *thread {
	e.mu.RLock()
	t, ok := e.convs[id]
	e.mu.RUnlock()
	if ok {
		return t
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok = e.convs[id]; ok {
		return t
	}
	var listener conversation.Listener
	if e.onUpdate != nil {
		listener = func(ms []conversation.Message) { e.onUpdate(id, ms) }
	}
	t = &thread{store: conversation.NewStore(listener)}
	e.convs[id] = t
	return t
}

// Ask runs one AI turn in conversationID.
//
// # Description
//
// Readiness failures return before anything is appended. A blank message,
// or a turn already in flight without opts.Supersede, returns a Rejected
// result. Otherwise the user message is appended, the query runs through
// the provider chain, and the answer is committed.
//
// On abort the placeholder is removed; the user message is removed too
// when no answer content was ever shown. On any other failure the user
// message stays so Retry can resend it.
//
// # Examples
//
//	res := engine.Ask(ctx, "deal-42", aiquery.Query{Message: "Plan my day"}, aiquery.AskOptions{})
//	switch {
//	case res.OK():
//	    render(res.Message)
//	case res.Err != nil && !res.Err.Silent:
//	    notify(res.Err)
//	}
func (e *Engine) Ask(ctx context.Context, conversationID string, q Query, opts AskOptions) Result {
	if strings.TrimSpace(q.Message) == "" {
		return Result{Rejected: true}
	}
	check := readiness.Check{Variant: opts.Variant, OrgID: e.org(), DailyAction: q.DailyAction}
	if rec := e.preflight(ctx, check); rec != nil {
		return Result{Err: rec}
	}
	res := e.ask(ctx, conversationID, q, opts, check)
	e.settle(ctx, check, res)
	return res
}

func (e *Engine) ask(ctx context.Context, conversationID string, q Query, opts AskOptions, check readiness.Check) Result {
	t := e.thread(conversationID)
	g := e.guards.For(conversationID)
	qctx, cancel, res, ok := e.claim(ctx, g, opts)
	if !ok {
		return res
	}
	defer cancel(nil)
	defer g.End()

	req := transport.NewRequest(q.Message, t.store.Messages(), q.Deals, q.Signals)
	if err := req.Validate(); err != nil {
		rec := aierr.New(aierr.CodeUnknown)
		rec.Message = "This question can't be sent. Shorten it and try again."
		rec.Retryable = false
		rec.Action = nil
		rec.Detail = err.Error()
		return Result{Err: &rec}
	}

	user := conversation.NewMessage(conversation.RoleUser, q.Message)
	t.store.Update(conversation.Append(user))
	last := &turn{query: q, request: req, userMsgID: user.ID}
	t.mu.Lock()
	t.last = last
	t.mu.Unlock()

	return e.execute(qctx, conversationID, t, g, last, check)
}

// Retry resends the last query of conversationID exactly, without
// appending a second user message. The user message is restored if an
// earlier abort removed it.
func (e *Engine) Retry(ctx context.Context, conversationID string, opts AskOptions) Result {
	t := e.thread(conversationID)
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	if last == nil {
		return Result{Rejected: true}
	}

	check := readiness.Check{Variant: opts.Variant, OrgID: e.org(), DailyAction: last.query.DailyAction}
	if rec := e.preflight(ctx, check); rec != nil {
		return Result{Err: rec}
	}
	res := e.retry(ctx, conversationID, t, last, opts, check)
	e.settle(ctx, check, res)
	return res
}

func (e *Engine) retry(ctx context.Context, conversationID string, t *thread, last *turn, opts AskOptions, check readiness.Check) Result {
	g := e.guards.For(conversationID)
	qctx, cancel, res, ok := e.claim(ctx, g, opts)
	if !ok {
		return res
	}
	defer cancel(nil)
	defer g.End()

	if _, ok := t.store.Get(last.userMsgID); !ok {
		user := conversation.NewMessage(conversation.RoleUser, last.query.Message)
		user.ID = last.userMsgID
		t.store.Update(conversation.Append(user))
	}
	return e.execute(qctx, conversationID, t, g, last, check)
}

// Cancel aborts the in-flight turn of conversationID. The turn returns a
// Silent ABORTED result. Cancel reports whether anything was running.
func (e *Engine) Cancel(conversationID string) bool {
	return e.guards.For(conversationID).Abort(aierr.ErrCancelled)
}

// Busy reports whether conversationID has a turn in flight.
func (e *Engine) Busy(conversationID string) bool {
	return e.guards.For(conversationID).Active()
}

func (e *Engine) preflight(ctx context.Context, check readiness.Check) *aierr.ErrorRecord {
	if e.ready == nil {
		return nil
	}
	rec := e.ready.Check(ctx, check)
	if rec != nil {
		e.logger.Info("ai query blocked before send", "code", rec.Code, "variant", check.Variant)
		recordBlocked(ctx, rec.Code)
	}
	return rec
}

// claim takes the conversation guard, superseding the active turn when
// asked to. The returned context is bound to the guard from the moment it
// is claimed, so Cancel always reaches it. ok is false when the caller must
// return res.
func (e *Engine) claim(ctx context.Context, g *session.Guard, opts AskOptions) (qctx context.Context, cancel context.CancelCauseFunc, res Result, ok bool) {
	qctx, cancel = context.WithCancelCause(ctx)
	if g.BeginBound(cancel) {
		return qctx, cancel, Result{}, true
	}
	if !opts.Supersede {
		cancel(nil)
		return nil, nil, Result{Rejected: true}, false
	}
	g.Abort(aierr.ErrSuperseded)
	if err := g.Wait(ctx); err != nil {
		cancel(nil)
		rec := aierr.Classify(aierr.Exception{Err: err})
		return nil, nil, Result{Err: &rec}, false
	}
	if !g.BeginBound(cancel) {
		// Another caller claimed the guard first.
		cancel(nil)
		return nil, nil, Result{Rejected: true}, false
	}
	return qctx, cancel, Result{}, true
}

func (e *Engine) execute(ctx context.Context, conversationID string, t *thread, g *session.Guard, last *turn, check readiness.Check) Result {
	ctx, span := startTurnSpan(ctx, conversationID)
	defer span.End()
	start := time.Now()

	log := e.logger.With("conversation_id", conversationID)
	var rendered atomic.Bool

	out := e.orch.Run(ctx, fallback.Plan{
		OrgID: check.OrgID,
		Attempt: func(actx context.Context, provider string) session.Result {
			req := last.request
			req.Provider = provider
			res := e.runner.Attempt(actx, session.AttemptSpec{
				Request: req,
				Store:   t.store,
				Guard:   g,
			})
			if res.Rendered {
				rendered.Store(true)
			}
			return res
		},
	})

	res := Result{Provider: out.Provider, Suggestion: out.Suggestion}
	defer func() { recordTurn(ctx, span, start, res, out.Attempts) }()

	if !out.Result.OK() {
		rec := *out.Result.Err
		res.Err = &rec
		if rec.IsAbort() && !rendered.Load() {
			t.store.Update(conversation.Remove(last.userMsgID))
		}
		if !rec.Silent {
			log.Warn("ai turn failed", "code", rec.Code, "provider", out.Provider, "attempts", out.Attempts)
		}
		return res
	}

	msg := out.Result.Message
	if msg.IsProviderError {
		t.store.Update(conversation.Patch(msg.ID, func(m conversation.Message) conversation.Message {
			m.IsProviderError = true
			return m
		}))
	}
	res.Message = msg
	log.Info("ai turn completed",
		"provider", out.Provider,
		"attempts", out.Attempts,
		"response_type", msg.ResponseType(),
		"provider_error", msg.IsProviderError,
	)
	return res
}

// settle commits the daily action reserved by preflight after a
// successful turn, and hands it back otherwise.
func (e *Engine) settle(ctx context.Context, check readiness.Check, res Result) {
	if e.ready == nil || check.DailyAction == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if res.OK() {
		if err := e.ready.MarkConsumed(ctx, check); err != nil {
			e.logger.Warn("failed to record daily action", "action", check.DailyAction, "error", err)
		}
		return
	}
	if err := e.ready.Release(ctx, check); err != nil {
		e.logger.Warn("failed to release daily action", "action", check.DailyAction, "error", err)
	}
}
