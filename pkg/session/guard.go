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
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

// =============================================================================
// Guard
// =============================================================================

// Guard enforces at most one in-flight AI query per conversation.
//
// # Description
//
// Begin is a non-blocking check-and-set: the first caller wins and every
// concurrent caller gets false with no side effects. End always releases
// and must be deferred immediately after a successful Begin.
//
// Independently of the query lock, the guard tracks the abort func of the
// StreamSession currently reading the network. Attaching a new session
// aborts the previous one with aierr.ErrSuperseded first, so even retries
// inside one query never read two streams at once.
//
// # Examples
//
//	if !guard.Begin() {
//	    return // already streaming
//	}
//	defer guard.End()
//
// # Thread Safety
//
// Safe for concurrent use.
type Guard struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	done    chan struct{}
	cancel  context.CancelCauseFunc
	abort   func(error)
	attachN uint64
}

// NewGuard returns an idle guard.
func NewGuard() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Begin claims the guard. It returns false, changing nothing, when a
// query is already active.
func (g *Guard) Begin() bool {
	return g.BeginBound(nil)
}

// BeginBound claims the guard and binds cancel, the query context's cancel
// func, in one step. Abort then also stops work between stream sessions
// (backoff waits, fallback selection), starting right after the claim.
func (g *Guard) BeginBound(cancel context.CancelCauseFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.done = make(chan struct{})
	g.cancel = cancel
	return true
}

// End releases the guard. Calling End on an idle guard is a no-op.
func (g *Guard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done == nil {
		return
	}
	close(g.done)
	g.done = nil
	g.cancel = nil
	g.abort = nil
	g.sem.Release(1)
}

// Active reports whether a query holds the guard.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done != nil
}

// Wait blocks until the active query ends or ctx is done. It returns
// immediately when the guard is idle.
func (g *Guard) Wait(ctx context.Context) error {
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Attach registers the abort func of a newly started stream session,
// aborting any previous one with aierr.ErrSuperseded. The returned detach
// func unregisters it if it is still current.
func (g *Guard) Attach(abort func(error)) (detach func()) {
	g.mu.Lock()
	prev := g.abort
	g.attachN++
	id := g.attachN
	g.abort = abort
	g.mu.Unlock()

	if prev != nil {
		prev(aierr.ErrSuperseded)
	}
	return func() {
		g.mu.Lock()
		if g.attachN == id {
			g.abort = nil
		}
		g.mu.Unlock()
	}
}

// Abort cancels the attached stream session and the bound query context
// with cause. It reports whether anything was cancelled.
func (g *Guard) Abort(cause error) bool {
	g.mu.Lock()
	abort, cancel := g.abort, g.cancel
	g.mu.Unlock()
	if abort != nil {
		abort(cause)
	}
	if cancel != nil {
		cancel(cause)
	}
	return abort != nil || cancel != nil
}

// =============================================================================
// Registry
// =============================================================================

// Registry hands out one Guard per conversation ID.
type Registry struct {
	mu     sync.Mutex
	guards map[string]*Guard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{guards: make(map[string]*Guard)}
}

// For returns the guard for conversationID, creating it on first use.
func (r *Registry) For(conversationID string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[conversationID]
	if !ok {
		g = NewGuard()
		r.guards[conversationID] = g
	}
	return g
}

// Forget drops an idle conversation's guard. Active guards are kept.
func (r *Registry) Forget(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[conversationID]; ok && !g.Active() {
		delete(r.guards, conversationID)
	}
}
