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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRenderInterval is roughly two frames at 60 Hz.
const DefaultRenderInterval = 35 * time.Millisecond

// Throttler coalesces content updates to at most one sink call per
// interval, trailing: an update arriving inside the window is deferred to
// the window's end and only the latest content is delivered.
//
// The sink runs with the throttler's lock held, so deliveries are
// serialized and never reordered. It must not call back into the
// Throttler.
type Throttler struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	sink     func(string)
	latest   string
	notified bool
	dirty    bool
	timer    *time.Timer
	stopped  bool
}

// NewThrottler returns a throttler delivering to sink. A non-positive
// interval means DefaultRenderInterval.
func NewThrottler(interval time.Duration, sink func(string)) *Throttler {
	if interval <= 0 {
		interval = DefaultRenderInterval
	}
	return &Throttler{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		sink:    sink,
	}
}

// Notify records content as the latest state and delivers it now if the
// window allows, otherwise schedules one trailing delivery.
func (t *Throttler) Notify(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.latest = content
	t.notified = true
	t.dirty = true
	if t.timer != nil {
		return
	}

	delay := t.limiter.Reserve().Delay()
	if delay == 0 {
		t.deliverLocked()
		return
	}
	t.timer = time.AfterFunc(delay, t.fire)
}

func (t *Throttler) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.stopped || !t.dirty {
		return
	}
	t.deliverLocked()
}

func (t *Throttler) deliverLocked() {
	t.dirty = false
	t.sink(t.latest)
}

// Flush cancels any pending delivery and delivers the latest content
// immediately, regardless of the window. It is a no-op if Notify was never
// called or the throttler is stopped.
func (t *Throttler) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.stopped || !t.notified {
		return
	}
	t.deliverLocked()
}

// Stop discards any pending delivery. Later calls to Notify and Flush
// do nothing.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
