// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of one provider's breaker.
//
// # State Diagram
//
//	CLOSED ──[failure threshold]──► OPEN
//	   ▲                              │
//	   └──[success]── HALF_OPEN ◄─────┘
//	                  [open timeout]
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// BreakerConfig configures provider breakers.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before a provider is
	// demoted. Default: 3
	FailureThreshold int `yaml:"failure_threshold"`

	// OpenTimeout is how long a demoted provider is skipped before one
	// trial attempt is allowed. Default: 2 minutes
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// OnStateChange is called asynchronously on every transition.
	OnStateChange func(provider string, from, to BreakerState) `yaml:"-"`
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, OpenTimeout: 2 * time.Minute}
}

// Breaker tracks consecutive failures of one provider. A soft failure
// counts like any other failure.
type Breaker struct {
	provider    string
	config      BreakerConfig
	now         func() time.Time
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

func newBreaker(provider string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 2 * time.Minute
	}
	return &Breaker{provider: provider, config: cfg, now: now}
}

// Allow reports whether the provider may be tried now. An open breaker
// whose timeout elapsed moves to half-open and allows one trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.config.OpenTimeout {
			b.transitionTo(BreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transitionTo(BreakerClosed)
}

// RecordFailure counts a failure; half-open goes straight back to open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
		b.transitionTo(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionTo(s BreakerState) {
	if b.state == s {
		return
	}
	old := b.state
	b.state = s
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, old, s)
	}
}

// BreakerRegistry hands out one Breaker per provider.
type BreakerRegistry struct {
	config   BreakerConfig
	now      func() time.Time
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{config: cfg, now: time.Now, breakers: make(map[string]*Breaker)}
}

// Get returns provider's breaker, creating it if needed.
func (r *BreakerRegistry) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[provider]; ok {
		return b
	}
	b = newBreaker(provider, r.config, r.now)
	r.breakers[provider] = b
	return b
}

// Reset forgets every breaker.
func (r *BreakerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.breakers)
}
