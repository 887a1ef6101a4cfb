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
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry config")

// RetryConfig bounds the attempts of one logical query.
type RetryConfig struct {
	// MaxAttempts caps attempts across the whole chain, including the
	// first. Zero means one attempt per provider.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the wait before the second attempt. Default: 300ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the wait. Default: 2s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffFactor multiplies the wait after each attempt. Default: 2.0
	BackoffFactor float64 `yaml:"backoff_factor"`

	// JitterFactor is the maximum jitter as a fraction of the wait (0-1).
	JitterFactor float64 `yaml:"jitter"`
}

// DefaultRetryConfig keeps fallback quick: the user is watching.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 300 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 0:
		return errors.Join(ErrInvalidRetryConfig, errors.New("max_attempts must be >= 0"))
	case c.InitialBackoff < 0:
		return errors.Join(ErrInvalidRetryConfig, errors.New("initial_backoff must be >= 0"))
	case c.MaxBackoff < c.InitialBackoff:
		return errors.Join(ErrInvalidRetryConfig, errors.New("max_backoff must be >= initial_backoff"))
	case c.BackoffFactor != 0 && c.BackoffFactor < 1.0:
		return errors.Join(ErrInvalidRetryConfig, errors.New("backoff_factor must be >= 1"))
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return errors.Join(ErrInvalidRetryConfig, errors.New("jitter must be within [0,1]"))
	}
	return nil
}

// calculateBackoff applies jitter in [base*(1-j), base*(1+j)].
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
