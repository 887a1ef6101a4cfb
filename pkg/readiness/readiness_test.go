// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package readiness

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

func TestGuard_Check(t *testing.T) {
	tests := []struct {
		name    string
		online  bool
		variant Variant
		want    aierr.Code
	}{
		{"ready", true, VariantReady, ""},
		{"empty variant is ready", true, "", ""},
		{"offline wins over variant", false, VariantDisabled, aierr.CodeOffline},
		{"session invalid", true, VariantSessionInvalid, aierr.CodeAuthExpired},
		{"connect provider", true, VariantConnectProvider, aierr.CodeNoProviders},
		{"config error", true, VariantConfigError, aierr.CodeConfigError},
		{"disabled", true, VariantDisabled, aierr.CodeAIDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(StaticConnectivity(tt.online), nil)
			rec := g.Check(context.Background(), Check{Variant: tt.variant})
			if tt.want == "" {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGuard_OfflineIsRetryable(t *testing.T) {
	rec := NewGuard(StaticConnectivity(false), nil).Check(context.Background(), Check{})
	require.NotNil(t, rec)
	assert.True(t, rec.Retryable)
	assert.False(t, rec.Silent)
}

func TestGuard_DailyQuota(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	store := NewMemoryQuotaStore()
	store.now = clock
	g := NewGuard(nil, store, WithClock(clock))
	ctx := context.Background()
	c := Check{Variant: VariantReady, OrgID: "org-1", DailyAction: "plan_my_day"}

	assert.Nil(t, g.Check(ctx, c))
	require.NoError(t, g.MarkConsumed(ctx, c))

	rec := g.Check(ctx, c)
	require.NotNil(t, rec)
	assert.Equal(t, aierr.CodeQuotaExceeded, rec.Code)
	assert.False(t, rec.Retryable)

	other := c
	other.OrgID = "org-2"
	assert.Nil(t, g.Check(ctx, other), "flag is per organization")

	plain := c
	plain.DailyAction = ""
	assert.Nil(t, g.Check(ctx, plain), "non-daily queries are not limited")

	now = now.Add(16 * time.Hour)
	assert.Nil(t, g.Check(ctx, c), "flag resets the next day")
}

func TestGuard_DailyQuotaReservedAtCheck(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	store := NewMemoryQuotaStore()
	store.now = clock
	g := NewGuard(nil, store, WithClock(clock))
	ctx := context.Background()
	c := Check{Variant: VariantReady, OrgID: "org-1", DailyAction: "plan_my_day"}

	require.Nil(t, g.Check(ctx, c))
	rec := g.Check(ctx, c)
	require.NotNil(t, rec, "a turn in flight holds the action")
	assert.Equal(t, aierr.CodeQuotaExceeded, rec.Code)

	require.NoError(t, g.Release(ctx, c))
	require.Nil(t, g.Check(ctx, c), "a failed turn hands the action back")

	now = now.Add(reservationTTL + time.Second)
	assert.Nil(t, g.Check(ctx, c), "an unsettled reservation lapses")
}

func TestGuard_DailyQuotaConcurrentChecks(t *testing.T) {
	g := NewGuard(nil, NewMemoryQuotaStore())
	c := Check{OrgID: "org-1", DailyAction: "plan_my_day"}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check(context.Background(), c) == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

type failingStore struct{ MemoryQuotaStore }

func (*failingStore) Reserve(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestGuard_QuotaStoreErrorAllows(t *testing.T) {
	g := NewGuard(nil, &failingStore{})
	assert.Nil(t, g.Check(context.Background(), Check{DailyAction: "plan_my_day"}))
}

func TestNextMidnight(t *testing.T) {
	loc := time.FixedZone("x", -5*3600)
	got := nextMidnight(time.Date(2026, 12, 31, 23, 59, 0, 0, loc))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, loc), got)
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	assert.True(t, DialProbe{Addr: addr, Timeout: time.Second}.Online(context.Background()))
	require.NoError(t, ln.Close())
	assert.False(t, DialProbe{Addr: addr, Timeout: 200 * time.Millisecond}.Online(context.Background()))
}

// =============================================================================
// Badger store
// =============================================================================

func TestBadgerQuotaStore_InMemory(t *testing.T) {
	s, err := OpenBadgerQuotaStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	key := "org/plan/2026-03-10"

	ok, err := s.Reserve(ctx, key, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Reserve(ctx, key, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second reservation must fail")

	require.NoError(t, s.Release(ctx, key))
	ok, err = s.Reserve(ctx, key, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "released keys can be reserved again")

	require.NoError(t, s.MarkConsumed(ctx, "expired", time.Now().Add(-time.Minute)))
	ok, err = s.Reserve(ctx, "expired", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "past deadlines are not written")
}

func TestBadgerQuotaStore_ConcurrentReserve(t *testing.T) {
	s, err := OpenBadgerQuotaStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Reserve(context.Background(), "k", time.Now().Add(time.Hour))
			if err == nil && ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestBadgerQuotaStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerQuotaStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.MarkConsumed(ctx, "k", time.Now().Add(time.Hour)))
	require.NoError(t, s.Close())

	s, err = OpenBadgerQuotaStore(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	ok, err := s.Reserve(ctx, "k", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenBadgerQuotaStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerQuotaStore(BadgerConfig{})
	assert.Error(t, err)
}
