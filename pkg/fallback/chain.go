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
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ProviderChain is the ordered set of connected providers for one
// organization.
type ProviderChain struct {
	Providers []string `yaml:"list" json:"providers"`
	Primary   string   `yaml:"primary" json:"primary"`
}

// Ordered returns the providers with Primary first and duplicates removed.
// A Primary missing from Providers is still tried first.
func (c ProviderChain) Ordered() []string {
	out := make([]string, 0, len(c.Providers)+1)
	if c.Primary != "" {
		out = append(out, c.Primary)
	}
	for _, p := range c.Providers {
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len is the number of distinct providers.
func (c ProviderChain) Len() int { return len(c.Ordered()) }

// ChainSource loads the provider chain of an organization.
type ChainSource interface {
	LoadChain(ctx context.Context, orgID string) (ProviderChain, error)
}

// ChainSourceFunc adapts a function to ChainSource.
type ChainSourceFunc func(ctx context.Context, orgID string) (ProviderChain, error)

func (f ChainSourceFunc) LoadChain(ctx context.Context, orgID string) (ProviderChain, error) {
	return f(ctx, orgID)
}

// StaticSource serves chains from a map, with Default for unknown orgs.
// Safe for concurrent use; Set replaces a chain at runtime.
type StaticSource struct {
	mu      sync.RWMutex
	chains  map[string]ProviderChain
	Default ProviderChain
}

// NewStaticSource returns a source that serves def to every organization.
func NewStaticSource(def ProviderChain) *StaticSource {
	return &StaticSource{chains: make(map[string]ProviderChain), Default: def}
}

// Set stores the chain for orgID.
func (s *StaticSource) Set(orgID string, c ProviderChain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[orgID] = c
}

func (s *StaticSource) LoadChain(_ context.Context, orgID string) (ProviderChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chains[orgID]; ok {
		return c, nil
	}
	return s.Default, nil
}

// ChainResolver caches chains per organization. Concurrent misses for the
// same organization share one LoadChain call.
//
// # Thread Safety
//
// ChainResolver is safe for concurrent use.
type ChainResolver struct {
	source ChainSource
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]ProviderChain
	gen   map[string]uint64
	epoch uint64
}

// NewChainResolver wraps source.
func NewChainResolver(source ChainSource) *ChainResolver {
	return &ChainResolver{
		source: source,
		cache:  make(map[string]ProviderChain),
		gen:    make(map[string]uint64),
	}
}

// Resolve returns the cached chain or loads it.
func (r *ChainResolver) Resolve(ctx context.Context, orgID string) (ProviderChain, error) {
	r.mu.RLock()
	c, ok := r.cache[orgID]
	gen, epoch := r.gen[orgID], r.epoch
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%s#%d.%d", orgID, epoch, gen), func() (any, error) {
		c, err := r.source.LoadChain(ctx, orgID)
		if err != nil {
			return ProviderChain{}, err
		}
		r.mu.Lock()
		// Drop the result if Invalidate ran while loading.
		if r.gen[orgID] == gen && r.epoch == epoch {
			r.cache[orgID] = c
		}
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return ProviderChain{}, fmt.Errorf("load provider chain for %q: %w", orgID, err)
	}
	return v.(ProviderChain), nil
}

// Invalidate forgets orgID's chain so the next Resolve reloads it. An
// empty orgID invalidates every organization.
func (r *ChainResolver) Invalidate(orgID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if orgID == "" {
		r.epoch++
		clear(r.cache)
		return
	}
	delete(r.cache, orgID)
	r.gen[orgID]++
}
