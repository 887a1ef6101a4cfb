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
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// QuotaStore records which once-per-day actions were already used.
// Keys are opaque; the Guard builds them from organization, action and
// local date.
//
// Reserve is an atomic check-and-set: of two concurrent callers for the
// same key exactly one gets ok. MarkConsumed overwrites the expiry of a
// key and Release deletes it.
type QuotaStore interface {
	Reserve(ctx context.Context, key string, until time.Time) (ok bool, err error)
	MarkConsumed(ctx context.Context, key string, until time.Time) error
	Release(ctx context.Context, key string) error
	Close() error
}

// =============================================================================
// Memory store
// =============================================================================

// MemoryQuotaStore keeps flags in a map. Expired entries count as absent.
type MemoryQuotaStore struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryQuotaStore returns an empty store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{until: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryQuotaStore) Reserve(_ context.Context, key string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.until[key]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.until[key] = until
	return true, nil
}

func (m *MemoryQuotaStore) MarkConsumed(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[key] = until
	return nil
}

func (m *MemoryQuotaStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, key)
	return nil
}

func (m *MemoryQuotaStore) Close() error { return nil }

// =============================================================================
// Badger store
// =============================================================================

// BadgerConfig configures a BadgerQuotaStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerQuotaStore persists flags across CLI runs. Entries carry a badger
// TTL ending at the supplied time, so yesterday's flags vanish on their own.
type BadgerQuotaStore struct {
	db *badger.DB
}

const quotaKeyPrefix = "quota/"

// OpenBadgerQuotaStore opens or creates the database.
func OpenBadgerQuotaStore(cfg BadgerConfig) (*BadgerQuotaStore, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("path is required for persistent quota store")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create quota store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}
	return &BadgerQuotaStore{db: db}, nil
}

var errReserved = errors.New("quota flag already set")

// Reserve runs in one read-write transaction. A conflicting concurrent
// transaction means another caller set the key first.
func (b *BadgerQuotaStore) Reserve(_ context.Context, key string, until time.Time) (bool, error) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return true, nil
	}
	k := []byte(quotaKeyPrefix + key)
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(k)
		switch {
		case err == nil:
			return errReserved
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry(k, []byte{1}).WithTTL(ttl))
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errReserved), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, fmt.Errorf("reserve quota flag: %w", err)
	}
}

func (b *BadgerQuotaStore) MarkConsumed(_ context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(quotaKeyPrefix+key), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("write quota flag: %w", err)
	}
	return nil
}

func (b *BadgerQuotaStore) Release(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(quotaKeyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete quota flag: %w", err)
	}
	return nil
}

func (b *BadgerQuotaStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, a ...any)   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Warningf(f string, a ...any) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Infof(f string, a ...any)    { b.l.Debug(fmt.Sprintf(f, a...)) }
func (b badgerLogger) Debugf(f string, a ...any)   { b.l.Debug(fmt.Sprintf(f, a...)) }

var (
	_ QuotaStore = (*MemoryQuotaStore)(nil)
	_ QuotaStore = (*BadgerQuotaStore)(nil)
)
