// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// TokenSource supplies the bearer token. Send calls Refresh and then
// Token on every request so an about-to-expire session is renewed first.
type TokenSource interface {
	Refresh(ctx context.Context) error
	Token(ctx context.Context) (string, error)
}

// ErrNoToken is returned by a vault that holds nothing.
var ErrNoToken = errors.New("no session token")

// RefreshFunc obtains a fresh token from the session service.
type RefreshFunc func(ctx context.Context) (string, error)

// Vault keeps the bearer token in a memguard enclave: encrypted at rest in
// memory and decrypted into locked pages only while a request is built.
//
// Thread Safety: safe for concurrent use.
type Vault struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
	refresh RefreshFunc
}

// NewVault seals token. refresh may be nil, in which case Refresh is a
// no-op and the sealed token is served until Set replaces it.
func NewVault(token string, refresh RefreshFunc) *Vault {
	v := &Vault{refresh: refresh}
	if token != "" {
		v.Set(token)
	}
	return v
}

// Set replaces the sealed token. An empty token clears the vault.
func (v *Vault) Set(token string) {
	var enclave *memguard.Enclave
	if token != "" {
		// NewEnclave wipes its input slice.
		enclave = memguard.NewEnclave([]byte(token))
	}
	v.mu.Lock()
	v.enclave = enclave
	v.mu.Unlock()
}

// Refresh replaces the token with the result of the refresh func.
func (v *Vault) Refresh(ctx context.Context) error {
	if v.refresh == nil {
		return nil
	}
	token, err := v.refresh(ctx)
	if err != nil {
		return err
	}
	v.Set(token)
	return nil
}

// Token decrypts and returns a copy of the token.
func (v *Vault) Token(context.Context) (string, error) {
	v.mu.RLock()
	enclave := v.enclave
	v.mu.RUnlock()
	if enclave == nil {
		return "", ErrNoToken
	}
	buf, err := enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), nil
}

// StaticToken is a TokenSource for tests and service accounts.
type StaticToken string

func (StaticToken) Refresh(context.Context) error { return nil }

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

var (
	_ TokenSource = (*Vault)(nil)
	_ TokenSource = StaticToken("")
)
