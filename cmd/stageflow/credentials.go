// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"

	"github.com/stageflow/stageflow-ai/cmd/stageflow/config"
	"github.com/stageflow/stageflow-ai/pkg/transport"
	"github.com/stageflow/stageflow-ai/pkg/ux"
)

const (
	keyringService = "stageflow"
	tokenKey       = "session-token"

	// tokenEnv supplies the token when secrets.use_env is set.
	tokenEnv = "STAGEFLOW_TOKEN"
)

// openKeyring is replaced in tests with an in-memory ring.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir: config.ExpandHome("~/.stageflow/credentials"),
		FilePasswordFunc: func(prompt string) (string, error) {
			return ux.PromptSecret(prompt, "Unlocks the StageFlow credential file.")
		},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// credentialStore keeps the session token in the system keyring.
type credentialStore struct {
	ring keyring.Keyring
}

func openCredentials() (*credentialStore, error) {
	ring, err := openKeyring()
	if err != nil {
		return nil, err
	}
	return &credentialStore{ring: ring}, nil
}

// Token returns the stored token, or "" when none is stored.
func (c *credentialStore) Token() (string, error) {
	item, err := c.ring.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", tokenKey, err)
	}
	return string(item.Data), nil
}

func (c *credentialStore) SetToken(token string) error {
	err := c.ring.Set(keyring.Item{
		Key:         tokenKey,
		Data:        []byte(token),
		Label:       "StageFlow session token",
		Description: "Bearer token for StageFlow AI queries",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", tokenKey, err)
	}
	return nil
}

// ClearToken removes the token. Removing a missing token is not an error.
func (c *credentialStore) ClearToken() error {
	err := c.ring.Remove(tokenKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting credential %q: %w", tokenKey, err)
	}
	return nil
}

// tokenSource builds the transport's token source. The keyring is re-read
// on every refresh so a token set from another terminal is picked up.
func tokenSource(cfg config.SecretsConfig) (transport.TokenSource, error) {
	if cfg.UseEnv {
		return transport.StaticToken(strings.TrimSpace(os.Getenv(tokenEnv))), nil
	}
	store, err := openCredentials()
	if err != nil {
		return nil, err
	}
	token, err := store.Token()
	if err != nil {
		return nil, err
	}
	return transport.NewVault(token, func(context.Context) (string, error) {
		return store.Token()
	}), nil
}
