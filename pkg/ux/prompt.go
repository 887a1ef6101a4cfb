// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

// ErrEmptyInput is returned by validators for blank answers.
var ErrEmptyInput = errors.New("a value is required")

// PromptSecret asks for a value without echoing it.
func PromptSecret(title, description string) (string, error) {
	var value string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				EchoMode(huh.EchoModePassword).
				Validate(requireValue).
				Value(&value),
		),
	).Run()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// Confirm asks a yes/no question.
func Confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return ok, err
}

// SelectProvider asks the user to pick one provider from ids.
func SelectProvider(title string, ids []string, current string) (string, error) {
	choice := current
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(title).
				Options(providerOptions(ids)...).
				Value(&choice),
		),
	).Run()
	return choice, err
}

func providerOptions(ids []string) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(ids))
	for _, id := range ids {
		opts = append(opts, huh.NewOption(aierr.DisplayName(id), id))
	}
	return opts
}

func requireValue(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrEmptyInput
	}
	return nil
}
