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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stageflow/stageflow-ai/pkg/ux"
)

func runTokenSet(cmd *cobra.Command, _ []string) error {
	var token string
	if tokenStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token from stdin: %w", err)
		}
		token = strings.TrimSpace(line)
	} else {
		t, err := ux.PromptSecret("Session token", "Paste the token from StageFlow settings.")
		if err != nil {
			return err
		}
		token = strings.TrimSpace(t)
	}
	if token == "" {
		return ux.ErrEmptyInput
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	if err := store.SetToken(token); err != nil {
		return err
	}
	env.printer.Success("Session token saved.")
	return nil
}

func runTokenClear(_ *cobra.Command, _ []string) error {
	if !yesFlag {
		ok, err := ux.Confirm("Remove the stored session token?")
		if err != nil {
			return err
		}
		if !ok {
			env.printer.Muted("Kept.")
			return nil
		}
	}
	store, err := openCredentials()
	if err != nil {
		return err
	}
	if err := store.ClearToken(); err != nil {
		return err
	}
	env.printer.Success("Session token removed.")
	return nil
}

// runTokenStatus exits non-zero when no token is available.
func runTokenStatus(_ *cobra.Command, _ []string) error {
	p := env.printer
	if env.settings().Secrets.UseEnv {
		if strings.TrimSpace(os.Getenv(tokenEnv)) == "" {
			p.Warning(tokenEnv + " is not set.")
			return errReported
		}
		p.Success("Using the token from " + tokenEnv + ".")
		return nil
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	token, err := store.Token()
	if err != nil {
		return err
	}
	if token == "" {
		p.Warning("No session token stored. Run `stageflow token set`.")
		return errReported
	}
	p.Success("Session token stored in the system keyring.")
	return nil
}
