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
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stageflow/stageflow-ai/cmd/stageflow/config"
	"github.com/stageflow/stageflow-ai/pkg/aierr"
	"github.com/stageflow/stageflow-ai/pkg/ux"
)

type providerJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
	Breaker string `json:"breaker"`
}

func runProvidersList(cmd *cobra.Command, _ []string) error {
	orch := env.orchestrator()
	chain, err := orch.Chain(cmd.Context(), env.settings().Organization)
	if err != nil {
		return err
	}

	ordered := chain.Ordered()
	rows := make([]providerJSON, 0, len(ordered))
	for _, id := range ordered {
		rows = append(rows, providerJSON{
			ID:      id,
			Name:    aierr.DisplayName(id),
			Primary: id == ordered[0],
			Breaker: orch.Breakers().Get(id).State().String(),
		})
	}

	p := env.printer
	if p.Mode() == ux.ModeJSON {
		return p.JSON(rows)
	}
	if len(rows) == 0 {
		p.Warning("No AI providers configured.")
		return nil
	}
	p.Title("Provider chain for " + env.settings().Organization)
	for i, r := range rows {
		line := fmt.Sprintf("%d. %s (%s)", i+1, r.Name, r.ID)
		if r.Primary {
			line += " primary"
		}
		p.Text(line + "\n")
	}
	return nil
}

func runProvidersPrimary(_ *cobra.Command, args []string) error {
	cfg := env.settings()
	ids := cfg.Providers.Ordered()

	var choice string
	if len(args) == 1 {
		choice = args[0]
	} else {
		if len(ids) == 0 {
			return fmt.Errorf("no providers configured in %s", env.cfgPath)
		}
		c, err := ux.SelectProvider("Primary AI provider", ids, ids[0])
		if err != nil {
			return err
		}
		choice = c
	}
	if !slices.Contains(ids, choice) {
		return fmt.Errorf("provider %q is not in the chain %v", choice, ids)
	}

	// Write the file as loaded, without the --org override.
	onDisk, err := config.LoadFile(env.cfgPath)
	if err != nil {
		return err
	}
	onDisk.Providers.Primary = choice
	if err := config.Save(env.cfgPath, onDisk); err != nil {
		return err
	}
	env.printer.Success(aierr.DisplayName(choice) + " is now the primary provider.")
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	fmt.Fprintln(cmd.OutOrStdout(), env.cfgPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg := env.settings()
	if env.printer.Mode() == ux.ModeJSON {
		return env.printer.JSON(cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
