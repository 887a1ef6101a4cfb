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
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// --- Global Command Variables ---
var (
	configPath     string
	outputFlag     string // rich, plain or json; empty detects
	orgFlag        string
	debugFlag      bool
	supersedeFlag  bool
	planFlag       bool
	allowSensitive bool
	dealFlags      []string
	tokenStdin     bool
	yesFlag        bool

	rootCmd = &cobra.Command{
		Use:   "stageflow",
		Short: "Ask StageFlow's AI about your pipeline from the terminal",
		Long: `stageflow sends questions about your deals to the StageFlow AI
endpoint, streams the answer as it arrives and falls back across the
organization's AI providers when one fails.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupEnv,
	}

	// --- Questions ---
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and stream the answer",
		Args:  cobra.ArbitraryArgs,
		RunE:  runAskCommand, // Defined in cmd_ask.go
	}
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Args:  cobra.NoArgs,
		RunE:  runChatCommand, // Defined in cmd_chat.go
	}

	// --- Credentials ---
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Manage the session token kept in the system keyring",
	}
	tokenSetCmd = &cobra.Command{
		Use:   "set",
		Short: "Store a session token",
		Args:  cobra.NoArgs,
		RunE:  runTokenSet, // Defined in cmd_token.go
	}
	tokenClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored session token",
		Args:  cobra.NoArgs,
		RunE:  runTokenClear,
	}
	tokenStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Report whether a session token is available",
		Args:  cobra.NoArgs,
		RunE:  runTokenStatus,
	}

	// --- Providers ---
	providersCmd = &cobra.Command{
		Use:   "providers",
		Short: "Show the organization's AI provider chain",
		Args:  cobra.NoArgs,
		RunE:  runProvidersList, // Defined in cmd_providers.go
	}
	providersPrimaryCmd = &cobra.Command{
		Use:   "primary [provider]",
		Short: "Choose the provider tried first",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runProvidersPrimary,
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the CLI configuration",
	}
	configPathCmd = &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE:  runConfigPath, // Defined in cmd_providers.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
)

func init() {
	cobra.OnFinalize(closeEnv)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default ~/.stageflow/stageflow.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "",
		"Output style: rich, plain or json (default: rich on a terminal, plain otherwise)")
	rootCmd.PersistentFlags().StringVar(&orgFlag, "org", "", "Organization whose provider chain is used")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Log to stderr at debug level")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVar(&planFlag, "plan", false, "Run the once-a-day \"plan my day\" action")
	askCmd.Flags().StringArrayVar(&dealFlags, "deal", nil,
		"Deal context as stage:status:value (repeatable)")
	askCmd.Flags().BoolVar(&supersedeFlag, "supersede", false,
		"Cancel a question already in flight instead of refusing the new one")
	askCmd.Flags().BoolVar(&allowSensitive, "allow-sensitive", false,
		"Send the question even if it looks like it contains credentials or personal data")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringArrayVar(&dealFlags, "deal", nil,
		"Deal context as stage:status:value (repeatable)")
	chatCmd.Flags().BoolVar(&supersedeFlag, "supersede", false,
		"Cancel a question already in flight instead of refusing the new one")
	chatCmd.Flags().BoolVar(&allowSensitive, "allow-sensitive", false,
		"Send questions even if they look like they contain credentials or personal data")

	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenClearCmd)
	tokenCmd.AddCommand(tokenStatusCmd)
	tokenSetCmd.Flags().BoolVar(&tokenStdin, "stdin", false, "Read the token from standard input")
	tokenClearCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersPrimaryCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configShowCmd)
}
