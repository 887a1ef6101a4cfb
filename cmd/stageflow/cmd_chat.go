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
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stageflow/stageflow-ai/cmd/stageflow/config"
	"github.com/stageflow/stageflow-ai/pkg/aiquery"
	"github.com/stageflow/stageflow-ai/pkg/conversation"
	"github.com/stageflow/stageflow-ai/pkg/ux"
)

const (
	chatConversation = "chat"
	chatPrompt       = "› "
	chatHistory      = 100
)

const chatHelp = `/retry    resend the last question
/plan     run "plan my day" (once a day)
/history  show this conversation
/help     show this help
/quit     leave`

func runChatCommand(cmd *cobra.Command, _ []string) error {
	eng, err := env.engine()
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(cmd.Context())
	defer stopWatch()
	err = config.Watch(watchCtx, env.cfgPath, 0, env.applyConfig, func(err error) {
		env.printer.Warning(fmt.Sprintf("Config change ignored: %v", err))
	})
	if err != nil {
		env.logger.Warn("config changes will not be picked up", "error", err)
	}

	reader := chatReader(cmd)
	p := env.printer
	p.Title("StageFlow AI")
	p.Muted("Type a question, or /help.")

	for {
		line, err := reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			p.Text(chatHelp + "\n")
			continue
		case line == "/history":
			printHistory(p, eng.Conversation(chatConversation).Messages())
			continue
		case line == "/retry":
			chatTurn(cmd.Context(), func(ctx context.Context) aiquery.Result {
				return eng.Retry(ctx, chatConversation, env.askOptions())
			})
			continue
		case line == "/plan":
			q, _ := buildQuery("", true)
			chatTurn(cmd.Context(), func(ctx context.Context) aiquery.Result {
				return eng.Ask(ctx, chatConversation, q, env.askOptions())
			})
			continue
		case strings.HasPrefix(line, "/"):
			p.Warning(fmt.Sprintf("Unknown command %s. Type /help.", line))
			continue
		}

		q, err := buildQuery(line, false)
		if err != nil {
			p.Warning(err.Error())
			continue
		}
		if err := screenQuestion(q.Message); err != nil {
			if !errors.Is(err, errReported) {
				p.Warning(err.Error())
			}
			continue
		}
		chatTurn(cmd.Context(), func(ctx context.Context) aiquery.Result {
			return eng.Ask(ctx, chatConversation, q, env.askOptions())
		})
	}
}

// chatReader edits lines interactively on a terminal and scans them
// otherwise.
func chatReader(cmd *cobra.Command) ux.LineReader {
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		return ux.NewLineReader(f, cmd.OutOrStdout(), chatPrompt, chatHistory)
	}
	return ux.NewScanReader(cmd.InOrStdin())
}

// chatTurn runs one turn. Ctrl+C cancels the turn, not the session.
func chatTurn(parent context.Context, run func(context.Context) aiquery.Result) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	env.view.Begin()
	res := run(ctx)
	shown := env.view.End()
	if err := report(res, shown); err != nil && !errors.Is(err, errReported) {
		env.printer.Warning(err.Error())
	}
}

func printHistory(p *ux.Printer, msgs []conversation.Message) {
	if len(msgs) == 0 {
		p.Muted("No messages yet.")
		return
	}
	for _, m := range msgs {
		who := "you"
		if m.Role == conversation.RoleAssistant {
			who = "ai"
		}
		p.Text(fmt.Sprintf("%s: %s\n", who, m.Content))
	}
}
