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
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/stageflow/stageflow-ai/pkg/conversation"
)

// MaxMessageLength bounds the user prompt.
const MaxMessageLength = 8000

// Deal is the minimal pipeline context sent with every query.
type Deal struct {
	Stage  string  `json:"stage" validate:"required"`
	Status string  `json:"status" validate:"required"`
	Value  float64 `json:"value" validate:"gte=0"`
}

// Signal is a UI interaction hint (section opened, action clicked).
type Signal struct {
	Type string `json:"type" validate:"required"`
	// Timestamp is Unix milliseconds.
	Timestamp int64  `json:"timestamp" validate:"gt=0"`
	SectionID string `json:"sectionId,omitempty"`
	ActionID  string `json:"actionId,omitempty"`
}

// Request is the POST body of an AI query.
type Request struct {
	Message             string                      `json:"message" validate:"required,max=8000"`
	Deals               []Deal                      `json:"deals" validate:"dive"`
	ConversationHistory []conversation.HistoryEntry `json:"conversationHistory" validate:"max=12,dive"`
	AISignals           []Signal                    `json:"aiSignals" validate:"dive"`

	// Provider asks the server to use a specific provider. Empty lets the
	// server pick from the organization's chain.
	Provider string `json:"provider,omitempty"`
}

// ErrInvalidRequest wraps validation failures.
var ErrInvalidRequest = errors.New("invalid ai request")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks r and returns an error wrapping ErrInvalidRequest that
// names each failing field.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	err := requestValidator().Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(fields, ", "))
}

// normalized returns a copy whose slices marshal as [] rather than null.
func (r Request) normalized() Request {
	if r.Deals == nil {
		r.Deals = []Deal{}
	}
	if r.ConversationHistory == nil {
		r.ConversationHistory = []conversation.HistoryEntry{}
	}
	if r.AISignals == nil {
		r.AISignals = []Signal{}
	}
	return r
}

// NewRequest builds a request from the prompt and the conversation so far,
// applying the history window.
func NewRequest(message string, prior []conversation.Message, deals []Deal, signals []Signal) Request {
	return Request{
		Message:             message,
		Deals:               deals,
		ConversationHistory: conversation.History(prior),
		AISignals:           signals,
	}
}
