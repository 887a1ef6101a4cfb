// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the in-memory message list for one AI chat.
//
// Every mutation is a Transform: a pure function from the old message list
// to a new one, keyed by message ID. The Store applies transforms under a
// lock. A transform that targets an ID no longer present is a no-op, which
// is what keeps a late render tick from bringing back a placeholder that an
// abort already removed.
package conversation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Chart is the payload of a "chart" stream event.
type Chart struct {
	Data  json.RawMessage `json:"chartData"`
	Type  string          `json:"chartType"`
	Title string          `json:"chartTitle"`
}

// Message is one entry in the conversation.
//
// While Streaming is true only ID, Role, Content and CreatedAt are
// meaningful. Provider, Chart, Structured and IsProviderError are set on the
// final replacement.
type Message struct {
	ID              string          `json:"id"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	Streaming       bool            `json:"streaming,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	Chart           *Chart          `json:"chart,omitempty"`
	Structured      json.RawMessage `json:"structured,omitempty"`
	IsProviderError bool            `json:"isProviderError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ResponseType returns the "response_type" field of a structured payload,
// or "" when absent.
func (m Message) ResponseType() string {
	if len(m.Structured) == 0 {
		return ""
	}
	var probe struct {
		ResponseType string `json:"response_type"`
	}
	if err := json.Unmarshal(m.Structured, &probe); err != nil {
		return ""
	}
	return probe.ResponseType
}

// NewMessage returns a message with a fresh ID and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewPlaceholder returns an empty streaming assistant message.
func NewPlaceholder() Message {
	m := NewMessage(RoleAssistant, "")
	m.Streaming = true
	return m
}

// =============================================================================
// Transforms
// =============================================================================

// Transform maps one message list to the next. Implementations must not
// modify their input.
type Transform func([]Message) []Message

// Append adds m at the end.
func Append(m Message) Transform {
	return func(in []Message) []Message {
		out := make([]Message, len(in), len(in)+1)
		copy(out, in)
		return append(out, m)
	}
}

// Patch applies fn to the message with id. Missing ids are a no-op.
func Patch(id string, fn func(Message) Message) Transform {
	return func(in []Message) []Message {
		idx := indexOf(in, id)
		if idx < 0 {
			return in
		}
		out := clone(in)
		out[idx] = fn(out[idx])
		return out
	}
}

// SetContent patches only the content of a still-streaming message.
// Finalized messages are left alone so a late tick cannot overwrite them.
func SetContent(id, content string) Transform {
	return Patch(id, func(m Message) Message {
		if m.Streaming {
			m.Content = content
		}
		return m
	})
}

// Replace swaps the message with id for m, keeping its position.
// Missing ids are a no-op.
func Replace(id string, m Message) Transform {
	return Patch(id, func(Message) Message { return m })
}

// Remove drops the message with id. Missing ids are a no-op.
func Remove(id string) Transform {
	return func(in []Message) []Message {
		idx := indexOf(in, id)
		if idx < 0 {
			return in
		}
		out := make([]Message, 0, len(in)-1)
		out = append(out, in[:idx]...)
		return append(out, in[idx+1:]...)
	}
}

func indexOf(ms []Message, id string) int {
	for i := range ms {
		if ms[i].ID == id {
			return i
		}
	}
	return -1
}

func clone(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

// =============================================================================
// Store
// =============================================================================

// Listener is notified after every applied transform with the new list.
// It runs under the store lock and must not call back into the Store.
type Listener func([]Message)

// Store is the mutable holder of a conversation. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	messages []Message
	listener Listener
}

// NewStore returns an empty store. listener may be nil.
func NewStore(listener Listener) *Store {
	return &Store{listener: listener}
}

// Update applies transforms in order as one atomic step.
func (s *Store) Update(ts ...Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.messages
	for _, t := range ts {
		next = t(next)
	}
	s.messages = next
	if s.listener != nil {
		s.listener(clone(next))
	}
}

// Messages returns a snapshot.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.messages)
}

// Get returns the message with id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := indexOf(s.messages, id); idx >= 0 {
		return s.messages[idx], true
	}
	return Message{}, false
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
