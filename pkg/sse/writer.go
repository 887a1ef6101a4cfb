// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// =============================================================================
// Writer Interface
// =============================================================================

// Writer emits records in the framing ParseChunk understands.
//
// Used by the stub server and by tests that need a byte-exact stream.
//
// Thread Safety: implementations serialize writes with a mutex.
type Writer interface {
	// WriteContent emits a default-channel {"content": ...} record.
	WriteContent(content string) error

	// WriteEvent emits v as JSON on the named channel. An empty name
	// writes to the default channel.
	WriteEvent(name string, v any) error

	// WriteError emits a default-channel error object.
	WriteError(v any) error

	// WriteRaw emits payload after "data: " without validation.
	WriteRaw(payload string) error

	// WriteKeepAlive emits a comment record.
	WriteKeepAlive() error
}

// =============================================================================
// Writer Implementation
// =============================================================================

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
}

// NewWriter wraps w. When w implements http.Flusher every record is
// flushed immediately.
func NewWriter(w io.Writer) Writer {
	sw := &sseWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (s *sseWriter) WriteContent(content string) error {
	return s.WriteEvent(EventDefault, struct {
		Content string `json:"content"`
	}{content})
}

func (s *sseWriter) WriteEvent(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q event: %w", name, err)
	}
	if name == EventDefault {
		return s.write(fmt.Sprintf("data: %s\n\n", data))
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func (s *sseWriter) WriteError(v any) error {
	return s.WriteEvent(EventDefault, v)
}

func (s *sseWriter) WriteRaw(payload string) error {
	return s.write("data: " + payload + "\n\n")
}

func (s *sseWriter) WriteKeepAlive() error {
	return s.write(": ping\n\n")
}

func (s *sseWriter) write(record string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, record); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// SetHeaders configures an HTTP response for streaming. Must be called
// before the first write.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ Writer = (*sseWriter)(nil)
