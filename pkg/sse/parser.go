// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sse implements the line framing used by the AI query endpoint.
//
// The stream is Server-Sent Events shaped: records separated by a blank
// line, "data:" lines carrying JSON, and optional "event:" lines naming a
// channel for the data line that follows:
//
//	data: {"content":"Hel"}
//
//	event: chart
//	data: {"chartData":[...],"chartType":"bar","chartTitle":"Pipeline"}
//
// Parsing is a pure function over an explicit State so that the same
// bytes produce the same frames regardless of how the network chunked
// them. Parsers ONLY parse; no I/O, rendering, or session state lives here.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// Types
// =============================================================================

// Named channels understood by the AI query stream.
const (
	// EventDefault is the unnamed channel carrying {content} or {error} objects.
	EventDefault = ""

	// EventChart carries {chartData, chartType, chartTitle}.
	EventChart = "chart"

	// EventStructured carries a structured response object.
	EventStructured = "structured"
)

// DoneSentinel is the conventional terminal payload some servers emit.
const DoneSentinel = "[DONE]"

// maxRawInError caps how much of a malformed payload is echoed into errors.
const maxRawInError = 120

// ErrMalformedFrame marks a data line whose payload is not valid JSON.
// Consumers log it and continue reading.
var ErrMalformedFrame = errors.New("malformed frame payload")

// Frame is one parsed data line.
type Frame struct {
	// Event is the channel name, EventDefault for the unnamed channel.
	Event string

	// Data is the validated JSON payload. Nil when Err is set or Done is true.
	Data json.RawMessage

	// Raw is the payload text exactly as received after the "data:" prefix.
	Raw string

	// Done reports the [DONE] sentinel.
	Done bool

	// Err wraps ErrMalformedFrame when the payload failed to parse.
	Err error
}

// State is the parser's carry-over between chunks.
//
// The zero value is the initial state. States are values: ParseChunk never
// mutates the state passed in.
type State struct {
	// Buffer holds decoded text after the last complete line.
	Buffer string

	// PendingEvent is the channel named by an "event:" line whose data
	// line has not arrived yet.
	PendingEvent string

	// carry holds the bytes of a UTF-8 sequence split across chunks.
	carry []byte
}

// =============================================================================
// Parsing
// =============================================================================

// ParseChunk consumes one network chunk.
//
// # Description
//
// Decodes chunk as UTF-8 (keeping an incomplete trailing sequence for the
// next call), normalizes CRLF, and processes every complete line. An
// "event:" line sets the pending channel; the next "data:" line consumes
// it. Any other non-blank line, and the blank line that ends a record,
// clears it. Text after the last newline stays in the returned Buffer.
//
// # Inputs
//
//   - state: Carry-over from the previous call (zero value to start).
//   - chunk: Raw bytes as read from the network. May split anywhere.
//
// # Outputs
//
//   - State: Carry-over for the next call.
//   - []Frame: Frames completed by this chunk, in stream order.
//
// # Examples
//
//	var st sse.State
//	st, frames := sse.ParseChunk(st, []byte("data: {\"content\":\"Hi\"}\n\n"))
//	// frames[0].Data == {"content":"Hi"}
//
// # Limitations
//
//   - A lone "\r" is not treated as a line terminator.
//   - Multiple data lines in one record are emitted as separate frames
//     rather than joined.
func ParseChunk(state State, chunk []byte) (State, []Frame) {
	text, carry := decodeUTF8(state.carry, chunk, false)
	next := State{
		Buffer:       state.Buffer + text,
		PendingEvent: state.PendingEvent,
		carry:        carry,
	}
	next.Buffer = strings.ReplaceAll(next.Buffer, "\r\n", "\n")

	var frames []Frame
	for {
		idx := strings.IndexByte(next.Buffer, '\n')
		if idx < 0 {
			break
		}
		line := next.Buffer[:idx]
		next.Buffer = next.Buffer[idx+1:]
		if f, ok := processLine(&next.PendingEvent, line); ok {
			frames = append(frames, f)
		}
	}
	return next, frames
}

// Finish flushes the state at end of stream.
//
// An incomplete UTF-8 tail becomes U+FFFD and a final unterminated line is
// processed as if a newline followed it. Servers that close without a
// trailing blank line therefore do not lose their last frame.
func Finish(state State) []Frame {
	text, _ := decodeUTF8(state.carry, nil, true)
	rest := strings.ReplaceAll(state.Buffer+text, "\r\n", "\n")
	rest = strings.TrimSuffix(rest, "\r")

	pending := state.PendingEvent
	var frames []Frame
	for _, line := range strings.Split(rest, "\n") {
		if f, ok := processLine(&pending, line); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func processLine(pending *string, line string) (Frame, bool) {
	if line == "" {
		*pending = ""
		return Frame{}, false
	}

	if name, ok := field(line, "event"); ok {
		name = strings.TrimSpace(name)
		if name == "message" {
			name = EventDefault
		}
		*pending = name
		return Frame{}, false
	}

	payload, ok := field(line, "data")
	if !ok {
		// comments, id:, retry: and unknown fields
		*pending = ""
		return Frame{}, false
	}

	event := *pending
	*pending = ""

	raw := strings.TrimSpace(payload)
	if raw == "" {
		return Frame{}, false
	}
	if raw == DoneSentinel {
		return Frame{Event: event, Raw: raw, Done: true}, true
	}
	if !json.Valid([]byte(raw)) {
		return Frame{
			Event: event,
			Raw:   raw,
			Err:   fmt.Errorf("%w: %q", ErrMalformedFrame, truncate(raw, maxRawInError)),
		}, true
	}
	return Frame{Event: event, Data: json.RawMessage(raw), Raw: raw}, true
}

// field matches "name:value" or "name: value" and returns value.
func field(line, name string) (string, bool) {
	if !strings.HasPrefix(line, name+":") {
		return "", false
	}
	v := line[len(name)+1:]
	return strings.TrimPrefix(v, " "), true
}

// decodeUTF8 decodes carry+chunk, returning the text and any trailing bytes
// of an incomplete sequence. Invalid bytes become U+FFFD.
func decodeUTF8(carry, chunk []byte, atEOF bool) (string, []byte) {
	if len(carry) == 0 && len(chunk) == 0 {
		return "", nil
	}
	src := make([]byte, 0, len(carry)+len(chunk))
	src = append(src, carry...)
	src = append(src, chunk...)

	// Each invalid byte expands to a 3-byte replacement rune at most.
	dst := make([]byte, len(src)*3+utf8.UTFMax)
	nDst, nSrc, err := unicode.UTF8.NewDecoder().Transform(dst, src, atEOF)
	if err != nil && !errors.Is(err, transform.ErrShortSrc) {
		// Cannot happen with the sizing above; degrade to lossy conversion.
		return strings.ToValidUTF8(string(src), "�"), nil
	}
	var rest []byte
	if nSrc < len(src) {
		rest = append([]byte(nil), src[nSrc:]...)
	}
	return string(dst[:nDst]), rest
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
