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
	"context"
	"errors"
	"io"
)

// Decoder holds parser state for callers that prefer a mutable handle over
// threading State through ParseChunk. Not safe for concurrent use.
type Decoder struct {
	state State
}

// Feed parses one chunk and returns the frames it completed.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var frames []Frame
	d.state, frames = ParseChunk(d.state, chunk)
	return frames
}

// Finish flushes any trailing record and resets the decoder.
func (d *Decoder) Finish() []Frame {
	frames := Finish(d.state)
	d.state = State{}
	return frames
}

// State returns a copy of the current carry-over.
func (d *Decoder) State() State {
	return d.state
}

// FrameHandler receives frames in stream order. Returning ErrStop ends
// reading without error; any other error is returned from ReadFrames.
type FrameHandler func(Frame) error

// ErrStop lets a FrameHandler end ReadFrames early.
var ErrStop = errors.New("stop reading")

// readBufferSize matches a typical TLS record.
const readBufferSize = 16 * 1024

// ReadFrames reads r to EOF, delivering frames to fn.
//
// # Description
//
// Convenience loop for callers that do not need per-read hooks (tests, the
// CLI's raw dump mode). The session runner drives ParseChunk itself
// because it must check its timeout flag between reads.
//
// # Inputs
//
//   - ctx: Checked between reads. Cancellation returns ctx.Err().
//   - r: Stream body.
//   - fn: Frame handler.
//
// # Outputs
//
//   - error: nil at EOF or ErrStop, otherwise the read or handler error.
func ReadFrames(ctx context.Context, r io.Reader, fn FrameHandler) error {
	var dec Decoder
	buf := make([]byte, readBufferSize)
	deliver := func(frames []Frame) error {
		for _, f := range frames {
			if err := fn(f); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := deliver(dec.Feed(buf[:n])); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		if readErr == io.EOF {
			err := deliver(dec.Finish())
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		if readErr != nil {
			return readErr
		}
	}
}
