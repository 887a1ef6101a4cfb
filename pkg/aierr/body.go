// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aierr

import (
	"bytes"
	"encoding/json"
)

// ErrorBody is the wire shape of a server error object. It appears as a
// whole non-2xx body, as a 2xx JSON body with ok:false, and as an
// in-stream error frame.
//
// The server is inconsistent about "error": it is usually a string but
// some paths send {"message": ..., "code": ...}. Both are accepted.
type ErrorBody struct {
	OK           *bool             `json:"ok,omitempty"`
	Error        string            `json:"error,omitempty"`
	Code         string            `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
	Used         *int              `json:"used,omitempty"`
	Limit        *int              `json:"limit,omitempty"`
	Providers    []ProviderFailure `json:"providers,omitempty"`
	FallbackPlan json.RawMessage   `json:"fallbackPlan,omitempty"`
}

// UnmarshalJSON accepts "error" as string or object and "providerErrors"
// as an alias of "providers".
func (b *ErrorBody) UnmarshalJSON(data []byte) error {
	type plain ErrorBody
	var aux struct {
		plain
		Error          json.RawMessage   `json:"error,omitempty"`
		ProviderErrors []ProviderFailure `json:"providerErrors,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = ErrorBody(aux.plain)
	b.Error = ""

	if len(aux.Error) > 0 && !bytes.Equal(aux.Error, []byte("null")) {
		var s string
		if err := json.Unmarshal(aux.Error, &s); err == nil {
			b.Error = s
		} else {
			var nested struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			}
			if err := json.Unmarshal(aux.Error, &nested); err == nil {
				b.Error = nested.Message
				if b.Code == "" {
					b.Code = nested.Code
				}
			}
		}
	}
	if len(b.Providers) == 0 {
		b.Providers = aux.ProviderErrors
	}
	return nil
}

// IsFailure reports whether the body describes an error: explicit
// ok:false, or an error or code field.
func (b ErrorBody) IsFailure() bool {
	if b.OK != nil && !*b.OK {
		return true
	}
	return b.Error != "" || b.Code != ""
}

// ParseBody decodes raw as an ErrorBody. ok is false when raw is not a
// JSON object.
func ParseBody(raw []byte) (ErrorBody, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return ErrorBody{}, false
	}
	var b ErrorBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return ErrorBody{}, false
	}
	return b, true
}
