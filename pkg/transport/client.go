// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport sends AI query requests and sorts responses into
// stream, JSON error, or unexpected JSON outcomes.
//
// The content type is inspected before the body is touched and every
// body is read exactly once by exactly one consumer: the classifier for
// JSON, the session's stream reader for everything else. A 2xx JSON
// response is authoritative and is never handed to the stream reader.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/stageflow/stageflow-ai/pkg/aierr"
)

// DefaultMaxErrorBody caps how much of a JSON response is buffered.
const DefaultMaxErrorBody = 256 << 10

// =============================================================================
// Outcomes
// =============================================================================

// Outcome is one of StreamStarted, JSONError or JSONUnexpected.
type Outcome interface {
	outcome()
}

// StreamStarted hands the unread body to the stream reader. The receiver
// owns Body and must close it.
type StreamStarted struct {
	Body        io.ReadCloser
	Status      int
	ContentType string
	RequestID   string
}

// JSONError is a classified failure from a non-2xx response or a 2xx JSON
// body carrying ok:false, error, or code.
type JSONError struct {
	Record    aierr.ErrorRecord
	RequestID string
}

// JSONUnexpected is a 2xx JSON body that is not an error.
type JSONUnexpected struct {
	Status    int
	Raw       []byte
	RequestID string
}

func (StreamStarted) outcome()  {}
func (JSONError) outcome()      {}
func (JSONUnexpected) outcome() {}

// =============================================================================
// Client
// =============================================================================

// HTTPDoer is the subset of *http.Client the transport needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the absolute URL of the AI query endpoint.
	Endpoint string

	// Tokens supplies the bearer token. Nil sends cookie auth only.
	Tokens TokenSource

	// Cookies seed the jar for the endpoint's host as the fallback auth.
	Cookies []*http.Cookie

	// HTTP overrides the default client. When set, Cookies are ignored
	// unless the caller's client has its own jar.
	HTTP HTTPDoer

	// MaxErrorBody caps buffered JSON bodies. Zero means DefaultMaxErrorBody.
	MaxErrorBody int64

	Logger *slog.Logger
}

// Client sends AI query requests. Safe for concurrent use.
type Client struct {
	endpoint *url.URL
	tokens   TokenSource
	http     HTTPDoer
	maxBody  int64
	logger   *slog.Logger
}

// New validates cfg and builds a Client.
//
// # Description
//
// Without cfg.HTTP, a client with a cookie jar and no overall timeout is
// created: streams are long lived, so deadlines are owned by the session's
// idle timer and the caller's context.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil when Endpoint is not an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}

	doer := cfg.HTTP
	if doer == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		if len(cfg.Cookies) > 0 {
			jar.SetCookies(u, cfg.Cookies)
		}
		doer = &http.Client{Jar: jar}
	}

	maxBody := cfg.MaxErrorBody
	if maxBody <= 0 {
		maxBody = DefaultMaxErrorBody
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: u,
		tokens:   cfg.Tokens,
		http:     doer,
		maxBody:  maxBody,
		logger:   logger,
	}, nil
}

// Send posts req and classifies the response.
//
// # Description
//
// Refreshes the session token (failure is logged, not fatal: cookie auth
// may still succeed), then posts req. The response is sorted without
// reading the body unless it is JSON:
//
//   - non-2xx: body read once, classified as aierr.HTTPFailure → JSONError
//   - 2xx JSON with ok:false / error / code: aierr.BodyFailure → JSONError
//   - 2xx JSON otherwise: JSONUnexpected
//   - 2xx anything else: StreamStarted with the unread body
//
// # Inputs
//
//   - ctx: Governs the whole exchange including the later stream read.
//   - req: Validated before sending.
//
// # Outputs
//
//   - Outcome: Non-nil when error is nil.
//   - error: Request validation, token, or network failure before any
//     response existed. Callers classify it with aierr.Exception.
func (c *Client) Send(ctx context.Context, req Request) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	start := time.Now()

	ctx, span := startSendSpan(ctx, requestID, req.Provider)
	defer span.End()

	httpReq, err := c.newHTTPRequest(ctx, requestID, req)
	if err != nil {
		span.RecordError(err)
		recordSend(ctx, span, start, outcomeFailed, 0)
		return nil, err
	}

	c.logger.Debug("sending ai request",
		"request_id", requestID,
		"provider", req.Provider,
		"history_len", len(req.ConversationHistory),
		"deal_count", len(req.Deals),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf("http post: %w (%w)", cause, err)
		} else {
			err = fmt.Errorf("http post: %w", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		recordSend(ctx, span, start, outcomeFailed, 0)
		c.logger.Warn("ai request failed before response",
			"request_id", requestID,
			"error", err,
		)
		return nil, err
	}

	out := c.sortResponse(requestID, resp)
	switch o := out.(type) {
	case StreamStarted:
		recordSend(ctx, span, start, outcomeStream, o.Status)
	case JSONError:
		span.SetStatus(codes.Error, string(o.Record.Code))
		recordSend(ctx, span, start, outcomeJSONError, resp.StatusCode)
	case JSONUnexpected:
		recordSend(ctx, span, start, outcomeUnexpected, o.Status)
	}
	return out, nil
}

func (c *Client) newHTTPRequest(ctx context.Context, requestID string, req Request) (*http.Request, error) {
	body, err := json.Marshal(req.normalized())
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	if c.tokens != nil {
		if err := c.tokens.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("refresh session: %w", context.Cause(ctx))
			}
			c.logger.Warn("session refresh failed, using current token",
				"request_id", requestID,
				"error", err,
			)
		}
		token, err := c.tokens.Token(ctx)
		switch {
		case err == nil:
			httpReq.Header.Set("Authorization", "Bearer "+token)
		case errors.Is(err, ErrNoToken):
			// cookie auth only
		default:
			return nil, fmt.Errorf("read session token: %w", err)
		}
		c.logger.Debug("auth prepared", "request_id", requestID, "token_present", err == nil)
	}
	return httpReq, nil
}

// sortResponse decides who owns resp.Body. JSON bodies are read and
// closed here; stream bodies are returned unread.
func (c *Client) sortResponse(requestID string, resp *http.Response) Outcome {
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300

	if ok2xx && !isJSON(mediaType) {
		return StreamStarted{
			Body:        resp.Body,
			Status:      resp.StatusCode,
			ContentType: contentType,
			RequestID:   requestID,
		}
	}

	raw, readErr := c.readOnce(resp.Body)
	if readErr != nil {
		c.logger.Warn("failed to read response body",
			"request_id", requestID,
			"status_code", resp.StatusCode,
			"error", readErr,
		)
	}

	if !ok2xx {
		rec := aierr.Classify(aierr.HTTPFailure{Status: resp.StatusCode, Body: raw})
		c.logger.Warn("ai request rejected",
			"request_id", requestID,
			"status_code", resp.StatusCode,
			"code", rec.Code,
			"detail", rec.Detail,
		)
		return JSONError{Record: rec, RequestID: requestID}
	}

	if body, ok := aierr.ParseBody(raw); ok && body.IsFailure() {
		rec := aierr.Classify(aierr.BodyFailure{Status: resp.StatusCode, Body: body})
		c.logger.Warn("ai request returned error body",
			"request_id", requestID,
			"status_code", resp.StatusCode,
			"code", rec.Code,
		)
		return JSONError{Record: rec, RequestID: requestID}
	}
	return JSONUnexpected{Status: resp.StatusCode, Raw: raw, RequestID: requestID}
}

// isJSON matches application/json and structured +json types such as
// application/problem+json.
func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func (c *Client) readOnce(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	return io.ReadAll(io.LimitReader(body, c.maxBody))
}
