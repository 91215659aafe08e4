// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
)

const maxResponseBytes = 4 << 20

// HTTPConfig configures an HTTPRunner.
type HTTPConfig struct {
	// BaseURL of the ML service, e.g. http://ml:8000.
	BaseURL string

	// RequestsPerSecond limits calls to the service. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int

	// Client overrides the HTTP client. Its timeout should be zero; stage
	// runs are bounded by the worker's context.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPRunner calls an ML service that implements the stage contract:
//
//	POST {base}/v1/stages/{stage}   body: Request   200: Result
//
// Error responses may carry {"error": "...", "kind": "input_invalid"} to
// classify themselves; otherwise the status code decides.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPRunner validates cfg and builds a runner.
func NewHTTPRunner(cfg HTTPConfig) (*HTTPRunner, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("stage service base URL is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPRunner{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.Client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.Logger,
	}, nil
}

type errorBody struct {
	Error  string      `json:"error"`
	Detail string      `json:"detail"`
	Kind   faults.Kind `json:"kind"`
}

// Run executes req on the remote service.
//
// # Description
//
// Waits for a rate limiter token, posts the request and decodes the result.
// Every error is classified:
//
//   - network failures, 5xx, 408 and 429 are Transient
//   - other 4xx are InputInvalid
//   - an undecodable 2xx body is Internal
//
// # Inputs
//
//   - ctx: Bounds the whole call, including the wait for a token.
//   - req: The stage request. Paths are absolute and must be reachable by
//     the service (shared volume).
//
// # Outputs
//
//   - *Result: Files and statistics reported by the service.
//   - error: A *faults.Error.
func (h *HTTPRunner) Run(ctx context.Context, req Request) (*Result, error) {
	op := string(req.Stage) + ".http"

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, faults.Transient(op, fmt.Errorf("wait for rate limit: %w", err))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, faults.Internal(op, fmt.Errorf("encode request: %w", err))
	}
	url := fmt.Sprintf("%s/v1/stages/%s", h.baseURL, req.Stage)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, faults.Internal(op, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.Warn("stage service call failed",
			"stage", req.Stage, "diagram_id", req.DiagramUID, "error", err)
		return nil, faults.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, faults.Transient(op, fmt.Errorf("read response: %w", err))
	}
	h.logger.Debug("stage service responded",
		"stage", req.Stage, "diagram_id", req.DiagramUID,
		"status_code", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyResponse(op, resp.StatusCode, body)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, faults.Internal(op, fmt.Errorf("decode response: %w", err))
	}
	return &result, nil
}

func classifyResponse(op string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Error != "":
			msg = eb.Error
		case eb.Detail != "":
			msg = eb.Detail
		}
		if eb.Kind.Valid() {
			return &faults.Error{Kind: eb.Kind, Op: op, Err: errors.New(msg)}
		}
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	err := fmt.Errorf("stage service returned %d: %s", code, msg)

	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return faults.Transient(op, err)
	case code >= 400 && code < 500:
		return faults.InputInvalid(op, err)
	default:
		return faults.Transient(op, err)
	}
}
