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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// APIError is a non-2xx answer from the pipeline service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pipeline service returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("pipeline service returned %d: %s", e.StatusCode, e.Message)
}

// apiClient talks to the pipeline service over its v1 API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) diagramURL(id uuid.UUID, suffix string) string {
	return fmt.Sprintf("%s/v1/diagrams/%s%s", c.baseURL, id, suffix)
}

// do sends req and decodes a JSON body into out. Any 2xx status is success;
// the code is returned so callers can tell accepted from duplicate.
func (c *apiClient) do(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach the pipeline service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &msg) == nil {
			apiErr.Message = msg.Error
		}
		// 409 still carries a dispatch body worth showing.
		if resp.StatusCode == http.StatusConflict && out != nil {
			if json.Unmarshal(body, out) == nil {
				return resp.StatusCode, nil
			}
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) call(ctx context.Context, method, u string, body io.Reader, contentType string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

// Upload sends one image file for a project.
func (c *apiClient) Upload(ctx context.Context, projectCode, path string) (*datatypes.Diagram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("project_code", projectCode); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var d datatypes.Diagram
	if _, err := c.call(ctx, http.MethodPost, c.baseURL+"/v1/diagrams", &body, mw.FormDataContentType(), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// List pages through diagrams.
func (c *apiClient) List(ctx context.Context, q datatypes.ListDiagramsQuery) (*datatypes.DiagramList, error) {
	v := url.Values{}
	if q.ProjectCode != "" {
		v.Set("project_code", q.ProjectCode)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	u := c.baseURL + "/v1/diagrams"
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	var list datatypes.DiagramList
	if _, err := c.call(ctx, http.MethodGet, u, nil, "", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Status returns the status view of a diagram.
func (c *apiClient) Status(ctx context.Context, id uuid.UUID) (*datatypes.StatusResponse, error) {
	var s datatypes.StatusResponse
	if _, err := c.call(ctx, http.MethodGet, c.diagramURL(id, "/status"), nil, "", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete removes a diagram.
func (c *apiClient) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := c.call(ctx, http.MethodDelete, c.diagramURL(id, ""), nil, "", nil)
	return err
}

// Runs lists a diagram's stage runs.
func (c *apiClient) Runs(ctx context.Context, id uuid.UUID) ([]datatypes.StageRun, error) {
	var out struct {
		Runs []datatypes.StageRun `json:"runs"`
	}
	if _, err := c.call(ctx, http.MethodGet, c.diagramURL(id, "/runs"), nil, "", &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Artifacts lists a diagram's artifacts.
func (c *apiClient) Artifacts(ctx context.Context, id uuid.UUID) ([]datatypes.Artifact, error) {
	var out struct {
		Artifacts []datatypes.Artifact `json:"artifacts"`
	}
	if _, err := c.call(ctx, http.MethodGet, c.diagramURL(id, "/artifacts"), nil, "", &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// SetTrainingFlag marks or unmarks an artifact for training export.
func (c *apiClient) SetTrainingFlag(ctx context.Context, id uuid.UUID, typ datatypes.ArtifactType, on bool) error {
	body, err := json.Marshal(datatypes.TrainingFlagRequest{ForTraining: &on})
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPatch, c.diagramURL(id, "/artifacts/"+string(typ)),
		bytes.NewReader(body), "application/json", nil)
	return err
}

func (c *apiClient) dispatch(ctx context.Context, u string) (*datatypes.DispatchResponse, error) {
	var resp datatypes.DispatchResponse
	if _, err := c.call(ctx, http.MethodPost, u, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Trigger dispatches one stage.
func (c *apiClient) Trigger(ctx context.Context, id uuid.UUID, stage status.Stage) (*datatypes.DispatchResponse, error) {
	return c.dispatch(ctx, c.diagramURL(id, "/stages/"+string(stage)))
}

// Retry re-dispatches the failed stage.
func (c *apiClient) Retry(ctx context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error) {
	return c.dispatch(ctx, c.diagramURL(id, "/retry"))
}

// FetchValidated queues the fetch of a human stage's output.
func (c *apiClient) FetchValidated(ctx context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error) {
	return c.dispatch(ctx, c.diagramURL(id, "/validation/fetch"))
}

// OpenValidation opens the next human stage.
func (c *apiClient) OpenValidation(ctx context.Context, id uuid.UUID) (*datatypes.ValidationResponse, error) {
	var resp datatypes.ValidationResponse
	if _, err := c.call(ctx, http.MethodPost, c.diagramURL(id, "/validation/open"), nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// watchURL turns the http base URL into the websocket URL of a diagram.
func (c *apiClient) watchURL(id uuid.UUID) (string, error) {
	u, err := url.Parse(c.diagramURL(id, "/watch"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Watch streams status events of a diagram until the server closes the
// stream, ctx is cancelled, or fn returns an error.
func (c *apiClient) Watch(ctx context.Context, id uuid.UUID, fn func(datatypes.StatusEvent) error) error {
	u, err := c.watchURL(id)
	if err != nil {
		return err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var msg struct {
				Error string `json:"error"`
			}
			if json.NewDecoder(resp.Body).Decode(&msg) == nil {
				apiErr.Message = msg.Error
			}
			return apiErr
		}
		return fmt.Errorf("failed to open the watch stream: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var ev datatypes.StatusEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch stream failed: %w", err)
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, errStopWatch) {
				return nil
			}
			return err
		}
	}
}

// errStopWatch ends Watch without an error.
var errStopWatch = errors.New("stop watching")
