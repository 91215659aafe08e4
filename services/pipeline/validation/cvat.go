// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
)

const (
	formatYOLO = "YOLO 1.1"
	formatCOCO = "COCO 1.0"

	maxCVATResponse = 256 << 20
)

// CVATConfig configures CVATTool.
type CVATConfig struct {
	// BaseURL is the API address the server uses.
	BaseURL string
	// BrowserURL is the address people open. Defaults to BaseURL.
	BrowserURL string
	// Token is sent as "Authorization: Token <token>".
	Token string

	// ImageQuality is the compression quality of the uploaded image.
	ImageQuality int
	// PollAttempts and PollInterval bound waits for job creation and
	// annotation export.
	PollAttempts int
	PollInterval time.Duration

	Client *http.Client
	Logger *slog.Logger
}

// CVATTool validates bounding boxes in a CVAT server.
//
// # Description
//
// Open creates (or finds) the CVAT project named by the project config with
// its class labels, creates a task for the diagram, uploads the original
// image and imports the detector's boxes as a YOLO 1.1 archive.
//
// Fetch exports the task as COCO 1.0 and writes coco_validated.json and a
// normalized yolo_validated.txt converted from it.
//
// # Thread Safety
//
// Safe for concurrent use.
type CVATTool struct {
	cfg    CVATConfig
	files  *artifacts.FileStore
	logger *slog.Logger
}

// NewCVATTool builds a tool that writes validated files into files.
func NewCVATTool(cfg CVATConfig, files *artifacts.FileStore) (*CVATTool, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("cvat base url is required")
	}
	if files == nil {
		return nil, errors.New("file store is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BrowserURL == "" {
		cfg.BrowserURL = cfg.BaseURL
	}
	cfg.BrowserURL = strings.TrimRight(cfg.BrowserURL, "/")
	if cfg.ImageQuality <= 0 {
		cfg.ImageQuality = 70
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CVATTool{cfg: cfg, files: files, logger: logger}, nil
}

// TaskURL returns the browser address of a job.
func (c *CVATTool) TaskURL(taskID, jobID int64) string {
	return fmt.Sprintf("%s/tasks/%d/jobs/%d", c.cfg.BrowserURL, taskID, jobID)
}

// Open implements Tool.
func (c *CVATTool) Open(ctx context.Context, req OpenRequest) (*Handle, error) {
	const op = "cvat open"
	if req.TaskID != nil && req.JobID != nil {
		return &Handle{URL: c.TaskURL(*req.TaskID, *req.JobID), TaskID: req.TaskID, JobID: req.JobID}, nil
	}
	if req.Project == nil {
		return nil, faults.Internal(op, errors.New("project config missing"))
	}
	image, ok := req.Inputs[datatypes.ArtifactOriginalImage]
	if !ok {
		return nil, faults.InputInvalidf(op, "original image missing")
	}

	projectID, err := c.projectID(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("Diagram #%d - %s", req.Number, req.OriginalFilename)
	taskID, err := c.createTask(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	if err := c.uploadImage(ctx, taskID, image); err != nil {
		return nil, err
	}
	jobID, err := c.waitForJob(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if pred, ok := req.Inputs[datatypes.ArtifactYOLOPredicted]; ok {
		if err := c.importPredictions(ctx, req.Project, taskID, image, pred); err != nil {
			return nil, err
		}
	}

	c.logger.Info("cvat task created",
		"diagram_id", req.DiagramUID, "cvat_project_id", projectID, "task_id", taskID, "job_id", jobID)
	return &Handle{URL: c.TaskURL(taskID, jobID), TaskID: &taskID, JobID: &jobID}, nil
}

// Fetch implements Tool.
func (c *CVATTool) Fetch(ctx context.Context, req stages.Request) (*stages.Result, error) {
	const op = "cvat fetch"
	taskID, ok := req.External[RefTaskID]
	if !ok || taskID == 0 {
		return nil, faults.InputInvalidf(op, "no annotation task was opened for this diagram")
	}

	archive, err := c.exportAnnotations(ctx, taskID)
	if err != nil {
		return nil, err
	}
	raw, doc, err := ReadCOCOArchive(archive)
	if err != nil {
		return nil, faults.InputInvalid(op, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return nil, faults.InputInvalid(op, err)
	}
	boxes := doc.Boxes()

	res := &stages.Result{Statistics: map[string]int64{
		datatypes.StatValidatedDetectionCount: int64(len(boxes)),
	}}
	files := []struct {
		t    datatypes.ArtifactType
		body []byte
	}{
		{datatypes.ArtifactCOCOValidated, pretty.Bytes()},
		{datatypes.ArtifactYOLOValidated, []byte(FormatYOLO(boxes))},
	}
	for _, f := range files {
		out, err := writeOutput(ctx, c.files, req, f.t, bytes.NewReader(f.body))
		if err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, out)
	}
	return res, nil
}

func (c *CVATTool) importPredictions(ctx context.Context, p *projects.Project, taskID int64, image, predPath string) error {
	const op = "cvat import predictions"
	raw, err := os.ReadFile(predPath)
	if err != nil {
		return faults.InputInvalid(op, err)
	}
	boxes, err := ParseYOLO(raw)
	if err != nil {
		return faults.InputInvalid(op, err)
	}
	if len(boxes) == 0 {
		return nil
	}
	archive, err := YOLOArchive(p, filepath.Base(image), boxes)
	if err != nil {
		return faults.Internal(op, err)
	}

	body, contentType, err := multipartBody(func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("annotation_file", "annotations.zip")
		if err != nil {
			return err
		}
		_, err = part.Write(archive)
		return err
	})
	if err != nil {
		return faults.Internal(op, err)
	}
	q := url.Values{"format": {formatYOLO}}
	_, _, err = c.do(ctx, op, http.MethodPut, fmt.Sprintf("/api/tasks/%d/annotations", taskID), q, body, contentType)
	return err
}

type cvatList struct {
	Results []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"results"`
}

type cvatCreated struct {
	ID int64 `json:"id"`
}

func (c *CVATTool) projectID(ctx context.Context, p *projects.Project) (int64, error) {
	const op = "cvat project"
	_, raw, err := c.do(ctx, op, http.MethodGet, "/api/projects", url.Values{"search": {p.CVATProjectName}}, nil, "")
	if err != nil {
		return 0, err
	}
	var list cvatList
	if err := json.Unmarshal(raw, &list); err != nil {
		return 0, faults.Transient(op, fmt.Errorf("decode project list: %w", err))
	}
	for _, r := range list.Results {
		if r.Name == p.CVATProjectName {
			return r.ID, nil
		}
	}

	type label struct {
		Name string `json:"name"`
	}
	payload := struct {
		Name   string  `json:"name"`
		Labels []label `json:"labels"`
	}{Name: p.CVATProjectName}
	for _, cls := range p.SortedClasses() {
		payload.Labels = append(payload.Labels, label{Name: cls.Name})
	}
	id, err := c.create(ctx, op, "/api/projects", payload)
	if err != nil {
		return 0, err
	}
	c.logger.Info("cvat project created", "cvat_project_id", id, "name", p.CVATProjectName, "labels", len(payload.Labels))
	return id, nil
}

func (c *CVATTool) createTask(ctx context.Context, projectID int64, name string) (int64, error) {
	payload := struct {
		Name      string `json:"name"`
		ProjectID int64  `json:"project_id"`
	}{name, projectID}
	return c.create(ctx, "cvat create task", "/api/tasks", payload)
}

func (c *CVATTool) create(ctx context.Context, op, path string, payload any) (int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, faults.Internal(op, err)
	}
	_, raw, err := c.do(ctx, op, http.MethodPost, path, nil, bytes.NewReader(buf), "application/json")
	if err != nil {
		return 0, err
	}
	var created cvatCreated
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == 0 {
		return 0, faults.Transient(op, fmt.Errorf("unexpected create response: %s", truncate(raw)))
	}
	return created.ID, nil
}

func (c *CVATTool) uploadImage(ctx context.Context, taskID int64, image string) error {
	const op = "cvat upload image"
	f, err := os.Open(image)
	if err != nil {
		return faults.InputInvalid(op, err)
	}
	defer f.Close()

	body, contentType, err := multipartBody(func(w *multipart.Writer) error {
		part, err := w.CreateFormFile("client_files[0]", filepath.Base(image))
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			return err
		}
		return w.WriteField("image_quality", fmt.Sprint(c.cfg.ImageQuality))
	})
	if err != nil {
		return faults.Transient(op, err)
	}
	_, _, err = c.do(ctx, op, http.MethodPost, fmt.Sprintf("/api/tasks/%d/data", taskID), nil, body, contentType)
	return err
}

// waitForJob polls until CVAT has split the task into its first job.
func (c *CVATTool) waitForJob(ctx context.Context, taskID int64) (int64, error) {
	const op = "cvat wait for job"
	q := url.Values{"task_id": {fmt.Sprint(taskID)}}
	for i := 0; i < c.cfg.PollAttempts; i++ {
		_, raw, err := c.do(ctx, op, http.MethodGet, "/api/jobs", q, nil, "")
		if err != nil {
			return 0, err
		}
		var list cvatList
		if err := json.Unmarshal(raw, &list); err == nil && len(list.Results) > 0 {
			return list.Results[0].ID, nil
		}
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			return 0, faults.Transient(op, err)
		}
	}
	return 0, faults.Transient(op, fmt.Errorf("task %d has no job after %d attempts", taskID, c.cfg.PollAttempts))
}

// exportAnnotations downloads the COCO export. CVAT answers 202 while the
// export is prepared and 201 once it is ready for download.
func (c *CVATTool) exportAnnotations(ctx context.Context, taskID int64) ([]byte, error) {
	const op = "cvat export"
	q := url.Values{"format": {formatCOCO}, "action": {"download"}}
	path := fmt.Sprintf("/api/tasks/%d/annotations", taskID)
	for i := 0; i < c.cfg.PollAttempts; i++ {
		code, raw, err := c.do(ctx, op, http.MethodGet, path, q, nil, "")
		if err != nil {
			return nil, err
		}
		if code == http.StatusOK {
			return raw, nil
		}
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil, faults.Transient(op, err)
		}
	}
	return nil, faults.Transient(op, fmt.Errorf("export of task %d not ready after %d attempts", taskID, c.cfg.PollAttempts))
}

// do sends one request and classifies failures.
func (c *CVATTool) do(ctx context.Context, op, method, path string, q url.Values, body io.Reader, contentType string) (int, []byte, error) {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, faults.Internal(op, err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return 0, nil, faults.Transient(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCVATResponse))
	if err != nil {
		return 0, nil, faults.Transient(op, fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("cvat request", "method", method, "path", path, "status_code", resp.StatusCode, "bytes", len(raw))

	if resp.StatusCode < 300 {
		return resp.StatusCode, raw, nil
	}
	cause := fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(raw))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, nil, faults.Internal(op, cause)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, nil, faults.Transient(op, cause)
	case resp.StatusCode < 500:
		return resp.StatusCode, nil, faults.InputInvalid(op, cause)
	default:
		return resp.StatusCode, nil, faults.Transient(op, cause)
	}
}

func multipartBody(fill func(w *multipart.Writer) error) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := fill(w); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
