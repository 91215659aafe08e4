// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/engine"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePipeline answers from canned values and records what it was asked.
type fakePipeline struct {
	known    uuid.UUID
	outcome  datatypes.DispatchOutcome
	openErr  error
	uploaded []byte
	filter   store.DiagramFilter
	flag     *bool
	stage    status.Stage
	countErr error
}

func (f *fakePipeline) check(id uuid.UUID) error {
	if id != f.known {
		return store.ErrNotFound
	}
	return nil
}

func (f *fakePipeline) Upload(_ context.Context, in engine.UploadInput) (*datatypes.Diagram, error) {
	if in.ProjectCode != "thermo" {
		return nil, fmt.Errorf("%w: unknown project %q", engine.ErrInvalidInput, in.ProjectCode)
	}
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded = raw
	return &datatypes.Diagram{UID: f.known, Number: 1, ProjectCode: in.ProjectCode, OriginalFilename: in.Filename, Status: status.StatusUploaded}, nil
}

func (f *fakePipeline) List(_ context.Context, flt store.DiagramFilter) (*datatypes.DiagramList, error) {
	f.filter = flt
	return &datatypes.DiagramList{Diagrams: []datatypes.Diagram{{UID: f.known}}, Total: 1}, nil
}

func (f *fakePipeline) ProjectCounts(context.Context) (map[string]datatypes.ProjectCounts, error) {
	if f.countErr != nil {
		return nil, f.countErr
	}
	return map[string]datatypes.ProjectCounts{
		"thermo":  {Diagrams: 4, ValidationTasks: 1},
		"retired": {Diagrams: 2},
	}, nil
}

func (f *fakePipeline) Get(_ context.Context, id uuid.UUID) (*datatypes.Diagram, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}
	return &datatypes.Diagram{UID: id, Status: status.StatusDetected}, nil
}

func (f *fakePipeline) Delete(_ context.Context, id uuid.UUID) error { return f.check(id) }

func (f *fakePipeline) Status(_ context.Context, id uuid.UUID) (*datatypes.StatusResponse, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}
	next := status.StageValidateBBox
	return &datatypes.StatusResponse{DiagramUID: id, Status: status.StatusDetected, NextStage: &next}, nil
}

func (f *fakePipeline) dispatch(id uuid.UUID, stage status.Stage) (*datatypes.DispatchResponse, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}
	f.stage = stage
	return &datatypes.DispatchResponse{DiagramUID: id, Stage: stage, Outcome: f.outcome, Attempt: 1}, nil
}

func (f *fakePipeline) Dispatch(_ context.Context, id uuid.UUID, stage status.Stage) (*datatypes.DispatchResponse, error) {
	return f.dispatch(id, stage)
}

func (f *fakePipeline) Retry(_ context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error) {
	return f.dispatch(id, status.StageSegment)
}

func (f *fakePipeline) Runs(_ context.Context, id uuid.UUID) ([]datatypes.StageRun, error) {
	return nil, f.check(id)
}

func (f *fakePipeline) Artifacts(_ context.Context, id uuid.UUID) ([]datatypes.Artifact, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}
	return []datatypes.Artifact{{DiagramUID: id, Type: datatypes.ArtifactOriginalImage}}, nil
}

func (f *fakePipeline) SetTrainingFlag(_ context.Context, id uuid.UUID, _ datatypes.ArtifactType, flag bool) error {
	f.flag = &flag
	return f.check(id)
}

func (f *fakePipeline) OpenValidation(_ context.Context, id uuid.UUID) (*datatypes.ValidationResponse, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &datatypes.ValidationResponse{DiagramUID: id, Stage: status.StageValidateBBox, URL: "https://cvat/tasks/1/jobs/2", Outcome: string(f.outcome)}, nil
}

func (f *fakePipeline) FetchValidated(_ context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error) {
	return f.dispatch(id, status.StageValidateBBox)
}

type fakeCatalog struct{}

func (fakeCatalog) Get(_ context.Context, code string) (*projects.Project, error) {
	if code != "thermo" {
		return nil, projects.ErrNotFound
	}
	return &projects.Project{Code: "thermo", Name: "Thermo"}, nil
}

func (fakeCatalog) List(context.Context) ([]*projects.Project, error) {
	return []*projects.Project{{Code: "thermo", Name: "Thermo"}, {Code: "refinery", Name: "Refinery"}}, nil
}

func newRouter(p *fakePipeline) *gin.Engine {
	r := gin.New()
	r.POST("/diagrams", UploadDiagram(p, 1<<20))
	r.GET("/diagrams", ListDiagrams(p))
	r.GET("/diagrams/:id", GetDiagram(p))
	r.DELETE("/diagrams/:id", DeleteDiagram(p))
	r.GET("/diagrams/:id/status", GetStatus(p))
	r.POST("/diagrams/:id/stages/:stage", TriggerStage(p))
	r.POST("/diagrams/:id/retry", RetryDiagram(p))
	r.GET("/diagrams/:id/runs", ListRuns(p))
	r.GET("/diagrams/:id/artifacts", ListArtifacts(p))
	r.PATCH("/diagrams/:id/artifacts/:type", SetTrainingFlag(p))
	r.POST("/diagrams/:id/validation/open", OpenValidation(p))
	r.POST("/diagrams/:id/validation/fetch", FetchValidated(p))
	r.GET("/projects", ListProjects(fakeCatalog{}, p))
	r.GET("/projects/:code", GetProject(fakeCatalog{}))
	return r
}

func do(r http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, project string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if project != "" {
		require.NoError(t, mw.WriteField("project_code", project))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "plant.png")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadDiagram(t *testing.T) {
	p := &fakePipeline{known: uuid.New()}
	r := newRouter(p)

	body, ct := multipartUpload(t, "thermo", []byte("png-bytes"))
	w := do(r, http.MethodPost, "/diagrams", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []byte("png-bytes"), p.uploaded)

	var d datatypes.Diagram
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, "plant.png", d.OriginalFilename)

	cases := []struct {
		name    string
		project string
		file    []byte
	}{
		{"missing project", "", []byte("x")},
		{"bad project code", "no spaces!", []byte("x")},
		{"missing file", "thermo", nil},
		{"unknown project", "other", []byte("x")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartUpload(t, tc.project, tc.file)
			w := do(r, http.MethodPost, "/diagrams", body, ct)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestListDiagrams(t *testing.T) {
	p := &fakePipeline{known: uuid.New()}
	r := newRouter(p)

	w := do(r, http.MethodGet, "/diagrams?project_code=thermo&status=detected&limit=10&offset=20", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.DiagramFilter{ProjectCode: "thermo", Status: status.StatusDetected, Limit: 10, Offset: 20}, p.filter)

	w = do(r, http.MethodGet, "/diagrams", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultPageSize, p.filter.Limit)

	for _, q := range []string{"status=painted", "limit=0x", "limit=501"} {
		w = do(r, http.MethodGet, "/diagrams?"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestDiagramLookups(t *testing.T) {
	id := uuid.New()
	r := newRouter(&fakePipeline{known: id})

	for _, path := range []string{"", "/status", "/runs", "/artifacts"} {
		w := do(r, http.MethodGet, "/diagrams/"+id.String()+path, nil, "")
		assert.Equal(t, http.StatusOK, w.Code, path)

		w = do(r, http.MethodGet, "/diagrams/"+uuid.NewString()+path, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)

		w = do(r, http.MethodGet, "/diagrams/not-a-uuid"+path, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := do(r, http.MethodGet, "/diagrams/"+id.String()+"/runs", nil, "")
	assert.JSONEq(t, `{"runs":[]}`, w.Body.String())

	w = do(r, http.MethodDelete, "/diagrams/"+id.String(), nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerOutcomeCodes(t *testing.T) {
	id := uuid.New()
	cases := map[datatypes.DispatchOutcome]int{
		datatypes.DispatchAccepted:  http.StatusAccepted,
		datatypes.DispatchDuplicate: http.StatusOK,
		datatypes.DispatchRejected:  http.StatusConflict,
	}
	for outcome, code := range cases {
		p := &fakePipeline{known: id, outcome: outcome}
		r := newRouter(p)

		w := do(r, http.MethodPost, "/diagrams/"+id.String()+"/stages/segment", nil, "")
		assert.Equal(t, code, w.Code, outcome)
		assert.Equal(t, status.StageSegment, p.stage)

		w = do(r, http.MethodPost, "/diagrams/"+id.String()+"/retry", nil, "")
		assert.Equal(t, code, w.Code, outcome)

		w = do(r, http.MethodPost, "/diagrams/"+id.String()+"/validation/fetch", nil, "")
		assert.Equal(t, code, w.Code, outcome)

		w = do(r, http.MethodPost, "/diagrams/"+id.String()+"/validation/open", nil, "")
		assert.Equal(t, code, w.Code, outcome)
	}

	r := newRouter(&fakePipeline{known: id, outcome: datatypes.DispatchAccepted})
	w := do(r, http.MethodPost, "/diagrams/"+id.String()+"/stages/paint", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/diagrams/"+uuid.NewString()+"/stages/detect", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpenValidationToolErrors(t *testing.T) {
	id := uuid.New()
	cases := []struct {
		err  error
		code int
	}{
		{faults.Transient("cvat.create_task", errors.New("connection refused")), http.StatusBadGateway},
		{faults.InputInvalidf("cvat.create_task", "project has no classes"), http.StatusUnprocessableEntity},
		{faults.Internal("cvat", errors.New("token rejected")), http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newRouter(&fakePipeline{known: id, openErr: tc.err})
		w := do(r, http.MethodPost, "/diagrams/"+id.String()+"/validation/open", nil, "")
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}

	r := newRouter(&fakePipeline{known: id, openErr: faults.Internal("cvat", errors.New("token abc123 rejected"))})
	w := do(r, http.MethodPost, "/diagrams/"+id.String()+"/validation/open", nil, "")
	assert.NotContains(t, w.Body.String(), "abc123")
}

func TestSetTrainingFlag(t *testing.T) {
	id := uuid.New()
	p := &fakePipeline{known: id}
	r := newRouter(p)
	path := "/diagrams/" + id.String() + "/artifacts/coco_validated"

	w := do(r, http.MethodPatch, path, strings.NewReader(`{"for_training": false}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, p.flag)
	assert.False(t, *p.flag)

	w = do(r, http.MethodPatch, path, strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPatch, "/diagrams/"+id.String()+"/artifacts/selfie", strings.NewReader(`{"for_training": true}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProjects(t *testing.T) {
	r := newRouter(&fakePipeline{})

	w := do(r, http.MethodGet, "/projects", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Projects []struct {
			Code           string `json:"code"`
			Name           string `json:"name"`
			DiagramCount   int    `json:"diagram_count"`
			HasCVATProject bool   `json:"has_cvat_project"`
		} `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Projects, 2, "diagrams of a project without a config are not listed")
	assert.Equal(t, "thermo", body.Projects[0].Code)
	assert.Equal(t, "Thermo", body.Projects[0].Name)
	assert.Equal(t, 4, body.Projects[0].DiagramCount)
	assert.True(t, body.Projects[0].HasCVATProject)
	assert.Equal(t, "refinery", body.Projects[1].Code)
	assert.Zero(t, body.Projects[1].DiagramCount)
	assert.False(t, body.Projects[1].HasCVATProject)

	failing := newRouter(&fakePipeline{countErr: errors.New("database is locked")})
	w = do(failing, http.MethodGet, "/projects", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(r, http.MethodGet, "/projects/thermo", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/projects/other", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
