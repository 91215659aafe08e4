// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/engine"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
	"github.com/AleutianAI/pidpipeline/services/pipeline/watch"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// nopPipeline answers every call with store.ErrNotFound.
type nopPipeline struct{}

func (nopPipeline) Upload(context.Context, engine.UploadInput) (*datatypes.Diagram, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) List(context.Context, store.DiagramFilter) (*datatypes.DiagramList, error) {
	return &datatypes.DiagramList{Diagrams: []datatypes.Diagram{}}, nil
}
func (nopPipeline) ProjectCounts(context.Context) (map[string]datatypes.ProjectCounts, error) {
	return map[string]datatypes.ProjectCounts{}, nil
}
func (nopPipeline) Get(context.Context, uuid.UUID) (*datatypes.Diagram, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) Delete(context.Context, uuid.UUID) error { return store.ErrNotFound }
func (nopPipeline) Status(context.Context, uuid.UUID) (*datatypes.StatusResponse, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) Dispatch(context.Context, uuid.UUID, status.Stage) (*datatypes.DispatchResponse, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) Retry(context.Context, uuid.UUID) (*datatypes.DispatchResponse, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) Runs(context.Context, uuid.UUID) ([]datatypes.StageRun, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) Artifacts(context.Context, uuid.UUID) ([]datatypes.Artifact, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) SetTrainingFlag(context.Context, uuid.UUID, datatypes.ArtifactType, bool) error {
	return store.ErrNotFound
}
func (nopPipeline) OpenValidation(context.Context, uuid.UUID) (*datatypes.ValidationResponse, error) {
	return nil, store.ErrNotFound
}
func (nopPipeline) FetchValidated(context.Context, uuid.UUID) (*datatypes.DispatchResponse, error) {
	return nil, store.ErrNotFound
}

// scriptedWatch replays a fixed event list for one diagram.
type scriptedWatch struct {
	id     uuid.UUID
	events []watch.Event
}

func (s scriptedWatch) Subscribe(ctx context.Context, id uuid.UUID) (<-chan watch.Event, error) {
	if id != s.id {
		return nil, store.ErrNotFound
	}
	ch := make(chan watch.Event)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func newRouter(w watch.Provider) *gin.Engine {
	router := gin.New()
	SetupRoutes(router, Deps{
		Pipeline: nopPipeline{},
		Watch:    w,
		Gatherer: prometheus.NewRegistry(),
	})
	return router
}

func TestSetupRoutesRegistersAPI(t *testing.T) {
	router := newRouter(scriptedWatch{})

	registered := map[string]bool{}
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"POST /v1/diagrams",
		"GET /v1/diagrams",
		"GET /v1/diagrams/:id",
		"DELETE /v1/diagrams/:id",
		"GET /v1/diagrams/:id/status",
		"POST /v1/diagrams/:id/stages/:stage",
		"POST /v1/diagrams/:id/retry",
		"GET /v1/diagrams/:id/runs",
		"GET /v1/diagrams/:id/artifacts",
		"PATCH /v1/diagrams/:id/artifacts/:type",
		"POST /v1/diagrams/:id/validation/open",
		"POST /v1/diagrams/:id/validation/fetch",
		"GET /v1/diagrams/:id/watch",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
	assert.False(t, registered["GET /v1/projects"], "projects need a catalog")
}

func TestHealthMetricsAndNoRoute(t *testing.T) {
	router := newRouter(nil)

	cases := []struct {
		path string
		code int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/v2/diagrams", http.StatusNotFound},
		{"/v1/diagrams", http.StatusOK},
		{"/v1/diagrams/" + uuid.NewString(), http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.code, w.Code, tc.path)
	}
}

func TestWatchStreamsOverWebsocket(t *testing.T) {
	id := uuid.New()
	events := []watch.Event{
		{DiagramUID: id, Status: status.StatusSegmenting, Version: 3},
		{DiagramUID: id, Status: status.StatusSegmented, Previous: status.StatusSegmenting, Version: 4},
	}
	srv := httptest.NewServer(newRouter(scriptedWatch{id: id, events: events}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/diagrams/" + id.String() + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	for _, want := range events {
		var got watch.Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Version, got.Version)
	}

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWatchUnknownDiagram(t *testing.T) {
	srv := httptest.NewServer(newRouter(scriptedWatch{id: uuid.New()}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/diagrams/" + uuid.NewString() + "/watch"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
