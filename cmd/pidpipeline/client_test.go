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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Upload(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/diagrams", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "thermo", r.FormValue("project_code"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "unit-7.png", hdr.Filename)
		assert.Equal(t, "png-bytes", string(body))
		writeJSON(w, http.StatusCreated, datatypes.Diagram{UID: id, Number: 7, Status: status.StatusUploaded})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "unit-7.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o600))

	d, err := newAPIClient(srv.URL+"/", time.Second).Upload(context.Background(), "thermo", path)
	require.NoError(t, err)
	assert.Equal(t, id, d.UID)
	assert.EqualValues(t, 7, d.Number)
}

func TestClient_UploadMissingFile(t *testing.T) {
	_, err := newAPIClient("http://127.0.0.1:1", time.Second).
		Upload(context.Background(), "thermo", filepath.Join(t.TempDir(), "nope.png"))
	assert.Error(t, err)
}

func TestClient_APIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/diagrams/" + uuid.Nil.String() + "/status":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "diagram not found"})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	c := newAPIClient(srv.URL, time.Second)

	_, err := c.Status(context.Background(), uuid.Nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "diagram not found", apiErr.Message)

	_, err = c.Runs(context.Background(), uuid.New())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "Bad Gateway")
}

func TestClient_DispatchOutcomes(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/v1/diagrams/" + id.String() + "/stages/segment":
			writeJSON(w, http.StatusAccepted, datatypes.DispatchResponse{
				DiagramUID: id, Stage: status.StageSegment, Outcome: datatypes.DispatchAccepted, Attempt: 1,
			})
		case "/v1/diagrams/" + id.String() + "/retry":
			writeJSON(w, http.StatusConflict, datatypes.DispatchResponse{
				DiagramUID: id, Outcome: datatypes.DispatchRejected, Reason: "diagram is not in error",
				Status: status.StatusSegmented,
			})
		case "/v1/diagrams/" + id.String() + "/validation/fetch":
			writeJSON(w, http.StatusOK, datatypes.DispatchResponse{
				DiagramUID: id, Stage: status.StageValidateBBox, Outcome: datatypes.DispatchDuplicate,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := newAPIClient(srv.URL, time.Second)

	resp, err := c.Trigger(context.Background(), id, status.StageSegment)
	require.NoError(t, err)
	assert.Equal(t, datatypes.DispatchAccepted, resp.Outcome)

	resp, err = c.Retry(context.Background(), id)
	require.NoError(t, err, "409 carries a dispatch body")
	assert.Equal(t, datatypes.DispatchRejected, resp.Outcome)
	assert.Equal(t, "diagram is not in error", resp.Reason)

	resp, err = c.FetchValidated(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.DispatchDuplicate, resp.Outcome)
}

func TestClient_ListEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "thermo", q.Get("project_code"))
		assert.Equal(t, "validating_bbox", q.Get("status"))
		assert.Equal(t, "25", q.Get("limit"))
		assert.Empty(t, q.Get("offset"))
		writeJSON(w, http.StatusOK, datatypes.DiagramList{Diagrams: []datatypes.Diagram{{Number: 1}}, Total: 3})
	}))
	defer srv.Close()

	list, err := newAPIClient(srv.URL, time.Second).List(context.Background(), datatypes.ListDiagramsQuery{
		ProjectCode: "thermo", Status: "validating_bbox", Limit: 25,
	})
	require.NoError(t, err)
	assert.Len(t, list.Diagrams, 1)
	assert.Equal(t, 3, list.Total)
}

func TestClient_SetTrainingFlag(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/diagrams/"+id.String()+"/artifacts/coco_validated", r.URL.Path)
		var body datatypes.TrainingFlagRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.ForTraining)
		assert.False(t, *body.ForTraining)
		writeJSON(w, http.StatusOK, map[string]any{"for_training": false})
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL, time.Second).
		SetTrainingFlag(context.Background(), id, datatypes.ArtifactCOCOValidated, false)
	assert.NoError(t, err)
}

func TestClient_WatchURL(t *testing.T) {
	id := uuid.New()
	u, err := newAPIClient("https://pipeline.example.com", time.Second).watchURL(id)
	require.NoError(t, err)
	assert.Equal(t, "wss://pipeline.example.com/v1/diagrams/"+id.String()+"/watch", u)

	_, err = newAPIClient("ftp://pipeline.example.com", time.Second).watchURL(id)
	assert.Error(t, err)
}

func TestClient_WatchStopsOnTerminalStatus(t *testing.T) {
	id := uuid.New()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for _, s := range []status.Status{status.StatusGeneratingExport, status.StatusCompleted, status.StatusUploaded} {
			if err := ws.WriteJSON(datatypes.StatusEvent{DiagramUID: id, Status: s}); err != nil {
				return
			}
		}
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	var seen []status.Status
	err := newAPIClient(srv.URL, time.Second).Watch(context.Background(), id, func(ev datatypes.StatusEvent) error {
		seen = append(seen, ev.Status)
		if ev.Status.IsTerminal() {
			return errStopWatch
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []status.Status{status.StatusGeneratingExport, status.StatusCompleted}, seen)
}

func TestClient_WatchServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		_ = ws.WriteJSON(datatypes.StatusEvent{Status: status.StatusDetecting})
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
			time.Now().Add(time.Second))
	}))
	defer srv.Close()

	n := 0
	err := newAPIClient(srv.URL, time.Second).Watch(context.Background(), uuid.New(), func(datatypes.StatusEvent) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClient_WatchUnknownDiagram(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "diagram not found"})
	}))
	defer srv.Close()

	err := newAPIClient(srv.URL, time.Second).Watch(context.Background(), uuid.New(),
		func(datatypes.StatusEvent) error { return nil })
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
