// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the pipeline HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/engine"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

// Pipeline is the engine surface the API exposes.
type Pipeline interface {
	Upload(ctx context.Context, in engine.UploadInput) (*datatypes.Diagram, error)
	List(ctx context.Context, f store.DiagramFilter) (*datatypes.DiagramList, error)
	ProjectCounts(ctx context.Context) (map[string]datatypes.ProjectCounts, error)
	Get(ctx context.Context, id uuid.UUID) (*datatypes.Diagram, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (*datatypes.StatusResponse, error)
	Dispatch(ctx context.Context, id uuid.UUID, stage status.Stage) (*datatypes.DispatchResponse, error)
	Retry(ctx context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error)
	Runs(ctx context.Context, id uuid.UUID) ([]datatypes.StageRun, error)
	Artifacts(ctx context.Context, id uuid.UUID) ([]datatypes.Artifact, error)
	SetTrainingFlag(ctx context.Context, id uuid.UUID, t datatypes.ArtifactType, flag bool) error
	OpenValidation(ctx context.Context, id uuid.UUID) (*datatypes.ValidationResponse, error)
	FetchValidated(ctx context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error)
}

// ProjectCatalog lists project configs.
type ProjectCatalog interface {
	Get(ctx context.Context, code string) (*projects.Project, error)
	List(ctx context.Context) ([]*projects.Project, error)
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// outcomeCode maps a dispatch outcome to its HTTP status.
func outcomeCode(o datatypes.DispatchOutcome) int {
	switch o {
	case datatypes.DispatchAccepted:
		return http.StatusAccepted
	case datatypes.DispatchDuplicate:
		return http.StatusOK
	default:
		return http.StatusConflict
	}
}

// diagramID parses the :id path parameter, answering 400 when malformed.
func diagramID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid diagram id"})
		return uuid.Nil, false
	}
	return id, true
}

// abortWithError maps err to a status code and a message safe to show.
func abortWithError(c *gin.Context, op string, err error) {
	code, msg := http.StatusInternalServerError, "internal error"
	var fe *faults.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		code, msg = http.StatusNotFound, "diagram not found"
	case errors.Is(err, projects.ErrNotFound):
		code, msg = http.StatusNotFound, "project not found"
	case errors.Is(err, engine.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.As(err, &fe):
		switch fe.Kind {
		case faults.KindInputInvalid:
			code, msg = http.StatusUnprocessableEntity, fe.Message()
		case faults.KindTransient:
			code, msg = http.StatusBadGateway, fe.Message()
		}
	}
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "op", op, "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": msg})
}
