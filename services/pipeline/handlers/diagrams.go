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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/engine"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

const defaultPageSize = 50

// UploadDiagram accepts a multipart upload with a "file" part and a
// "project_code" field and creates the diagram.
func UploadDiagram(p Pipeline, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		var req datatypes.UploadRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "project_code is required"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project_code"})
			return
		}
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}
		defer f.Close()

		d, err := p.Upload(c.Request.Context(), engine.UploadInput{
			ProjectCode: req.ProjectCode,
			Filename:    fh.Filename,
			Body:        f,
		})
		if err != nil {
			abortWithError(c, "upload", err)
			return
		}
		slog.Info("diagram created via API", "diagram_id", d.UID, "number", d.Number)
		c.JSON(http.StatusCreated, d)
	}
}

// ListDiagrams returns one page of diagrams.
func ListDiagrams(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q datatypes.ListDiagramsQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
			return
		}
		if err := q.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if q.Limit == 0 {
			q.Limit = defaultPageSize
		}
		list, err := p.List(c.Request.Context(), store.DiagramFilter{
			ProjectCode: q.ProjectCode,
			Status:      status.Status(q.Status),
			Limit:       q.Limit,
			Offset:      q.Offset,
		})
		if err != nil {
			abortWithError(c, "list", err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// GetDiagram returns a diagram record.
func GetDiagram(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		d, err := p.Get(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "get", err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// DeleteDiagram removes a diagram with its runs, artifacts and files.
func DeleteDiagram(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		if err := p.Delete(c.Request.Context(), id); err != nil {
			abortWithError(c, "delete", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "diagram_uid": id})
	}
}

// GetStatus returns the status view of a diagram.
func GetStatus(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		s, err := p.Status(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "status", err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// ListRuns returns the stage run log of a diagram.
func ListRuns(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		runs, err := p.Runs(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "runs", err)
			return
		}
		if runs == nil {
			runs = []datatypes.StageRun{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

// ListArtifacts returns the artifact pointers of a diagram.
func ListArtifacts(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		arts, err := p.Artifacts(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "artifacts", err)
			return
		}
		if arts == nil {
			arts = []datatypes.Artifact{}
		}
		c.JSON(http.StatusOK, gin.H{"artifacts": arts})
	}
}

// SetTrainingFlag flags or unflags one artifact for retraining.
func SetTrainingFlag(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		typ, err := datatypes.ParseArtifactType(c.Param("type"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req datatypes.TrainingFlagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "for_training is required"})
			return
		}
		if err := p.SetTrainingFlag(c.Request.Context(), id, typ, *req.ForTraining); err != nil {
			abortWithError(c, "training flag", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"diagram_uid": id, "artifact_type": typ, "for_training": *req.ForTraining})
	}
}
