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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// TriggerStage dispatches :stage for a diagram. Accepted answers 202,
// duplicate 200 and rejected 409.
func TriggerStage(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		stage, err := status.ParseStage(c.Param("stage"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := p.Dispatch(c.Request.Context(), id, stage)
		if err != nil {
			abortWithError(c, "dispatch", err)
			return
		}
		c.JSON(outcomeCode(resp.Outcome), resp)
	}
}

// RetryDiagram re-dispatches the stage a diagram failed at.
func RetryDiagram(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		resp, err := p.Retry(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "retry", err)
			return
		}
		c.JSON(outcomeCode(resp.Outcome), resp)
	}
}

// OpenValidation opens the next human stage and returns its editor URL.
func OpenValidation(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		resp, err := p.OpenValidation(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "open validation", err)
			return
		}
		c.JSON(outcomeCode(datatypes.DispatchOutcome(resp.Outcome)), resp)
	}
}

// FetchValidated queues the fetch of a human stage's validated output.
func FetchValidated(p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := diagramID(c)
		if !ok {
			return
		}
		resp, err := p.FetchValidated(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, "fetch validated", err)
			return
		}
		c.JSON(outcomeCode(resp.Outcome), resp)
	}
}
