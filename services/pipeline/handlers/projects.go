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

	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
)

// projectSummary is a project config with its diagram counts.
type projectSummary struct {
	*projects.Project
	DiagramCount   int  `json:"diagram_count"`
	HasCVATProject bool `json:"has_cvat_project"`
}

// ListProjects returns every parsable project config with how many diagrams
// it holds.
func ListProjects(pc ProjectCatalog, p Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		list, err := pc.List(ctx)
		if err != nil {
			abortWithError(c, "list projects", err)
			return
		}
		counts, err := p.ProjectCounts(ctx)
		if err != nil {
			abortWithError(c, "count project diagrams", err)
			return
		}
		out := make([]projectSummary, 0, len(list))
		for _, proj := range list {
			n := counts[proj.Code]
			out = append(out, projectSummary{
				Project:        proj,
				DiagramCount:   n.Diagrams,
				HasCVATProject: n.ValidationTasks > 0,
			})
		}
		c.JSON(http.StatusOK, gin.H{"projects": out})
	}
}

// GetProject returns one project config.
func GetProject(pc ProjectCatalog) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := pc.Get(c.Request.Context(), c.Param("code"))
		if err != nil {
			abortWithError(c, "get project", err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
