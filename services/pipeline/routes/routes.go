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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/pidpipeline/services/pipeline/handlers"
	"github.com/AleutianAI/pidpipeline/services/pipeline/watch"
)

// Deps are the collaborators the routes serve.
type Deps struct {
	Pipeline handlers.Pipeline
	Projects handlers.ProjectCatalog
	Watch    watch.Provider
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// MaxUploadBytes bounds an uploaded image.
	MaxUploadBytes int64
}

// SetupRoutes registers the pipeline API on router.
func SetupRoutes(router *gin.Engine, d Deps) {
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 64 << 20
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		diagrams := v1.Group("/diagrams")
		{
			diagrams.POST("", handlers.UploadDiagram(d.Pipeline, maxUpload))
			diagrams.GET("", handlers.ListDiagrams(d.Pipeline))
			diagrams.GET("/:id", handlers.GetDiagram(d.Pipeline))
			diagrams.DELETE("/:id", handlers.DeleteDiagram(d.Pipeline))
			diagrams.GET("/:id/status", handlers.GetStatus(d.Pipeline))
			diagrams.POST("/:id/stages/:stage", handlers.TriggerStage(d.Pipeline))
			diagrams.POST("/:id/retry", handlers.RetryDiagram(d.Pipeline))
			diagrams.GET("/:id/runs", handlers.ListRuns(d.Pipeline))
			diagrams.GET("/:id/artifacts", handlers.ListArtifacts(d.Pipeline))
			diagrams.PATCH("/:id/artifacts/:type", handlers.SetTrainingFlag(d.Pipeline))
			diagrams.POST("/:id/validation/open", handlers.OpenValidation(d.Pipeline))
			diagrams.POST("/:id/validation/fetch", handlers.FetchValidated(d.Pipeline))
			if d.Watch != nil {
				diagrams.GET("/:id/watch", handlers.WatchDiagram(d.Watch))
			}
		}
		if d.Projects != nil {
			v1.GET("/projects", handlers.ListProjects(d.Projects, d.Pipeline))
			v1.GET("/projects/:code", handlers.GetProject(d.Projects))
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
	})
}
