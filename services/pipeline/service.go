// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline assembles the diagram pipeline server.
//
// The Service owns every long-lived component: the SQLite store, the Badger
// job queue, the artifact file store, the engine, the worker pool, the
// recovery scheduler, the project watcher and the HTTP API.
//
// # Usage
//
//	cfg, err := config.Load("pidpipeline.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := pipeline.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/config"
	"github.com/AleutianAI/pidpipeline/services/pipeline/engine"
	"github.com/AleutianAI/pidpipeline/services/pipeline/observability"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/queue"
	"github.com/AleutianAI/pidpipeline/services/pipeline/routes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/storage/badger"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
	"github.com/AleutianAI/pidpipeline/services/pipeline/validation"
	"github.com/AleutianAI/pidpipeline/services/pipeline/watch"
	"github.com/AleutianAI/pidpipeline/services/pipeline/worker"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the pipeline server lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Router and Engine may be
// called at any time.
type Service interface {
	// Run serves the API and executes jobs until ctx is cancelled, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured gin engine. Tests use it directly.
	Router() *gin.Engine

	// Engine returns the orchestrator.
	Engine() *engine.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	db       *badger.DB
	queue    *queue.Queue
	projects *projects.Loader
	engine   *engine.Engine
	pool     *worker.Pool
	watch    *watch.Poller
	recovery *RecoveryScheduler
	router   *gin.Engine
	registry *prometheus.Registry

	tracerCleanup func(context.Context)
}

// New builds the service from a validated configuration.
//
// # Description
//
// Initializes, in order: tracing, metrics, the SQLite store, the Badger
// queue, the artifact store, project configs, stage runners, validation
// tools, the engine, the worker pool, the status poller and the router.
// A failure releases whatever was already opened.
//
// # Inputs
//
//   - ctx: Used for tracer setup only.
//   - cfg: Validated configuration (config.Load).
//   - logger: Base logger. Nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any component fails to initialize.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{cfg: cfg, logger: logger}
	if err := s.init(ctx); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context) error {
	cfg := s.cfg

	cleanup, err := observability.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(s.registry)

	s.store, err = store.OpenSQLite(store.SQLiteConfig{
		Path:   cfg.Storage.DatabasePath,
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	bcfg := badger.DefaultConfig()
	bcfg.Path = cfg.Storage.QueueDir
	bcfg.GCInterval = cfg.Storage.QueueGCInterval.D()
	bcfg.Logger = s.logger
	s.db, err = badger.OpenDB(bcfg)
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	s.queue, err = queue.New(s.db, queue.Config{
		Visibility: cfg.Storage.QueueVisibility.D(),
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}

	files, err := artifacts.NewFileStore(cfg.Storage.ArtifactRoot)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	s.projects, err = projects.NewLoader(cfg.Projects.Dir, s.logger)
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}

	policy, err := cfg.Retry.Policy()
	if err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	registry := stages.NewRegistry()
	if err := s.registerRunners(registry); err != nil {
		return err
	}
	tools, err := s.validationTools(files)
	if err != nil {
		return err
	}
	if err := tools.Register(registry); err != nil {
		return fmt.Errorf("failed to register validation tools: %w", err)
	}
	if missing := registry.Missing(); len(missing) > 0 {
		s.logger.Warn("stages without a runner fail as internal errors", "stages", missing)
	}

	s.engine, err = engine.New(engine.Deps{
		Store:    s.store,
		Queue:    s.queue,
		Recorder: artifacts.NewRecorder(files, s.logger),
		Policy:   policy,
		Registry: registry,
		Projects: s.projects,
		Tools:    tools,
		Metrics:  metrics,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}

	s.pool, err = worker.New(s.queue, s.engine, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		HeavySlots:   cfg.Worker.HeavySlots,
		PollInterval: cfg.Worker.PollInterval.D(),
		ReleaseDelay: cfg.Worker.ReleaseDelay.D(),
		Logger:       s.logger,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	s.watch = watch.NewPoller(s.store, cfg.Watch.Interval.D(), s.logger)
	s.recovery = NewRecoveryScheduler(s.engine, cfg.Recovery.Interval.D(), s.logger)
	s.initRouter()
	return nil
}

// registerRunners binds every automatic stage to the ML service.
func (s *service) registerRunners(reg *stages.Registry) error {
	if s.cfg.Stages.MLBaseURL == "" {
		s.logger.Warn("no ML service configured; automatic stages cannot run")
		return nil
	}
	runner, err := stages.NewHTTPRunner(stages.HTTPConfig{
		BaseURL:           s.cfg.Stages.MLBaseURL,
		RequestsPerSecond: s.cfg.Stages.RequestsPerSecond,
		Burst:             s.cfg.Stages.Burst,
		Logger:            s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create stage runner: %w", err)
	}
	for _, st := range status.Stages() {
		if st.Human() {
			continue
		}
		if err := reg.Register(st, runner); err != nil {
			return err
		}
	}
	s.logger.Info("ML service configured", "base_url", s.cfg.Stages.MLBaseURL)
	return nil
}

// validationTools binds the human stages. Bounding boxes go to CVAT when it
// is configured; every other human stage uses the editor inbox.
func (s *service) validationTools(files *artifacts.FileStore) (validation.Set, error) {
	vc := s.cfg.Validation
	inbox, err := validation.NewInboxTool(vc.EditorURL, files)
	if err != nil {
		return nil, fmt.Errorf("failed to create editor inbox: %w", err)
	}
	tools := validation.Set{
		status.StageValidateBBox:  inbox,
		status.StageValidateMasks: inbox,
		status.StageValidateGraph: inbox,
	}
	if vc.CVAT.BaseURL != "" {
		cvat, err := validation.NewCVATTool(validation.CVATConfig{
			BaseURL:      vc.CVAT.BaseURL,
			BrowserURL:   vc.CVAT.BrowserURL,
			Token:        vc.CVAT.Token,
			ImageQuality: vc.CVAT.ImageQuality,
			PollAttempts: vc.CVAT.PollAttempts,
			PollInterval: vc.CVAT.PollInterval.D(),
			Logger:       s.logger,
		}, files)
		if err != nil {
			return nil, fmt.Errorf("failed to create CVAT tool: %w", err)
		}
		tools[status.StageValidateBBox] = cvat
		s.logger.Info("CVAT configured", "base_url", vc.CVAT.BaseURL, "token_present", vc.CVAT.Token != "")
	}
	return tools, nil
}

func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	s.router.Use(requestLogger(s.logger))

	routes.SetupRoutes(s.router, routes.Deps{
		Pipeline:       s.engine,
		Projects:       s.projects,
		Watch:          s.watch,
		Gatherer:       s.registry,
		MaxUploadBytes: s.cfg.Server.MaxUploadBytes,
	})
}

// requestLogger logs one line per request at debug level, and at warn or
// error level for 4xx and 5xx answers.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		code := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case code >= http.StatusInternalServerError:
			level = slog.LevelError
		case code >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", code,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
//
// # Description
//
// Starts the recovery scheduler, the project watcher (when enabled), the
// worker pool and the HTTP server. When ctx is cancelled the server stops
// accepting requests and drains within ShutdownTimeout, workers release
// interrupted jobs, and every store is closed.
//
// # Outputs
//
//   - error: The first fatal error, nil after a clean shutdown.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	g, gctx := errgroup.WithContext(ctx)

	if err := s.recovery.Start(gctx); err != nil {
		return err
	}
	if s.cfg.Projects.Watch {
		g.Go(func() error {
			if err := s.projects.Watch(gctx); err != nil {
				s.logger.Warn("project watcher stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return s.pool.Run(gctx)
	})

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("starting pipeline server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.D())
		defer cancel()
		s.logger.Info("shutting down pipeline server")
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// Router implements Service.
func (s *service) Router() *gin.Engine { return s.router }

// Engine implements Service.
func (s *service) Engine() *engine.Engine { return s.engine }

// cleanup releases everything init opened. Safe on a partly built service.
func (s *service) cleanup() {
	if s.recovery != nil {
		if err := s.recovery.Stop(); err != nil {
			s.logger.Warn("recovery scheduler stop error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("queue database close error", "error", err)
		}
		s.db = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close error", "error", err)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
