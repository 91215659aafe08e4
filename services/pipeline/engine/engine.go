// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the orchestration core of the diagram pipeline.
//
// # Description
//
// The Engine owns every mutation of a diagram's pipeline state:
//
//   - Dispatch accepts a stage trigger, moves the diagram into the stage's
//     in-progress status, records a pending run and hands its job to the
//     queue.
//   - Begin and Finalize bracket one execution of a job on a worker. Finalize
//     records artifacts, statistics and the run outcome, then either
//     completes the stage, schedules another attempt or moves the diagram
//     into ERROR.
//   - OpenValidation and FetchValidated drive the human stages.
//   - Recover re-enqueues jobs lost between commit and enqueue.
//
// Every mutation of one diagram runs under a per-diagram lock and inside one
// store transaction, so status, run log, statistics and artifact pointers
// are always consistent with each other. Jobs are only enqueued after the
// transaction that created them has committed.
//
// # Thread Safety
//
// Engine is safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/observability"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/queue"
	"github.com/AleutianAI/pidpipeline/services/pipeline/retry"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
	"github.com/AleutianAI/pidpipeline/services/pipeline/validation"
)

var (
	// ErrAlreadyFinalized is returned by Finalize for a run that already has
	// an outcome.
	ErrAlreadyFinalized = errors.New("stage run already finalized")

	// ErrStaleJob is returned for a delivered job whose run no longer exists
	// or is no longer pending. The job should be acknowledged and dropped.
	ErrStaleJob = errors.New("stale job")

	// ErrInvalidInput marks caller mistakes such as an unknown project code
	// or an unreadable image.
	ErrInvalidInput = errors.New("invalid input")
)

// JobQueue is the part of the durable queue the engine needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (bool, error)
	Has(ctx context.Context, id uuid.UUID) (bool, error)
}

// ProjectSource resolves project configurations.
type ProjectSource interface {
	Get(ctx context.Context, code string) (*projects.Project, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store    store.Store
	Queue    JobQueue
	Recorder *artifacts.Recorder
	Policy   *retry.Policy
	Registry *stages.Registry
	Projects ProjectSource
	// Tools serve the human stages. May be empty when no human stage is
	// used.
	Tools   validation.Set
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Engine is the pipeline orchestrator.
type Engine struct {
	store    store.Store
	queue    JobQueue
	recorder *artifacts.Recorder
	files    *artifacts.FileStore
	policy   *retry.Policy
	registry *stages.Registry
	projects ProjectSource
	tools    validation.Set
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	locks    *keyedMutex
}

// New builds an Engine. Store, Queue, Recorder and Projects are required.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("engine: store is required")
	case deps.Queue == nil:
		return nil, errors.New("engine: queue is required")
	case deps.Recorder == nil:
		return nil, errors.New("engine: recorder is required")
	case deps.Projects == nil:
		return nil, errors.New("engine: project source is required")
	}
	if deps.Policy == nil {
		deps.Policy = retry.DefaultPolicy()
	}
	if deps.Registry == nil {
		deps.Registry = stages.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		recorder: deps.Recorder,
		files:    deps.Recorder.Files(),
		policy:   deps.Policy,
		registry: deps.Registry,
		projects: deps.Projects,
		tools:    deps.Tools,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "engine"),
		now:      deps.Now,
		locks:    newKeyedMutex(),
	}, nil
}

// Policy returns the retry policy.
func (e *Engine) Policy() *retry.Policy { return e.policy }

// Registry returns the stage registry.
func (e *Engine) Registry() *stages.Registry { return e.registry }

// Files returns the artifact file store.
func (e *Engine) Files() *artifacts.FileStore { return e.files }

// lockDiagram serializes every state change of one diagram.
func (e *Engine) lockDiagram(id uuid.UUID) func() {
	return e.locks.lock(id.String())
}

// UploadInput is one uploaded diagram image.
type UploadInput struct {
	ProjectCode string
	Filename    string
	Body        io.Reader
}

// Upload stores the image and creates the diagram in status uploaded.
//
// # Description
//
// The project must exist. The image is written durably under the diagram's
// directory before the row is inserted; its dimensions are read from the
// file header.
func (e *Engine) Upload(ctx context.Context, in UploadInput) (*datatypes.Diagram, error) {
	if err := datatypes.ValidateProjectCode(in.ProjectCode); err != nil {
		return nil, fmt.Errorf("%w: project code: %v", ErrInvalidInput, err)
	}
	if _, err := e.projects.Get(ctx, in.ProjectCode); err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown project %q", ErrInvalidInput, in.ProjectCode)
		}
		return nil, err
	}
	if in.Body == nil {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}

	id := uuid.New()
	ext := strings.ToLower(filepath.Ext(in.Filename))
	rel, err := e.files.PathFor(id, datatypes.ArtifactOriginalImage, ext)
	if err != nil {
		return nil, err
	}
	size, err := e.files.Write(ctx, rel, in.Body)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	width, height, err := e.imageSize(rel)
	if err != nil || size == 0 {
		_ = e.files.RemoveDiagram(id)
		return nil, fmt.Errorf("%w: %s is not a readable image", ErrInvalidInput, in.Filename)
	}

	d := &datatypes.Diagram{
		UID:              id,
		ProjectCode:      in.ProjectCode,
		OriginalFilename: filepath.Base(in.Filename),
		ImageWidth:       &width,
		ImageHeight:      &height,
	}
	original := &datatypes.Artifact{
		Type:      datatypes.ArtifactOriginalImage,
		Path:      rel,
		Size:      size,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateDiagram(ctx, d, original); err != nil {
		_ = e.files.RemoveDiagram(id)
		return nil, err
	}

	e.logger.Info("diagram uploaded",
		"diagram_id", id, "number", d.Number, "project_code", d.ProjectCode,
		"width", width, "height", height, "size", size)
	return d, nil
}

func (e *Engine) imageSize(rel string) (int, int, error) {
	f, err := e.files.Open(rel)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Get returns one diagram.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*datatypes.Diagram, error) {
	return e.store.GetDiagram(ctx, id)
}

// List returns one page of diagrams.
// ProjectCounts returns diagram counts keyed by project code.
func (e *Engine) ProjectCounts(ctx context.Context) (map[string]datatypes.ProjectCounts, error) {
	return e.store.ProjectCounts(ctx)
}

func (e *Engine) List(ctx context.Context, f store.DiagramFilter) (*datatypes.DiagramList, error) {
	ds, total, err := e.store.ListDiagrams(ctx, f)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		ds = []datatypes.Diagram{}
	}
	return &datatypes.DiagramList{Diagrams: ds, Total: total}, nil
}

// Runs returns the run log of a diagram.
func (e *Engine) Runs(ctx context.Context, id uuid.UUID) ([]datatypes.StageRun, error) {
	if _, err := e.store.GetDiagram(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, id)
}

// Artifacts returns the artifact pointers of a diagram.
func (e *Engine) Artifacts(ctx context.Context, id uuid.UUID) ([]datatypes.Artifact, error) {
	if _, err := e.store.GetDiagram(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListArtifacts(ctx, id)
}

// Status returns the status view of a diagram: the record, the next stage
// that may be triggered, artifacts and the active run if any.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*datatypes.StatusResponse, error) {
	d, err := e.store.GetDiagram(ctx, id)
	if err != nil {
		return nil, err
	}
	arts, err := e.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	if arts == nil {
		arts = []datatypes.Artifact{}
	}
	resp := &datatypes.StatusResponse{
		DiagramUID:   d.UID,
		Number:       d.Number,
		Status:       d.Status,
		ErrorMessage: d.ErrorMessage,
		ErrorStage:   d.ErrorStage,
		RetryStage:   d.RetryStage,
		Statistics:   d.Statistics,
		Artifacts:    arts,
	}
	if next, ok := status.NextStage(d.Status); ok {
		resp.NextStage = &next
	}
	if st, ok := d.Snapshot().ActiveStage(); ok {
		run, err := e.store.PendingRun(ctx, id, st)
		switch {
		case err == nil:
			resp.ActiveRun = run
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	return resp, nil
}

// SetTrainingFlag flags or unflags one artifact for retraining.
func (e *Engine) SetTrainingFlag(ctx context.Context, id uuid.UUID, t datatypes.ArtifactType, flag bool) error {
	if err := e.store.SetTrainingFlag(ctx, id, t, flag); err != nil {
		return err
	}
	e.logger.Info("training flag set", "diagram_id", id, "artifact_type", t, "for_training", flag)
	return nil
}

// Delete removes a diagram, its runs, its artifact pointers and its files.
// Jobs still queued for it become stale and are dropped on delivery.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := e.lockDiagram(id)
	defer unlock()

	if err := e.store.DeleteDiagram(ctx, id); err != nil {
		return err
	}
	if err := e.files.RemoveDiagram(id); err != nil {
		e.logger.Warn("diagram files not removed", "diagram_id", id, "error", err)
	}
	e.logger.Info("diagram deleted", "diagram_id", id)
	return nil
}

// enqueue hands job to the queue after its transaction committed. A failure
// leaves the run queued-but-missing, which Recover repairs.
func (e *Engine) enqueue(ctx context.Context, job queue.Job, delay time.Duration) {
	added, err := e.queue.Enqueue(ctx, job, delay)
	if err != nil {
		e.logger.Error("enqueue failed, recovery will retry",
			"diagram_id", job.DiagramUID, "stage", job.Stage, "attempt", job.Attempt,
			"job_id", job.ID, "error", err)
		return
	}
	e.logger.Debug("job enqueued",
		"diagram_id", job.DiagramUID, "stage", job.Stage, "attempt", job.Attempt,
		"job_id", job.ID, "delay", delay, "added", added)
}

func jobOf(run *datatypes.StageRun) queue.Job {
	return queue.Job{
		ID:         run.JobID,
		DiagramUID: run.DiagramUID,
		Stage:      run.Stage,
		Attempt:    run.Attempt,
	}
}
