// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists diagrams, stage runs and artifacts.
//
// # Description
//
// The store is the durable home of the Diagram Record, the Stage Run Log and
// the artifact pointers. Every mutation that belongs to a pipeline
// transition runs inside InTx so status, statistics, run outcome and
// artifact rows commit together or not at all.
//
// Integrity that must hold regardless of caller bugs is also enforced by the
// schema: the status column only accepts members of the status domain, error
// fields are present exactly in ERROR, a (diagram, stage) pair has at most
// one pending run, and a diagram has at most one artifact per type.
//
// # Thread Safety
//
// Store implementations are safe for concurrent use. A Tx must only be used
// by the goroutine that received it and never after its callback returns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a diagram changed between read and
	// write inside a transaction.
	ErrVersionConflict = errors.New("diagram version conflict")
)

// Reader holds the queries shared by Store and Tx.
type Reader interface {
	// GetDiagram loads one diagram or returns ErrNotFound.
	GetDiagram(ctx context.Context, id uuid.UUID) (*datatypes.Diagram, error)

	// PendingRun returns the pending run of (id, stage) or ErrNotFound.
	PendingRun(ctx context.Context, id uuid.UUID, stage status.Stage) (*datatypes.StageRun, error)

	// GetRun returns the run of (id, stage, attempt) or ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID, stage status.Stage, attempt int) (*datatypes.StageRun, error)

	// LastAttempt returns the highest attempt recorded for (id, stage), or 0.
	LastAttempt(ctx context.Context, id uuid.UUID, stage status.Stage) (int, error)

	// ListArtifacts returns every artifact of a diagram ordered by type.
	ListArtifacts(ctx context.Context, id uuid.UUID) ([]datatypes.Artifact, error)

	// GetArtifact returns one artifact or ErrNotFound.
	GetArtifact(ctx context.Context, id uuid.UUID, t datatypes.ArtifactType) (*datatypes.Artifact, error)
}

// Tx is a write transaction. On SQLite it holds the database write lock
// for its whole duration.
type Tx interface {
	Reader

	// InsertRun appends a pending run. The attempt must be exactly one more
	// than LastAttempt. ID and CreatedAt are filled in.
	InsertRun(ctx context.Context, run *datatypes.StageRun) error

	// MarkQueued records that the run's job was handed to the queue.
	MarkQueued(ctx context.Context, runID int64, at time.Time) error

	// MarkStarted records the first time a worker picked the run up.
	MarkStarted(ctx context.Context, runID int64, at time.Time) error

	// FinishRun moves a pending run to success or failure. It returns false
	// when the run is not pending any more, which means it was already
	// finalized.
	FinishRun(ctx context.Context, f RunFinish) (bool, error)

	// SaveDiagram writes the mutable columns of d if d.Version still matches
	// the stored version and increments d.Version.
	SaveDiagram(ctx context.Context, d *datatypes.Diagram) error

	// UpsertArtifact inserts or replaces the pointer for (diagram, type).
	UpsertArtifact(ctx context.Context, a *datatypes.Artifact) error
}

// RunFinish is the final outcome of a stage run.
type RunFinish struct {
	DiagramUID   uuid.UUID
	Stage        status.Stage
	Attempt      int
	Outcome      datatypes.RunOutcome
	ErrorKind    faults.Kind
	ErrorMessage string
	ErrorDetail  string
	Metrics      map[string]any
	CompletedAt  time.Time
}

// DiagramFilter narrows ListDiagrams.
type DiagramFilter struct {
	ProjectCode string
	Status      status.Status
	Limit       int
	Offset      int
}

// TrainingArtifact is an artifact flagged for retraining with the fields an
// export needs to name it.
type TrainingArtifact struct {
	datatypes.Artifact
	ProjectCode string
	Number      int64
}

// Store is the durable store of the pipeline.
type Store interface {
	Reader

	// InTx runs fn inside one write transaction. fn's error rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateDiagram inserts d in status uploaded with the next display number
	// and, when original is non-nil, its original image artifact.
	CreateDiagram(ctx context.Context, d *datatypes.Diagram, original *datatypes.Artifact) error

	// ListDiagrams returns one page of diagrams and the total match count.
	ListDiagrams(ctx context.Context, f DiagramFilter) ([]datatypes.Diagram, int, error)

	// ProjectCounts returns diagram counts keyed by project code.
	ProjectCounts(ctx context.Context) (map[string]datatypes.ProjectCounts, error)

	// DeleteDiagram removes a diagram and, by cascade, its runs and artifacts.
	DeleteDiagram(ctx context.Context, id uuid.UUID) error

	// SetExternalRefs stores the validation tool task and job references.
	SetExternalRefs(ctx context.Context, id uuid.UUID, taskID, jobID int64) error

	// ListRuns returns the run log of a diagram in creation order.
	ListRuns(ctx context.Context, id uuid.UUID) ([]datatypes.StageRun, error)

	// QueuedPendingRuns returns every pending run whose job was queued.
	QueuedPendingRuns(ctx context.Context) ([]datatypes.StageRun, error)

	// UpsertArtifact inserts or replaces the pointer for (diagram, type).
	UpsertArtifact(ctx context.Context, a *datatypes.Artifact) error

	// SetTrainingFlag flags or unflags an artifact for retraining.
	SetTrainingFlag(ctx context.Context, id uuid.UUID, t datatypes.ArtifactType, flag bool) error

	// TrainingArtifacts lists flagged artifacts, optionally for one project.
	TrainingArtifacts(ctx context.Context, projectCode string) ([]TrainingArtifact, error)

	// Ping checks the database is reachable.
	Ping(ctx context.Context) error

	Close() error
}
