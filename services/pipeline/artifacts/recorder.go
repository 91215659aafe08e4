// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// Output is one file a stage reports as produced.
type Output struct {
	Type datatypes.ArtifactType `json:"type"`
	// Path is absolute or relative to the store root.
	Path string `json:"path"`
	// Size is the byte count the producer wrote. Zero skips the check.
	Size int64 `json:"size"`
}

// Upserter is the write side of the artifact table. store.Tx satisfies it.
type Upserter interface {
	UpsertArtifact(ctx context.Context, a *datatypes.Artifact) error
}

// Recorder validates stage outputs and writes artifact pointers.
type Recorder struct {
	files  *FileStore
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder builds a Recorder over files.
func NewRecorder(files *FileStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{files: files, logger: logger, now: time.Now}
}

// Files returns the underlying file store.
func (r *Recorder) Files() *FileStore { return r.files }

// Verify checks one output of stage for diagram id and returns the artifact
// it would record.
//
// A type the stage does not declare, or a path outside the diagram
// directory, is a collaborator bug and classified Internal. A missing file or
// a size mismatch means the write is not durable yet and is Transient.
func (r *Recorder) Verify(id uuid.UUID, stage status.Stage, out Output) (datatypes.Artifact, error) {
	const op = "verify artifact"

	spec, ok := datatypes.LookupArtifact(out.Type)
	if !ok || spec.Stage != stage {
		return datatypes.Artifact{}, faults.Internal(op,
			fmt.Errorf("stage %s does not produce artifact type %q", stage, out.Type))
	}

	rel, err := r.files.Rel(out.Path)
	if err != nil {
		return datatypes.Artifact{}, faults.Internal(op, err)
	}
	if !strings.HasPrefix(rel, id.String()+"/") {
		return datatypes.Artifact{}, faults.Internal(op,
			fmt.Errorf("%s is outside the directory of diagram %s", rel, id))
	}

	size, err := r.files.Stat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return datatypes.Artifact{}, faults.Transient(op, fmt.Errorf("%s: %w", rel, err))
	}
	if err != nil {
		return datatypes.Artifact{}, faults.Transient(op, err)
	}
	if out.Size > 0 && size != out.Size {
		return datatypes.Artifact{}, faults.Transient(op,
			fmt.Errorf("%s has %d bytes on disk, producer reported %d", rel, size, out.Size))
	}

	return datatypes.Artifact{
		DiagramUID:  id,
		Type:        out.Type,
		Stage:       stage,
		Path:        rel,
		Size:        size,
		ForTraining: spec.Training,
		CreatedAt:   r.now().UTC(),
	}, nil
}

// VerifyAll verifies outputs and requires every type stage declares.
func (r *Recorder) VerifyAll(id uuid.UUID, stage status.Stage, outputs []Output) ([]datatypes.Artifact, error) {
	seen := make(map[datatypes.ArtifactType]bool, len(outputs))
	recs := make([]datatypes.Artifact, 0, len(outputs))
	for _, out := range outputs {
		if seen[out.Type] {
			return nil, faults.Internal("verify artifacts",
				fmt.Errorf("stage %s reported %s twice", stage, out.Type))
		}
		seen[out.Type] = true
		a, err := r.Verify(id, stage, out)
		if err != nil {
			return nil, err
		}
		recs = append(recs, a)
	}
	for _, t := range datatypes.ArtifactsOf(stage) {
		if !seen[t] {
			return nil, faults.Internal("verify artifacts",
				fmt.Errorf("stage %s did not produce %s", stage, t))
		}
	}
	return recs, nil
}

// Record verifies a single output and upserts its pointer through dst. An
// existing pointer of the same type is replaced. The old file is left on
// disk.
func (r *Recorder) Record(ctx context.Context, dst Upserter, id uuid.UUID, stage status.Stage, t datatypes.ArtifactType, path string, size int64) (*datatypes.Artifact, error) {
	a, err := r.Verify(id, stage, Output{Type: t, Path: path, Size: size})
	if err != nil {
		return nil, err
	}
	if err := dst.UpsertArtifact(ctx, &a); err != nil {
		return nil, fmt.Errorf("record %s: %w", t, err)
	}
	r.logger.Debug("artifact recorded",
		"diagram_id", id, "stage", stage, "artifact_type", t, "path", a.Path, "size", a.Size)
	return &a, nil
}

// RecordAll verifies every output of a stage, then upserts them all.
// Nothing is written when any output fails verification.
func (r *Recorder) RecordAll(ctx context.Context, dst Upserter, id uuid.UUID, stage status.Stage, outputs []Output) ([]datatypes.Artifact, error) {
	recs, err := r.VerifyAll(id, stage, outputs)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if err := dst.UpsertArtifact(ctx, &recs[i]); err != nil {
			return nil, fmt.Errorf("record %s: %w", recs[i].Type, err)
		}
	}
	r.logger.Debug("stage artifacts recorded",
		"diagram_id", id, "stage", stage, "count", len(recs))
	return recs, nil
}
