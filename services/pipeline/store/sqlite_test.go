// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "pipeline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestDiagram(t *testing.T, s *SQLiteStore) *datatypes.Diagram {
	t.Helper()
	d := &datatypes.Diagram{ProjectCode: "plant7", OriginalFilename: "sheet-01.png"}
	require.NoError(t, s.CreateDiagram(context.Background(), d, &datatypes.Artifact{
		Type: datatypes.ArtifactOriginalImage,
		Path: d.UID.String() + "/original/image.png",
		Size: 1024,
	}))
	return d
}

// TestCreateDiagramAssignsNumbers verifies sequential display numbers.
func TestCreateDiagramAssignsNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestDiagram(t, s)
	second := newTestDiagram(t, s)
	assert.Equal(t, int64(1), first.Number)
	assert.Equal(t, int64(2), second.Number)

	got, err := s.GetDiagram(ctx, first.UID)
	require.NoError(t, err)
	assert.Equal(t, status.StatusUploaded, got.Status)
	assert.Equal(t, "plant7", got.ProjectCode)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.Statistics.DetectionCount)

	arts, err := s.ListArtifacts(ctx, first.UID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, datatypes.ArtifactOriginalImage, arts[0].Type)
}

func TestGetDiagramNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDiagram(context.Background(), [16]byte{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSaveDiagramOptimisticVersion verifies stale writers are refused.
func TestSaveDiagramOptimisticVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)

	err := s.InTx(ctx, func(tx Tx) error {
		cur, err := tx.GetDiagram(ctx, d.UID)
		require.NoError(t, err)
		cur.Apply(status.Snapshot{Status: status.StatusDetecting})
		return tx.SaveDiagram(ctx, cur)
	})
	require.NoError(t, err)

	// d still carries version 1.
	err = s.InTx(ctx, func(tx Tx) error {
		d.Apply(status.Snapshot{Status: status.StatusDetecting})
		return tx.SaveDiagram(ctx, d)
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

// TestSchemaRejectsOutOfDomainStatus verifies the CHECK constraint backs
// the status domain even if a caller bypasses SaveDiagram's validation.
func TestSchemaRejectsOutOfDomainStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)

	_, err := s.db.ExecContext(ctx, `UPDATE diagrams SET status = 'half_done' WHERE uid = ?`, d.UID.String())
	assert.Error(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE diagrams SET status = 'error' WHERE uid = ?`, d.UID.String())
	assert.Error(t, err, "error status without error fields must be rejected")

	_, err = s.db.ExecContext(ctx, `UPDATE diagrams SET error_message = 'x' WHERE uid = ?`, d.UID.String())
	assert.Error(t, err, "error fields outside error status must be rejected")
}

// TestRunLifecycle covers insert, contiguous attempts and finish-once.
func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)

	var run datatypes.StageRun
	err := s.InTx(ctx, func(tx Tx) error {
		run = datatypes.StageRun{DiagramUID: d.UID, Stage: status.StageSegment, Attempt: 1}
		return tx.InsertRun(ctx, &run)
	})
	require.NoError(t, err)
	assert.NotZero(t, run.ID)

	pending, err := s.PendingRun(ctx, d.UID, status.StageSegment)
	require.NoError(t, err)
	assert.Equal(t, run.JobID, pending.JobID)

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.InsertRun(ctx, &datatypes.StageRun{DiagramUID: d.UID, Stage: status.StageSegment, Attempt: 3})
	})
	assert.Error(t, err, "attempt numbers must be contiguous")

	err = s.InTx(ctx, func(tx Tx) error {
		return tx.InsertRun(ctx, &datatypes.StageRun{DiagramUID: d.UID, Stage: status.StageSegment, Attempt: 2})
	})
	assert.Error(t, err, "a second pending run for the pair must be refused")

	finish := RunFinish{
		DiagramUID:   d.UID,
		Stage:        status.StageSegment,
		Attempt:      1,
		Outcome:      datatypes.OutcomeFailure,
		ErrorKind:    faults.KindTransient,
		ErrorMessage: "gpu busy",
		Metrics:      map[string]any{"gpu": "a100"},
		CompletedAt:  time.Now(),
	}
	var ok bool
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.MarkStarted(ctx, run.ID, time.Now().Add(-time.Second)))
		ok, err = tx.FinishRun(ctx, finish)
		return err
	}))
	assert.True(t, ok)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		ok, err = tx.FinishRun(ctx, finish)
		return err
	}))
	assert.False(t, ok, "second finish of the same attempt must be detected")

	got, err := s.GetRun(ctx, d.UID, status.StageSegment, 1)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeFailure, got.Outcome)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, faults.KindTransient, *got.ErrorKind)
	assert.Equal(t, "a100", got.Metrics["gpu"])
	require.NotNil(t, got.DurationMS)
	assert.GreaterOrEqual(t, *got.DurationMS, int64(900))

	last, err := s.LastAttempt(ctx, d.UID, status.StageSegment)
	require.NoError(t, err)
	assert.Equal(t, 1, last)
}

// TestArtifactUpsertRoundTrip verifies one row per type after re-runs.
func TestArtifactUpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)

	for i, path := range []string{"a/pipe_mask.png", "b/pipe_mask.png", "c/pipe_mask.png"} {
		require.NoError(t, s.UpsertArtifact(ctx, &datatypes.Artifact{
			DiagramUID: d.UID,
			Type:       datatypes.ArtifactPipeMask,
			Stage:      status.StageSegment,
			Path:       path,
			Size:       int64(100 + i),
		}))
	}

	a, err := s.GetArtifact(ctx, d.UID, datatypes.ArtifactPipeMask)
	require.NoError(t, err)
	assert.Equal(t, "c/pipe_mask.png", a.Path)
	assert.Equal(t, int64(102), a.Size)

	arts, err := s.ListArtifacts(ctx, d.UID)
	require.NoError(t, err)
	count := 0
	for _, x := range arts {
		if x.Type == datatypes.ArtifactPipeMask {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestTrainingFlagSurvivesUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)

	require.NoError(t, s.SetTrainingFlag(ctx, d.UID, datatypes.ArtifactOriginalImage, true))
	require.NoError(t, s.UpsertArtifact(ctx, &datatypes.Artifact{
		DiagramUID: d.UID, Type: datatypes.ArtifactOriginalImage, Path: "new.png", Size: 5,
	}))

	flagged, err := s.TrainingArtifacts(ctx, "plant7")
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "new.png", flagged[0].Path)
	assert.Equal(t, int64(1), flagged[0].Number)

	none, err := s.TrainingArtifacts(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.ErrorIs(t, s.SetTrainingFlag(ctx, d.UID, datatypes.ArtifactGraph, true), ErrNotFound)
}

// TestDeleteCascades removes runs and artifacts with the diagram.
func TestDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.InsertRun(ctx, &datatypes.StageRun{DiagramUID: d.UID, Stage: status.StageDetect, Attempt: 1})
	}))

	require.NoError(t, s.DeleteDiagram(ctx, d.UID))

	_, err := s.GetDiagram(ctx, d.UID)
	assert.ErrorIs(t, err, ErrNotFound)
	runs, err := s.ListRuns(ctx, d.UID)
	require.NoError(t, err)
	assert.Empty(t, runs)
	arts, err := s.ListArtifacts(ctx, d.UID)
	require.NoError(t, err)
	assert.Empty(t, arts)

	assert.ErrorIs(t, s.DeleteDiagram(ctx, d.UID), ErrNotFound)
}

func TestListDiagramsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		newTestDiagram(t, s)
	}
	other := &datatypes.Diagram{ProjectCode: "refinery", OriginalFilename: "x.png"}
	require.NoError(t, s.CreateDiagram(ctx, other, nil))

	list, total, err := s.ListDiagrams(ctx, DiagramFilter{ProjectCode: "plant7", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].Number, "newest first")

	list, total, err = s.ListDiagrams(ctx, DiagramFilter{Status: status.StatusDetected})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}

func TestProjectCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	counts, err := s.ProjectCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	first := newTestDiagram(t, s)
	newTestDiagram(t, s)
	require.NoError(t, s.CreateDiagram(ctx, &datatypes.Diagram{ProjectCode: "refinery", OriginalFilename: "x.png"}, nil))
	require.NoError(t, s.SetExternalRefs(ctx, first.UID, 11, 42))

	counts, err = s.ProjectCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]datatypes.ProjectCounts{
		"plant7":   {Diagrams: 2, ValidationTasks: 1},
		"refinery": {Diagrams: 1},
	}, counts)
}

func TestQueuedPendingRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := newTestDiagram(t, s)

	now := time.Now()
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertRun(ctx, &datatypes.StageRun{DiagramUID: d.UID, Stage: status.StageDetect, Attempt: 1, QueuedAt: &now}); err != nil {
			return err
		}
		return tx.InsertRun(ctx, &datatypes.StageRun{DiagramUID: d.UID, Stage: status.StageValidateBBox, Attempt: 1})
	}))

	runs, err := s.QueuedPendingRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, status.StageDetect, runs[0].Stage)

	require.NoError(t, s.SetExternalRefs(ctx, d.UID, 11, 42))
	got, err := s.GetDiagram(ctx, d.UID)
	require.NoError(t, err)
	require.NotNil(t, got.CVATJobID)
	assert.Equal(t, int64(42), *got.CVATJobID)
}
