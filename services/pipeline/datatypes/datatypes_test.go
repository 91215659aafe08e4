// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

func TestSnapshotRoundTrip(t *testing.T) {
	d := &Diagram{Status: status.StatusSegmenting}
	d.Apply(status.Snapshot{Status: status.StatusError, ErrorStage: status.StageSegment, ErrorMessage: "oom"})
	require.NotNil(t, d.ErrorStage)
	require.NotNil(t, d.ErrorMessage)
	assert.Nil(t, d.RetryStage)
	assert.Equal(t, status.StageSegment, d.Snapshot().ErrorStage)

	d.Apply(status.Snapshot{Status: status.StatusSegmenting})
	assert.Nil(t, d.ErrorStage, "error fields must clear outside ERROR")
	assert.Nil(t, d.ErrorMessage)

	d.Apply(status.Snapshot{Status: status.StatusRetrying, RetryStage: status.StageSegment})
	require.NotNil(t, d.RetryStage)
	assert.Equal(t, status.StageSegment, *d.RetryStage)
}

func TestStatisticsOwnership(t *testing.T) {
	got := OwnedBy(status.StageDetect, map[string]int64{
		StatDetectionCount: 47,
		StatNodeCount:      3,
	})
	assert.Equal(t, map[string]int64{StatDetectionCount: 47}, got)

	var s Statistics
	require.NoError(t, s.Set(StatJunctionCount, 12))
	v, ok := s.Get(StatJunctionCount)
	assert.True(t, ok)
	assert.Equal(t, int64(12), v)
	_, ok = s.Get(StatEdgeCount)
	assert.False(t, ok)
	assert.Error(t, s.Set("bogus", 1))
}

func TestArtifactCatalog(t *testing.T) {
	assert.Equal(t, []ArtifactType{ArtifactYOLOPredicted, ArtifactCOCOPredicted}, ArtifactsOf(status.StageDetect))
	for _, st := range status.Stages() {
		assert.NotEmpty(t, ArtifactsOf(st), "stage %s declares no outputs", st)
	}
	spec, ok := LookupArtifact(ArtifactCOCOValidated)
	require.True(t, ok)
	assert.True(t, spec.Training)
	_, err := ParseArtifactType("thumbnail")
	assert.Error(t, err)
}

func TestRequestValidation(t *testing.T) {
	assert.NoError(t, (&UploadRequest{ProjectCode: "plant-7"}).Validate())
	assert.Error(t, (&UploadRequest{ProjectCode: ""}).Validate())
	assert.Error(t, (&UploadRequest{ProjectCode: "../etc"}).Validate())

	assert.NoError(t, (&ListDiagramsQuery{Status: "detected", Limit: 10}).Validate())
	assert.Error(t, (&ListDiagramsQuery{Status: "nearly_done"}).Validate())

	assert.Error(t, (&TrainingFlagRequest{}).Validate())
	yes := true
	assert.NoError(t, (&TrainingFlagRequest{ForTraining: &yes}).Validate())
}
