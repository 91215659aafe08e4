// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOrderTable verifies the chain is contiguous and every status is ranked once.
func TestOrderTable(t *testing.T) {
	all := All()
	require.Len(t, all, 2*len(Stages())+3)

	seen := make(map[Status]bool)
	for _, s := range all {
		assert.False(t, seen[s], "duplicate status %s", s)
		seen[s] = true
		assert.True(t, s.Valid())
	}

	for i, st := range Stages() {
		tp, ok := st.Trigger().Position()
		require.True(t, ok)
		dp, ok := st.Done().Position()
		require.True(t, ok)
		assert.Equal(t, 2*i+1, tp)
		assert.Equal(t, tp+1, dp)
	}

	assert.Equal(t, StatusCompleted, StageGenerateExport.Done())
	assert.Equal(t, StatusUploaded, StageDetect.Precondition())
	assert.Equal(t, StatusDetected, StageValidateBBox.Precondition())

	_, ok := StatusError.Position()
	assert.False(t, ok)
}

// TestParseRejectsUnknown verifies out-of-domain strings never become a Status.
func TestParseRejectsUnknown(t *testing.T) {
	_, err := Parse("half_done")
	assert.Error(t, err)

	s, err := Parse("segmented")
	require.NoError(t, err)
	assert.Equal(t, StatusSegmented, s)

	_, err = ParseStage("paint")
	assert.Error(t, err)
}

// TestHumanStages verifies the three validation pseudo-stages are flagged.
func TestHumanStages(t *testing.T) {
	var human []Stage
	for _, st := range Stages() {
		if st.Human() {
			human = append(human, st)
		}
	}
	assert.Equal(t, []Stage{StageValidateBBox, StageValidateMasks, StageValidateGraph}, human)
}

// TestWalkWholeChain drives a diagram from uploaded to completed.
func TestWalkWholeChain(t *testing.T) {
	cur := Snapshot{Status: StatusUploaded}
	for _, st := range Stages() {
		next, err := Transition(cur, Start(st))
		require.NoError(t, err, "start %s", st)
		assert.Equal(t, st.Trigger(), next.Status)

		next, err = Transition(next, Complete(st))
		require.NoError(t, err, "complete %s", st)
		cur = next
	}
	assert.Equal(t, StatusCompleted, cur.Status)
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		cur     Snapshot
		ev      Event
		want    Snapshot
		illegal bool
	}{
		{
			name: "start first stage from uploaded",
			cur:  Snapshot{Status: StatusUploaded},
			ev:   Start(StageDetect),
			want: Snapshot{Status: StatusDetecting},
		},
		{
			name:    "start downstream stage out of order",
			cur:     Snapshot{Status: StatusDetected},
			ev:      Start(StageBuildGraph),
			illegal: true,
		},
		{
			name:    "start same stage twice",
			cur:     Snapshot{Status: StatusDetecting},
			ev:      Start(StageDetect),
			illegal: true,
		},
		{
			name: "complete last stage",
			cur:  Snapshot{Status: StatusGeneratingExport},
			ev:   Complete(StageGenerateExport),
			want: Snapshot{Status: StatusCompleted},
		},
		{
			name:    "complete wrong stage",
			cur:     Snapshot{Status: StatusSegmenting},
			ev:      Complete(StageDetect),
			illegal: true,
		},
		{
			name: "fail records stage and reason",
			cur:  Snapshot{Status: StatusSegmenting},
			ev:   Fail(StageSegment, "gpu out of memory"),
			want: Snapshot{Status: StatusError, ErrorStage: StageSegment, ErrorMessage: "gpu out of memory"},
		},
		{
			name: "fail without reason gets a message",
			cur:  Snapshot{Status: StatusSegmenting},
			ev:   Fail(StageSegment, ""),
			want: Snapshot{Status: StatusError, ErrorStage: StageSegment, ErrorMessage: "stage segment failed"},
		},
		{
			name:    "fail from done status",
			cur:     Snapshot{Status: StatusSegmented},
			ev:      Fail(StageSegment, "x"),
			illegal: true,
		},
		{
			name: "fail while retrying",
			cur:  Snapshot{Status: StatusRetrying, RetryStage: StageSegment},
			ev:   Fail(StageSegment, "gave up"),
			want: Snapshot{Status: StatusError, ErrorStage: StageSegment, ErrorMessage: "gave up"},
		},
		{
			name: "defer parks in retrying",
			cur:  Snapshot{Status: StatusSegmenting},
			ev:   Defer(StageSegment),
			want: Snapshot{Status: StatusRetrying, RetryStage: StageSegment},
		},
		{
			name: "retry from error re-enters failed stage",
			cur:  Snapshot{Status: StatusError, ErrorStage: StageSegment, ErrorMessage: "boom"},
			ev:   Retry(StageSegment),
			want: Snapshot{Status: StatusSegmenting},
		},
		{
			name:    "retry a stage that did not fail",
			cur:     Snapshot{Status: StatusError, ErrorStage: StageSegment, ErrorMessage: "boom"},
			ev:      Retry(StageDetect),
			illegal: true,
		},
		{
			name: "retry from retrying",
			cur:  Snapshot{Status: StatusRetrying, RetryStage: StageDetect},
			ev:   Retry(StageDetect),
			want: Snapshot{Status: StatusDetecting},
		},
		{
			name:    "retry when healthy",
			cur:     Snapshot{Status: StatusDetected},
			ev:      Retry(StageDetect),
			illegal: true,
		},
		{
			name:    "unknown stage",
			cur:     Snapshot{Status: StatusUploaded},
			ev:      Start(Stage("paint")),
			illegal: true,
		},
		{
			name:    "unknown current status",
			cur:     Snapshot{Status: Status("mystery")},
			ev:      Start(StageDetect),
			illegal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.cur, tt.ev)
			if tt.illegal {
				require.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, tt.cur, got, "rejected transition must not change the snapshot")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestStartNeverSkipsAhead checks every stage against every chain status.
func TestStartNeverSkipsAhead(t *testing.T) {
	for _, st := range Stages() {
		for _, s := range All() {
			ok := Allowed(Snapshot{Status: s}, Start(st))
			assert.Equal(t, s == st.Precondition(), ok, "start %s from %s", st, s)
		}
	}
}

func TestNextStage(t *testing.T) {
	st, ok := NextStage(StatusUploaded)
	require.True(t, ok)
	assert.Equal(t, StageDetect, st)

	st, ok = NextStage(StatusClassified)
	require.True(t, ok)
	assert.Equal(t, StageValidateMasks, st)

	_, ok = NextStage(StatusCompleted)
	assert.False(t, ok)

	_, ok = NextStage(StatusSegmenting)
	assert.False(t, ok)
}

func TestActiveStage(t *testing.T) {
	st, ok := Snapshot{Status: StatusSkeletonizing}.ActiveStage()
	require.True(t, ok)
	assert.Equal(t, StageSkeletonize, st)

	st, ok = Snapshot{Status: StatusRetrying, RetryStage: StageBuildGraph}.ActiveStage()
	require.True(t, ok)
	assert.Equal(t, StageBuildGraph, st)

	_, ok = Snapshot{Status: StatusBuilt}.ActiveStage()
	assert.False(t, ok)
}
