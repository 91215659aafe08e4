// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status defines the diagram status domain and the pure state
// machine that moves a diagram through the pipeline.
//
// The pipeline is a linear chain of stages. Every stage owns a pair of
// statuses: a trigger status (the stage is running or queued) and a done
// status (the stage finished). The chain starts at StatusUploaded and ends at
// StatusCompleted. StatusError is reachable from any in-progress status and
// StatusRetrying holds a diagram while an automatic retry waits for its
// delayed re-dispatch.
//
// The order of the chain lives in exactly one place, the stages slice below.
// Every predecessor and successor lookup is derived from it when the package
// initialises; nothing compares status strings or relies on declaration
// order.
//
// # Thread Safety
//
// All exported functions are pure and safe for concurrent use. The lookup
// tables are built once in init and never mutated afterward.
package status

import (
	"fmt"
)

// Status is one value of the diagram status domain.
//
// Status is persisted as its string value. Use Parse when reading from
// untrusted input so out-of-domain values are rejected.
type Status string

const (
	StatusUploaded Status = "uploaded"

	StatusDetecting Status = "detecting"
	StatusDetected  Status = "detected"

	StatusValidatingBBox Status = "validating_bbox"
	StatusValidatedBBox  Status = "validated_bbox"

	StatusSegmenting Status = "segmenting"
	StatusSegmented  Status = "segmented"

	StatusSkeletonizing Status = "skeletonizing"
	StatusSkeletonized  Status = "skeletonized"

	StatusClassifyingJunctions Status = "classifying_junctions"
	StatusClassified           Status = "classified"

	StatusValidatingMasks Status = "validating_masks"
	StatusValidatedMasks  Status = "validated_masks"

	StatusBuildingGraph Status = "building_graph"
	StatusBuilt         Status = "built"

	StatusValidatingGraph Status = "validating_graph"
	StatusValidatedGraph  Status = "validated_graph"

	StatusGeneratingExport Status = "generating_fxml"
	StatusCompleted        Status = "completed"

	StatusRetrying Status = "retrying"
	StatusError    Status = "error"
)

// Stage names one discrete unit of the pipeline.
type Stage string

const (
	StageDetect            Stage = "detect"
	StageValidateBBox      Stage = "validate_bbox"
	StageSegment           Stage = "segment"
	StageSkeletonize       Stage = "skeletonize"
	StageClassifyJunctions Stage = "classify_junctions"
	StageValidateMasks     Stage = "validate_masks"
	StageBuildGraph        Stage = "build_graph"
	StageValidateGraph     Stage = "validate_graph"
	StageGenerateExport    Stage = "generate_export"
)

// stageDef is one row of the order table.
type stageDef struct {
	stage   Stage
	trigger Status
	done    Status
	human   bool
}

// stages is the total order of the pipeline. It is the single source of
// truth for every ordering question.
var stages = []stageDef{
	{StageDetect, StatusDetecting, StatusDetected, false},
	{StageValidateBBox, StatusValidatingBBox, StatusValidatedBBox, true},
	{StageSegment, StatusSegmenting, StatusSegmented, false},
	{StageSkeletonize, StatusSkeletonizing, StatusSkeletonized, false},
	{StageClassifyJunctions, StatusClassifyingJunctions, StatusClassified, false},
	{StageValidateMasks, StatusValidatingMasks, StatusValidatedMasks, true},
	{StageBuildGraph, StatusBuildingGraph, StatusBuilt, false},
	{StageValidateGraph, StatusValidatingGraph, StatusValidatedGraph, true},
	{StageGenerateExport, StatusGeneratingExport, StatusCompleted, false},
}

var (
	// byStage maps a stage to its index in stages.
	byStage map[Stage]int

	// triggerOf maps a trigger status back to its stage.
	triggerOf map[Status]Stage

	// doneOf maps a done status back to its stage.
	doneOf map[Status]Stage

	// position is the rank of every status along the chain. Trigger and done
	// statuses of stage i rank 2i+1 and 2i+2; StatusUploaded ranks 0.
	position map[Status]int

	// all lists the whole domain in chain order followed by the side states.
	all []Status
)

func init() {
	byStage = make(map[Stage]int, len(stages))
	triggerOf = make(map[Status]Stage, len(stages))
	doneOf = make(map[Status]Stage, len(stages))
	position = make(map[Status]int, 2*len(stages)+1)

	position[StatusUploaded] = 0
	all = append(all, StatusUploaded)
	for i, def := range stages {
		byStage[def.stage] = i
		triggerOf[def.trigger] = def.stage
		doneOf[def.done] = def.stage
		position[def.trigger] = 2*i + 1
		position[def.done] = 2*i + 2
		all = append(all, def.trigger, def.done)
	}
	all = append(all, StatusRetrying, StatusError)
}

// All returns every member of the status domain in chain order, followed by
// StatusRetrying and StatusError.
func All() []Status {
	out := make([]Status, len(all))
	copy(out, all)
	return out
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	for i, def := range stages {
		out[i] = def.stage
	}
	return out
}

// Parse converts a string into a Status, rejecting values outside the domain.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// ParseStage converts a string into a Stage, rejecting unknown names.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Valid reports whether s is a member of the status domain.
func (s Status) Valid() bool {
	if s == StatusRetrying || s == StatusError {
		return true
	}
	_, ok := position[s]
	return ok
}

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }

// Position returns the rank of s along the chain and false for statuses that
// are not on the chain (StatusRetrying, StatusError, unknown values).
func (s Status) Position() (int, bool) {
	p, ok := position[s]
	return p, ok
}

// IsTrigger reports whether s is the trigger status of some stage and
// returns that stage.
func (s Status) IsTrigger() (Stage, bool) {
	st, ok := triggerOf[s]
	return st, ok
}

// IsDone reports whether s is the done status of some stage and returns
// that stage.
func (s Status) IsDone() (Stage, bool) {
	st, ok := doneOf[s]
	return st, ok
}

// InProgress reports whether a stage is running or waiting to run again.
func (s Status) InProgress() bool {
	if s == StatusRetrying {
		return true
	}
	_, ok := triggerOf[s]
	return ok
}

// IsTerminal reports whether no further pipeline work happens without a
// user action. StatusError is terminal until retried.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether st names a pipeline stage.
func (st Stage) Valid() bool {
	_, ok := byStage[st]
	return ok
}

// String implements fmt.Stringer.
func (st Stage) String() string { return string(st) }

// Index returns the zero-based position of st in the pipeline or -1.
func (st Stage) Index() int {
	if i, ok := byStage[st]; ok {
		return i
	}
	return -1
}

// Trigger returns the in-progress status of st.
func (st Stage) Trigger() Status {
	if i, ok := byStage[st]; ok {
		return stages[i].trigger
	}
	return ""
}

// Done returns the completion status of st. The last stage completes to
// StatusCompleted.
func (st Stage) Done() Status {
	if i, ok := byStage[st]; ok {
		return stages[i].done
	}
	return ""
}

// Human reports whether st is a human-validation pseudo-stage.
func (st Stage) Human() bool {
	if i, ok := byStage[st]; ok {
		return stages[i].human
	}
	return false
}

// Previous returns the stage immediately before st. The first stage has no
// predecessor and returns false.
func (st Stage) Previous() (Stage, bool) {
	i, ok := byStage[st]
	if !ok || i == 0 {
		return "", false
	}
	return stages[i-1].stage, true
}

// Next returns the stage immediately after st. The last stage returns false.
func (st Stage) Next() (Stage, bool) {
	i, ok := byStage[st]
	if !ok || i == len(stages)-1 {
		return "", false
	}
	return stages[i+1].stage, true
}

// Precondition returns the status a diagram must hold before st may start.
func (st Stage) Precondition() Status {
	if prev, ok := st.Previous(); ok {
		return prev.Done()
	}
	if st.Valid() {
		return StatusUploaded
	}
	return ""
}

// NextStage returns the stage that may be started from s, if any.
func NextStage(s Status) (Stage, bool) {
	if s == StatusUploaded {
		return stages[0].stage, true
	}
	st, ok := doneOf[s]
	if !ok {
		return "", false
	}
	return st.Next()
}
