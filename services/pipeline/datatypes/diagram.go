// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the records persisted by the pipeline and the
// request and response bodies of its HTTP API.
package datatypes

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// =============================================================================
// Diagram
// =============================================================================

// Diagram is one image moving through the pipeline.
//
// Status, ErrorStage, ErrorMessage and RetryStage change only through the
// state machine. Statistics are written by the finalize of the stage that
// owns them and never cleared.
type Diagram struct {
	UID              uuid.UUID     `json:"uid"`
	Number           int64         `json:"number"`
	ProjectCode      string        `json:"project_code"`
	OriginalFilename string        `json:"original_filename"`
	Status           status.Status `json:"status"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	ErrorStage       *status.Stage `json:"error_stage,omitempty"`
	RetryStage       *status.Stage `json:"retry_stage,omitempty"`
	CVATTaskID       *int64        `json:"cvat_task_id,omitempty"`
	CVATJobID        *int64        `json:"cvat_job_id,omitempty"`
	ImageWidth       *int          `json:"image_width,omitempty"`
	ImageHeight      *int          `json:"image_height,omitempty"`
	Statistics       Statistics    `json:"statistics"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Snapshot extracts the state machine view of d.
func (d *Diagram) Snapshot() status.Snapshot {
	s := status.Snapshot{Status: d.Status}
	if d.ErrorStage != nil {
		s.ErrorStage = *d.ErrorStage
	}
	if d.ErrorMessage != nil {
		s.ErrorMessage = *d.ErrorMessage
	}
	if d.RetryStage != nil {
		s.RetryStage = *d.RetryStage
	}
	return s
}

// Apply copies a state machine result back onto d.
func (d *Diagram) Apply(s status.Snapshot) {
	d.Status = s.Status
	d.ErrorStage = nil
	d.ErrorMessage = nil
	d.RetryStage = nil
	if s.Status == status.StatusError {
		stage, msg := s.ErrorStage, s.ErrorMessage
		d.ErrorStage = &stage
		d.ErrorMessage = &msg
	}
	if s.Status == status.StatusRetrying {
		stage := s.RetryStage
		d.RetryStage = &stage
	}
}

// =============================================================================
// Statistics
// =============================================================================

// Statistic keys reported by stage collaborators.
const (
	StatDetectionCount          = "detection_count"
	StatValidatedDetectionCount = "validated_detection_count"
	StatSegmentationPixels      = "segmentation_pixels"
	StatSkeletonPixels          = "skeleton_pixels"
	StatJunctionCount           = "junction_count"
	StatBridgeCount             = "bridge_count"
	StatNodeCount               = "node_count"
	StatEdgeCount               = "edge_count"
)

// ProjectCounts summarizes the diagrams of one project.
type ProjectCounts struct {
	Diagrams int `json:"diagram_count"`
	// ValidationTasks counts diagrams that have a validation task, which
	// implies the project exists in the validation tool.
	ValidationTasks int `json:"validation_tasks"`
}

// Statistics are the per-stage counters of a diagram. A nil field means the
// owning stage has not completed.
type Statistics struct {
	DetectionCount          *int64 `json:"detection_count,omitempty"`
	ValidatedDetectionCount *int64 `json:"validated_detection_count,omitempty"`
	SegmentationPixels      *int64 `json:"segmentation_pixels,omitempty"`
	SkeletonPixels          *int64 `json:"skeleton_pixels,omitempty"`
	JunctionCount           *int64 `json:"junction_count,omitempty"`
	BridgeCount             *int64 `json:"bridge_count,omitempty"`
	NodeCount               *int64 `json:"node_count,omitempty"`
	EdgeCount               *int64 `json:"edge_count,omitempty"`
}

// StatOwners lists, per stage, the statistic keys its finalize may write.
var StatOwners = map[status.Stage][]string{
	status.StageDetect:            {StatDetectionCount},
	status.StageValidateBBox:      {StatValidatedDetectionCount},
	status.StageSegment:           {StatSegmentationPixels},
	status.StageSkeletonize:       {StatSkeletonPixels},
	status.StageClassifyJunctions: {StatJunctionCount, StatBridgeCount},
	status.StageBuildGraph:        {StatNodeCount, StatEdgeCount},
}

func (s *Statistics) field(key string) (**int64, error) {
	switch key {
	case StatDetectionCount:
		return &s.DetectionCount, nil
	case StatValidatedDetectionCount:
		return &s.ValidatedDetectionCount, nil
	case StatSegmentationPixels:
		return &s.SegmentationPixels, nil
	case StatSkeletonPixels:
		return &s.SkeletonPixels, nil
	case StatJunctionCount:
		return &s.JunctionCount, nil
	case StatBridgeCount:
		return &s.BridgeCount, nil
	case StatNodeCount:
		return &s.NodeCount, nil
	case StatEdgeCount:
		return &s.EdgeCount, nil
	}
	return nil, fmt.Errorf("unknown statistic %q", key)
}

// Set stores v under key.
func (s *Statistics) Set(key string, v int64) error {
	f, err := s.field(key)
	if err != nil {
		return err
	}
	*f = &v
	return nil
}

// Get returns the value under key and whether it is set.
func (s *Statistics) Get(key string) (int64, bool) {
	f, err := s.field(key)
	if err != nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// OwnedBy keeps only the keys the stage may write and drops the rest.
func OwnedBy(stage status.Stage, stats map[string]int64) map[string]int64 {
	out := make(map[string]int64)
	for _, key := range StatOwners[stage] {
		if v, ok := stats[key]; ok {
			out[key] = v
		}
	}
	return out
}
