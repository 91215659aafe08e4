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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// ArtifactType names one file role of a diagram. A diagram holds at most one
// artifact per type.
type ArtifactType string

const (
	ArtifactOriginalImage     ArtifactType = "original_image"
	ArtifactYOLOPredicted     ArtifactType = "yolo_predicted"
	ArtifactCOCOPredicted     ArtifactType = "coco_predicted"
	ArtifactCOCOValidated     ArtifactType = "coco_validated"
	ArtifactYOLOValidated     ArtifactType = "yolo_validated"
	ArtifactPipeMask          ArtifactType = "pipe_mask"
	ArtifactSkeleton          ArtifactType = "skeleton"
	ArtifactJunctions         ArtifactType = "junctions"
	ArtifactPipeMaskValidated ArtifactType = "pipe_mask_validated"
	ArtifactSkeletonValidated ArtifactType = "skeleton_validated"
	ArtifactGraph             ArtifactType = "graph"
	ArtifactGraphValidated    ArtifactType = "graph_validated"
	ArtifactFXML              ArtifactType = "fxml"
)

// ArtifactSpec describes where an artifact type lives and who writes it.
type ArtifactSpec struct {
	Type ArtifactType
	// Stage that produces the type. Empty for the upload.
	Stage status.Stage
	// Dir is the subdirectory of the diagram directory.
	Dir string
	// FileName is the canonical file name inside Dir.
	FileName string
	// Training marks types flagged for model retraining by default.
	Training bool
}

var artifactSpecs = []ArtifactSpec{
	{ArtifactOriginalImage, "", "original", "image.png", false},
	{ArtifactYOLOPredicted, status.StageDetect, "detection", "yolo_predicted.txt", false},
	{ArtifactCOCOPredicted, status.StageDetect, "detection", "coco_predicted.json", false},
	{ArtifactCOCOValidated, status.StageValidateBBox, "detection", "coco_validated.json", true},
	{ArtifactYOLOValidated, status.StageValidateBBox, "detection", "yolo_validated.txt", true},
	{ArtifactPipeMask, status.StageSegment, "segmentation", "pipe_mask.png", false},
	{ArtifactSkeleton, status.StageSkeletonize, "skeleton", "skeleton.png", false},
	{ArtifactJunctions, status.StageClassifyJunctions, "junction", "junctions.json", false},
	{ArtifactPipeMaskValidated, status.StageValidateMasks, "segmentation", "pipe_mask_validated.png", true},
	{ArtifactSkeletonValidated, status.StageValidateMasks, "skeleton", "skeleton_validated.png", true},
	{ArtifactGraph, status.StageBuildGraph, "graph", "graph.json", false},
	{ArtifactGraphValidated, status.StageValidateGraph, "graph", "graph_validated.json", true},
	{ArtifactFXML, status.StageGenerateExport, "output", "diagram.fxml", false},
}

var artifactByType = func() map[ArtifactType]ArtifactSpec {
	m := make(map[ArtifactType]ArtifactSpec, len(artifactSpecs))
	for _, s := range artifactSpecs {
		m[s.Type] = s
	}
	return m
}()

// LookupArtifact returns the spec of t.
func LookupArtifact(t ArtifactType) (ArtifactSpec, bool) {
	s, ok := artifactByType[t]
	return s, ok
}

// ParseArtifactType rejects unknown types.
func ParseArtifactType(s string) (ArtifactType, error) {
	t := ArtifactType(s)
	if _, ok := artifactByType[t]; !ok {
		return "", fmt.Errorf("unknown artifact type %q", s)
	}
	return t, nil
}

// ArtifactsOf returns the types produced by stage, in declaration order.
func ArtifactsOf(stage status.Stage) []ArtifactType {
	var out []ArtifactType
	for _, s := range artifactSpecs {
		if s.Stage == stage {
			out = append(out, s.Type)
		}
	}
	return out
}

// ArtifactTypes returns every known type.
func ArtifactTypes() []ArtifactType {
	out := make([]ArtifactType, len(artifactSpecs))
	for i, s := range artifactSpecs {
		out[i] = s.Type
	}
	return out
}

// Artifact is the canonical pointer to one file of a diagram.
type Artifact struct {
	DiagramUID uuid.UUID    `json:"diagram_uid"`
	Type       ArtifactType `json:"artifact_type"`
	Stage      status.Stage `json:"stage,omitempty"`
	// Path is relative to the artifact store root.
	Path        string    `json:"file_path"`
	Size        int64     `json:"file_size"`
	ForTraining bool      `json:"for_training"`
	CreatedAt   time.Time `json:"created_at"`
}
