// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages binds pipeline stages to the collaborators that execute
// them.
//
// # Description
//
// A stage implementation is opaque to the orchestrator: it receives the
// paths of the artifacts the stage reads and a directory to write into, and
// returns the files it produced plus numeric statistics. Failures are
// returned as classified errors (see package faults).
//
// The Registry also carries the static facts about every stage: which
// artifact types it reads, and whether it is heavy enough to need a slot in
// the worker pool's compute limiter.
package stages

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// Request is what a collaborator receives.
type Request struct {
	DiagramUID  uuid.UUID    `json:"diagram_id"`
	Stage       status.Stage `json:"stage"`
	Attempt     int          `json:"attempt"`
	ProjectCode string       `json:"project_code"`

	// Inputs maps each artifact type the stage reads to an absolute path.
	Inputs map[datatypes.ArtifactType]string `json:"inputs"`

	// Outputs maps each artifact type the stage must produce to the
	// absolute path it should be written to.
	Outputs map[datatypes.ArtifactType]string `json:"outputs"`

	// OutputDir is the absolute diagram directory.
	OutputDir string `json:"output_dir"`

	// Params carries project specific settings such as model weights and
	// confidence thresholds.
	Params map[string]any `json:"params,omitempty"`

	// External holds references into an external validation tool, e.g.
	// "task_id" and "job_id".
	External map[string]int64 `json:"external,omitempty"`
}

// Result is what a successful collaborator returns.
type Result struct {
	Outputs    []artifacts.Output `json:"outputs"`
	Statistics map[string]int64   `json:"statistics,omitempty"`
	Metrics    map[string]any     `json:"metrics,omitempty"`
}

// Runner executes one stage.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Definition is the static description of a stage.
type Definition struct {
	Stage status.Stage
	// Inputs are the artifact types the stage reads. All must exist before
	// the stage runs.
	Inputs []datatypes.ArtifactType
	// Heavy stages run on the GPU and share a global concurrency limit.
	Heavy bool
}

var definitions = map[status.Stage]Definition{
	status.StageDetect: {
		Stage:  status.StageDetect,
		Inputs: []datatypes.ArtifactType{datatypes.ArtifactOriginalImage},
		Heavy:  true,
	},
	status.StageValidateBBox: {
		Stage: status.StageValidateBBox,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactOriginalImage,
			datatypes.ArtifactYOLOPredicted,
			datatypes.ArtifactCOCOPredicted,
		},
	},
	status.StageSegment: {
		Stage: status.StageSegment,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactOriginalImage,
			datatypes.ArtifactCOCOValidated,
		},
		Heavy: true,
	},
	status.StageSkeletonize: {
		Stage:  status.StageSkeletonize,
		Inputs: []datatypes.ArtifactType{datatypes.ArtifactPipeMask},
	},
	status.StageClassifyJunctions: {
		Stage: status.StageClassifyJunctions,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactOriginalImage,
			datatypes.ArtifactSkeleton,
		},
		Heavy: true,
	},
	status.StageValidateMasks: {
		Stage: status.StageValidateMasks,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactOriginalImage,
			datatypes.ArtifactPipeMask,
			datatypes.ArtifactSkeleton,
			datatypes.ArtifactJunctions,
		},
	},
	status.StageBuildGraph: {
		Stage: status.StageBuildGraph,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactSkeletonValidated,
			datatypes.ArtifactJunctions,
			datatypes.ArtifactCOCOValidated,
		},
	},
	status.StageValidateGraph: {
		Stage: status.StageValidateGraph,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactOriginalImage,
			datatypes.ArtifactGraph,
		},
	},
	status.StageGenerateExport: {
		Stage: status.StageGenerateExport,
		Inputs: []datatypes.ArtifactType{
			datatypes.ArtifactGraphValidated,
			datatypes.ArtifactCOCOValidated,
		},
	},
}

// Lookup returns the definition of stage.
func Lookup(stage status.Stage) (Definition, bool) {
	d, ok := definitions[stage]
	return d, ok
}

// Registry maps stages to runners.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	runners map[status.Stage]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[status.Stage]Runner)}
}

// Register binds runner to stage, replacing any earlier binding.
func (r *Registry) Register(stage status.Stage, runner Runner) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if runner == nil {
		return fmt.Errorf("nil runner for stage %s", stage)
	}
	r.mu.Lock()
	r.runners[stage] = runner
	r.mu.Unlock()
	return nil
}

// Runner returns the runner bound to stage.
func (r *Registry) Runner(stage status.Stage) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[stage]
	if !ok {
		return nil, fmt.Errorf("no runner registered for stage %s", stage)
	}
	return runner, nil
}

// Definition returns the static description of stage.
func (r *Registry) Definition(stage status.Stage) Definition {
	d, ok := definitions[stage]
	if !ok {
		return Definition{Stage: stage}
	}
	return d
}

// Heavy reports whether stage needs a compute slot.
func (r *Registry) Heavy(stage status.Stage) bool {
	return r.Definition(stage).Heavy
}

// Missing returns the stages without a runner, in pipeline order.
func (r *Registry) Missing() []status.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []status.Stage
	for _, s := range status.Stages() {
		if _, ok := r.runners[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// Registered returns the bound stages sorted by pipeline position.
func (r *Registry) Registered() []status.Stage {
	r.mu.RLock()
	out := make([]status.Stage, 0, len(r.runners))
	for s := range r.runners {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}
