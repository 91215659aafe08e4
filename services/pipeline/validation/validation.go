// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation connects the human stages of the pipeline to the
// editors people use to correct machine output.
//
// # Description
//
// A human stage has two halves. Open prepares the editor (uploads the image
// and the machine predictions) and returns a URL for the browser. Fetch runs
// later, on a worker, once a person says they are done: it pulls the
// corrected data back and writes the stage's validated artifacts.
//
// Fetch has the same shape as a stage collaborator, so a Tool is registered
// into the stage registry with Runner and finalized like any other stage.
package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// External reference keys carried in stages.Request.External.
const (
	RefTaskID = "task_id"
	RefJobID  = "job_id"
)

// OpenRequest describes the diagram an editor is opened for.
type OpenRequest struct {
	DiagramUID       uuid.UUID
	Number           int64
	OriginalFilename string
	Stage            status.Stage
	Project          *projects.Project

	// Inputs maps the stage's input artifact types to absolute paths.
	Inputs map[datatypes.ArtifactType]string

	// TaskID and JobID are references from an earlier Open, if any.
	TaskID *int64
	JobID  *int64
}

// Handle is what Open returns.
type Handle struct {
	URL    string `json:"url"`
	TaskID *int64 `json:"task_id,omitempty"`
	JobID  *int64 `json:"job_id,omitempty"`
}

// Tool is one validation editor.
//
// # Description
//
// Open must be idempotent when the request already carries references: it
// returns the existing editor instead of creating another one.
//
// Fetch returns classified errors (package faults). A person not having
// finished yet is an input problem, not a transient one.
type Tool interface {
	Open(ctx context.Context, req OpenRequest) (*Handle, error)
	Fetch(ctx context.Context, req stages.Request) (*stages.Result, error)
}

// Runner adapts the fetch half of tool to a stage runner.
func Runner(tool Tool) stages.Runner {
	return stages.RunnerFunc(tool.Fetch)
}

// Set binds human stages to tools.
type Set map[status.Stage]Tool

// Tool returns the tool for stage.
func (s Set) Tool(stage status.Stage) (Tool, error) {
	t, ok := s[stage]
	if !ok {
		return nil, fmt.Errorf("no validation tool for stage %s", stage)
	}
	return t, nil
}

// Register adds a runner for every bound stage to reg. Only human stages
// may be bound.
func (s Set) Register(reg *stages.Registry) error {
	keys := make([]status.Stage, 0, len(s))
	for st := range s {
		keys = append(keys, st)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Index() < keys[j].Index() })

	for _, st := range keys {
		if !st.Human() {
			return fmt.Errorf("stage %s is not a human stage", st)
		}
		if err := reg.Register(st, Runner(s[st])); err != nil {
			return err
		}
	}
	return nil
}
