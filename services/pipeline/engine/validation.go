// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/queue"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
	"github.com/AleutianAI/pidpipeline/services/pipeline/validation"
)

// humanStage picks the human stage a validation request refers to: the one
// in progress, the one that failed, or the one that may start next.
func humanStage(d *datatypes.Diagram) (status.Stage, bool) {
	if st, ok := d.Snapshot().ActiveStage(); ok {
		return st, st.Human()
	}
	if d.Status == status.StatusError && d.ErrorStage != nil {
		return *d.ErrorStage, d.ErrorStage.Human()
	}
	if st, ok := status.NextStage(d.Status); ok {
		return st, st.Human()
	}
	return "", false
}

// OpenValidation starts the next human stage of a diagram, or rejoins the
// one in progress, and returns the editor URL.
//
// # Description
//
// The stage is dispatched first, so opening twice is harmless: the second
// dispatch is a duplicate and the tool returns the editor it created before.
// The tool's task references are stored on the diagram.
//
// # Outputs
//
//   - *datatypes.ValidationResponse: Outcome is the dispatch outcome. URL is
//     empty when rejected.
//   - error: store.ErrNotFound, or the tool's classified error.
func (e *Engine) OpenValidation(ctx context.Context, id uuid.UUID) (*datatypes.ValidationResponse, error) {
	d, err := e.store.GetDiagram(ctx, id)
	if err != nil {
		return nil, err
	}
	stage, ok := humanStage(d)
	if !ok {
		return &datatypes.ValidationResponse{
			DiagramUID: id,
			Outcome:    string(datatypes.DispatchRejected),
		}, nil
	}
	tool, err := e.tools.Tool(stage)
	if err != nil {
		return nil, err
	}

	disp, err := e.Dispatch(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	resp := &datatypes.ValidationResponse{DiagramUID: id, Stage: stage, Outcome: string(disp.Outcome)}
	if disp.Outcome == datatypes.DispatchRejected {
		return resp, nil
	}

	if d, err = e.store.GetDiagram(ctx, id); err != nil {
		return nil, err
	}
	inputs, err := e.resolveInputs(ctx, e.store, id, stage)
	if err != nil {
		return nil, err
	}
	p, err := e.projects.Get(ctx, d.ProjectCode)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", d.ProjectCode, err)
	}

	h, err := tool.Open(ctx, validation.OpenRequest{
		DiagramUID:       id,
		Number:           d.Number,
		OriginalFilename: d.OriginalFilename,
		Stage:            stage,
		Project:          p,
		Inputs:           inputs,
		TaskID:           d.CVATTaskID,
		JobID:            d.CVATJobID,
	})
	if err != nil {
		e.logger.Error("validation open failed", "diagram_id", id, "stage", stage, "error", err)
		return nil, err
	}
	if h.TaskID != nil && h.JobID != nil && (!sameRef(d.CVATTaskID, h.TaskID) || !sameRef(d.CVATJobID, h.JobID)) {
		if err := e.store.SetExternalRefs(ctx, id, *h.TaskID, *h.JobID); err != nil {
			return nil, err
		}
	}

	resp.URL = h.URL
	e.logger.Info("validation opened", "diagram_id", id, "stage", stage, "outcome", resp.Outcome, "url", h.URL)
	return resp, nil
}

func sameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// FetchValidated queues the fetch of a human stage's validated output.
//
// # Description
//
// The diagram must be in a human stage with a pending run. The first call
// marks the run queued and enqueues its job; later calls while that job is
// queued or running are duplicates. The worker fetches through the stage's
// tool and finalizes like any other stage.
func (e *Engine) FetchValidated(ctx context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error) {
	unlock := e.lockDiagram(id)
	defer unlock()

	var (
		resp *datatypes.DispatchResponse
		job  *queue.Job
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		resp, job = nil, nil
		d, err := tx.GetDiagram(ctx, id)
		if err != nil {
			return err
		}
		resp = &datatypes.DispatchResponse{DiagramUID: id, Status: d.Status}

		stage, ok := d.Snapshot().ActiveStage()
		if !ok || !stage.Human() {
			resp.Outcome = datatypes.DispatchRejected
			resp.Reason = fmt.Sprintf("no validation in progress, diagram is %s", d.Status)
			return nil
		}
		resp.Stage = stage

		run, err := tx.PendingRun(ctx, id, stage)
		if errors.Is(err, store.ErrNotFound) {
			resp.Outcome = datatypes.DispatchRejected
			resp.Reason = fmt.Sprintf("no pending %s run", stage)
			return nil
		}
		if err != nil {
			return err
		}
		resp.Attempt = run.Attempt
		resp.JobID = &run.JobID
		if run.QueuedAt != nil {
			resp.Outcome = datatypes.DispatchDuplicate
			return nil
		}

		if err := tx.MarkQueued(ctx, run.ID, e.now().UTC()); err != nil {
			return err
		}
		resp.Outcome = datatypes.DispatchAccepted
		j := jobOf(run)
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job != nil {
		e.enqueue(ctx, *job, 0)
	}
	e.metrics.RecordDispatch(string(resp.Stage), string(resp.Outcome))
	e.logger.Info("validated output requested",
		"diagram_id", id, "stage", resp.Stage, "outcome", resp.Outcome, "attempt", resp.Attempt)
	return resp, nil
}
