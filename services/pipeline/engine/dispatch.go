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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/observability"
	"github.com/AleutianAI/pidpipeline/services/pipeline/queue"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

// Dispatch requests that stage run for diagram id.
//
// # Description
//
// Dispatch is idempotent. While a run of (id, stage) is pending, every
// further request reports duplicate with that run's attempt and job. A
// request that the state machine does not allow from the diagram's current
// status is rejected with the reason; nothing changes.
//
// When the diagram is in ERROR for stage the request is a retry and moves
// the diagram back into the stage's in-progress status. Otherwise the stage
// must directly follow the diagram's completed stage.
//
// An accepted automatic stage is queued as soon as the transaction commits.
// An accepted human stage stays unqueued until FetchValidated.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - id: The diagram.
//   - stage: The stage to run.
//
// # Outputs
//
//   - *datatypes.DispatchResponse: The outcome. Never nil without error.
//   - error: store.ErrNotFound for an unknown diagram, or a storage error.
//
// # Thread Safety
//
// Concurrent calls for the same diagram are serialized; exactly one of N
// identical concurrent requests is accepted.
func (e *Engine) Dispatch(ctx context.Context, id uuid.UUID, stage status.Stage) (*datatypes.DispatchResponse, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("diagram.id", id.String()),
		attribute.String("stage", string(stage)),
	)

	if !stage.Valid() {
		e.metrics.RecordDispatch(string(stage), string(datatypes.DispatchRejected))
		return &datatypes.DispatchResponse{
			DiagramUID: id,
			Stage:      stage,
			Outcome:    datatypes.DispatchRejected,
			Reason:     fmt.Sprintf("unknown stage %q", stage),
		}, nil
	}

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
		resp = &datatypes.DispatchResponse{DiagramUID: id, Stage: stage, Status: d.Status}

		pending, err := tx.PendingRun(ctx, id, stage)
		switch {
		case err == nil:
			resp.Outcome = datatypes.DispatchDuplicate
			resp.Attempt = pending.Attempt
			resp.JobID = &pending.JobID
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		ev := status.Start(stage)
		if d.Status == status.StatusError && d.ErrorStage != nil && *d.ErrorStage == stage {
			ev = status.Retry(stage)
		}
		next, err := status.Transition(d.Snapshot(), ev)
		if errors.Is(err, status.ErrIllegalTransition) {
			resp.Outcome = datatypes.DispatchRejected
			resp.Reason = err.Error()
			return nil
		}
		if err != nil {
			return err
		}

		run, err := e.newRun(ctx, tx, id, stage, !stage.Human(), 0)
		if err != nil {
			return err
		}
		d.Apply(next)
		if err := tx.SaveDiagram(ctx, d); err != nil {
			return err
		}

		resp.Outcome = datatypes.DispatchAccepted
		resp.Attempt = run.Attempt
		resp.JobID = &run.JobID
		resp.Status = d.Status
		if run.QueuedAt != nil {
			j := jobOf(run)
			job = &j
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return nil, err
	}

	if job != nil {
		e.enqueue(ctx, *job, 0)
	}

	e.metrics.RecordDispatch(string(stage), string(resp.Outcome))
	span.SetAttributes(attribute.String("dispatch.outcome", string(resp.Outcome)))
	e.logger.Info("stage dispatch",
		"diagram_id", id, "stage", stage, "outcome", resp.Outcome,
		"attempt", resp.Attempt, "status", resp.Status, "reason", resp.Reason)
	return resp, nil
}

// newRun inserts the next pending attempt of stage, marked queued when its
// job is enqueued right after commit.
// newRun inserts the next attempt of stage. A positive delay records when an
// automatic retry becomes due.
func (e *Engine) newRun(ctx context.Context, tx store.Tx, id uuid.UUID, stage status.Stage, queued bool, delay time.Duration) (*datatypes.StageRun, error) {
	last, err := tx.LastAttempt(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	run := &datatypes.StageRun{
		DiagramUID: id,
		Stage:      stage,
		Attempt:    last + 1,
		JobID:      uuid.New(),
	}
	now := e.now().UTC()
	if queued {
		run.QueuedAt = &now
	}
	if delay > 0 {
		ready := now.Add(delay)
		run.ReadyAt = &ready
	}
	if err := tx.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Retry re-dispatches the stage a diagram failed at. It is rejected unless
// the diagram is in ERROR.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (*datatypes.DispatchResponse, error) {
	d, err := e.store.GetDiagram(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != status.StatusError || d.ErrorStage == nil {
		e.metrics.RecordDispatch("", string(datatypes.DispatchRejected))
		return &datatypes.DispatchResponse{
			DiagramUID: id,
			Outcome:    datatypes.DispatchRejected,
			Reason:     fmt.Sprintf("diagram is %s, not %s", d.Status, status.StatusError),
			Status:     d.Status,
		}, nil
	}
	return e.Dispatch(ctx, id, *d.ErrorStage)
}
