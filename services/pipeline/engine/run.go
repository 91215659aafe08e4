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
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/observability"
	"github.com/AleutianAI/pidpipeline/services/pipeline/projects"
	"github.com/AleutianAI/pidpipeline/services/pipeline/queue"
	"github.com/AleutianAI/pidpipeline/services/pipeline/retry"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
	"github.com/AleutianAI/pidpipeline/services/pipeline/validation"
)

// Begin activates a delivered job.
//
// # Description
//
// The job's run must still be pending; otherwise the job is stale (already
// finalized, superseded or its diagram deleted). A diagram waiting in
// RETRYING for this stage re-enters the stage's in-progress status. The
// run's start time is recorded.
//
// The returned request names the absolute paths of the stage's inputs and
// of the outputs it must write, the project parameters and the validation
// tool references.
//
// # Outputs
//
//   - *stages.Request, nil: Run the stage.
//   - *stages.Request, err: The stage cannot run (missing input, unknown
//     project). err is classified; pass it to Finalize.
//   - nil, ErrStaleJob: Acknowledge and drop the job.
//   - nil, other error: Storage failure. Release the job for redelivery.
func (e *Engine) Begin(ctx context.Context, job queue.Job) (*stages.Request, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Begin")
	defer span.End()
	span.SetAttributes(
		attribute.String("diagram.id", job.DiagramUID.String()),
		attribute.String("stage", string(job.Stage)),
		attribute.Int("attempt", job.Attempt),
	)

	unlock := e.lockDiagram(job.DiagramUID)
	defer unlock()

	var d *datatypes.Diagram
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		run, err := e.activeRun(ctx, tx, job)
		if err != nil {
			return err
		}
		d, err = tx.GetDiagram(ctx, job.DiagramUID)
		if err != nil {
			return err
		}

		snap := d.Snapshot()
		if snap.Status == status.StatusRetrying && snap.RetryStage == job.Stage {
			next, err := status.Transition(snap, status.Retry(job.Stage))
			if err != nil {
				return err
			}
			d.Apply(next)
			if err := tx.SaveDiagram(ctx, d); err != nil {
				return err
			}
		} else if d.Status != job.Stage.Trigger() {
			return fmt.Errorf("%w: diagram is %s while %s run %d is pending",
				ErrStaleJob, d.Status, job.Stage, job.Attempt)
		}
		return tx.MarkStarted(ctx, run.ID, e.now().UTC())
	})
	if err != nil {
		if errors.Is(err, ErrStaleJob) {
			e.metrics.RecordFinalizeRejected(observability.RejectStaleJob)
			e.logger.Info("dropping stale job",
				"diagram_id", job.DiagramUID, "stage", job.Stage, "attempt", job.Attempt,
				"job_id", job.ID, "reason", err)
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "begin failed")
		}
		return nil, err
	}

	req, err := e.buildRequest(ctx, d, job)
	if err != nil {
		span.RecordError(err)
	}
	return req, err
}

// activeRun returns the pending run a job refers to or ErrStaleJob.
func (e *Engine) activeRun(ctx context.Context, tx store.Tx, job queue.Job) (*datatypes.StageRun, error) {
	run, err := tx.GetRun(ctx, job.DiagramUID, job.Stage, job.Attempt)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no run %s/%d", ErrStaleJob, job.Stage, job.Attempt)
	}
	if err != nil {
		return nil, err
	}
	if !run.Pending() {
		return nil, fmt.Errorf("%w: run %s/%d is %s", ErrStaleJob, job.Stage, job.Attempt, run.Outcome)
	}
	if job.ID != uuid.Nil && run.JobID != job.ID {
		return nil, fmt.Errorf("%w: run %s/%d belongs to job %s", ErrStaleJob, job.Stage, job.Attempt, run.JobID)
	}
	return run, nil
}

// buildRequest resolves the collaborator request of a job.
func (e *Engine) buildRequest(ctx context.Context, d *datatypes.Diagram, job queue.Job) (*stages.Request, error) {
	const op = "resolve stage inputs"
	req := &stages.Request{
		DiagramUID:  d.UID,
		Stage:       job.Stage,
		Attempt:     job.Attempt,
		ProjectCode: d.ProjectCode,
		Inputs:      make(map[datatypes.ArtifactType]string),
		Outputs:     make(map[datatypes.ArtifactType]string),
		OutputDir:   e.files.DiagramDir(d.UID),
	}
	if d.CVATTaskID != nil && d.CVATJobID != nil {
		req.External = map[string]int64{
			validation.RefTaskID: *d.CVATTaskID,
			validation.RefJobID:  *d.CVATJobID,
		}
	}

	for _, t := range datatypes.ArtifactsOf(job.Stage) {
		rel, err := e.files.PathFor(d.UID, t, "")
		if err != nil {
			return req, faults.Internal(op, err)
		}
		abs, err := e.files.Abs(rel)
		if err != nil {
			return req, faults.Internal(op, err)
		}
		req.Outputs[t] = abs
	}

	inputs, err := e.resolveInputs(ctx, e.store, d.UID, job.Stage)
	req.Inputs = inputs
	if err != nil {
		return req, err
	}

	p, err := e.projects.Get(ctx, d.ProjectCode)
	if errors.Is(err, projects.ErrNotFound) {
		return req, faults.InputInvalid(op, err)
	}
	if err != nil {
		return req, faults.Transient(op, err)
	}
	req.Params = p.Params()
	return req, nil
}

// resolveInputs maps the declared inputs of stage to absolute paths. A
// missing input is an input problem of the diagram.
func (e *Engine) resolveInputs(ctx context.Context, r store.Reader, id uuid.UUID, stage status.Stage) (map[datatypes.ArtifactType]string, error) {
	const op = "resolve stage inputs"
	out := make(map[datatypes.ArtifactType]string)
	for _, t := range e.registry.Definition(stage).Inputs {
		a, err := r.GetArtifact(ctx, id, t)
		if errors.Is(err, store.ErrNotFound) {
			return out, faults.InputInvalidf(op, "input artifact %s is missing", t)
		}
		if err != nil {
			return out, faults.Transient(op, err)
		}
		abs, err := e.files.Abs(a.Path)
		if err != nil {
			return out, faults.Internal(op, err)
		}
		out[t] = abs
	}
	return out, nil
}

// FinalizeRequest is the result of one execution of a job.
type FinalizeRequest struct {
	DiagramUID uuid.UUID
	Stage      status.Stage
	Attempt    int
	// Result is set on success.
	Result *stages.Result
	// Err is set on failure. It should carry a faults kind.
	Err      error
	Duration time.Duration
}

// FinalizeOutcome reports what Finalize decided.
type FinalizeOutcome struct {
	Outcome datatypes.RunOutcome
	Status  status.Status
	// Kind is the failure kind, empty on success.
	Kind faults.Kind
	// NextAttempt and RetryDelay are set when another attempt was scheduled.
	NextAttempt int
	RetryDelay  time.Duration
	Artifacts   []datatypes.Artifact
}

// Finalize records the outcome of one run exactly once.
//
// # Description
//
// On success the stage's outputs are verified and recorded, the run is
// marked successful with its metrics, the diagram completes the stage and
// the stage's statistics are stored. An output that fails verification
// turns the run into a failure instead.
//
// On failure the run keeps the classified error. The retry policy then
// either schedules the next attempt (the diagram waits in RETRYING and the
// new job is enqueued with the backoff delay) or moves the diagram into
// ERROR with a user facing message. Internal failures never expose their
// detail in that message.
//
// All of it commits in one transaction.
//
// # Outputs
//
//   - *FinalizeOutcome: What happened.
//   - error: ErrAlreadyFinalized for a second call on the same run,
//     ErrStaleJob for an unknown run, or a storage error. The job should be
//     acknowledged for the first two.
func (e *Engine) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeOutcome, error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Finalize")
	defer span.End()
	span.SetAttributes(
		attribute.String("diagram.id", req.DiagramUID.String()),
		attribute.String("stage", string(req.Stage)),
		attribute.Int("attempt", req.Attempt),
	)

	unlock := e.lockDiagram(req.DiagramUID)
	defer unlock()

	var (
		out      *FinalizeOutcome
		retryJob *queue.Job
		failure  error
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		out, retryJob, failure = &FinalizeOutcome{}, nil, req.Err

		run, err := tx.GetRun(ctx, req.DiagramUID, req.Stage, req.Attempt)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no run %s/%d", ErrStaleJob, req.Stage, req.Attempt)
		}
		if err != nil {
			return err
		}
		if !run.Pending() {
			return ErrAlreadyFinalized
		}
		d, err := tx.GetDiagram(ctx, req.DiagramUID)
		if err != nil {
			return err
		}

		snap := d.Snapshot()
		// A job that failed before Begin committed finds the diagram still
		// waiting in RETRYING.
		if snap.Status == status.StatusRetrying && snap.RetryStage == req.Stage {
			if snap, err = status.Transition(snap, status.Retry(req.Stage)); err != nil {
				return err
			}
		}

		if failure == nil && req.Result == nil {
			failure = faults.Internal("finalize", errors.New("stage returned no result"))
		}
		if failure == nil {
			recs, err := e.recorder.RecordAll(ctx, tx, req.DiagramUID, req.Stage, req.Result.Outputs)
			var fe *faults.Error
			switch {
			case errors.As(err, &fe):
				failure = err
			case err != nil:
				return err
			default:
				out.Artifacts = recs
			}
		}

		if failure == nil {
			return e.finalizeSuccess(ctx, tx, d, snap, req, out)
		}
		retryJob, err = e.finalizeFailure(ctx, tx, d, snap, req, failure, out)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyFinalized):
			e.metrics.RecordFinalizeRejected(observability.RejectAlreadyFinalized)
		case errors.Is(err, ErrStaleJob):
			e.metrics.RecordFinalizeRejected(observability.RejectStaleJob)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "finalize failed")
		}
		return nil, err
	}

	if retryJob != nil {
		e.enqueue(ctx, *retryJob, out.RetryDelay)
		e.metrics.RecordRetry(string(req.Stage))
	}
	if out.Outcome == datatypes.OutcomeFailure && out.NextAttempt == 0 {
		e.metrics.RecordTerminal(string(req.Stage), string(out.Kind))
	}
	e.metrics.RecordRun(string(req.Stage), string(out.Outcome), req.Duration)
	span.SetAttributes(
		attribute.String("run.outcome", string(out.Outcome)),
		attribute.String("diagram.status", string(out.Status)),
	)

	logArgs := []any{
		"diagram_id", req.DiagramUID, "stage", req.Stage, "attempt", req.Attempt,
		"outcome", out.Outcome, "status", out.Status, "duration", req.Duration,
	}
	switch {
	case out.Outcome == datatypes.OutcomeSuccess:
		e.logger.Info("stage completed", logArgs...)
	case out.NextAttempt > 0:
		e.logger.Warn("stage failed, retry scheduled", append(logArgs,
			"error_kind", out.Kind, "next_attempt", out.NextAttempt, "delay", out.RetryDelay, "error", failure)...)
	default:
		e.logger.Error("stage failed", append(logArgs, "error_kind", out.Kind, "error", failure)...)
	}
	return out, nil
}

func (e *Engine) finalizeSuccess(ctx context.Context, tx store.Tx, d *datatypes.Diagram, snap status.Snapshot, req FinalizeRequest, out *FinalizeOutcome) error {
	ok, err := tx.FinishRun(ctx, store.RunFinish{
		DiagramUID:  req.DiagramUID,
		Stage:       req.Stage,
		Attempt:     req.Attempt,
		Outcome:     datatypes.OutcomeSuccess,
		Metrics:     req.Result.Metrics,
		CompletedAt: e.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyFinalized
	}

	next, err := status.Transition(snap, status.Complete(req.Stage))
	if err != nil {
		return err
	}
	d.Apply(next)
	for k, v := range datatypes.OwnedBy(req.Stage, req.Result.Statistics) {
		if err := d.Statistics.Set(k, v); err != nil {
			return err
		}
	}
	if err := tx.SaveDiagram(ctx, d); err != nil {
		return err
	}

	out.Outcome = datatypes.OutcomeSuccess
	out.Status = d.Status
	return nil
}

func (e *Engine) finalizeFailure(ctx context.Context, tx store.Tx, d *datatypes.Diagram, snap status.Snapshot, req FinalizeRequest, failure error, out *FinalizeOutcome) (*queue.Job, error) {
	kind := faults.Classify(failure)
	message := faults.UserMessage(string(req.Stage), failure)
	ok, err := tx.FinishRun(ctx, store.RunFinish{
		DiagramUID:   req.DiagramUID,
		Stage:        req.Stage,
		Attempt:      req.Attempt,
		Outcome:      datatypes.OutcomeFailure,
		ErrorKind:    kind,
		ErrorMessage: message,
		ErrorDetail:  failure.Error(),
		CompletedAt:  e.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyFinalized
	}
	out.Outcome = datatypes.OutcomeFailure
	out.Kind = kind

	decision := e.policy.Decide(req.Stage, req.Attempt, kind)
	if decision.Action == retry.ActionRetry {
		next, err := status.Transition(snap, status.Defer(req.Stage))
		if err != nil {
			return nil, err
		}
		d.Apply(next)
		if err := tx.SaveDiagram(ctx, d); err != nil {
			return nil, err
		}
		// Automatic retries of human stages fetch again without a new request.
		run, err := e.newRun(ctx, tx, req.DiagramUID, req.Stage, true, decision.Delay)
		if err != nil {
			return nil, err
		}
		out.Status = d.Status
		out.NextAttempt = run.Attempt
		out.RetryDelay = decision.Delay
		job := jobOf(run)
		return &job, nil
	}

	next, err := status.Transition(snap, status.Fail(req.Stage, message))
	if err != nil {
		return nil, err
	}
	d.Apply(next)
	if err := tx.SaveDiagram(ctx, d); err != nil {
		return nil, err
	}
	out.Status = d.Status
	return nil, nil
}

// Recover re-enqueues every pending run whose job was queued but is not in
// the queue, e.g. after a crash between commit and enqueue. An automatic
// retry keeps whatever is left of its backoff. It returns the number of jobs
// enqueued.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.QueuedPendingRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued runs: %w", err)
	}
	n := 0
	for i := range runs {
		run := &runs[i]
		has, err := e.queue.Has(ctx, run.JobID)
		if err != nil {
			return n, fmt.Errorf("check job %s: %w", run.JobID, err)
		}
		if has {
			continue
		}
		var delay time.Duration
		if run.ReadyAt != nil {
			delay = max(run.ReadyAt.Sub(e.now()), 0)
		}
		added, err := e.queue.Enqueue(ctx, jobOf(run), delay)
		if err != nil {
			return n, fmt.Errorf("re-enqueue job %s: %w", run.JobID, err)
		}
		if added {
			n++
			e.logger.Warn("re-enqueued lost job",
				"diagram_id", run.DiagramUID, "stage", run.Stage, "attempt", run.Attempt, "job_id", run.JobID,
				"delay", delay)
		}
	}
	return n, nil
}
