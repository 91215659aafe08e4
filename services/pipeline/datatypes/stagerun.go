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
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// RunOutcome is the result of a stage attempt.
type RunOutcome string

const (
	OutcomePending RunOutcome = "pending"
	OutcomeSuccess RunOutcome = "success"
	OutcomeFailure RunOutcome = "failure"
)

// StageRun is one attempt to execute one stage for one diagram. A run is
// created pending by the dispatcher and finalized exactly once.
type StageRun struct {
	ID         int64        `json:"id"`
	DiagramUID uuid.UUID    `json:"diagram_uid"`
	Stage      status.Stage `json:"stage"`
	Attempt    int          `json:"attempt"`
	JobID      uuid.UUID    `json:"job_id"`
	Outcome    RunOutcome   `json:"outcome"`

	ErrorKind    *faults.Kind `json:"error_kind,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	// ErrorDetail keeps the full error chain. Not shown to users for
	// internal failures.
	ErrorDetail *string        `json:"-"`
	Metrics     map[string]any `json:"metrics,omitempty"`

	// QueuedAt is set once the run's job has been handed to the queue. Human
	// stages stay unqueued until their validated output is requested.
	QueuedAt *time.Time `json:"queued_at,omitempty"`
	// ReadyAt is the earliest time an automatic retry may run.
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Pending reports whether the run has not been finalized.
func (r *StageRun) Pending() bool { return r.Outcome == OutcomePending }
