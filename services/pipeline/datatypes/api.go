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
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// apiValidate is the validator instance for request bodies.
var apiValidate *validator.Validate

var projectCodePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

func init() {
	apiValidate = validator.New()
	_ = apiValidate.RegisterValidation("projectcode", func(fl validator.FieldLevel) bool {
		return projectCodePattern.MatchString(fl.Field().String())
	})
	_ = apiValidate.RegisterValidation("pidstatus", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || status.Status(s).Valid()
	})
}

// ValidateProjectCode checks a project code against the allowed pattern.
func ValidateProjectCode(code string) error {
	return apiValidate.Var(code, "required,projectcode")
}

// =============================================================================
// Requests
// =============================================================================

// UploadRequest carries the form fields of POST /v1/diagrams.
type UploadRequest struct {
	ProjectCode string `form:"project_code" validate:"required,projectcode"`
}

// Validate checks the request.
func (r *UploadRequest) Validate() error { return apiValidate.Struct(r) }

// ListDiagramsQuery filters GET /v1/diagrams.
type ListDiagramsQuery struct {
	ProjectCode string `form:"project_code" validate:"omitempty,projectcode"`
	Status      string `form:"status" validate:"pidstatus"`
	Limit       int    `form:"limit" validate:"omitempty,min=1,max=500"`
	Offset      int    `form:"offset" validate:"omitempty,min=0"`
}

// Validate checks the query.
func (q *ListDiagramsQuery) Validate() error { return apiValidate.Struct(q) }

// TrainingFlagRequest is the body of PATCH /v1/diagrams/:id/artifacts/:type.
type TrainingFlagRequest struct {
	ForTraining *bool `json:"for_training" validate:"required"`
}

// Validate checks the request.
func (r *TrainingFlagRequest) Validate() error { return apiValidate.Struct(r) }

// =============================================================================
// Responses
// =============================================================================

// DispatchOutcome is the result class of a trigger.
type DispatchOutcome string

const (
	DispatchAccepted  DispatchOutcome = "accepted"
	DispatchDuplicate DispatchOutcome = "duplicate"
	DispatchRejected  DispatchOutcome = "rejected"
)

// DispatchResponse is returned by trigger, retry and fetch-validated.
type DispatchResponse struct {
	DiagramUID uuid.UUID       `json:"diagram_uid"`
	Stage      status.Stage    `json:"stage,omitempty"`
	Outcome    DispatchOutcome `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	JobID      *uuid.UUID      `json:"job_id,omitempty"`
	Status     status.Status   `json:"status,omitempty"`
}

// StatusResponse is the body of GET /v1/diagrams/:id/status.
type StatusResponse struct {
	DiagramUID   uuid.UUID     `json:"diagram_uid"`
	Number       int64         `json:"number"`
	Status       status.Status `json:"status"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	ErrorStage   *status.Stage `json:"error_stage,omitempty"`
	RetryStage   *status.Stage `json:"retry_stage,omitempty"`
	NextStage    *status.Stage `json:"next_stage,omitempty"`
	Statistics   Statistics    `json:"statistics"`
	Artifacts    []Artifact    `json:"artifacts"`
	ActiveRun    *StageRun     `json:"active_run,omitempty"`
}

// ValidationResponse is returned by POST /v1/diagrams/:id/validation/open.
type ValidationResponse struct {
	DiagramUID uuid.UUID    `json:"diagram_uid"`
	Stage      status.Stage `json:"stage"`
	URL        string       `json:"url"`
	Outcome    string       `json:"outcome"`
}

// DiagramList is the body of GET /v1/diagrams.
type DiagramList struct {
	Diagrams []Diagram `json:"diagrams"`
	Total    int       `json:"total"`
}

// StatusEvent is one change observed on a diagram, streamed to watchers.
type StatusEvent struct {
	DiagramUID   uuid.UUID     `json:"diagram_uid"`
	Status       status.Status `json:"status"`
	Previous     status.Status `json:"previous,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	ErrorStage   *status.Stage `json:"error_stage,omitempty"`
	RetryStage   *status.Stage `json:"retry_stage,omitempty"`
	Version      int64         `json:"version"`
	ObservedAt   int64         `json:"observed_at"`
}
