// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry decides what happens after a stage attempt fails.
package retry

import (
	"fmt"
	"time"

	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// Action is the outcome of a policy decision.
type Action string

const (
	// ActionRetry re-dispatches the same stage as a new attempt after Delay.
	ActionRetry Action = "retry_after"

	// ActionTerminal moves the diagram to ERROR.
	ActionTerminal Action = "terminal"
)

// Decision is returned by Policy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
	// Reason explains terminal decisions for logs.
	Reason string
}

// StagePolicy is the retry and timeout budget of one stage.
type StagePolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. Later attempts double
	// it up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// SoftTimeout cancels the stage context so the collaborator can
	// checkpoint and exit. HardTimeout abandons the attempt.
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

// DefaultStagePolicy mirrors the worker limits the pipeline has always run
// with: two automatic retries a minute apart, 55/60 minute time limits.
func DefaultStagePolicy() StagePolicy {
	return StagePolicy{
		MaxAttempts: 3,
		BaseDelay:   60 * time.Second,
		MaxDelay:    10 * time.Minute,
		SoftTimeout: 55 * time.Minute,
		HardTimeout: 60 * time.Minute,
	}
}

// Validate checks a stage policy for usable values.
func (p StagePolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.HardTimeout <= 0 || p.SoftTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if p.SoftTimeout > p.HardTimeout {
		return fmt.Errorf("soft timeout %s exceeds hard timeout %s", p.SoftTimeout, p.HardTimeout)
	}
	return nil
}

// Policy holds the per-stage budgets.
//
// # Thread Safety
//
// Policy is read-only after construction and safe for concurrent use.
type Policy struct {
	fallback StagePolicy
	stages   map[status.Stage]StagePolicy
}

// NewPolicy builds a Policy. Stages without an override use fallback.
func NewPolicy(fallback StagePolicy, overrides map[status.Stage]StagePolicy) (*Policy, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default stage policy: %w", err)
	}
	stages := make(map[status.Stage]StagePolicy, len(overrides))
	for st, p := range overrides {
		if !st.Valid() {
			return nil, fmt.Errorf("policy for unknown stage %q", st)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("stage %s policy: %w", st, err)
		}
		stages[st] = p
	}
	return &Policy{fallback: fallback, stages: stages}, nil
}

// DefaultPolicy returns the built-in policy. Detection gets a shorter time
// limit than the other stages.
func DefaultPolicy() *Policy {
	detect := DefaultStagePolicy()
	detect.SoftTimeout = 25 * time.Minute
	detect.HardTimeout = 30 * time.Minute
	p, _ := NewPolicy(DefaultStagePolicy(), map[status.Stage]StagePolicy{
		status.StageDetect: detect,
	})
	return p
}

// For returns the budget of stage.
func (p *Policy) For(stage status.Stage) StagePolicy {
	if sp, ok := p.stages[stage]; ok {
		return sp
	}
	return p.fallback
}

// Decide chooses between another attempt and a terminal error.
//
// # Description
//
// attempt is the 1-based number of the attempt that just failed. Transient
// failures are retried while attempt < MaxAttempts. InputInvalid and
// Internal failures are terminal on the first occurrence. An unknown kind is
// treated as Internal.
//
// # Outputs
//
//   - Decision: ActionRetry with the delay before the next attempt, or
//     ActionTerminal with a reason.
func (p *Policy) Decide(stage status.Stage, attempt int, kind faults.Kind) Decision {
	sp := p.For(stage)

	switch kind {
	case faults.KindTransient:
	case faults.KindInputInvalid:
		return Decision{Action: ActionTerminal, Reason: "input invalid, retry cannot help"}
	default:
		return Decision{Action: ActionTerminal, Reason: "internal failure"}
	}

	if attempt >= sp.MaxAttempts {
		return Decision{
			Action: ActionTerminal,
			Reason: fmt.Sprintf("attempt %d reached max attempts %d", attempt, sp.MaxAttempts),
		}
	}
	return Decision{Action: ActionRetry, Delay: Backoff(sp, attempt)}
}

// Backoff returns the delay before attempt+1.
func Backoff(sp StagePolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := sp.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if sp.MaxDelay > 0 && d >= sp.MaxDelay {
			return sp.MaxDelay
		}
	}
	if sp.MaxDelay > 0 && d > sp.MaxDelay {
		return sp.MaxDelay
	}
	return d
}
