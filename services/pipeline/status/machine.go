// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when an event is not allowed from the
// current snapshot. Callers treat it as a stale or duplicate request.
var ErrIllegalTransition = errors.New("illegal transition")

// EventKind identifies the kind of transition requested.
type EventKind string

const (
	// EventStart moves from the previous stage's done status into the
	// stage's trigger status.
	EventStart EventKind = "start_stage"

	// EventComplete moves from the trigger status into the done status.
	EventComplete EventKind = "complete_stage"

	// EventFail moves an in-progress stage into StatusError.
	EventFail EventKind = "fail_stage"

	// EventRetry re-enters the trigger status of the stage that failed or is
	// waiting for an automatic retry.
	EventRetry EventKind = "retry_stage"

	// EventDefer parks an in-progress stage in StatusRetrying until its
	// delayed re-dispatch.
	EventDefer EventKind = "defer_stage"
)

// Event is a requested transition for one stage.
type Event struct {
	Kind   EventKind
	Stage  Stage
	Reason string
}

// Start builds an EventStart.
func Start(st Stage) Event { return Event{Kind: EventStart, Stage: st} }

// Complete builds an EventComplete.
func Complete(st Stage) Event { return Event{Kind: EventComplete, Stage: st} }

// Fail builds an EventFail carrying the user-visible reason.
func Fail(st Stage, reason string) Event {
	return Event{Kind: EventFail, Stage: st, Reason: reason}
}

// Retry builds an EventRetry.
func Retry(st Stage) Event { return Event{Kind: EventRetry, Stage: st} }

// Defer builds an EventDefer.
func Defer(st Stage) Event { return Event{Kind: EventDefer, Stage: st} }

// Snapshot is the part of a diagram record the state machine reads and
// writes.
//
// ErrorStage and ErrorMessage are set if and only if Status is StatusError.
// RetryStage is set if and only if Status is StatusRetrying.
type Snapshot struct {
	Status       Status
	ErrorStage   Stage
	ErrorMessage string
	RetryStage   Stage
}

// ActiveStage returns the stage a snapshot is working on, if any.
func (s Snapshot) ActiveStage() (Stage, bool) {
	if s.Status == StatusRetrying {
		return s.RetryStage, s.RetryStage != ""
	}
	return s.Status.IsTrigger()
}

// Transition applies ev to cur and returns the resulting snapshot.
//
// # Description
//
// Transition is a pure function over the order table. It never mutates
// cur. Any combination that is not listed below is rejected with an error
// wrapping ErrIllegalTransition:
//
//   - start(x):    previous done status (or uploaded)  -> trigger(x)
//   - complete(x): trigger(x)                          -> done(x) / completed
//   - fail(x):     trigger(x), retrying with stage x   -> error
//   - defer(x):    trigger(x)                          -> retrying
//   - retry(x):    error or retrying with stage x      -> trigger(x)
//
// # Inputs
//
//   - cur: The diagram's current snapshot.
//   - ev: The requested event.
//
// # Outputs
//
//   - Snapshot: The next snapshot with side fields set or cleared.
//   - error: Non-nil when the event is illegal from cur.
func Transition(cur Snapshot, ev Event) (Snapshot, error) {
	if !ev.Stage.Valid() {
		return cur, illegal(cur, ev, "unknown stage")
	}
	if !cur.Status.Valid() {
		return cur, illegal(cur, ev, "unknown current status")
	}

	switch ev.Kind {
	case EventStart:
		if cur.Status != ev.Stage.Precondition() {
			return cur, illegal(cur, ev, fmt.Sprintf("requires status %s", ev.Stage.Precondition()))
		}
		return Snapshot{Status: ev.Stage.Trigger()}, nil

	case EventComplete:
		if cur.Status != ev.Stage.Trigger() {
			return cur, illegal(cur, ev, fmt.Sprintf("requires status %s", ev.Stage.Trigger()))
		}
		return Snapshot{Status: ev.Stage.Done()}, nil

	case EventFail:
		if !activeOn(cur, ev.Stage) {
			return cur, illegal(cur, ev, "stage is not in progress")
		}
		reason := ev.Reason
		if reason == "" {
			reason = fmt.Sprintf("stage %s failed", ev.Stage)
		}
		return Snapshot{
			Status:       StatusError,
			ErrorStage:   ev.Stage,
			ErrorMessage: reason,
		}, nil

	case EventDefer:
		if cur.Status != ev.Stage.Trigger() {
			return cur, illegal(cur, ev, fmt.Sprintf("requires status %s", ev.Stage.Trigger()))
		}
		return Snapshot{Status: StatusRetrying, RetryStage: ev.Stage}, nil

	case EventRetry:
		switch {
		case cur.Status == StatusError && cur.ErrorStage == ev.Stage:
		case cur.Status == StatusRetrying && cur.RetryStage == ev.Stage:
		default:
			return cur, illegal(cur, ev, "stage did not fail")
		}
		return Snapshot{Status: ev.Stage.Trigger()}, nil
	}

	return cur, illegal(cur, ev, "unknown event")
}

// Allowed reports whether ev is legal from cur.
func Allowed(cur Snapshot, ev Event) bool {
	_, err := Transition(cur, ev)
	return err == nil
}

func activeOn(cur Snapshot, st Stage) bool {
	if cur.Status == st.Trigger() {
		return true
	}
	return cur.Status == StatusRetrying && cur.RetryStage == st
}

func illegal(cur Snapshot, ev Event, why string) error {
	return fmt.Errorf("%w: %s(%s) from %s: %s", ErrIllegalTransition, ev.Kind, ev.Stage, cur.Status, why)
}
