package models

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle of one (job, kind) pair.
type State string

const (
	StateNone          State = ""
	StatePendingDelete State = "pending-delete"
	StateDeleted       State = "deleted"
	StatePopulating    State = "populating"
	StateSuccess       State = "success"
	StatePartial       State = "partial-success"
	StateError         State = "error"
)

// Terminal reports whether the state ends a populate attempt.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StatePartial || s == StateError
}

// Settled reports whether the kind holds usable data for its scope.
func (s State) Settled() bool {
	return s == StateSuccess || s == StatePartial
}

// ErrIllegalTransition is returned when a transition does not start from an allowed state.
var ErrIllegalTransition = errors.New("illegal table status transition")

// TableStatus is the finest-grained tracked state, one per (job, kind).
type TableStatus struct {
	JobID             string     `json:"job_id"`
	Kind              string     `json:"kind"`
	OriginallyPresent bool       `json:"originally_present"`
	State             State      `json:"state"`
	DeleteTime        *time.Time `json:"delete_time,omitempty"`
	PopulateStartTime *time.Time `json:"populate_start_time,omitempty"`
	PopulateDoneTime  *time.Time `json:"populate_done_time,omitempty"`
	ErrorText         string     `json:"error_text,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Outcome is the result class of a populate attempt.
type Outcome State

const (
	OutcomeSuccess = Outcome(StateSuccess)
	OutcomePartial = Outcome(StatePartial)
	OutcomeError   = Outcome(StateError)
)

// Transition moves a TableStatus between states. Only the constructors in this
// file produce transitions, so arbitrary state jumps cannot be expressed.
type Transition struct {
	name   string
	from   []State
	to     State
	mutate func(ts *TableStatus, now time.Time)
}

func (t Transition) String() string { return t.name }

// Target is the state the transition ends in.
func (t Transition) Target() State { return t.to }

// Allowed reports whether the transition may start from s.
func (t Transition) Allowed(s State) bool {
	if t.from == nil {
		return true
	}
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

// Apply mutates ts in place, or fails when ts is in a state the transition does not leave from.
func (t Transition) Apply(ts *TableStatus, now time.Time) error {
	if t.mutate == nil {
		return fmt.Errorf("%w: zero transition", ErrIllegalTransition)
	}
	if !t.Allowed(ts.State) {
		return fmt.Errorf("%w: %s from %q", ErrIllegalTransition, t.name, ts.State)
	}
	t.mutate(ts, now)
	ts.State = t.to
	ts.UpdatedAt = now
	return nil
}

// BeginDelete records presence and marks the kind pending deletion. It may start
// from any state, which is how re-entry and crash recovery re-enter the machine.
func BeginDelete(present bool) Transition {
	return Transition{
		name: "begin-delete",
		to:   StatePendingDelete,
		mutate: func(ts *TableStatus, _ time.Time) {
			ts.OriginallyPresent = present
			ts.PopulateStartTime = nil
			ts.PopulateDoneTime = nil
			ts.ErrorText = ""
		},
	}
}

// MarkDeleted stamps the delete time.
func MarkDeleted() Transition {
	return Transition{
		name: "mark-deleted",
		from: []State{StatePendingDelete},
		to:   StateDeleted,
		mutate: func(ts *TableStatus, now time.Time) {
			ts.DeleteTime = &now
		},
	}
}

// BeginPopulate stamps the populate start.
func BeginPopulate() Transition {
	return Transition{
		name: "begin-populate",
		from: []State{StateDeleted},
		to:   StatePopulating,
		mutate: func(ts *TableStatus, now time.Time) {
			ts.PopulateStartTime = &now
			ts.PopulateDoneTime = nil
		},
	}
}

// FinishPopulate records the outcome of a populate attempt.
func FinishPopulate(o Outcome, errorText string) Transition {
	to := State(o)
	if !to.Terminal() {
		to = StateError
	}
	return Transition{
		name: "finish-populate",
		from: []State{StatePopulating},
		to:   to,
		mutate: func(ts *TableStatus, now time.Time) {
			ts.PopulateDoneTime = &now
			if to == StateSuccess {
				ts.ErrorText = ""
			} else {
				ts.ErrorText = errorText
			}
		},
	}
}

// FailUnpopulated ends a kind in error without attempting compute.
func FailUnpopulated(errorText string) Transition {
	return Transition{
		name: "fail-unpopulated",
		from: []State{StateDeleted},
		to:   StateError,
		mutate: func(ts *TableStatus, now time.Time) {
			ts.PopulateDoneTime = &now
			ts.ErrorText = errorText
		},
	}
}

// CascadeSuccess marks a part kind successful because its parent succeeded.
func CascadeSuccess() Transition {
	return Transition{
		name: "cascade-success",
		from: []State{StateDeleted},
		to:   StateSuccess,
		mutate: func(ts *TableStatus, now time.Time) {
			ts.PopulateDoneTime = &now
			ts.ErrorText = ""
		},
	}
}
