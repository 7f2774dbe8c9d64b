package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one platform inside an ingestion run.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusFetching     Status = "FETCHING"
	StatusTransforming Status = "TRANSFORMING"
	StatusWriting      Status = "WRITING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether current may move to target. WRITING loops
// back to FETCHING for the next activity date, and so does FETCHING when the
// date's partition is not published; FAILED is reachable from every
// non-terminal state.
func CanTransition(current, target Status) bool {
	if current.Terminal() {
		return false
	}
	if target == StatusFailed {
		return true
	}
	switch current {
	case StatusPending:
		return target == StatusFetching || target == StatusCompleted
	case StatusFetching:
		return target == StatusTransforming || target == StatusFetching || target == StatusCompleted
	case StatusTransforming:
		return target == StatusWriting
	case StatusWriting:
		return target == StatusFetching || target == StatusCompleted
	default:
		return false
	}
}

type Transition struct {
	From Status    `json:"from" yaml:"from"`
	To   Status    `json:"to" yaml:"to"`
	At   time.Time `json:"at" yaml:"at"`
	// ActivityDate is the date being processed when the transition happened.
	ActivityDate string `json:"activity_date,omitempty" yaml:"activity_date,omitempty"`
}

// StateMachine tracks one platform's status and keeps its history.
type StateMachine struct {
	status  Status
	history []Transition
}

func NewStateMachine() *StateMachine {
	return &StateMachine{status: StatusPending}
}

func (m *StateMachine) Status() Status {
	return m.status
}

func (m *StateMachine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Move transitions to target, failing with ErrInvalidTransition when the
// edge does not exist.
func (m *StateMachine) Move(target Status, at time.Time, activityDate string) (Transition, error) {
	if !CanTransition(m.status, target) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, target)
	}
	t := Transition{From: m.status, To: target, At: at, ActivityDate: activityDate}
	m.status = target
	m.history = append(m.history, t)
	return t, nil
}
