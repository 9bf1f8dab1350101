package jobs

import (
	"errors"
	"fmt"

	"github.com/timmy/shopsync/internal/domain"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyRunning    = errors.New("job already running")
)

// Transition is an allowed status change.
type Transition struct {
	From domain.JobStatus
	To   domain.JobStatus
}

// ValidTransitions is the job state machine.
var ValidTransitions = []Transition{
	{From: domain.JobStatusPending, To: domain.JobStatusRunning},
	{From: domain.JobStatusPending, To: domain.JobStatusPaused},
	{From: domain.JobStatusPending, To: domain.JobStatusCancelled},
	{From: domain.JobStatusRunning, To: domain.JobStatusPaused},
	{From: domain.JobStatusRunning, To: domain.JobStatusCompleted},
	{From: domain.JobStatusRunning, To: domain.JobStatusFailed},
	{From: domain.JobStatusRunning, To: domain.JobStatusCancelled},
	{From: domain.JobStatusPaused, To: domain.JobStatusRunning},
	{From: domain.JobStatusPaused, To: domain.JobStatusCancelled},
	{From: domain.JobStatusFailed, To: domain.JobStatusPending},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to domain.JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CanDelete reports whether a job in status may be deleted. Running and
// pending jobs must be cancelled first.
func CanDelete(status domain.JobStatus) bool {
	return status.IsTerminal() || status == domain.JobStatusPaused
}

// TransitionError describes a control action refused in the current status.
type TransitionError struct {
	Action string
	From   domain.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job in status %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
