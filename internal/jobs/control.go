package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/timmy/shopsync/internal/domain"
)

// ControlResult tells a caller whether a control action took effect.
// Success=false with a nil error means the action was refused.
type ControlResult struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	PreviousStatus domain.JobStatus `json:"previous_status"`
	NewStatus      domain.JobStatus `json:"new_status,omitempty"`
}

// Checkpoints is the part of the checkpoint store the controller uses.
type Checkpoints interface {
	Get(ctx context.Context, jobID string) (domain.Checkpoint, bool, error)
	Clear(ctx context.Context, jobID string) error
}

// Runner launches the import loop for a job.
type Runner interface {
	// Start runs the job from scratch.
	Start(ctx context.Context, job *domain.Job) error
	// Resume runs the job from cp.
	Resume(ctx context.Context, job *domain.Job, cp domain.Checkpoint) error
}

// Controller validates control actions against the state machine before
// delegating to the Manager.
type Controller struct {
	manager     *Manager
	checkpoints Checkpoints
	runner      Runner
}

// NewController creates a controller.
func NewController(manager *Manager, checkpoints Checkpoints, runner Runner) *Controller {
	return &Controller{manager: manager, checkpoints: checkpoints, runner: runner}
}

func refused(action string, job *domain.Job) ControlResult {
	return ControlResult{
		Success:        false,
		Message:        fmt.Sprintf("cannot %s job in status %s", action, job.Status),
		PreviousStatus: job.Status,
		NewStatus:      job.Status,
	}
}

// fromErr turns a TransitionError raised by a concurrent change into a refusal.
func fromErr(job *domain.Job, err error) (ControlResult, error) {
	var te *TransitionError
	if errors.As(err, &te) {
		return ControlResult{Message: te.Error(), PreviousStatus: job.Status, NewStatus: te.From}, nil
	}
	if errors.Is(err, ErrAlreadyRunning) {
		return ControlResult{Message: err.Error(), PreviousStatus: job.Status, NewStatus: job.Status}, nil
	}
	return ControlResult{}, err
}

// Pause stops a running or pending job at its next batch boundary.
func (c *Controller) Pause(ctx context.Context, id string) (ControlResult, error) {
	job, err := c.manager.GetJob(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	if job.Status != domain.JobStatusRunning && job.Status != domain.JobStatusPending {
		return refused("pause", job), nil
	}

	ok, err := c.manager.PauseJob(ctx, id)
	if err != nil {
		return fromErr(job, err)
	}
	if !ok {
		return ControlResult{
			Message:        fmt.Sprintf("job %s has no active run", id),
			PreviousStatus: job.Status,
			NewStatus:      job.Status,
		}, nil
	}
	return ControlResult{
		Success:        true,
		Message:        "job paused",
		PreviousStatus: job.Status,
		NewStatus:      domain.JobStatusPaused,
	}, nil
}

// Resume relaunches a paused job from its checkpoint.
func (c *Controller) Resume(ctx context.Context, id string) (ControlResult, error) {
	job, err := c.manager.GetJob(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	if job.Status != domain.JobStatusPaused {
		return refused("resume", job), nil
	}

	cp, found, err := c.checkpoints.Get(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	if !found {
		return ControlResult{
			Message:        fmt.Sprintf("no checkpoint found for job %s", id),
			PreviousStatus: job.Status,
			NewStatus:      job.Status,
		}, nil
	}

	if err := c.runner.Resume(ctx, job, cp); err != nil {
		return fromErr(job, err)
	}
	return c.result(ctx, id, job.Status, "job resumed")
}

// Cancel stops the job for good and discards its checkpoint.
func (c *Controller) Cancel(ctx context.Context, id string) (ControlResult, error) {
	job, err := c.manager.GetJob(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	if !CanTransition(job.Status, domain.JobStatusCancelled) {
		return refused("cancel", job), nil
	}

	if _, err := c.manager.CancelJob(ctx, id); err != nil {
		return fromErr(job, err)
	}
	if err := c.checkpoints.Clear(ctx, id); err != nil {
		return ControlResult{}, err
	}
	return ControlResult{
		Success:        true,
		Message:        "job cancelled",
		PreviousStatus: job.Status,
		NewStatus:      domain.JobStatusCancelled,
	}, nil
}

// Retry resets a failed job and runs it again from the beginning.
func (c *Controller) Retry(ctx context.Context, id string) (ControlResult, error) {
	job, err := c.manager.GetJob(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	if job.Status != domain.JobStatusFailed {
		return refused("retry", job), nil
	}

	reset, err := c.manager.ResetJob(ctx, id)
	if err != nil {
		return fromErr(job, err)
	}
	if err := c.checkpoints.Clear(ctx, id); err != nil {
		return ControlResult{}, err
	}
	if c.runner != nil {
		if err := c.runner.Start(ctx, reset); err != nil {
			return fromErr(job, err)
		}
	}
	return c.result(ctx, id, job.Status, "job restarted")
}

// Delete removes a finished or paused job and its checkpoint.
func (c *Controller) Delete(ctx context.Context, id string) (ControlResult, error) {
	job, err := c.manager.GetJob(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	if !CanDelete(job.Status) {
		return refused("delete", job), nil
	}

	if err := c.manager.DeleteJob(ctx, id); err != nil {
		return fromErr(job, err)
	}
	if err := c.checkpoints.Clear(ctx, id); err != nil {
		return ControlResult{}, err
	}
	return ControlResult{
		Success:        true,
		Message:        "job deleted",
		PreviousStatus: job.Status,
	}, nil
}

func (c *Controller) result(ctx context.Context, id string, previous domain.JobStatus, msg string) (ControlResult, error) {
	job, err := c.manager.GetJob(ctx, id)
	if err != nil {
		return ControlResult{}, err
	}
	return ControlResult{
		Success:        true,
		Message:        msg,
		PreviousStatus: previous,
		NewStatus:      job.Status,
	}, nil
}
