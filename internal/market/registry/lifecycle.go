package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/fanout"
)

// Prepare builds the work order for an attempt. It fails with
// ErrInvalidTransition when the job can no longer run, which tells the
// queue to drop the task.
func (r *Registry) Prepare(ctx context.Context, jobID string, attempt int) (*domain.WorkOrder, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusAssigned && job.Status != domain.JobStatusInProgress {
		return nil, domain.ErrInvalidTransition
	}
	swarm, err := r.store.GetSwarm(ctx, job.AssignedSwarmID)
	if err != nil {
		return nil, err
	}
	return &domain.WorkOrder{
		JobID:        job.ID,
		SwarmID:      swarm.ID,
		Attempt:      attempt,
		Title:        job.Title,
		Description:  job.Description,
		Requirements: job.Requirements,
		Agents:       append([]domain.Agent(nil), swarm.Agents...),
	}, nil
}

// ExecutionStarted moves an ASSIGNED job to IN_PROGRESS. Retries of a job
// that is already running are accepted silently.
func (r *Registry) ExecutionStarted(ctx context.Context, jobID string, attempt int) error {
	unlock, err := r.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	var changed bool
	job, err := r.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		switch j.Status {
		case domain.JobStatusInProgress:
			return nil
		case domain.JobStatusAssigned:
			j.Status = domain.JobStatusInProgress
			changed = true
			return nil
		}
		return domain.ErrInvalidTransition
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	r.logger.Info("Job execution started",
		slog.String("job_id", job.ID),
		slog.Int("attempt", attempt),
	)
	r.publisher.Publish(fanout.JobLifecycle{
		JobID:    job.ID,
		Status:   job.Status,
		Previous: domain.JobStatusAssigned,
		SwarmID:  job.AssignedSwarmID,
		At:       r.now(),
	})
	return nil
}

// ExecutionProgress relays a stage update to the job's subscribers
func (r *Registry) ExecutionProgress(ctx context.Context, p domain.Progress) {
	now := r.now()
	r.publisher.Publish(fanout.JobProgress{
		JobID:    p.JobID,
		Attempt:  p.Attempt,
		Stage:    p.Stage,
		AgentID:  p.AgentID,
		Message:  p.Message,
		Progress: p.Progress,
		At:       now,
	})

	if p.AgentID == "" {
		return
	}
	job, err := r.store.GetJob(ctx, p.JobID)
	if err != nil {
		return
	}
	activity := fanout.AgentActivity{
		SwarmID: job.AssignedSwarmID,
		Address: p.AgentID,
		JobID:   p.JobID,
		Action:  p.Stage,
		At:      now,
	}
	if swarm, err := r.store.GetSwarm(ctx, job.AssignedSwarmID); err == nil {
		for _, a := range swarm.Agents {
			if a.Address == p.AgentID {
				activity.AgentID = a.ID
				activity.Role = a.Role
				break
			}
		}
	}
	r.publisher.Publish(activity)
}

// ExecutionRetrying tells subscribers that an attempt failed and another is scheduled
func (r *Registry) ExecutionRetrying(ctx context.Context, jobID string, attempt int, delay time.Duration, cause error) {
	r.logger.Warn("Job execution attempt failed, retrying",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	r.publisher.Publish(fanout.JobProgress{
		JobID:   jobID,
		Attempt: attempt,
		Stage:   "retrying",
		Message: cause.Error(),
		At:      r.now(),
	})
}

// ExecutionSucceeded pays the swarm and completes the job. Reporting success
// for a job that is already COMPLETED does nothing.
func (r *Registry) ExecutionSucceeded(ctx context.Context, jobID string, res *domain.Result) error {
	unlock, err := r.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusCompleted {
		return nil
	}
	if job.Status != domain.JobStatusAssigned && job.Status != domain.JobStatusInProgress {
		return domain.ErrInvalidTransition
	}

	if err := r.payOut(ctx, job); err != nil {
		return err
	}

	previous := job.Status
	job, err = r.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		now := r.now()
		j.Status = domain.JobStatusCompleted
		j.CompletedAt = &now
		if res != nil {
			j.ResultHash = res.ResultHash
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("swarm_id", job.AssignedSwarmID),
		slog.String("result_hash", job.ResultHash),
	)
	r.publisher.Publish(fanout.JobLifecycle{
		JobID:    job.ID,
		Status:   job.Status,
		Previous: previous,
		SwarmID:  job.AssignedSwarmID,
		At:       r.now(),
	})
	return nil
}

// ExecutionFailed disputes a job whose execution failed for good. Funds stay
// held unless the registry is configured to refund abandoned jobs.
func (r *Registry) ExecutionFailed(ctx context.Context, jobID string, status domain.TaskStatus, cause error) error {
	unlock, err := r.lockJob(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	reason := "execution " + string(status)
	if cause != nil {
		reason += ": " + cause.Error()
	}
	job, err = r.disputeLocked(ctx, jobID, reason)
	if err != nil {
		return err
	}
	if !r.config.RefundOnAbandon {
		return nil
	}

	hold, err := r.ledger.Refund(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrHoldSettled) || errors.Is(err, domain.ErrHoldNotFound) {
			return nil
		}
		return err
	}
	r.publisher.Publish(fanout.Payment{
		JobID:   job.ID,
		SwarmID: job.AssignedSwarmID,
		Type:    domain.TxRefund,
		Payer:   hold.Payer,
		Amount:  hold.Amount,
		At:      r.now(),
	})
	_, err = r.store.UpdateJob(ctx, jobID, func(j *domain.Job) error {
		j.Resolution = domain.ResolutionRefund
		return nil
	})
	return err
}
