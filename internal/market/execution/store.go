package execution

import (
	"context"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// TaskStore persists execution tasks, one per job
type TaskStore interface {
	// CreateTask stores task unless the job already has one, in which case
	// the existing task is returned with created set to false.
	CreateTask(ctx context.Context, task *domain.Task) (stored *domain.Task, created bool, err error)
	GetTask(ctx context.Context, jobID string) (*domain.Task, error)

	// TransitionTask applies fn only when the stored task is in status from
	// and on the given attempt, and fails with ErrStaleAttempt otherwise.
	TransitionTask(ctx context.Context, jobID string, attempt int, from domain.TaskStatus, fn func(task *domain.Task)) (*domain.Task, error)

	// ListPendingTasks returns every QUEUED or RUNNING task and every
	// finished task whose outcome has not been reported yet
	ListPendingTasks(ctx context.Context) ([]*domain.Task, error)
}
