package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

const taskColumns = `
	job_id, swarm_id, attempt, status, last_error, next_run_at,
	started_at, heartbeat_at, finished_at, result_hash, reported_at,
	created_at, updated_at
`

// TaskStore persists execution tasks in PostgreSQL
type TaskStore struct {
	db *sqlx.DB
}

// NewTaskStore creates a task store over the client's pool
func NewTaskStore(pg *postgresql.Client) *TaskStore {
	return &TaskStore{db: pg.GetDB()}
}

func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	query := `
		INSERT INTO execution_tasks (` + taskColumns + `) VALUES (
			:job_id, :swarm_id, :attempt, :status, :last_error, :next_run_at,
			:started_at, :heartbeat_at, :finished_at, :result_hash, :reported_at,
			:created_at, :updated_at
		)
		ON CONFLICT (job_id) DO NOTHING
	`
	res, err := s.db.NamedExecContext(ctx, query, task)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return task.Clone(), true, nil
	}

	existing, err := s.GetTask(ctx, task.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *TaskStore) GetTask(ctx context.Context, jobID string) (*domain.Task, error) {
	return getTask(ctx, s.db, jobID, false)
}

func getTask(ctx context.Context, q sqlx.QueryerContext, jobID string, forUpdate bool) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM execution_tasks WHERE job_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var t domain.Task
	if err := sqlx.GetContext(ctx, q, &t, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

func (s *TaskStore) TransitionTask(ctx context.Context, jobID string, attempt int, from domain.TaskStatus, fn func(task *domain.Task)) (*domain.Task, error) {
	var out *domain.Task
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		t, err := getTask(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if t.Status != from || t.Attempt != attempt {
			return domain.ErrStaleAttempt
		}
		fn(t)

		query := `
			UPDATE execution_tasks
			SET attempt = :attempt,
			    status = :status,
			    last_error = :last_error,
			    next_run_at = :next_run_at,
			    started_at = :started_at,
			    heartbeat_at = :heartbeat_at,
			    finished_at = :finished_at,
			    result_hash = :result_hash,
			    reported_at = :reported_at,
			    updated_at = :updated_at
			WHERE job_id = :job_id
		`
		if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TaskStore) ListPendingTasks(ctx context.Context) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM execution_tasks
		WHERE status IN ($1, $2)
		   OR (reported_at IS NULL AND status IN ($3, $4, $5))
		ORDER BY created_at
	`
	tasks := []*domain.Task{}
	err := s.db.SelectContext(ctx, &tasks, query,
		domain.TaskStatusQueued, domain.TaskStatusRunning,
		domain.TaskStatusSucceeded, domain.TaskStatusFailed, domain.TaskStatusAbandoned,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return tasks, nil
}
