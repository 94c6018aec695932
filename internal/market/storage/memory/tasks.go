package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
)

// TaskStore keeps execution tasks in process memory
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

// NewTaskStore creates an empty in-memory task store
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *TaskStore) CreateTask(_ context.Context, task *domain.Task) (*domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[task.JobID]; ok {
		return existing.Clone(), false, nil
	}
	s.tasks[task.JobID] = task.Clone()
	return task.Clone(), true, nil
}

func (s *TaskStore) GetTask(_ context.Context, jobID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[jobID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *TaskStore) TransitionTask(_ context.Context, jobID string, attempt int, from domain.TaskStatus, fn func(task *domain.Task)) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[jobID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	if t.Status != from || t.Attempt != attempt {
		return nil, domain.ErrStaleAttempt
	}
	next := t.Clone()
	fn(next)
	s.tasks[jobID] = next
	return next.Clone(), nil
}

func (s *TaskStore) ListPendingTasks(_ context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Task, 0)
	for _, t := range s.tasks {
		if t.Status.IsActive() || t.ReportedAt == nil {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
