package repository

import (
	"context"

	"github.com/kimhsiao/agentx/backend/internal/db"
	"github.com/kimhsiao/agentx/backend/internal/models"
)

// TaskRepository manages tasks.
type TaskRepository struct {
	*Repository[*models.Task]
}

// NewTaskRepository creates a TaskRepository. Lists are ordered by
// priority, then due date, then creation.
func NewTaskRepository(store db.EntityStore, opts Options) *TaskRepository {
	return &TaskRepository{newRepository(store, models.EntityTask, opts, taskLess)}
}

func taskLess(a, b *models.Task) bool {
	if ra, rb := models.PriorityRank(a.Priority), models.PriorityRank(b.Priority); ra != rb {
		return ra > rb
	}
	switch {
	case a.DueDate != nil && b.DueDate == nil:
		return true
	case a.DueDate == nil && b.DueDate != nil:
		return false
	case a.DueDate != nil && *a.DueDate != *b.DueDate:
		return *a.DueDate < *b.DueDate
	}
	return a.CreatedAt < b.CreatedAt
}

// ListTasks returns the tasks passing filter.
func (r *TaskRepository) ListTasks(ctx context.Context, filter models.TaskFilter, forceRefresh bool) ([]*models.Task, error) {
	tasks, err := r.List(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Complete marks a task done.
func (r *TaskRepository) Complete(ctx context.Context, id string) (*models.Task, error) {
	task, err := r.active(ctx, id)
	if err != nil {
		return nil, err
	}
	task.IsCompleted = true
	task.Progress = 1
	return r.Update(ctx, task)
}
