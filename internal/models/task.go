package models

import (
	"strings"
	"time"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
)

// Priority levels shared by tasks and events.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// PriorityRank orders priorities for listing; higher ranks sort first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

func validPriority(p string) bool {
	return PriorityRank(p) > 0
}

// Task is a to-do item managed by the assistant.
type Task struct {
	SyncMeta
	Title       string   `db:"title" json:"title"`
	Description string   `db:"description" json:"description"`
	Priority    string   `db:"priority" json:"priority"`
	Category    string   `db:"category" json:"category"`
	DueDate     *string  `db:"due_date" json:"due_date,omitempty"` // RFC 3339
	IsCompleted bool     `db:"is_completed" json:"is_completed"`
	Progress    float64  `db:"progress" json:"progress"`
	Tags        []string `db:"tags" json:"tags"`
}

// EntityType implements Entity.
func (*Task) EntityType() EntityType { return EntityTask }

// Normalize implements Entity.
func (t *Task) Normalize() {
	t.Title = strings.TrimSpace(t.Title)
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Category == "" {
		t.Category = "general"
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.IsCompleted {
		t.Progress = 1
	}
}

// Validate implements Entity.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return apperrors.New(apperrors.ErrValidation, "task title is required")
	}
	if !validPriority(t.Priority) {
		return apperrors.Newf(apperrors.ErrValidation, "invalid task priority %q", t.Priority)
	}
	if t.Progress < 0 || t.Progress > 1 {
		return apperrors.Newf(apperrors.ErrValidation, "task progress %v out of range [0,1]", t.Progress)
	}
	if t.DueDate != nil {
		if _, err := time.Parse(time.RFC3339, *t.DueDate); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "task due_date must be RFC 3339", err)
		}
	}
	return nil
}

// Payload implements Entity.
func (t *Task) Payload() Payload {
	return &TaskPayload{
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Category:    t.Category,
		DueDate:     t.DueDate,
		IsCompleted: t.IsCompleted,
		Progress:    t.Progress,
		Tags:        append([]string{}, t.Tags...),
		UpdatedAt:   t.UpdatedAt,
	}
}

// ApplyPayload implements Entity.
func (t *Task) ApplyPayload(p Payload) error {
	v, ok := p.(*TaskPayload)
	if !ok {
		return errPayloadMismatch(EntityTask, p)
	}
	t.Title = v.Title
	t.Description = v.Description
	t.Priority = v.Priority
	t.Category = v.Category
	t.DueDate = v.DueDate
	t.IsCompleted = v.IsCompleted
	t.Progress = v.Progress
	t.Tags = append([]string{}, v.Tags...)
	return nil
}

// TaskFilter narrows a task listing.
type TaskFilter string

const (
	TaskFilterAll       TaskFilter = "all"
	TaskFilterPending   TaskFilter = "pending"
	TaskFilterCompleted TaskFilter = "completed"
)

// Match reports whether t passes the filter.
func (f TaskFilter) Match(t *Task) bool {
	switch f {
	case TaskFilterPending:
		return !t.IsCompleted
	case TaskFilterCompleted:
		return t.IsCompleted
	}
	return true
}
