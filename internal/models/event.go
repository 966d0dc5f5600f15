package models

import (
	"strings"
	"time"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
)

// Event is a calendar entry.
type Event struct {
	SyncMeta
	Title       string  `db:"title" json:"title"`
	Description string  `db:"description" json:"description"`
	StartTime   string  `db:"start_time" json:"start_time"` // RFC 3339
	EndTime     *string `db:"end_time" json:"end_time,omitempty"`
	Category    string  `db:"category" json:"category"`
	Priority    string  `db:"priority" json:"priority"`
	Location    *string `db:"location" json:"location,omitempty"`
}

// EntityType implements Entity.
func (*Event) EntityType() EntityType { return EntityEvent }

// Normalize implements Entity.
func (e *Event) Normalize() {
	e.Title = strings.TrimSpace(e.Title)
	if e.Priority == "" {
		e.Priority = PriorityMedium
	}
	if e.Category == "" {
		e.Category = "general"
	}
}

// Validate implements Entity.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return apperrors.New(apperrors.ErrValidation, "event title is required")
	}
	start, err := time.Parse(time.RFC3339, e.StartTime)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "event start_time must be RFC 3339", err)
	}
	if e.EndTime != nil {
		end, err := time.Parse(time.RFC3339, *e.EndTime)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "event end_time must be RFC 3339", err)
		}
		if end.Before(start) {
			return apperrors.New(apperrors.ErrValidation, "event end_time precedes start_time")
		}
	}
	if !validPriority(e.Priority) {
		return apperrors.Newf(apperrors.ErrValidation, "invalid event priority %q", e.Priority)
	}
	return nil
}

// Start returns the parsed start time, or the zero time if unparsable.
func (e *Event) Start() time.Time {
	t, _ := time.Parse(time.RFC3339, e.StartTime)
	return t
}

// Payload implements Entity.
func (e *Event) Payload() Payload {
	return &EventPayload{
		Title:       e.Title,
		Description: e.Description,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		Category:    e.Category,
		Priority:    e.Priority,
		Location:    e.Location,
		UpdatedAt:   e.UpdatedAt,
	}
}

// ApplyPayload implements Entity.
func (e *Event) ApplyPayload(p Payload) error {
	v, ok := p.(*EventPayload)
	if !ok {
		return errPayloadMismatch(EntityEvent, p)
	}
	e.Title = v.Title
	e.Description = v.Description
	e.StartTime = v.StartTime
	e.EndTime = v.EndTime
	e.Category = v.Category
	e.Priority = v.Priority
	e.Location = v.Location
	return nil
}
