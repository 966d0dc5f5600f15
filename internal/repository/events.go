package repository

import (
	"context"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/db"
	"github.com/kimhsiao/agentx/backend/internal/models"
)

// EventRepository manages calendar events.
type EventRepository struct {
	*Repository[*models.Event]
}

// NewEventRepository creates an EventRepository. Lists are ordered by
// start time.
func NewEventRepository(store db.EntityStore, opts Options) *EventRepository {
	return &EventRepository{newRepository(store, models.EntityEvent, opts, func(a, b *models.Event) bool {
		return a.Start().Before(b.Start())
	})}
}

// Between returns the events starting in [from, to).
func (r *EventRepository) Between(ctx context.Context, from, to time.Time) ([]*models.Event, error) {
	events, err := r.List(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []*models.Event
	for _, e := range events {
		start := e.Start()
		if !start.Before(from) && start.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}
