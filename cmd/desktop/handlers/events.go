package handlers

import (
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/repository"
)

// EventHandler handles calendar event operations.
type EventHandler struct {
	entityHandler[*models.Event]
	events *repository.EventRepository
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(events *repository.EventRepository) *EventHandler {
	return &EventHandler{entityHandler: entityHandler[*models.Event]{repo: events.Repository}, events: events}
}

// List handles GET /events. With from and to (RFC 3339) only events
// starting in [from, to) are returned.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("from") == "" && q.Get("to") == "" {
		events, err := h.events.List(r.Context(), boolParam(r, "refresh"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "from must be RFC 3339", err))
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "to must be RFC 3339", err))
		return
	}
	events, err := h.events.Between(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Create handles POST /events
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, &models.Event{})
}
