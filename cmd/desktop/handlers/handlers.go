// Package handlers provides the REST API the desktop UI talks to on
// localhost.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/agentx/backend/internal/app"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/repository"
)

// NewRouter mounts every handler. ws serves the event stream at /ws; nil
// leaves it unmounted.
func NewRouter(a *app.App, ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", Health)
	if ws != nil {
		r.Handle("/ws", ws)
	}

	tasks := NewTaskHandler(a.Tasks)
	events := NewEventHandler(a.Events)
	chat := NewChatHandler(a.Chat)
	syncH := NewSyncHandler(a)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", tasks.List)
			r.Post("/", tasks.Create)
			r.Get("/{id}", tasks.Get)
			r.Put("/{id}", tasks.Update)
			r.Delete("/{id}", tasks.Delete)
			r.Post("/{id}/complete", tasks.Complete)
		})
		r.Route("/events", func(r chi.Router) {
			r.Get("/", events.List)
			r.Post("/", events.Create)
			r.Get("/{id}", events.Get)
			r.Put("/{id}", events.Update)
			r.Delete("/{id}", events.Delete)
		})
		r.Route("/chat/sessions", func(r chi.Router) {
			r.Get("/", chat.ListSessions)
			r.Post("/", chat.CreateSession)
			r.Delete("/{id}", chat.DeleteSession)
			r.Get("/{id}/messages", chat.History)
			r.Post("/{id}/messages", chat.AddMessage)
		})
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncH.Status)
			r.Post("/now", syncH.SyncNow)
			r.Post("/retry", syncH.Retry)
			r.Get("/conflicts", syncH.Conflicts)
			r.Get("/credentials", syncH.GetCredentials)
			r.Post("/credentials", syncH.SetCredentials)
			r.Delete("/credentials", syncH.DeleteCredentials)
		})
	})
	return r
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agentx-desktop"})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncAuthFailed, apperrors.ErrCredentials:
		return http.StatusUnauthorized
	case apperrors.ErrSyncInProgress, apperrors.ErrConstraint:
		return http.StatusConflict
	case apperrors.ErrOffline, apperrors.ErrSyncNotConfigured:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: apperrors.ErrInvalid, Message: "invalid request body"})
		return false
	}
	return true
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// entityHandler carries the routes every family shares.
type entityHandler[T models.Entity] struct {
	repo *repository.Repository[T]
}

// Get handles GET /{id}.
func (h entityHandler[T]) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Update handles PUT /{id}. Fields missing from the body keep their
// stored values.
func (h entityHandler[T]) Update(w http.ResponseWriter, r *http.Request) {
	e, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	localID := e.Meta().LocalID
	if !decode(w, r, e) {
		return
	}
	e.Meta().LocalID = localID
	e, err = h.repo.Update(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Delete handles DELETE /{id}.
func (h entityHandler[T]) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h entityHandler[T]) create(w http.ResponseWriter, r *http.Request, e T) {
	if !decode(w, r, e) {
		return
	}
	e, err := h.repo.Create(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}
