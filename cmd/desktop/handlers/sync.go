package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/app"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	syncpkg "github.com/kimhsiao/agentx/backend/internal/sync"
)

// SyncHandler handles sync status, manual replay and credentials.
type SyncHandler struct {
	app *app.App
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{app: a}
}

// Status handles GET /sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.app.QueueStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"queue":  stats,
	})
}

// SyncNow handles POST /sync/now
// Drains the queue and returns the drain result. A drain parked on a
// rejected credential answers 401 with the partial result.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.SyncNow(r.Context())
	if errors.Is(err, syncpkg.ErrAuthSuspended) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"code":   apperrors.ErrSyncAuthFailed,
			"result": res,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Retry handles POST /sync/retry
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.app.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// Conflicts handles GET /sync/conflicts?limit=n
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	logs, err := h.app.Conflicts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetCredentials handles GET /sync/credentials
// Reports whether an access token is stored; the token itself is never
// returned.
func (h *SyncHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": h.app.Tokens.HasToken(),
		"remote":     h.app.Config.Remote.BaseURL,
	})
}

// SetCredentials handles POST /sync/credentials
// Stores the access token and resumes replay.
func (h *SyncHandler) SetCredentials(w http.ResponseWriter, r *http.Request) {
	var request struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"` // seconds
	}
	if !decode(w, r, &request) {
		return
	}
	if request.AccessToken == "" {
		writeError(w, apperrors.New(apperrors.ErrValidation, "access_token is required"))
		return
	}

	if err := h.app.Login(request.AccessToken, time.Duration(request.ExpiresIn)*time.Second); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrCredentials, "failed to save credentials", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Sync credentials saved",
	})
}

// DeleteCredentials handles DELETE /sync/credentials
// Forgets the access token and halts replay.
func (h *SyncHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Logout(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrCredentials, "failed to delete credentials", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
