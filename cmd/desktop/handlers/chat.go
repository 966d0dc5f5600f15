package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/repository"
)

// ChatHandler handles chat sessions and messages.
type ChatHandler struct {
	chat *repository.ChatRepository
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(chat *repository.ChatRepository) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// ListSessions handles GET /chat/sessions
func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chat.ListSessions(r.Context(), boolParam(r, "refresh"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// CreateSession handles POST /chat/sessions
func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title     string `json:"title"`
		AgentName string `json:"agent_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	s, err := h.chat.CreateSession(r.Context(), req.Title, req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// DeleteSession handles DELETE /chat/sessions/{id}
func (h *ChatHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /chat/sessions/{id}/messages?limit=n
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.chat.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// AddMessage handles POST /chat/sessions/{id}/messages
func (h *ChatHandler) AddMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		AgentName string `json:"agent_name"`
		Intent    string `json:"intent"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := h.chat.AddMessage(r.Context(), chi.URLParam(r, "id"), &models.ChatMessage{
		Role:      req.Role,
		Content:   req.Content,
		AgentName: req.AgentName,
		Intent:    req.Intent,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
