package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/repository"
)

// TaskHandler handles task operations.
type TaskHandler struct {
	entityHandler[*models.Task]
	tasks *repository.TaskRepository
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks *repository.TaskRepository) *TaskHandler {
	return &TaskHandler{entityHandler: entityHandler[*models.Task]{repo: tasks.Repository}, tasks: tasks}
}

// List handles GET /tasks?status=pending|completed|all&refresh=true
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := models.TaskFilter(r.URL.Query().Get("status"))
	if filter == "" {
		filter = models.TaskFilterAll
	}
	tasks, err := h.tasks.ListTasks(r.Context(), filter, boolParam(r, "refresh"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Create handles POST /tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, &models.Task{})
}

// Complete handles POST /tasks/{id}/complete
func (h *TaskHandler) Complete(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
