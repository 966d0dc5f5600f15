// Package remotetest provides an in-memory implementation of the remote
// entity API for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Call is one request received by the server.
type Call struct {
	Method         string
	Path           string
	EntityType     string
	ID             string
	IdempotencyKey string
	Force          bool
	Body           map[string]any
}

type failure struct {
	method string
	prefix string
	status int
	times  int
}

// Server is a fake remote. Records are kept per entity type, keyed by the
// server-assigned identifier.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	records     map[string]map[string]map[string]any
	idempotency map[string]string
	nextID      int
	clock       int64
	calls       []Call
	failures    []*failure
	token       string
	healthy     bool
}

// NewServer starts a fake remote. Server identifiers are assigned from 1.
func NewServer() *Server {
	s := &Server{
		records:     make(map[string]map[string]map[string]any),
		idempotency: make(map[string]string),
		nextID:      1,
		clock:       1_000,
		healthy:     true,
	}

	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Route("/entities/{type}", func(r chi.Router) {
		r.Use(s.recordCall, s.injectFailures, s.requireToken)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// SetNextID sets the next server identifier to assign.
func (s *Server) SetNextID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID = id
}

// RequireToken makes entity routes answer 401 unless the bearer token matches.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetHealthy controls the health endpoint.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// FailNext makes the next times requests whose method matches and whose
// path starts with prefix answer status.
func (s *Server) FailNext(method, prefix string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, prefix: prefix, status: status, times: times})
}

// Seed stores a record directly and returns its identifier.
func (s *Server) Seed(entityType string, fields map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.assignID()
	rec := copyMap(fields)
	rec["id"] = id
	if _, ok := rec["updated_at"]; !ok {
		rec["updated_at"] = s.tick()
	}
	s.table(entityType)[id] = rec
	return id
}

// Touch overwrites fields of a stored record, as another device would.
func (s *Server) Touch(entityType, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(entityType)[id]
	if !ok {
		return
	}
	for k, v := range fields {
		rec[k] = v
	}
}

// Remove deletes a stored record, as another device would.
func (s *Server) Remove(entityType, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.table(entityType), id)
}

// Record returns a copy of a stored record.
func (s *Server) Record(entityType, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(entityType)[id]
	if !ok {
		return nil, false
	}
	return copyMap(rec), true
}

// Count returns the number of stored records of a type.
func (s *Server) Count(entityType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(entityType))
}

// Calls returns the entity requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// ResetCalls forgets recorded calls.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) table(entityType string) map[string]map[string]any {
	t, ok := s.records[entityType]
	if !ok {
		t = make(map[string]map[string]any)
		s.records[entityType] = t
	}
	return t
}

func (s *Server) assignID() string {
	id := strconv.Itoa(s.nextID)
	s.nextID++
	return id
}

func (s *Server) tick() int64 {
	s.clock++
	return s.clock
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.healthy
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recordCall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := Call{
			Method:         r.Method,
			Path:           r.URL.Path,
			EntityType:     chi.URLParam(r, "type"),
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Force:          r.URL.Query().Get("force") == "true",
		}
		if parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/"); len(parts) == 3 {
			call.ID = parts[2]
		}
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			call.Body = body
		}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()

		next.ServeHTTP(w, r.WithContext(withCall(r.Context(), &call)))
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var status int
		for _, f := range s.failures {
			if f.times > 0 && f.method == r.Method && strings.HasPrefix(r.URL.Path, f.prefix) {
				f.times--
				status = f.status
				break
			}
		}
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	table := s.table(chi.URLParam(r, "type"))
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, copyMap(table[id]))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	call := callFrom(r.Context())
	entityType := chi.URLParam(r, "type")

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityType + "/" + call.IdempotencyKey
	if id, ok := s.idempotency[key]; ok && call.IdempotencyKey != "" {
		if rec, ok := s.table(entityType)[id]; ok {
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "updated_at": rec["updated_at"]})
			return
		}
	}

	id := s.assignID()
	rec := copyMap(call.Body)
	rec["id"] = id
	if _, ok := rec["updated_at"]; !ok {
		rec["updated_at"] = s.tick()
	}
	s.table(entityType)[id] = rec
	if call.IdempotencyKey != "" {
		s.idempotency[key] = id
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "updated_at": rec["updated_at"]})
}

type callKey struct{}

func withCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

func callFrom(ctx context.Context) *Call {
	c, _ := ctx.Value(callKey{}).(*Call)
	if c == nil {
		return &Call{}
	}
	return c
}

func updatedAt(m map[string]any) float64 {
	switch v := m["updated_at"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	call := callFrom(r.Context())
	entityType, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.table(entityType)[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if !call.Force && updatedAt(current) > updatedAt(call.Body) {
		writeJSON(w, http.StatusConflict, current)
		return
	}
	rec := copyMap(call.Body)
	rec["id"] = id
	s.table(entityType)[id] = rec
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entityType, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table(entityType)[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	delete(s.table(entityType), id)
	w.WriteHeader(http.StatusNoContent)
}
