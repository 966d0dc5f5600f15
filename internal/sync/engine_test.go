package sync

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/db"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/remote"
	"github.com/kimhsiao/agentx/backend/internal/remote/remotetest"
	"github.com/kimhsiao/agentx/backend/internal/sync/queue"
	"github.com/kimhsiao/agentx/backend/internal/telemetry"
	"github.com/kimhsiao/agentx/backend/internal/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// testClock hands out strictly increasing times.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// tokenSource lets a test swap the bearer token between requests.
type tokenSource struct {
	mu    sync.Mutex
	token string
}

func (s *tokenSource) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &oauth2.Token{AccessToken: s.token}, nil
}

// testEventHandler records events.
type testEventHandler struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (h *testEventHandler) OnSyncEvent(event SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *testEventHandler) Types() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store   *db.Store
	srv     *remotetest.Server
	gateway *remote.Gateway
	tokens  *tokenSource
	clock   *testClock
	engine  *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "agentx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	store := db.NewStore(database)
	store.SetClock(clock.Now)

	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	tokens := &tokenSource{token: "secret"}
	srv.RequireToken("secret")
	gw := remote.New(remote.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, TokenSource: tokens})

	f := &fixture{store: store, srv: srv, gateway: gw, tokens: tokens, clock: clock}
	f.engine = NewEngine(store, gw, cfg)
	f.engine.SetClock(clock.Now)
	return f
}

func (f *fixture) createTask(t *testing.T, title string) *models.Task {
	t.Helper()
	task := &models.Task{Title: title}
	task.LocalID = uuid.NewLocalID()
	task.SyncStatus = models.SyncStatusPending
	task.Touch(f.clock.Now())
	task.Normalize()
	_, err := f.store.PutAndEnqueue(context.Background(), task, models.ActionCreate)
	require.NoError(t, err)
	return task
}

func (f *fixture) task(t *testing.T, localID string) *models.Task {
	t.Helper()
	e, err := f.store.Get(context.Background(), models.EntityTask, localID)
	require.NoError(t, err)
	return e.(*models.Task)
}

func (f *fixture) editTask(t *testing.T, localID string, mutate func(*models.Task)) *models.Task {
	t.Helper()
	task := f.task(t, localID)
	mutate(task)
	task.SyncStatus = models.SyncStatusPending
	task.Touch(f.clock.Now())
	_, err := f.store.PutAndEnqueue(context.Background(), task, models.ActionUpdate)
	require.NoError(t, err)
	return task
}

func (f *fixture) deleteTask(t *testing.T, localID string) {
	t.Helper()
	task := f.task(t, localID)
	task.IsDeleted = true
	task.SyncStatus = models.SyncStatusPending
	task.Touch(f.clock.Now())
	_, err := f.store.PutAndEnqueue(context.Background(), task, models.ActionDelete)
	require.NoError(t, err)
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.engine.PendingChanges(context.Background())
	require.NoError(t, err)
	return n
}

// TestDrain_CreateAssignsServerID verifies a queued create is pushed and
// the server identifier is recorded locally.
func TestDrain_CreateAssignsServerID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.srv.SetNextID(42)
	task := f.createTask(t, "Buy milk")

	res, err := f.engine.Drain(ctx, TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Remapped)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, "ok", res.Outcome())

	got := f.task(t, task.LocalID)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, "42", *got.ServerID)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)

	rec, ok := f.srv.Record("tasks", "42")
	require.True(t, ok)
	assert.Equal(t, "Buy milk", rec["title"])

	calls := f.srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, task.LocalID, calls[0].IdempotencyKey)
	assert.Same(t, res, f.engine.LastResult())
}

// TestDrain_CreateThenUpdateInOneDrain verifies an update queued behind an
// unsynced create targets the identifier assigned earlier in the drain.
func TestDrain_CreateThenUpdateInOneDrain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task := f.createTask(t, "Buy milk")
	f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "Buy oat milk" })
	assert.Equal(t, 2, f.pending(t))

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	calls := f.srv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, http.MethodPut, calls[1].Method)
	assert.Equal(t, "1", calls[1].ID)

	rec, ok := f.srv.Record("tasks", "1")
	require.True(t, ok)
	assert.Equal(t, "Buy oat milk", rec["title"])
	assert.Equal(t, models.SyncStatusSynced, f.task(t, task.LocalID).SyncStatus)
	assert.Zero(t, f.pending(t))
}

// TestDrain_EmptyQueue verifies an empty queue makes no remote calls.
func TestDrain_EmptyQueue(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.engine.Drain(context.Background(), TriggerPeriodic)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Empty(t, f.srv.Calls())
}

// TestDrain_PartialFailure verifies one failing entity does not hold back
// the others.
func TestDrain_PartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	first := f.createTask(t, "first")
	second := f.createTask(t, "second")
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusServiceUnavailable, 1)

	res, err := f.engine.Drain(ctx, TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, "partial", res.Outcome())
	require.Len(t, res.Errors, 1)

	assert.Nil(t, f.task(t, first.LocalID).ServerID)
	assert.Equal(t, models.SyncStatusPending, f.task(t, first.LocalID).SyncStatus)
	assert.NotNil(t, f.task(t, second.LocalID).ServerID)

	items, err := f.store.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.NotEmpty(t, items[0].LastError)
}

// TestDrain_FailedEntityKeepsOrder verifies later operations of a failed
// entity wait for the next drain.
func TestDrain_FailedEntityKeepsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task := f.createTask(t, "Buy milk")
	f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "Buy oat milk" })
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusBadGateway, 1)

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, f.srv.Calls(), 1)
	assert.Equal(t, 2, res.Remaining)
}

// TestDrain_Backoff verifies mutation drains respect backoff while
// connectivity drains retry immediately.
func TestDrain_Backoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.createTask(t, "Buy milk")
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusServiceUnavailable, 1)

	_, err := f.engine.Drain(ctx, TriggerMutation)
	require.NoError(t, err)
	f.srv.ResetCalls()

	res, err := f.engine.Drain(ctx, TriggerMutation)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Attempted)
	assert.Empty(t, f.srv.Calls())

	res, err = f.engine.Drain(ctx, TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Len(t, f.srv.Calls(), 1)
}

// TestDrain_BackoffElapses verifies an item is retried once its backoff
// has passed.
func TestDrain_BackoffElapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Policy: queue.Policy{BaseBackoff: time.Minute, MaxBackoff: time.Hour}})
	f.createTask(t, "Buy milk")
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusServiceUnavailable, 1)

	_, err := f.engine.Drain(ctx, TriggerPeriodic)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.engine.Drain(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

// TestDrain_InProgress verifies a second trigger is dropped while a drain
// runs.
func TestDrain_InProgress(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.running.Store(true)

	res, err := f.engine.Drain(context.Background(), TriggerMutation)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncInProgress))
}

// TestDrain_ConcurrentTriggers verifies overlapping drains never push the
// same operation twice.
func TestDrain_ConcurrentTriggers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	for i := 0; i < 5; i++ {
		f.createTask(t, "task")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Drain(ctx, TriggerMutation)
			if err != nil {
				assert.ErrorIs(t, err, ErrDrainInProgress)
			}
		}()
	}
	wg.Wait()

	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Len(t, f.srv.Calls(), 5)
	assert.Equal(t, 5, f.srv.Count("tasks"))
}

// TestDrain_Unauthorized verifies a rejected credential suspends replay
// until ResumeAuth.
func TestDrain_Unauthorized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	events := &testEventHandler{}
	f.engine.AddEventHandler(events)
	f.createTask(t, "first")
	f.createTask(t, "second")
	f.tokens.Set("stale")

	res, err := f.engine.Drain(ctx, TriggerConnectivity)
	assert.ErrorIs(t, err, ErrAuthSuspended)
	require.NotNil(t, res)
	assert.True(t, res.AuthSuspended)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, "auth_required", res.Outcome())
	assert.True(t, f.engine.Suspended())
	assert.Contains(t, events.Types(), EventAuthRequired)

	res, err = f.engine.Drain(ctx, TriggerManual)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAuthSuspended)
	assert.Len(t, f.srv.Calls(), 1)

	items, err := f.store.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.QueueStateAuthBlocked, items[0].State)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.NotEmpty(t, items[0].LastError)
	assert.Zero(t, items[1].RetryCount)

	f.tokens.Set("secret")
	n, err := f.engine.ResumeAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.engine.Suspended())

	res, err = f.engine.Drain(ctx, TriggerAuth)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 2, f.srv.Count("tasks"))
}

// TestDrain_Suspend verifies an engine suspended for missing credentials
// makes no calls.
func TestDrain_Suspend(t *testing.T) {
	f := newFixture(t, Config{})
	f.createTask(t, "Buy milk")
	f.engine.Suspend()

	_, err := f.engine.Drain(context.Background(), TriggerConnectivity)
	assert.ErrorIs(t, err, ErrAuthSuspended)
	assert.Empty(t, f.srv.Calls())
}

// TestDrain_ConflictRemoteWins verifies a newer remote version replaces
// the local edit and the loser is kept.
func TestDrain_ConflictRemoteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task := f.createTask(t, "Buy milk")
	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	edited := f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "Buy oat milk" })
	f.srv.Touch("tasks", "1", map[string]any{"title": "Buy soy milk", "updated_at": edited.UpdatedAt + 1000})

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Remaining)

	got := f.task(t, task.LocalID)
	assert.Equal(t, "Buy soy milk", got.Title)
	assert.Equal(t, edited.UpdatedAt+1000, got.UpdatedAt)
	assert.Equal(t, models.SyncStatusConflict, got.SyncStatus)
	assert.Contains(t, string(got.ConflictData), "Buy oat milk")

	logs, err := f.store.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionRemoteWins, logs[0].Resolution)
}

// TestDrain_ConflictLocalWins verifies a newer local version is forced
// onto the server.
func TestDrain_ConflictLocalWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task := f.createTask(t, "Buy milk")
	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	first := f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "v1" })
	f.clock.Advance(10 * time.Millisecond)
	f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "v2" })
	f.srv.Touch("tasks", "1", map[string]any{"title": "remote", "updated_at": first.UpdatedAt + 5})
	f.srv.ResetCalls()

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 2, res.Synced)

	calls := f.srv.Calls()
	require.Len(t, calls, 3)
	assert.False(t, calls[0].Force)
	assert.True(t, calls[1].Force)
	assert.False(t, calls[2].Force)

	rec, ok := f.srv.Record("tasks", "1")
	require.True(t, ok)
	assert.Equal(t, "v2", rec["title"])
	assert.Equal(t, models.SyncStatusSynced, f.task(t, task.LocalID).SyncStatus)

	logs, err := f.store.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionLocalWins, logs[0].Resolution)
	assert.Contains(t, string(logs[0].LoserData), "remote")
}

// TestDrain_ManualStrategy verifies conflicts are parked for review.
func TestDrain_ManualStrategy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Strategy: "manual"})
	task := f.createTask(t, "Buy milk")
	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	edited := f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "Buy oat milk" })
	f.srv.Touch("tasks", "1", map[string]any{"updated_at": edited.UpdatedAt + 1000})

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	got := f.task(t, task.LocalID)
	assert.Equal(t, "Buy oat milk", got.Title)
	assert.Equal(t, models.SyncStatusConflict, got.SyncStatus)
	assert.Zero(t, f.pending(t))
}

// TestDrain_UpdateRemotelyDeleted verifies a remote deletion wins over a
// local edit.
func TestDrain_UpdateRemotelyDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task := f.createTask(t, "Buy milk")
	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	f.editTask(t, task.LocalID, func(tk *models.Task) { tk.Title = "Buy oat milk" })
	f.srv.Remove("tasks", "1")

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	_, err = f.store.Get(ctx, models.EntityTask, task.LocalID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	logs, err := f.store.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionRemoteWins, logs[0].Resolution)
	assert.Contains(t, string(logs[0].LoserData), "Buy oat milk")
}

// TestDrain_Delete verifies deletes are pushed and the tombstone purged,
// including when the server already forgot the entity.
func TestDrain_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	kept := f.createTask(t, "kept")
	gone := f.createTask(t, "gone")
	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	f.deleteTask(t, kept.LocalID)
	f.deleteTask(t, gone.LocalID)
	f.srv.Remove("tasks", *f.task(t, gone.LocalID).ServerID)

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Zero(t, f.srv.Count("tasks"))

	for _, id := range []string{kept.LocalID, gone.LocalID} {
		_, err = f.store.Get(ctx, models.EntityTask, id)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	}
}

// deletingRemote removes the local entity while its create is in flight.
type deletingRemote struct {
	Remote
	store *db.Store
}

func (r *deletingRemote) Create(ctx context.Context, t models.EntityType, key string, p models.Payload) (*models.RemoteRecord, error) {
	if err := r.store.DeleteLocal(ctx, t, key); err != nil {
		return nil, err
	}
	return r.Remote.Create(ctx, t, key, p)
}

// TestDrain_DeletedDuringCreate verifies a compensating delete is queued
// when the entity disappears before its create is acknowledged.
func TestDrain_DeletedDuringCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.engine = NewEngine(f.store, &deletingRemote{Remote: f.gateway, store: f.store}, Config{})
	f.createTask(t, "Buy milk")

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 1, f.srv.Count("tasks"))

	items, err := f.store.QueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionDelete, items[0].Action)
	assert.Equal(t, "1", items[0].EntityID)

	_, err = f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, f.srv.Count("tasks"))
	assert.Zero(t, f.pending(t))
}

func createSession(t *testing.T, f *fixture) (*models.ChatSession, *models.ChatMessage) {
	t.Helper()
	ctx := context.Background()
	session := &models.ChatSession{Title: "Planning"}
	session.LocalID = uuid.NewLocalID()
	session.SyncStatus = models.SyncStatusPending
	session.Touch(f.clock.Now())
	session.Normalize()
	_, err := f.store.PutAndEnqueue(ctx, session, models.ActionCreate)
	require.NoError(t, err)

	msg := &models.ChatMessage{SessionID: session.LocalID, Role: models.RoleUser, Content: "hello"}
	msg.LocalID = uuid.NewLocalID()
	msg.SyncStatus = models.SyncStatusPending
	msg.Touch(f.clock.Now())
	msg.Normalize()
	_, err = f.store.PutAndEnqueue(ctx, msg, models.ActionCreate)
	require.NoError(t, err)
	return session, msg
}

// TestDrain_ChatMessageUsesSessionServerID verifies a message created with
// its session is sent with the session's new server identifier.
func TestDrain_ChatMessageUsesSessionServerID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	createSession(t, f)

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	calls := f.srv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/entities/chat_sessions", calls[0].Path)
	assert.Equal(t, "/entities/chat_messages", calls[1].Path)
	assert.Equal(t, "1", calls[1].Body["session_id"])
}

// TestDrain_ChatMessageWaitsForSession verifies a message is deferred while
// its session is unknown remotely.
func TestDrain_ChatMessageWaitsForSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	_, msg := createSession(t, f)
	f.srv.FailNext(http.MethodPost, "/entities/chat_sessions", http.StatusServiceUnavailable, 1)

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deferred)
	assert.Len(t, f.srv.Calls(), 1)

	res, err = f.engine.Drain(ctx, TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	calls := f.srv.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "1", calls[2].Body["session_id"])

	e, err := f.store.Get(ctx, models.EntityChatMessage, msg.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, e.Meta().SyncStatus)
}

// TestDrain_RetriesExhausted verifies an entity is flagged once its retry
// budget is spent.
func TestDrain_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Policy: queue.Policy{MaxRetries: 1}})
	task := f.createTask(t, "Buy milk")
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusServiceUnavailable, 1)

	_, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, f.task(t, task.LocalID).SyncStatus)
	assert.Equal(t, 1, f.pending(t))
}

// TestDrain_RejectedPayload verifies a non-retryable rejection flags the
// entity immediately.
func TestDrain_RejectedPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	task := f.createTask(t, "Buy milk")
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusUnprocessableEntity, 1)

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.SyncStatusError, f.task(t, task.LocalID).SyncStatus)
}

// TestDrain_Canceled verifies a canceled context aborts the drain.
func TestDrain_Canceled(t *testing.T) {
	f := newFixture(t, Config{})
	f.createTask(t, "Buy milk")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Drain(ctx, TriggerManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Empty(t, f.srv.Calls())
	assert.False(t, f.engine.Running())
}

// TestDrain_CanceledMidRequest verifies an attempt cut short by the
// caller's deadline still counts as a failed try.
func TestDrain_CanceledMidRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.remote = stallingRemote{Remote: f.gateway}
	f.createTask(t, "Buy milk")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.engine.Drain(ctx, TriggerManual)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	items, err := f.store.QueueItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.NotEmpty(t, items[0].LastError)
}

// stallingRemote holds every create until the caller gives up.
type stallingRemote struct{ Remote }

func (stallingRemote) Create(ctx context.Context, _ models.EntityType, _ string, _ models.Payload) (*models.RemoteRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestDrain_SpansBatches verifies one drain empties a queue longer than
// the batch size.
func TestDrain_SpansBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		f.createTask(t, title)
	}

	res, err := f.engine.Drain(context.Background(), TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Synced)
	assert.Zero(t, res.Remaining)
	assert.Len(t, f.srv.Calls(), 5)
}

// TestDrain_SpansBatchesPastStuckItems verifies items left queued by a
// failure are visited once and do not stop later batches.
func TestDrain_SpansBatchesPastStuckItems(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 1})
	first := f.createTask(t, "first")
	f.editTask(t, first.LocalID, func(tk *models.Task) { tk.Title = "first, edited" })
	f.createTask(t, "second")
	f.createTask(t, "third")
	f.srv.FailNext(http.MethodPost, "/entities/tasks", http.StatusServiceUnavailable, 1)

	res, err := f.engine.Drain(context.Background(), TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 2, res.Remaining)
	assert.Len(t, f.srv.Calls(), 3)
}

// TestDrain_Events verifies handlers see the drain lifecycle.
func TestDrain_Events(t *testing.T) {
	f := newFixture(t, Config{})
	events := &testEventHandler{}
	f.engine.AddEventHandler(events)
	task := f.createTask(t, "Buy milk")

	_, err := f.engine.Drain(context.Background(), TriggerMutation)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventSyncStarted, EventEntitySynced, EventSyncCompleted}, events.Types())

	synced := events.events[1]
	assert.Equal(t, models.EntityTask, synced.EntityType)
	assert.Equal(t, task.LocalID, synced.LocalID)
	assert.Equal(t, "1", synced.ServerID)
	require.NotNil(t, events.events[2].Result)
	assert.Equal(t, TriggerMutation, events.events[2].Trigger)
}

// TestDrain_Metrics verifies drains are recorded when telemetry is on.
func TestDrain_Metrics(t *testing.T) {
	ctx := context.Background()
	tel := telemetry.New(true)
	defer tel.Shutdown(ctx)
	m, err := telemetry.NewMetrics(tel.MeterProvider())
	require.NoError(t, err)

	f := newFixture(t, Config{Metrics: m})
	f.createTask(t, "Buy milk")
	_, err = f.engine.Drain(ctx, TriggerManual)
	require.NoError(t, err)

	snap, err := tel.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap["sync.drains"])
	assert.Equal(t, float64(1), snap["sync.items"])
	assert.Equal(t, float64(0), snap["sync.queue.depth"])
}

// TestTrigger_IgnoresBackoff verifies which triggers bypass backoff.
func TestTrigger_IgnoresBackoff(t *testing.T) {
	tests := []struct {
		trigger Trigger
		want    bool
	}{
		{TriggerConnectivity, true},
		{TriggerManual, true},
		{TriggerAuth, true},
		{TriggerMutation, false},
		{TriggerPeriodic, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.trigger.IgnoresBackoff(), string(tt.trigger))
	}
}
