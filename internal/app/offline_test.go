// Offline-first behaviour end to end: every write succeeds without the
// remote and is replayed once it is reachable.
package app

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/agentx/backend/internal/connectivity"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/remote/remotetest"
)

var testKey = bytes.Repeat([]byte{7}, 32)

// TestOfflineCRUD runs the repositories with the remote down.
func TestOfflineCRUD(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.SetHealthy(false)
	a := newTestApp(t, srv)
	require.NoError(t, a.Login("any", 0))
	ctx := context.Background()
	a.Monitor.Check(ctx)
	require.False(t, a.Monitor.Online())

	task, err := a.Tasks.Create(ctx, &models.Task{Title: "Offline task"})
	require.NoError(t, err)
	task.Priority = models.PriorityHigh
	_, err = a.Tasks.Update(ctx, task)
	require.NoError(t, err)

	scratch, err := a.Tasks.Create(ctx, &models.Task{Title: "Scratch"})
	require.NoError(t, err)
	require.NoError(t, a.Tasks.Delete(ctx, scratch.LocalID))

	session, err := a.Chat.CreateSession(ctx, "Offline chat", "")
	require.NoError(t, err)
	_, err = a.Chat.AddMessage(ctx, session.LocalID, &models.ChatMessage{Content: "hello"})
	require.NoError(t, err)

	tasks, err := a.Tasks.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.PriorityHigh, tasks[0].Priority)

	status, err := a.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Online)
	// create+update for the task, session create, message create
	assert.Equal(t, 4, status.Pending)
	assert.Empty(t, srv.Calls())

	t.Run("Replay", func(t *testing.T) {
		srv.SetHealthy(true)
		res, err := a.SyncNow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Synced)
		assert.Zero(t, res.Remaining)

		assert.Equal(t, 1, srv.Count("tasks"))
		assert.Equal(t, 1, srv.Count("chat_sessions"))
		require.Equal(t, 1, srv.Count("chat_messages"))

		got, err := a.Chat.Sessions.Get(ctx, session.LocalID)
		require.NoError(t, err)
		require.NotNil(t, got.ServerID)

		msg, ok := srv.Record("chat_messages", "3")
		require.True(t, ok)
		assert.Equal(t, *got.ServerID, msg["session_id"])
	})
}

// TestOfflinePersistence reopens the data directory and finds the queue
// intact.
func TestOfflinePersistence(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	opts := Options{TokenKey: testKey, Link: connectivity.StaticLink(false)}
	ctx := context.Background()

	first, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, first.Login("any", 0))
	task, err := first.Tasks.Create(ctx, &models.Task{Title: "Survives restart"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	opts.Link = connectivity.StaticLink(true)
	second, err := New(cfg, opts)
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, second.Tokens.HasToken())
	assert.False(t, second.Engine.Suspended())

	got, err := second.Tasks.Get(ctx, task.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "Survives restart", got.Title)

	res, err := second.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, srv.Count("tasks"))
}

// TestOfflineConcurrency writes from many goroutines while offline.
func TestOfflineConcurrency(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	a, err := New(testConfig(t, srv.URL), Options{TokenKey: testKey, Link: connectivity.StaticLink(false)})
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	const goroutines, perGoroutine = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, goroutines*perGoroutine)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_, err := a.Tasks.Create(ctx, &models.Task{Title: fmt.Sprintf("task %d-%d", g, i)})
				if err != nil {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create: %v", err)
	}

	tasks, err := a.Tasks.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, tasks, goroutines*perGoroutine)

	pending, err := a.Engine.PendingChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, goroutines*perGoroutine, pending)
}

// TestOfflineFlapping keeps replay quiet while the link flaps inside the
// debounce window.
func TestOfflineFlapping(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	cfg.Connectivity.Debounce = time.Hour
	a, err := New(cfg, Options{TokenKey: testKey, Link: connectivity.StaticLink(true)})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Login("any", 0))
	ctx := context.Background()

	a.Monitor.Observe(false)
	_, err = a.Tasks.Create(ctx, &models.Task{Title: "flap"})
	require.NoError(t, err)
	a.Monitor.Observe(true)
	a.Monitor.Observe(false)

	assert.False(t, a.Monitor.Online())
	assert.Empty(t, srv.Calls())
}
