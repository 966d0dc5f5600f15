package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/agentx/backend/internal/app"
	"github.com/kimhsiao/agentx/backend/internal/connectivity"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/remote/remotetest"
)

type harness struct {
	t       *testing.T
	dataDir string
	srv     *remotetest.Server
}

func newHarness(t *testing.T) *harness {
	srv := remotetest.NewServer()
	t.Cleanup(srv.Close)
	return &harness{t: t, dataDir: t.TempDir(), srv: srv}
}

// run executes one command line against the harness data directory.
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	opts := app.Options{TokenKey: bytes.Repeat([]byte{3}, 32), Link: connectivity.StaticLink(true)}
	root := newRootCmd(opts, &out)
	root.SetArgs(append([]string{"--data-dir", h.dataDir, "--remote", h.srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "agentx %s", strings.Join(args, " "))
	return out
}

func TestVersionDefault(t *testing.T) {
	assert.NotEmpty(t, Version)
	var out bytes.Buffer
	root := newRootCmd(app.Options{}, &out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), Version)
}

func TestTaskCommands(t *testing.T) {
	h := newHarness(t)

	h.mustRun("task", "add", "Write report", "--priority", "low")
	h.mustRun("task", "add", "Pay rent", "--priority", "high", "--due", "2026-11-01T00:00:00Z")

	var tasks []models.Task
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "task", "list")), &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "Pay rent", tasks[0].Title)
	assert.Equal(t, models.SyncStatusPending, tasks[0].SyncStatus)

	out := h.mustRun("task", "done", tasks[1].LocalID)
	assert.Contains(t, out, "COMPLETED "+tasks[1].LocalID)

	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "task", "list", "--status", "completed")), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Write report", tasks[0].Title)

	out = h.mustRun("task", "rm", tasks[0].LocalID)
	assert.Contains(t, out, "DELETED")

	_, err := h.run("task", "add", "  ")
	assert.Error(t, err)
}

func TestSyncCommands(t *testing.T) {
	h := newHarness(t)
	h.srv.RequireToken("secret")

	h.mustRun("task", "add", "Buy milk")
	_, err := h.run("sync", "now")
	assert.Error(t, err)

	h.mustRun("login", "--token", "secret")
	out := h.mustRun("sync", "now")
	assert.Contains(t, out, "synced 1")
	assert.Equal(t, 1, h.srv.Count("tasks"))

	var status struct {
		Status struct {
			Online  bool `json:"online"`
			Pending int  `json:"pending"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "sync", "status")), &status))
	assert.True(t, status.Status.Online)
	assert.Zero(t, status.Status.Pending)

	out = h.mustRun("sync", "conflicts")
	assert.Empty(t, out)

	h.mustRun("logout")
	_, err = h.run("sync", "now")
	assert.Error(t, err)
}

func TestChatCommands(t *testing.T) {
	h := newHarness(t)

	var session models.ChatSession
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "chat", "new", "Trip planning")), &session))
	h.mustRun("chat", "send", session.LocalID, "Book a hotel")
	h.mustRun("chat", "send", session.LocalID, "Sure", "--role", "assistant")

	out := h.mustRun("chat", "history", session.LocalID)
	assert.Equal(t, "user:     Book a hotel\nassistant: Sure\n", out)

	out = h.mustRun("chat", "list")
	assert.Contains(t, out, "Trip planning")

	h.mustRun("chat", "rm", session.LocalID)
	assert.NotContains(t, h.mustRun("chat", "list"), "Trip planning")
}

func TestEventCommands(t *testing.T) {
	h := newHarness(t)

	h.mustRun("event", "add", "Dentist", "--start", "2026-11-03T10:00:00Z")
	h.mustRun("event", "add", "Standup", "--start", "2026-11-02T09:00:00Z")

	var events []models.Event
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "event", "list")), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "Standup", events[0].Title)

	_, err := h.run("event", "add", "No start")
	assert.Error(t, err)
}
