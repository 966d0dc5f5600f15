package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/agentx/backend/internal/app"
	"github.com/kimhsiao/agentx/backend/internal/config"
	"github.com/kimhsiao/agentx/backend/internal/connectivity"
	"github.com/kimhsiao/agentx/backend/internal/remote/remotetest"
	syncpkg "github.com/kimhsiao/agentx/backend/internal/sync"
)

func newTestServer(t *testing.T) (*server, *httptest.Server, *remotetest.Server) {
	t.Helper()
	remoteSrv := remotetest.NewServer()
	t.Cleanup(remoteSrv.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.BaseURL = remoteSrv.URL
	cfg.Connectivity.Debounce = 0
	cfg.Sync.PeriodicInterval = 0

	a, err := app.New(cfg, app.Options{
		TokenKey: bytes.Repeat([]byte{5}, 32),
		Link:     connectivity.StaticLink(true),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s := newServer(a)
	t.Cleanup(func() { s.hub.Close() })
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return s, ts, remoteSrv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first envelope of the given type.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) WSEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env WSEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == eventType {
			return env
		}
	}
}

func TestServer_Health(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_DefaultListenAddr(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, "127.0.0.1:8090", s.http.Addr)
}

func TestWebSocket_SyncEvents(t *testing.T) {
	_, ts, remoteSrv := newTestServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{string(syncpkg.EventSyncCompleted), string(syncpkg.EventEntitySynced)},
	}))
	ack := map[string]interface{}{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	resp := post(t, ts.URL+"/api/tasks", `{"title":"Buy milk"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = post(t, ts.URL+"/api/sync/credentials", `{"access_token":"secret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, ts.URL+"/api/sync/now", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := readUntil(t, conn, string(syncpkg.EventEntitySynced))
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "tasks", data["entity_type"])
	readUntil(t, conn, string(syncpkg.EventSyncCompleted))
	assert.Equal(t, 1, remoteSrv.Count("tasks"))
}

func TestWebSocket_Connectivity(t *testing.T) {
	s, ts, _ := newTestServer(t)
	conn := dial(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsubscribe := s.app.Monitor.Subscribe()
	defer unsubscribe()
	go s.hub.ForwardConnectivity(ctx, ch)

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.app.Monitor.Observe(true)
	s.app.Monitor.Observe(false)

	env := readUntil(t, conn, EventConnectivityChanged)
	assert.Equal(t, true, env.Data.(map[string]interface{})["online"])
	env = readUntil(t, conn, EventConnectivityChanged)
	assert.Equal(t, false, env.Data.(map[string]interface{})["online"])
}

func TestWebSocket_PingPong(t *testing.T) {
	_, ts, _ := newTestServer(t)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	reply := map[string]interface{}{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["action"])
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost:8090", true},
		{"127.0.0.1:8090", true},
		{"[::1]:8090", true},
		{"localhost", true},
		{"example.com:8090", false},
		{"192.168.1.10:8090", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			assert.Equal(t, tt.want, localOrigin(r))
		})
	}
}

func TestBroadcast_NeverBlocks(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*4; i++ {
			hub.Broadcast("sync.started", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked")
	}
}
