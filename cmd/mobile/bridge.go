package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/app"
	"github.com/kimhsiao/agentx/backend/internal/config"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/repository"
)

// bridge adapts the sync core to string-in, JSON-out calls. Every method
// returns a value to be marshalled or an error; the cgo layer turns both
// into C strings.
type bridge struct {
	app    *app.App
	closer interface{ Close() error }
}

var (
	coreMu sync.Mutex
	core   *bridge
)

// initCore opens the core once. Later calls with a running core are no-ops.
func initCore(configPath, dataDir, remoteURL string, opts app.Options) error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if remoteURL != "" {
		cfg.Remote.BaseURL = remoteURL
	}

	closer := app.SetupLogging(cfg.Log, nopWriter{})
	a, err := app.New(cfg, opts)
	if err != nil {
		closer.Close()
		return err
	}
	a.Start(context.Background())
	core = &bridge{app: a, closer: closer}
	return nil
}

// closeCore stops background sync and closes the Local Store.
func closeCore() error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return nil
	}
	err := core.app.Close()
	core.closer.Close()
	core = nil
	return err
}

func current() (*bridge, error) {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return nil, apperrors.New(apperrors.ErrInternal, "core is not initialized")
	}
	return core, nil
}

// nopWriter discards log output when no log file is configured; the host
// app has no stderr to read.
type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func unmarshal(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid JSON payload", err)
	}
	return nil
}

// update overlays the JSON body onto the stored entity and saves it.
func update[T models.Entity](ctx context.Context, repo *repository.Repository[T], id, body string) (T, error) {
	e, err := repo.Get(ctx, id)
	if err != nil {
		return e, err
	}
	if err := unmarshal(body, e); err != nil {
		var zero T
		return zero, err
	}
	e.Meta().LocalID = id
	return repo.Update(ctx, e)
}

// Tasks

func (b *bridge) taskCreate(ctx context.Context, body string) (any, error) {
	t := &models.Task{}
	if err := unmarshal(body, t); err != nil {
		return nil, err
	}
	return b.app.Tasks.Create(ctx, t)
}

func (b *bridge) taskList(ctx context.Context, filter string, refresh bool) (any, error) {
	if filter == "" {
		filter = string(models.TaskFilterAll)
	}
	return b.app.Tasks.ListTasks(ctx, models.TaskFilter(filter), refresh)
}

func (b *bridge) taskUpdate(ctx context.Context, id, body string) (any, error) {
	return update(ctx, b.app.Tasks.Repository, id, body)
}

func (b *bridge) taskComplete(ctx context.Context, id string) (any, error) {
	return b.app.Tasks.Complete(ctx, id)
}

func (b *bridge) taskDelete(ctx context.Context, id string) (any, error) {
	return map[string]string{"status": "deleted"}, b.app.Tasks.Delete(ctx, id)
}

// Events

func (b *bridge) eventCreate(ctx context.Context, body string) (any, error) {
	e := &models.Event{}
	if err := unmarshal(body, e); err != nil {
		return nil, err
	}
	return b.app.Events.Create(ctx, e)
}

func (b *bridge) eventList(ctx context.Context, from, to string, refresh bool) (any, error) {
	if from == "" && to == "" {
		return b.app.Events.List(ctx, refresh)
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "from must be RFC 3339", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "to must be RFC 3339", err)
	}
	return b.app.Events.Between(ctx, start, end)
}

func (b *bridge) eventUpdate(ctx context.Context, id, body string) (any, error) {
	return update(ctx, b.app.Events.Repository, id, body)
}

func (b *bridge) eventDelete(ctx context.Context, id string) (any, error) {
	return map[string]string{"status": "deleted"}, b.app.Events.Delete(ctx, id)
}

// Chat

func (b *bridge) chatCreateSession(ctx context.Context, title, agentName string) (any, error) {
	return b.app.Chat.CreateSession(ctx, title, agentName)
}

func (b *bridge) chatListSessions(ctx context.Context, refresh bool) (any, error) {
	return b.app.Chat.ListSessions(ctx, refresh)
}

func (b *bridge) chatSend(ctx context.Context, sessionID, body string) (any, error) {
	m := &models.ChatMessage{}
	if err := unmarshal(body, m); err != nil {
		return nil, err
	}
	return b.app.Chat.AddMessage(ctx, sessionID, m)
}

func (b *bridge) chatHistory(ctx context.Context, sessionID string, limit int) (any, error) {
	return b.app.Chat.History(ctx, sessionID, limit)
}

func (b *bridge) chatDeleteSession(ctx context.Context, sessionID string) (any, error) {
	return map[string]string{"status": "deleted"}, b.app.Chat.DeleteSession(ctx, sessionID)
}

// Sync

func (b *bridge) syncNow(ctx context.Context) (any, error) {
	return b.app.SyncNow(ctx)
}

func (b *bridge) syncStatus(ctx context.Context) (any, error) {
	status, err := b.app.Status(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := b.app.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": status, "queue": stats}, nil
}

func (b *bridge) syncRetry(ctx context.Context) (any, error) {
	n, err := b.app.RetryFailed(ctx)
	return map[string]int{"reset": n}, err
}

func (b *bridge) syncConflicts(ctx context.Context, limit int) (any, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.app.Conflicts(ctx, limit)
}

func (b *bridge) login(token string, expiresIn time.Duration) (any, error) {
	if token == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "access token is required")
	}
	if err := b.app.Login(token, expiresIn); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCredentials, "failed to save credentials", err)
	}
	return map[string]string{"status": "logged_in"}, nil
}

func (b *bridge) logout() (any, error) {
	if err := b.app.Logout(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCredentials, "failed to delete credentials", err)
	}
	return map[string]string{"status": "logged_out"}, nil
}

// reportLink forwards a platform network callback to the monitor.
func (b *bridge) reportLink(up bool) {
	logging.Debug("Platform reported link change", map[string]interface{}{"up": up})
	b.app.Monitor.ReportLink(up)
}

// errorJSON renders err as {"code": ..., "message": ...}.
func errorJSON(err error) string {
	body := map[string]string{
		"code":    string(apperrors.CodeOf(err)),
		"message": err.Error(),
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body["message"] = appErr.Message
	}
	data, _ := json.Marshal(body)
	return string(data)
}
