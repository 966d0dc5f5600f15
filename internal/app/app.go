// Package app assembles the sync core: the Local Store, the remote gateway,
// the connectivity monitor, the sync engine with its scheduler and the
// entity repositories. cmd/* construct one App and own it.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/kimhsiao/agentx/backend/internal/auth"
	"github.com/kimhsiao/agentx/backend/internal/config"
	"github.com/kimhsiao/agentx/backend/internal/connectivity"
	"github.com/kimhsiao/agentx/backend/internal/db"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/remote"
	"github.com/kimhsiao/agentx/backend/internal/repository"
	syncpkg "github.com/kimhsiao/agentx/backend/internal/sync"
	"github.com/kimhsiao/agentx/backend/internal/sync/conflict"
	"github.com/kimhsiao/agentx/backend/internal/sync/queue"
	"github.com/kimhsiao/agentx/backend/internal/sync/scheduler"
	"github.com/kimhsiao/agentx/backend/internal/telemetry"
)

// Options overrides collaborators, mainly for tests and embedders.
type Options struct {
	// TokenKey encrypts the credential file; nil uses the machine key.
	TokenKey []byte
	// Link reports link-layer state; nil inspects the host interfaces.
	Link connectivity.LinkChecker
	// Transport is the base HTTP round tripper of the gateway.
	Transport http.RoundTripper
}

// App is one running instance of the sync core.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Store     *db.Store
	Tokens    *auth.TokenStore
	Remote    *remote.Gateway
	Monitor   *connectivity.Monitor
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Telemetry *telemetry.Telemetry

	Tasks  *repository.TaskRepository
	Events *repository.EventRepository
	Chat   *repository.ChatRepository

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New opens the Local Store and wires every service. Nothing runs in the
// background until Start.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: database, Store: db.NewStore(database)}

	a.Tokens, err = auth.NewTokenStore(cfg.TokenPath(), opts.TokenKey)
	if err != nil {
		database.Close()
		return nil, err
	}

	a.Remote = remote.New(remote.Options{
		BaseURL:     cfg.Remote.BaseURL,
		HealthPath:  cfg.Remote.HealthPath,
		Timeout:     cfg.Remote.RequestTimeout,
		TokenSource: a.Tokens,
		Transport:   opts.Transport,
	})

	link := opts.Link
	if link == nil {
		link = connectivity.NewInterfaceLinkChecker()
	}
	a.Monitor = connectivity.NewMonitor(link, a.Remote, connectivity.Config{
		PollInterval: cfg.Connectivity.PollInterval,
		Debounce:     cfg.Connectivity.Debounce,
		ProbeTimeout: cfg.Connectivity.ProbeTimeout,
	})

	a.Telemetry = telemetry.New(cfg.Telemetry.Enabled)
	metrics, err := telemetry.NewMetrics(a.Telemetry.MeterProvider())
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	a.Engine = syncpkg.NewEngine(a.Store, a.Remote, syncpkg.Config{
		BatchSize: cfg.Sync.BatchSize,
		Policy: queue.Policy{
			MaxRetries:  cfg.Sync.MaxRetries,
			BaseBackoff: cfg.Sync.BaseBackoff,
			MaxBackoff:  cfg.Sync.MaxBackoff,
		},
		Strategy: conflict.ResolutionStrategy(cfg.Sync.ConflictStrategy),
		Metrics:  metrics,
	})
	a.Scheduler = scheduler.New(a.Engine, a.Monitor, scheduler.Config{
		Interval: cfg.Sync.PeriodicInterval,
	})

	repoOpts := repository.Options{
		Kicker:       a.Scheduler,
		Connectivity: a.Monitor,
		Remote:       a.Remote,
		Policy:       a.Engine.Resolver(),
	}
	a.Tasks = repository.NewTaskRepository(a.Store, repoOpts)
	a.Events = repository.NewEventRepository(a.Store, repoOpts)
	a.Chat = repository.NewChatRepository(a.Store, repoOpts)

	if !a.Tokens.HasToken() {
		a.Engine.Suspend()
	}
	a.Tokens.OnChange(func(*oauth2.Token) {
		if err := a.Scheduler.ResumeAuth(context.Background()); err != nil {
			logging.Error("Failed to resume sync after login", err, nil)
		}
	})
	a.Engine.AddEventHandler(syncpkg.SyncEventHandlerFunc(func(ev syncpkg.SyncEvent) {
		if ev.Type == syncpkg.EventAuthRequired {
			if err := a.Tokens.Invalidate(); err != nil {
				logging.Error("Failed to discard rejected credential", err, nil)
			}
		}
	}))

	logging.Info("Sync core initialized", map[string]interface{}{
		"data_dir":   cfg.DataDir,
		"remote":     cfg.Remote.BaseURL,
		"strategy":   cfg.Sync.ConflictStrategy,
		"logged_in":  a.Tokens.HasToken(),
		"telemetry":  a.Telemetry.IsEnabled(),
		"batch_size": cfg.Sync.BatchSize,
	})
	return a, nil
}

// Start runs the connectivity monitor and the sync scheduler until ctx is
// cancelled or Close is called.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	a.Scheduler.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.Monitor.Run(ctx)
	}()
}

// Close stops background work and closes the Local Store.
func (a *App) Close() error {
	a.mu.Lock()
	started, cancel := a.started, a.cancel
	a.started = false
	a.mu.Unlock()

	if started {
		a.Scheduler.Stop()
		cancel()
		a.wg.Wait()
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		logging.Warn("Telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	return a.DB.Close()
}

// Login stores an access token. Replay parked on a rejected credential
// resumes.
func (a *App) Login(accessToken string, expiresIn time.Duration) error {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if expiresIn > 0 {
		tok.Expiry = time.Now().Add(expiresIn)
	}
	return a.Tokens.SetToken(tok)
}

// Logout forgets the stored credential and halts replay.
func (a *App) Logout() error {
	a.Engine.Suspend()
	return a.Tokens.Invalidate()
}

// SyncNow drains the queue immediately.
func (a *App) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	a.Monitor.Check(ctx)
	return a.Scheduler.SyncNow(ctx)
}

// Status reports the sync state.
func (a *App) Status(ctx context.Context) (scheduler.Status, error) {
	return a.Scheduler.Status(ctx)
}

// Conflicts returns the most recent conflict log entries.
func (a *App) Conflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	return a.Store.ListConflicts(ctx, limit)
}

// QueueStats summarises the mutation queue.
func (a *App) QueueStats(ctx context.Context) (queue.Stats, error) {
	return a.Engine.Queue().GetStats(ctx)
}

// RetryFailed makes every failed operation eligible again and kicks a drain.
func (a *App) RetryFailed(ctx context.Context) (int, error) {
	n, err := a.Engine.Queue().RetryAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Scheduler.Kick(syncpkg.TriggerManual)
	}
	return n, nil
}

// SetupLogging initialises the global logger from cfg. The returned closer
// releases the log file, if any.
func SetupLogging(cfg config.Log, stderr io.Writer) io.Closer {
	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		w := logging.NewFileWriter(logging.FileOptions{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		})
		out, closer = w, w
	}
	logging.Init(out, logging.ParseLevel(cfg.Level))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
