// Package scheduler turns connectivity changes, local mutations, a periodic
// tick and explicit requests into single-flight queue drains.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	syncpkg "github.com/kimhsiao/agentx/backend/internal/sync"
)

// Connectivity is the part of the connectivity monitor the scheduler uses.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan connectivity.Transition, func())
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between periodic drains while online. Zero disables them.
	Interval time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Minute}
}

// Scheduler manages background sync operations. Every trigger funnels into
// Engine.Drain from one goroutine; triggers arriving during a drain collapse
// into at most one follow-up drain.
type Scheduler struct {
	engine   syncpkg.SyncEngineInterface
	conn     Connectivity
	interval time.Duration

	kicks chan syncpkg.Trigger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastSync time.Time
}

// New creates a Scheduler.
func New(engine syncpkg.SyncEngineInterface, conn Connectivity, cfg Config) *Scheduler {
	return &Scheduler{
		engine:   engine,
		conn:     conn,
		interval: cfg.Interval,
		kicks:    make(chan syncpkg.Trigger, 1),
	}
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	transitions, unsubscribe := s.conn.Subscribe()

	go func() {
		defer close(s.done)
		defer unsubscribe()
		s.loop(ctx, transitions)
	}()

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
		"online":   s.conn.Online(),
	})
}

// Stop stops the scheduler and waits for a running drain to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, transitions <-chan connectivity.Transition) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if t.Online {
				s.run(ctx, syncpkg.TriggerConnectivity)
			}
		case <-tick:
			if s.conn.Online() {
				s.run(ctx, syncpkg.TriggerPeriodic)
			}
		case trigger := <-s.kicks:
			if s.conn.Online() {
				s.run(ctx, trigger)
			}
		}
	}
}

// Kick requests an asynchronous drain. It returns false when the request
// was not taken: offline, not started, or a drain is already queued.
func (s *Scheduler) Kick(trigger syncpkg.Trigger) bool {
	if !s.conn.Online() {
		return false
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case s.kicks <- trigger:
		return true
	default:
		return false
	}
}

// run drains with the scheduler's context only; each remote call is bounded
// by the gateway's request timeout.
func (s *Scheduler) run(ctx context.Context, trigger syncpkg.Trigger) {
	res, err := s.engine.Drain(ctx, trigger)
	switch {
	case err == nil:
		s.mu.Lock()
		s.lastSync = time.Now()
		s.mu.Unlock()
	case errors.Is(err, syncpkg.ErrDrainInProgress), errors.Is(err, context.Canceled):
	case errors.Is(err, syncpkg.ErrAuthSuspended):
		if res == nil {
			logging.Debug("Skipping sync while credentials are invalid", map[string]interface{}{"trigger": string(trigger)})
		}
	default:
		logging.ErrorWithCode("Background sync failed", string(apperrors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": string(trigger)})
	}
}

// SyncNow drains the whole queue, ignoring backoff, and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	if !s.conn.Online() {
		return nil, apperrors.New(apperrors.ErrOffline, "remote service is unreachable")
	}
	res, err := s.engine.Drain(ctx, syncpkg.TriggerManual)
	if err == nil {
		s.mu.Lock()
		s.lastSync = time.Now()
		s.mu.Unlock()
	}
	return res, err
}

// ResumeAuth releases operations parked on a rejected credential and
// schedules a drain.
func (s *Scheduler) ResumeAuth(ctx context.Context) error {
	n, err := s.engine.ResumeAuth(ctx)
	if err != nil {
		return err
	}
	logging.Info("Credentials refreshed, resuming sync", map[string]interface{}{"released": n})
	s.Kick(syncpkg.TriggerAuth)
	return nil
}

// Status is a snapshot of the sync state for the UI.
type Status struct {
	Online        bool                 `json:"online"`
	Running       bool                 `json:"running"`
	AuthSuspended bool                 `json:"auth_suspended"`
	Pending       int                  `json:"pending"`
	LastSyncTime  *time.Time           `json:"last_sync_time,omitempty"`
	LastResult    *syncpkg.DrainResult `json:"last_result,omitempty"`
}

// Status returns the current sync state.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	pending, err := s.engine.PendingChanges(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Online:        s.conn.Online(),
		Running:       s.engine.Running(),
		AuthSuspended: s.engine.Suspended(),
		Pending:       pending,
		LastResult:    s.engine.LastResult(),
	}
	s.mu.Lock()
	if !s.lastSync.IsZero() {
		t := s.lastSync
		status.LastSyncTime = &t
	}
	s.mu.Unlock()
	return status, nil
}

// IsRunning returns whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
