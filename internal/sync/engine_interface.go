// Package sync replays the local mutation queue against the remote service.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Drain replays queued operations. Concurrent calls are dropped with
	// ErrDrainInProgress.
	Drain(ctx context.Context, trigger Trigger) (*DrainResult, error)

	// ResumeAuth releases auth-blocked operations after new credentials
	// were stored.
	ResumeAuth(ctx context.Context) (int, error)

	// Suspended reports whether replay is halted on a rejected credential.
	Suspended() bool

	// Running reports whether a drain is in progress.
	Running() bool

	// LastResult returns the outcome of the most recent drain.
	LastResult() *DrainResult

	// PendingChanges returns the number of queued operations.
	PendingChanges(ctx context.Context) (int, error)

	// AddEventHandler registers a handler for sync notifications.
	AddEventHandler(handler SyncEventHandler)
}

// Remote is the subset of the remote gateway the engine calls.
type Remote interface {
	Create(ctx context.Context, t models.EntityType, idempotencyKey string, p models.Payload) (*models.RemoteRecord, error)
	Update(ctx context.Context, t models.EntityType, id string, p models.Payload, force bool) (*models.RemoteRecord, error)
	Delete(ctx context.Context, t models.EntityType, id string, force bool) error
}

// Trigger names what started a drain.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerMutation     Trigger = "mutation"
	TriggerPeriodic     Trigger = "periodic"
	TriggerManual       Trigger = "manual"
	TriggerAuth         Trigger = "auth"
)

// IgnoresBackoff reports whether the trigger retries items still waiting
// out their backoff.
func (t Trigger) IgnoresBackoff() bool {
	switch t {
	case TriggerConnectivity, TriggerManual, TriggerAuth:
		return true
	}
	return false
}

// EventType identifies a sync notification.
type EventType string

const (
	EventSyncStarted      EventType = "sync.started"
	EventSyncCompleted    EventType = "sync.completed"
	EventSyncFailed       EventType = "sync.failed"
	EventConflictDetected EventType = "sync.conflict_detected"
	EventAuthRequired     EventType = "sync.auth_required"
	EventEntitySynced     EventType = "entity.synced"
)

// SyncEvent is delivered to event handlers.
type SyncEvent struct {
	Type       EventType         `json:"type"`
	Trigger    Trigger           `json:"trigger,omitempty"`
	EntityType models.EntityType `json:"entity_type,omitempty"`
	LocalID    string            `json:"local_id,omitempty"`
	ServerID   string            `json:"server_id,omitempty"`
	Resolution string            `json:"resolution,omitempty"`
	Result     *DrainResult      `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Time       time.Time         `json:"time"`
}

// SyncEventHandler receives sync notifications. Handlers run on the
// draining goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// DrainResult summarises one drain.
type DrainResult struct {
	Trigger       Trigger       `json:"trigger"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Attempted     int           `json:"attempted"`
	Synced        int           `json:"synced"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Deferred      int           `json:"deferred"`
	Conflicts     int           `json:"conflicts"`
	Remapped      int           `json:"remapped"`
	Remaining     int           `json:"remaining"`
	AuthSuspended bool          `json:"auth_suspended"`
	Errors        []string      `json:"errors,omitempty"`
}

// Outcome is a one-word summary used for metrics and logs.
func (r *DrainResult) Outcome() string {
	switch {
	case r.AuthSuspended:
		return "auth_required"
	case r.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}
