// Package queue provides the durable sync queue with exponential backoff
// and retry logic. Items live in the local store; this package owns the
// retry policy and the bookkeeping around each attempt.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/db"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
)

// Store is the persistence the queue needs.
type Store interface {
	Enqueue(ctx context.Context, item *models.SyncQueueItem) error
	DequeueOldest(ctx context.Context, n int) ([]models.SyncQueueItem, error)
	QueueItems(ctx context.Context) ([]models.SyncQueueItem, error)
	Remove(ctx context.Context, queueID int64) error
	Ack(ctx context.Context, item *models.SyncQueueItem, serverID string) (db.AckResult, error)
	RecordFailure(ctx context.Context, queueID int64, lastErr string, nextAttemptAt int64) (int, error)
	BlockAuth(ctx context.Context, queueID int64, lastErr string) error
	UnblockAuth(ctx context.Context) (int, error)
	RetryAll(ctx context.Context) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// Policy controls retries.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy retries five times, backing off from one minute up to an hour.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, BaseBackoff: time.Minute, MaxBackoff: time.Hour}
}

// calculateBackoff calculates exponential backoff delay.
// Formula: 2^retry_count * base, capped at max.
func (p Policy) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return p.MaxBackoff
	}
	backoff := p.BaseBackoff * time.Duration(int64(1)<<uint(retryCount))
	if backoff <= 0 || backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// NextAttempt returns when an item that has failed retryCount times may be
// tried again.
func (p Policy) NextAttempt(now time.Time, retryCount int) time.Time {
	return now.Add(p.calculateBackoff(retryCount))
}

// Exhausted reports whether retryCount has reached the retry budget.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxRetries > 0 && retryCount >= p.MaxRetries
}

// Queue manages pending sync operations.
type Queue struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// New creates a Queue over store.
func New(store Store, policy Policy) *Queue {
	if policy.BaseBackoff <= 0 || policy.MaxBackoff <= 0 {
		d := DefaultPolicy()
		policy.BaseBackoff, policy.MaxBackoff = d.BaseBackoff, d.MaxBackoff
	}
	return &Queue{store: store, policy: policy, now: time.Now}
}

// SetClock overrides the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Policy returns the retry policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue appends an operation.
func (q *Queue) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	if !item.EntityType.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown entity type %q", item.EntityType)
	}
	switch item.Action {
	case models.ActionCreate, models.ActionUpdate:
		if item.Payload == nil {
			return apperrors.Newf(apperrors.ErrInvalid, "%s requires a payload", item.Action)
		}
	case models.ActionDelete:
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown action %q", item.Action)
	}
	if err := q.store.Enqueue(ctx, item); err != nil {
		return err
	}
	logging.Debug("enqueued sync operation", map[string]interface{}{
		"queue_id":    item.QueueID,
		"entity_type": string(item.EntityType),
		"entity_id":   item.EntityID,
		"action":      string(item.Action),
	})
	return nil
}

// Dequeue returns up to n ready items in FIFO order without removing them.
// Items are returned whether or not their backoff elapsed; see Due.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]models.SyncQueueItem, error) {
	return q.store.DequeueOldest(ctx, n)
}

// Due reports whether item may be attempted now.
func (q *Queue) Due(item *models.SyncQueueItem, ignoreBackoff bool) bool {
	if item.State != models.QueueStateReady {
		return false
	}
	return ignoreBackoff || item.Due(q.now())
}

// Complete removes an acknowledged item and settles its entity.
func (q *Queue) Complete(ctx context.Context, item *models.SyncQueueItem, serverID string) (db.AckResult, error) {
	res, err := q.store.Ack(ctx, item, serverID)
	if err != nil {
		return res, err
	}
	logging.Debug("completed sync operation", map[string]interface{}{
		"queue_id":    item.QueueID,
		"entity_type": string(item.EntityType),
		"action":      string(item.Action),
		"server_id":   serverID,
	})
	return res, nil
}

// Drop removes an item without touching its entity.
func (q *Queue) Drop(ctx context.Context, item *models.SyncQueueItem) error {
	return q.store.Remove(ctx, item.QueueID)
}

// Failed records a failed attempt and schedules the retry. It reports
// whether the retry budget is exhausted.
func (q *Queue) Failed(ctx context.Context, item *models.SyncQueueItem, cause error) (bool, error) {
	next := q.policy.NextAttempt(q.now(), item.RetryCount+1)
	retries, err := q.store.RecordFailure(ctx, item.QueueID, cause.Error(), next.UnixMilli())
	if err != nil {
		return false, err
	}
	item.RetryCount = retries
	item.LastError = cause.Error()
	item.NextAttemptAt = next.UnixMilli()

	exhausted := q.policy.Exhausted(retries)
	fields := map[string]interface{}{
		"queue_id":    item.QueueID,
		"entity_type": string(item.EntityType),
		"entity_id":   item.EntityID,
		"action":      string(item.Action),
		"retry":       fmt.Sprintf("%d/%d", retries, q.policy.MaxRetries),
		"next_in":     next.Sub(q.now()).String(),
	}
	if exhausted {
		logging.Error("sync operation exhausted its retries", cause, fields)
	} else {
		logging.Warn("sync operation failed, retry scheduled", fields)
	}
	return exhausted, nil
}

// BlockAuth parks an item until credentials are refreshed.
func (q *Queue) BlockAuth(ctx context.Context, item *models.SyncQueueItem, cause error) error {
	if err := q.store.BlockAuth(ctx, item.QueueID, cause.Error()); err != nil {
		return err
	}
	item.State = models.QueueStateAuthBlocked
	item.RetryCount++
	item.LastError = cause.Error()
	return nil
}

// UnblockAuth returns parked items to the ready state.
func (q *Queue) UnblockAuth(ctx context.Context) (int, error) {
	n, err := q.store.UnblockAuth(ctx)
	if err == nil && n > 0 {
		logging.Info("released auth-blocked sync operations", map[string]interface{}{"count": n})
	}
	return n, err
}

// RetryAll resets retry counters so every item is attempted on the next drain.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	n, err := q.store.RetryAll(ctx)
	if err == nil && n > 0 {
		logging.Info("reset sync operations for retry", map[string]interface{}{"count": n})
	}
	return n, err
}

// Stats summarises the queue.
type Stats struct {
	Total       int `json:"total"`
	Ready       int `json:"ready"`
	Waiting     int `json:"waiting"`
	Failed      int `json:"failed"`
	AuthBlocked int `json:"auth_blocked"`
}

// GetStats returns queue statistics.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	items, err := q.store.QueueItems(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := q.now()
	var s Stats
	for i := range items {
		item := &items[i]
		s.Total++
		switch {
		case item.State == models.QueueStateAuthBlocked:
			s.AuthBlocked++
		case item.Due(now):
			s.Ready++
		default:
			s.Waiting++
		}
		if q.policy.Exhausted(item.RetryCount) {
			s.Failed++
		}
	}
	return s, nil
}

// Pending returns the number of queued operations.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.CountPending(ctx)
}
