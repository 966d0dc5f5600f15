package db

import (
	"context"

	"github.com/kimhsiao/agentx/backend/internal/models"
)

// EntityStore defines the Local Store operations used by entity
// repositories.
type EntityStore interface {
	// Get retrieves an entity by local or server identifier.
	Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error)

	// ListActive returns the non-tombstoned entities of a family.
	ListActive(ctx context.Context, t models.EntityType) ([]models.Entity, error)

	// ListChatMessages returns the latest messages of a session, oldest first.
	ListChatMessages(ctx context.Context, sessionLocalID string, limit int) ([]*models.ChatMessage, error)

	// PutAndEnqueue writes an entity and its queue item atomically.
	PutAndEnqueue(ctx context.Context, e models.Entity, action models.Action) (*models.SyncQueueItem, error)

	// DeleteLocal purges a never-synced entity and its queue items.
	DeleteLocal(ctx context.Context, t models.EntityType, localID string) error

	// MergeRemote merges a full remote listing of a family.
	MergeRemote(ctx context.Context, t models.EntityType, records []models.RemoteRecord, policy ConflictPolicy) (*MergeResult, error)
}

// QueueStore defines the Local Store operations used by the sync engine.
type QueueStore interface {
	Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error)
	Enqueue(ctx context.Context, item *models.SyncQueueItem) error
	DequeueOldest(ctx context.Context, n int) ([]models.SyncQueueItem, error)
	QueueItems(ctx context.Context) ([]models.SyncQueueItem, error)
	Remove(ctx context.Context, queueID int64) error
	Ack(ctx context.Context, item *models.SyncQueueItem, serverID string) (AckResult, error)
	RecordFailure(ctx context.Context, queueID int64, lastErr string, nextAttemptAt int64) (int, error)
	BlockAuth(ctx context.Context, queueID int64, lastErr string) error
	UnblockAuth(ctx context.Context) (int, error)
	RetryAll(ctx context.Context) (int, error)
	HardDelete(ctx context.Context, t models.EntityType, id string) error
	SetSyncStatus(ctx context.Context, t models.EntityType, id string, status models.SyncStatus) error
	AcceptRemote(ctx context.Context, t models.EntityType, id string, remote models.Payload, remoteUpdatedAt int64) error
	LogConflict(ctx context.Context, c *models.ConflictLog) error
	CountPending(ctx context.Context) (int, error)
}

var (
	_ EntityStore = (*Store)(nil)
	_ QueueStore  = (*Store)(nil)
)
