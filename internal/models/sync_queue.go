package models

import "time"

// Action is the kind of mutation a queue item replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// QueueState separates items the engine may attempt from items parked
// until credentials are refreshed.
type QueueState string

const (
	QueueStateReady       QueueState = "ready"
	QueueStateAuthBlocked QueueState = "auth_blocked"
)

// SyncQueueItem is one pending mutation awaiting replication.
type SyncQueueItem struct {
	QueueID       int64      `db:"queue_id" json:"queue_id"`
	EntityType    EntityType `db:"entity_type" json:"entity_type"`
	EntityID      string     `db:"entity_id" json:"entity_id"`
	Action        Action     `db:"action" json:"action"`
	Payload       Payload    `db:"payload" json:"payload,omitempty"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt int64      `db:"next_attempt_at" json:"next_attempt_at"`
	State         QueueState `db:"state" json:"state"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// Due reports whether the item may be attempted at now.
func (q *SyncQueueItem) Due(now time.Time) bool {
	return q.State == QueueStateReady && q.NextAttemptAt <= now.UnixMilli()
}
