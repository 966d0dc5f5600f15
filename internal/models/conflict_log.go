package models

import (
	"encoding/json"
	"time"
)

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              int64           `db:"id" json:"id"`
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	LocalID         string          `db:"local_id" json:"local_id"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64           `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string          `db:"resolution" json:"resolution"`
	LoserData       json.RawMessage `db:"loser_data" json:"loser_data,omitempty"`
	DetectedAt      int64           `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
