// Package models provides the data model definitions for the AgentX core.
package models

import (
	"encoding/json"
	"time"
)

// EntityType names an entity family. The value doubles as the local table
// name and the remote path segment.
type EntityType string

const (
	EntityTask        EntityType = "tasks"
	EntityEvent       EntityType = "events"
	EntityChatSession EntityType = "chat_sessions"
	EntityChatMessage EntityType = "chat_messages"
)

// EntityTypes lists every synced family in dependency order: a family only
// references families listed before it.
func EntityTypes() []EntityType {
	return []EntityType{EntityTask, EntityEvent, EntityChatSession, EntityChatMessage}
}

// Valid reports whether t is a known entity family.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTask, EntityEvent, EntityChatSession, EntityChatMessage:
		return true
	}
	return false
}

// String returns the string representation of the entity type.
func (t EntityType) String() string {
	return string(t)
}

// SyncStatus is the replication state of a local row.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// SyncMeta is the sync metadata carried by every entity.
type SyncMeta struct {
	LocalID      string          `db:"local_id" json:"local_id"`
	ServerID     *string         `db:"server_id" json:"server_id,omitempty"`
	SyncStatus   SyncStatus      `db:"sync_status" json:"sync_status"`
	IsDeleted    bool            `db:"is_deleted" json:"is_deleted"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
	ConflictData json.RawMessage `db:"conflict_data" json:"conflict_data,omitempty"`
}

// Meta returns the metadata itself so embedding types satisfy Entity.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// HasServerID reports whether the remote has acknowledged a create.
func (m *SyncMeta) HasServerID() bool {
	return m.ServerID != nil && *m.ServerID != ""
}

// CanonicalID is the identifier to use for new outgoing requests.
func (m *SyncMeta) CanonicalID() string {
	if m.HasServerID() {
		return *m.ServerID
	}
	return m.LocalID
}

// Touch advances UpdatedAt to now, keeping it strictly increasing.
func (m *SyncMeta) Touch(now time.Time) {
	ts := now.UnixMilli()
	if ts <= m.UpdatedAt {
		ts = m.UpdatedAt + 1
	}
	m.UpdatedAt = ts
	if m.CreatedAt == 0 {
		m.CreatedAt = ts
	}
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (m *SyncMeta) UpdatedAtTime() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Entity is implemented by every synced family.
type Entity interface {
	EntityType() EntityType
	Meta() *SyncMeta

	// Normalize fills defaults for optional fields.
	Normalize()

	// Validate checks required fields and value ranges.
	Validate() error

	// Payload returns a full-field snapshot for the queue and the wire.
	Payload() Payload

	// ApplyPayload overwrites the domain fields from a snapshot.
	ApplyPayload(p Payload) error
}

// NewEntity returns an empty entity of the given family.
func NewEntity(t EntityType) (Entity, error) {
	switch t {
	case EntityTask:
		return &Task{}, nil
	case EntityEvent:
		return &Event{}, nil
	case EntityChatSession:
		return &ChatSession{}, nil
	case EntityChatMessage:
		return &ChatMessage{}, nil
	}
	return nil, errUnknownEntityType(t)
}
