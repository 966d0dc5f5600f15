package models

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
)

// Payload is a typed field snapshot. The concrete type is selected by the
// entity type, so consumers switch over the variants below.
type Payload interface {
	EntityType() EntityType
	isPayload()
}

// TaskPayload is the snapshot of a Task.
type TaskPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Category    string   `json:"category"`
	DueDate     *string  `json:"due_date,omitempty"`
	IsCompleted bool     `json:"is_completed"`
	Progress    float64  `json:"progress"`
	Tags        []string `json:"tags"`
	UpdatedAt   int64    `json:"updated_at"`
}

// EventPayload is the snapshot of an Event.
type EventPayload struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time,omitempty"`
	Category    string  `json:"category"`
	Priority    string  `json:"priority"`
	Location    *string `json:"location,omitempty"`
	UpdatedAt   int64   `json:"updated_at"`
}

// ChatSessionPayload is the snapshot of a ChatSession.
type ChatSessionPayload struct {
	Title     string `json:"title"`
	AgentName string `json:"agent_name"`
	UpdatedAt int64  `json:"updated_at"`
}

// ChatMessagePayload is the snapshot of a ChatMessage. SessionID holds the
// session's canonical identifier at enqueue time and is rewritten when the
// session is remapped.
type ChatMessagePayload struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agent_name"`
	Intent    string `json:"intent,omitempty"`
	SentAt    int64  `json:"sent_at"`
	UpdatedAt int64  `json:"updated_at"`
}

func (TaskPayload) EntityType() EntityType        { return EntityTask }
func (EventPayload) EntityType() EntityType       { return EntityEvent }
func (ChatSessionPayload) EntityType() EntityType { return EntityChatSession }
func (ChatMessagePayload) EntityType() EntityType { return EntityChatMessage }

func (TaskPayload) isPayload()        {}
func (EventPayload) isPayload()       {}
func (ChatSessionPayload) isPayload() {}
func (ChatMessagePayload) isPayload() {}

// PayloadUpdatedAt returns the logical clock carried by a snapshot.
func PayloadUpdatedAt(p Payload) int64 {
	switch v := p.(type) {
	case *TaskPayload:
		return v.UpdatedAt
	case *EventPayload:
		return v.UpdatedAt
	case *ChatSessionPayload:
		return v.UpdatedAt
	case *ChatMessagePayload:
		return v.UpdatedAt
	}
	return 0
}

// EncodePayload serializes a snapshot for storage or the wire.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EntityType(), err)
	}
	return data, nil
}

// DecodePayload parses a snapshot of the given family.
func DecodePayload(t EntityType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case EntityTask:
		p = &TaskPayload{}
	case EntityEvent:
		p = &EventPayload{}
	case EntityChatSession:
		p = &ChatSessionPayload{}
	case EntityChatMessage:
		p = &ChatMessagePayload{}
	default:
		return nil, errUnknownEntityType(t)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode %s payload: empty", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

func errUnknownEntityType(t EntityType) error {
	return apperrors.Newf(apperrors.ErrInvalid, "unknown entity type %q", t)
}

func errPayloadMismatch(want EntityType, p Payload) error {
	got := "nil"
	if p != nil {
		got = string(p.EntityType())
	}
	return apperrors.Newf(apperrors.ErrInvalid, "payload for %s applied to %s", got, want)
}
