package models

import (
	"strings"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
)

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession groups the messages of one conversation.
type ChatSession struct {
	SyncMeta
	Title     string `db:"title" json:"title"`
	AgentName string `db:"agent_name" json:"agent_name"`
}

// EntityType implements Entity.
func (*ChatSession) EntityType() EntityType { return EntityChatSession }

// Normalize implements Entity.
func (s *ChatSession) Normalize() {
	s.Title = strings.TrimSpace(s.Title)
	if s.AgentName == "" {
		s.AgentName = "assistant"
	}
}

// Validate implements Entity.
func (s *ChatSession) Validate() error {
	if s.Title == "" {
		return apperrors.New(apperrors.ErrValidation, "chat session title is required")
	}
	return nil
}

// Payload implements Entity.
func (s *ChatSession) Payload() Payload {
	return &ChatSessionPayload{Title: s.Title, AgentName: s.AgentName, UpdatedAt: s.UpdatedAt}
}

// ApplyPayload implements Entity.
func (s *ChatSession) ApplyPayload(p Payload) error {
	v, ok := p.(*ChatSessionPayload)
	if !ok {
		return errPayloadMismatch(EntityChatSession, p)
	}
	s.Title = v.Title
	s.AgentName = v.AgentName
	return nil
}

// ChatMessage is one turn in a chat session. SessionID always holds the
// session's local identifier; SessionServerID is filled once the session
// has been created remotely.
type ChatMessage struct {
	SyncMeta
	SessionID       string  `db:"session_id" json:"session_id"`
	SessionServerID *string `db:"session_server_id" json:"session_server_id,omitempty"`
	Role            string  `db:"role" json:"role"`
	Content         string  `db:"content" json:"content"`
	AgentName       string  `db:"agent_name" json:"agent_name"`
	Intent          string  `db:"intent" json:"intent,omitempty"`
	SentAt          int64   `db:"sent_at" json:"sent_at"`
}

// EntityType implements Entity.
func (*ChatMessage) EntityType() EntityType { return EntityChatMessage }

// SessionRef is the session identifier to send to the remote.
func (m *ChatMessage) SessionRef() string {
	if m.SessionServerID != nil && *m.SessionServerID != "" {
		return *m.SessionServerID
	}
	return m.SessionID
}

// Normalize implements Entity.
func (m *ChatMessage) Normalize() {
	if m.Role == "" {
		m.Role = RoleUser
	}
	if m.SentAt == 0 {
		m.SentAt = m.CreatedAt
	}
}

// Validate implements Entity.
func (m *ChatMessage) Validate() error {
	if m.SessionID == "" {
		return apperrors.New(apperrors.ErrValidation, "chat message session_id is required")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return apperrors.Newf(apperrors.ErrValidation, "invalid chat message role %q", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return apperrors.New(apperrors.ErrValidation, "chat message content is required")
	}
	return nil
}

// Payload implements Entity.
func (m *ChatMessage) Payload() Payload {
	return &ChatMessagePayload{
		SessionID: m.SessionRef(),
		Role:      m.Role,
		Content:   m.Content,
		AgentName: m.AgentName,
		Intent:    m.Intent,
		SentAt:    m.SentAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// ApplyPayload implements Entity. The session reference in a remote
// snapshot is a server identifier, so it only updates SessionServerID.
func (m *ChatMessage) ApplyPayload(p Payload) error {
	v, ok := p.(*ChatMessagePayload)
	if !ok {
		return errPayloadMismatch(EntityChatMessage, p)
	}
	if v.SessionID != "" && v.SessionID != m.SessionID {
		m.SessionServerID = StringPtr(v.SessionID)
	}
	m.Role = v.Role
	m.Content = v.Content
	m.AgentName = v.AgentName
	m.Intent = v.Intent
	m.SentAt = v.SentAt
	return nil
}
