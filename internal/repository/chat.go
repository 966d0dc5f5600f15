package repository

import (
	"context"

	"github.com/kimhsiao/agentx/backend/internal/db"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
)

// ChatRepository manages chat sessions and their messages.
type ChatRepository struct {
	Sessions *Repository[*models.ChatSession]
	Messages *Repository[*models.ChatMessage]
	store    db.EntityStore
}

// NewChatRepository creates a ChatRepository. Sessions list most recently
// active first.
func NewChatRepository(store db.EntityStore, opts Options) *ChatRepository {
	return &ChatRepository{
		Sessions: newRepository(store, models.EntityChatSession, opts, func(a, b *models.ChatSession) bool {
			return a.UpdatedAt > b.UpdatedAt
		}),
		Messages: newRepository(store, models.EntityChatMessage, opts, func(a, b *models.ChatMessage) bool {
			if a.SentAt != b.SentAt {
				return a.SentAt < b.SentAt
			}
			return a.CreatedAt < b.CreatedAt
		}),
		store: store,
	}
}

// CreateSession starts a conversation.
func (r *ChatRepository) CreateSession(ctx context.Context, title, agentName string) (*models.ChatSession, error) {
	return r.Sessions.Create(ctx, &models.ChatSession{Title: title, AgentName: agentName})
}

// ListSessions returns the active sessions. A refresh pulls messages too.
func (r *ChatRepository) ListSessions(ctx context.Context, forceRefresh bool) ([]*models.ChatSession, error) {
	sessions, err := r.Sessions.List(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}
	if forceRefresh {
		if _, err := r.Messages.List(ctx, true); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// AddMessage appends a message to a session. sessionID may be the local
// or the server identifier.
func (r *ChatRepository) AddMessage(ctx context.Context, sessionID string, msg *models.ChatMessage) (*models.ChatMessage, error) {
	session, err := r.Sessions.active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg.SessionID = session.LocalID
	msg.SessionServerID = session.ServerID
	msg.SentAt = r.Sessions.opts.Now().UnixMilli()
	return r.Messages.Create(ctx, msg)
}

// History returns the latest limit messages of a session, oldest first.
// limit <= 0 returns the whole conversation.
func (r *ChatRepository) History(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	session, err := r.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.store.ListChatMessages(ctx, session.LocalID, limit)
}

// DeleteSession deletes a session after its messages, so the remote sees
// the message deletes first.
func (r *ChatRepository) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := r.Sessions.active(ctx, sessionID)
	if err != nil {
		return err
	}
	messages, err := r.store.ListChatMessages(ctx, session.LocalID, 0)
	if err != nil {
		return err
	}
	for _, m := range messages {
		if err := r.Messages.Delete(ctx, m.LocalID); err != nil {
			return err
		}
	}
	logging.Debug("Deleting chat session", map[string]interface{}{
		"local_id": session.LocalID,
		"messages": len(messages),
	})
	return r.Sessions.Delete(ctx, session.LocalID)
}
