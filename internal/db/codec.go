package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kimhsiao/agentx/backend/internal/models"
)

// metaColumns are shared by every entity table, in scan order.
var metaColumns = []string{
	"local_id", "server_id", "sync_status", "is_deleted",
	"created_at", "updated_at", "conflict_data",
}

// stickyColumns keep their stored value when an upsert carries NULL.
var stickyColumns = map[string]bool{"server_id": true, "session_server_id": true}

type scanner interface {
	Scan(dest ...any) error
}

// codec maps one entity family onto its table.
type codec struct {
	table   string
	columns []string // domain columns, after metaColumns
	args    func(e models.Entity) ([]any, error)
	scan    func(row scanner) (models.Entity, error)
}

func (c *codec) selectList() string {
	return strings.Join(append(append([]string{}, metaColumns...), c.columns...), ", ")
}

func (c *codec) upsertSQL() string {
	cols := append(append([]string{}, metaColumns...), c.columns...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	var sets []string
	for _, col := range cols[1:] {
		if stickyColumns[col] {
			// Once assigned by an acknowledgement, a server id is never cleared.
			sets = append(sets, fmt.Sprintf("%s = COALESCE(excluded.%s, %s.%s)", col, col, c.table, col))
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(local_id) DO UPDATE SET %s",
		c.table, strings.Join(cols, ", "), placeholders, strings.Join(sets, ", "))
}

func metaArgs(m *models.SyncMeta) []any {
	var conflict any
	if len(m.ConflictData) > 0 {
		conflict = string(m.ConflictData)
	}
	var serverID any
	if m.HasServerID() {
		serverID = *m.ServerID
	}
	return []any{m.LocalID, serverID, string(m.SyncStatus), m.IsDeleted, m.CreatedAt, m.UpdatedAt, conflict}
}

// metaDest returns scan targets for metaColumns; call finish after Scan.
func metaDest(m *models.SyncMeta) (dest []any, finish func()) {
	var status string
	var conflict sql.NullString
	dest = []any{&m.LocalID, &m.ServerID, &status, &m.IsDeleted, &m.CreatedAt, &m.UpdatedAt, &conflict}
	return dest, func() {
		m.SyncStatus = models.SyncStatus(status)
		if conflict.Valid && conflict.String != "" {
			m.ConflictData = json.RawMessage(conflict.String)
		}
	}
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

var taskCodec = &codec{
	table:   string(models.EntityTask),
	columns: []string{"title", "description", "priority", "category", "due_date", "is_completed", "progress", "tags"},
	args: func(e models.Entity) ([]any, error) {
		t := e.(*models.Task)
		tags, err := json.Marshal(t.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
		if t.Tags == nil {
			tags = []byte("[]")
		}
		return append(metaArgs(&t.SyncMeta),
			t.Title, t.Description, t.Priority, t.Category, nullable(t.DueDate),
			t.IsCompleted, t.Progress, string(tags)), nil
	},
	scan: func(row scanner) (models.Entity, error) {
		t := &models.Task{}
		dest, finish := metaDest(&t.SyncMeta)
		var tags string
		dest = append(dest, &t.Title, &t.Description, &t.Priority, &t.Category, &t.DueDate,
			&t.IsCompleted, &t.Progress, &tags)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		finish()
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of task %s: %w", t.LocalID, err)
		}
		return t, nil
	},
}

var eventCodec = &codec{
	table:   string(models.EntityEvent),
	columns: []string{"title", "description", "start_time", "end_time", "category", "priority", "location"},
	args: func(e models.Entity) ([]any, error) {
		ev := e.(*models.Event)
		return append(metaArgs(&ev.SyncMeta),
			ev.Title, ev.Description, ev.StartTime, nullable(ev.EndTime),
			ev.Category, ev.Priority, nullable(ev.Location)), nil
	},
	scan: func(row scanner) (models.Entity, error) {
		ev := &models.Event{}
		dest, finish := metaDest(&ev.SyncMeta)
		dest = append(dest, &ev.Title, &ev.Description, &ev.StartTime, &ev.EndTime,
			&ev.Category, &ev.Priority, &ev.Location)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		finish()
		return ev, nil
	},
}

var chatSessionCodec = &codec{
	table:   string(models.EntityChatSession),
	columns: []string{"title", "agent_name"},
	args: func(e models.Entity) ([]any, error) {
		s := e.(*models.ChatSession)
		return append(metaArgs(&s.SyncMeta), s.Title, s.AgentName), nil
	},
	scan: func(row scanner) (models.Entity, error) {
		s := &models.ChatSession{}
		dest, finish := metaDest(&s.SyncMeta)
		dest = append(dest, &s.Title, &s.AgentName)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		finish()
		return s, nil
	},
}

var chatMessageCodec = &codec{
	table:   string(models.EntityChatMessage),
	columns: []string{"session_id", "session_server_id", "role", "content", "agent_name", "intent", "sent_at"},
	args: func(e models.Entity) ([]any, error) {
		m := e.(*models.ChatMessage)
		return append(metaArgs(&m.SyncMeta),
			m.SessionID, nullable(m.SessionServerID), m.Role, m.Content,
			m.AgentName, m.Intent, m.SentAt), nil
	},
	scan: func(row scanner) (models.Entity, error) {
		m := &models.ChatMessage{}
		dest, finish := metaDest(&m.SyncMeta)
		dest = append(dest, &m.SessionID, &m.SessionServerID, &m.Role, &m.Content,
			&m.AgentName, &m.Intent, &m.SentAt)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		finish()
		return m, nil
	},
}

func codecFor(t models.EntityType) (*codec, error) {
	switch t {
	case models.EntityTask:
		return taskCodec, nil
	case models.EntityEvent:
		return eventCodec, nil
	case models.EntityChatSession:
		return chatSessionCodec, nil
	case models.EntityChatMessage:
		return chatMessageCodec, nil
	}
	return nil, fmt.Errorf("no table for entity type %q", t)
}
