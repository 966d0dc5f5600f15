package models

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMeta_TouchIsStrictlyIncreasing(t *testing.T) {
	var m SyncMeta
	now := time.UnixMilli(1_700_000_000_000)

	m.Touch(now)
	assert.Equal(t, int64(1_700_000_000_000), m.UpdatedAt)
	assert.Equal(t, m.UpdatedAt, m.CreatedAt)

	// same instant, then a clock that went backwards
	m.Touch(now)
	assert.Equal(t, int64(1_700_000_000_001), m.UpdatedAt)
	m.Touch(now.Add(-time.Hour))
	assert.Equal(t, int64(1_700_000_000_002), m.UpdatedAt)
	assert.Equal(t, int64(1_700_000_000_000), m.CreatedAt)
}

func TestSyncMeta_CanonicalID(t *testing.T) {
	m := SyncMeta{LocalID: "local"}
	assert.False(t, m.HasServerID())
	assert.Equal(t, "local", m.CanonicalID())

	m.ServerID = StringPtr("42")
	assert.True(t, m.HasServerID())
	assert.Equal(t, "42", m.CanonicalID())

	m.ServerID = StringPtr("")
	assert.Nil(t, m.ServerID)
}

func TestTask_Validate(t *testing.T) {
	bad := "tomorrow"
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{Title: "Buy milk"}, false},
		{"blank title", Task{Title: "   "}, true},
		{"bad priority", Task{Title: "x", Priority: "urgent"}, true},
		{"progress out of range", Task{Title: "x", Progress: 1.5}, true},
		{"bad due date", Task{Title: "x", DueDate: &bad}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			task.Normalize()
			err := task.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestTask_NormalizeDefaults(t *testing.T) {
	task := Task{Title: "  Buy milk ", IsCompleted: true}
	task.Normalize()

	assert.Equal(t, "Buy milk", task.Title)
	assert.Equal(t, PriorityMedium, task.Priority)
	assert.Equal(t, "general", task.Category)
	assert.Equal(t, float64(1), task.Progress)
	assert.NotNil(t, task.Tags)
}

func TestEvent_ValidateEndBeforeStart(t *testing.T) {
	end := "2026-01-01T09:00:00Z"
	e := Event{Title: "Standup", StartTime: "2026-01-01T10:00:00Z", EndTime: &end}
	e.Normalize()
	assert.True(t, apperrors.Is(e.Validate(), apperrors.ErrValidation))

	end = "2026-01-01T10:15:00Z"
	assert.NoError(t, e.Validate())

	e.StartTime = ""
	assert.Error(t, e.Validate())
}

func TestChatMessage_Validate(t *testing.T) {
	m := ChatMessage{SessionID: "s1", Content: "hi"}
	m.Normalize()
	assert.NoError(t, m.Validate())
	assert.Equal(t, RoleUser, m.Role)

	m.Role = "robot"
	assert.Error(t, m.Validate())

	m = ChatMessage{Content: "hi", Role: RoleUser}
	assert.Error(t, m.Validate())
}

func TestChatMessage_SessionRef(t *testing.T) {
	m := ChatMessage{SessionID: "local-session"}
	assert.Equal(t, "local-session", m.Payload().(*ChatMessagePayload).SessionID)

	m.SessionServerID = StringPtr("77")
	assert.Equal(t, "77", m.Payload().(*ChatMessagePayload).SessionID)
}

func TestApplyPayload_Mismatch(t *testing.T) {
	task := &Task{}
	err := task.ApplyPayload(&EventPayload{Title: "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(EntityTask, []byte(`{"title":"Buy milk","priority":"high","updated_at":5}`))
	require.NoError(t, err)
	tp, ok := p.(*TaskPayload)
	require.True(t, ok)
	assert.Equal(t, "Buy milk", tp.Title)
	assert.Equal(t, int64(5), PayloadUpdatedAt(p))

	_, err = DecodePayload("notes", []byte(`{}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = DecodePayload(EntityEvent, nil)
	assert.Error(t, err)
}

func TestRemoteRecord_Unmarshal(t *testing.T) {
	var recs []RemoteRecord
	data := `[{"id":42,"updated_at":10,"title":"Buy milk"},{"server_id":"abc","updated_at":11,"title":"Call mom"}]`
	require.NoError(t, json.Unmarshal([]byte(data), &recs))
	require.Len(t, recs, 2)

	assert.Equal(t, "42", recs[0].ID)
	assert.Equal(t, "abc", recs[1].ID)

	p, err := recs[0].Decode(EntityTask)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", p.(*TaskPayload).Title)
	assert.Equal(t, int64(10), PayloadUpdatedAt(p))
}

func TestNewEntity(t *testing.T) {
	for _, et := range EntityTypes() {
		e, err := NewEntity(et)
		require.NoError(t, err)
		assert.Equal(t, et, e.EntityType())
	}
	_, err := NewEntity("notes")
	assert.Error(t, err)
}

func TestSyncQueueItem_Due(t *testing.T) {
	now := time.UnixMilli(1000)
	item := SyncQueueItem{State: QueueStateReady, NextAttemptAt: 1000}
	assert.True(t, item.Due(now))

	item.NextAttemptAt = 1001
	assert.False(t, item.Due(now))

	item.NextAttemptAt = 0
	item.State = QueueStateAuthBlocked
	assert.False(t, item.Due(now))
}
