package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/uuid"
)

// ErrKnownRemotely is returned by DeleteLocal once the entity has a server
// id; it must be tombstoned instead.
var ErrKnownRemotely = stderrors.New("entity is known remotely")

// Store is the Local Store. Every operation completes its durable write
// before returning; no state is cached in memory.
//
// Writers of one entity family are serialized by a per-family mutex and
// queue writers by the queue mutex. Locks are always taken in
// models.EntityTypes order, then the queue lock.
type Store struct {
	db      *DB
	famLock map[models.EntityType]*sync.Mutex
	queueMu sync.Mutex
	now     func() time.Time
}

// NewStore creates a Store on an opened database.
func NewStore(db *DB) *Store {
	s := &Store{
		db:      db,
		famLock: make(map[models.EntityType]*sync.Mutex),
		now:     time.Now,
	}
	for _, t := range models.EntityTypes() {
		s.famLock[t] = &sync.Mutex{}
	}
	return s
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// lock acquires the family locks for types and, if queue is set, the queue
// lock. It returns the matching unlock function.
func (s *Store) lock(queue bool, types ...models.EntityType) func() {
	var held []*sync.Mutex
	for _, t := range models.EntityTypes() {
		for _, want := range types {
			if want == t {
				mu := s.famLock[t]
				mu.Lock()
				held = append(held, mu)
				break
			}
		}
	}
	if queue {
		s.queueMu.Lock()
		held = append(held, &s.queueMu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit transaction", err)
	}
	return nil
}

// dbErr wraps a storage failure; application errors pass through.
func dbErr(op string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func notFound(t models.EntityType, id string) error {
	return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", t, id)
}

// ---------------------------------------------------------------------------
// Entities

func (s *Store) getTx(ctx context.Context, q querier, t models.EntityType, id string) (models.Entity, error) {
	c, err := codecFor(t)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "get", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = ? OR server_id = ?
		ORDER BY (local_id = ?) DESC LIMIT 1`, c.selectList(), c.table)
	e, err := c.scan(q.QueryRowContext(ctx, query, id, id, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(t, id)
	}
	if err != nil {
		return nil, dbErr("get "+c.table, err)
	}
	return e, nil
}

// Get returns the entity whose local or server identifier is id, including
// tombstones.
func (s *Store) Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	return s.getTx(ctx, s.db, t, id)
}

func (s *Store) listTx(ctx context.Context, q querier, t models.EntityType, where string, args ...any) ([]models.Entity, error) {
	c, err := codecFor(t)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "list", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", c.selectList(), c.table)
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list "+c.table, err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := c.scan(rows)
		if err != nil {
			return nil, dbErr("scan "+c.table, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list "+c.table, err)
	}
	return out, nil
}

// ListActive returns the non-tombstoned entities of a family, oldest first.
func (s *Store) ListActive(ctx context.Context, t models.EntityType) ([]models.Entity, error) {
	return s.listTx(ctx, s.db, t, "is_deleted = 0 ORDER BY created_at, local_id")
}

// ListChatMessages returns the most recent active messages of a session in
// chronological order. limit <= 0 returns all of them.
func (s *Store) ListChatMessages(ctx context.Context, sessionLocalID string, limit int) ([]*models.ChatMessage, error) {
	where := "session_id = ? AND is_deleted = 0 ORDER BY sent_at DESC, created_at DESC"
	args := []any{sessionLocalID}
	if limit > 0 {
		where += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.listTx(ctx, s.db, models.EntityChatMessage, where, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ChatMessage, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].(*models.ChatMessage))
	}
	return out, nil
}

func (s *Store) putTx(ctx context.Context, q querier, e models.Entity) error {
	c, err := codecFor(e.EntityType())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "put", err)
	}
	if e.Meta().LocalID == "" {
		return apperrors.New(apperrors.ErrInvalid, "put: entity has no local_id")
	}
	args, err := c.args(e)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "put "+c.table, err)
	}
	if _, err := q.ExecContext(ctx, c.upsertSQL(), args...); err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return apperrors.Wrap(apperrors.ErrConstraint, "put "+c.table, err)
		}
		return dbErr("put "+c.table, err)
	}
	return nil
}

// Put inserts or replaces an entity row keyed by local_id.
func (s *Store) Put(ctx context.Context, e models.Entity) error {
	defer s.lock(false, e.EntityType())()
	return s.putTx(ctx, s.db, e)
}

// PutAndEnqueue writes the entity and appends the matching queue item in
// one transaction. A delete supersedes queued updates of the same entity.
func (s *Store) PutAndEnqueue(ctx context.Context, e models.Entity, action models.Action) (*models.SyncQueueItem, error) {
	t := e.EntityType()
	defer s.lock(true, t)()

	meta := e.Meta()
	item := &models.SyncQueueItem{
		EntityType: t,
		Action:     action,
		State:      models.QueueStateReady,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if action != models.ActionCreate {
			if err := s.adoptServerIDsTx(ctx, tx, e); err != nil {
				return err
			}
		}
		item.EntityID = meta.CanonicalID()
		if action != models.ActionDelete {
			item.Payload = e.Payload()
		}
		if action == models.ActionDelete {
			if err := s.purgeQueueTx(ctx, tx, t, meta, models.ActionUpdate); err != nil {
				return err
			}
		}
		if err := s.putTx(ctx, tx, e); err != nil {
			return err
		}
		return s.enqueueTx(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// adoptServerIDsTx copies identifiers acknowledged after the caller read e
// from the stored row, so the write and its queue item target the remote
// copy.
func (s *Store) adoptServerIDsTx(ctx context.Context, tx *sql.Tx, e models.Entity) error {
	stored, err := s.getTx(ctx, tx, e.EntityType(), e.Meta().LocalID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if meta := e.Meta(); !meta.HasServerID() && stored.Meta().HasServerID() {
		meta.ServerID = models.StringPtr(*stored.Meta().ServerID)
	}
	if m, ok := e.(*models.ChatMessage); ok && m.SessionServerID == nil {
		if sm, ok := stored.(*models.ChatMessage); ok && sm.SessionServerID != nil && sm.SessionID == m.SessionID {
			m.SessionServerID = models.StringPtr(*sm.SessionServerID)
		}
	}
	return nil
}

// DeleteLocal purges a never-synced entity and cancels its queued
// operations. Entities the remote already knows must be soft-deleted.
func (s *Store) DeleteLocal(ctx context.Context, t models.EntityType, localID string) error {
	defer s.lock(true, t)()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := s.getTx(ctx, tx, t, localID)
		if err != nil {
			return err
		}
		if e.Meta().HasServerID() {
			return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("delete %s %s", t, localID), ErrKnownRemotely)
		}
		return s.hardDeleteTx(ctx, tx, t, e.Meta())
	})
}

// HardDelete removes the entity row and every queue item referencing it.
// A missing row is not an error.
func (s *Store) HardDelete(ctx context.Context, t models.EntityType, id string) error {
	defer s.lock(true, t)()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := s.getTx(ctx, tx, t, id)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.hardDeleteTx(ctx, tx, t, e.Meta())
	})
}

func (s *Store) hardDeleteTx(ctx context.Context, tx *sql.Tx, t models.EntityType, meta *models.SyncMeta) error {
	if err := s.purgeQueueTx(ctx, tx, t, meta); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE local_id = ?", t), meta.LocalID); err != nil {
		return dbErr("delete "+string(t), err)
	}
	return nil
}

// SetSyncStatus updates the sync status of an entity.
func (s *Store) SetSyncStatus(ctx context.Context, t models.EntityType, id string, status models.SyncStatus) error {
	defer s.lock(false, t)()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE local_id = ? OR server_id = ?", t),
		string(status), id, id)
	if err != nil {
		return dbErr("set sync status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(t, id)
	}
	return nil
}

// MarkSynced sets sync_status=synced on the entity.
func (s *Store) MarkSynced(ctx context.Context, t models.EntityType, id string) error {
	return s.SetSyncStatus(ctx, t, id, models.SyncStatusSynced)
}

// ---------------------------------------------------------------------------
// Queue

const queueColumns = "queue_id, entity_type, entity_id, action, payload, created_at, retry_count, last_error, next_attempt_at, state"

func scanQueueItem(row scanner) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var entityType, action, state string
	var payload sql.NullString
	if err := row.Scan(&item.QueueID, &entityType, &item.EntityID, &action, &payload,
		&item.CreatedAt, &item.RetryCount, &item.LastError, &item.NextAttemptAt, &state); err != nil {
		return nil, err
	}
	item.EntityType = models.EntityType(entityType)
	item.Action = models.Action(action)
	item.State = models.QueueState(state)
	if payload.Valid && payload.String != "" {
		p, err := models.DecodePayload(item.EntityType, []byte(payload.String))
		if err != nil {
			return nil, fmt.Errorf("queue item %d: %w", item.QueueID, err)
		}
		item.Payload = p
	}
	return &item, nil
}

func (s *Store) queryQueue(ctx context.Context, q querier, where string, args ...any) ([]models.SyncQueueItem, error) {
	query := "SELECT " + queueColumns + " FROM sync_queue"
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("query sync_queue", err)
	}
	defer rows.Close()

	var items []models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, dbErr("scan sync_queue", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("query sync_queue", err)
	}
	return items, nil
}

func (s *Store) enqueueTx(ctx context.Context, q querier, item *models.SyncQueueItem) error {
	if !item.EntityType.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "enqueue: unknown entity type %q", item.EntityType)
	}
	var payload any
	if item.Payload != nil {
		data, err := models.EncodePayload(item.Payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "enqueue", err)
		}
		payload = string(data)
	}
	if item.State == "" {
		item.State = models.QueueStateReady
	}

	// created_at never goes backwards, so FIFO order survives clock skew.
	var last int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(created_at), 0) FROM sync_queue").Scan(&last); err != nil {
		return dbErr("enqueue", err)
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = s.nowMillis()
	}
	if item.CreatedAt < last {
		item.CreatedAt = last
	}

	res, err := q.ExecContext(ctx, `INSERT INTO sync_queue
		(entity_type, entity_id, action, payload, created_at, retry_count, last_error, next_attempt_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.EntityType), item.EntityID, string(item.Action), payload, item.CreatedAt,
		item.RetryCount, item.LastError, item.NextAttemptAt, string(item.State))
	if err != nil {
		return dbErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dbErr("enqueue", err)
	}
	item.QueueID = id
	return nil
}

// Enqueue appends an item to the sync queue and sets its QueueID.
func (s *Store) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	defer s.lock(true)()
	return s.enqueueTx(ctx, s.db, item)
}

// DequeueOldest returns up to n ready items in FIFO order without removing
// them; items leave the queue only through Remove or an acknowledgement.
func (s *Store) DequeueOldest(ctx context.Context, n int) ([]models.SyncQueueItem, error) {
	return s.queryQueue(ctx, s.db, "state = ? ORDER BY created_at, queue_id LIMIT ?",
		string(models.QueueStateReady), n)
}

// QueueItems returns every queued item, including auth-blocked ones.
func (s *Store) QueueItems(ctx context.Context) ([]models.SyncQueueItem, error) {
	return s.queryQueue(ctx, s.db, "1 = 1 ORDER BY created_at, queue_id")
}

// QueueItemsFor returns the queued items of one entity.
func (s *Store) QueueItemsFor(ctx context.Context, t models.EntityType, id string) ([]models.SyncQueueItem, error) {
	localID, canonical := id, id
	e, err := s.Get(ctx, t, id)
	switch {
	case err == nil:
		localID, canonical = e.Meta().LocalID, e.Meta().CanonicalID()
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}
	return s.queryQueue(ctx, s.db, "entity_type = ? AND entity_id IN (?, ?) ORDER BY created_at, queue_id",
		string(t), localID, canonical)
}

// CountPending returns the number of queued items.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, dbErr("count sync_queue", err)
	}
	return n, nil
}

// Remove deletes a queue item. Removing a missing item is not an error.
func (s *Store) Remove(ctx context.Context, queueID int64) error {
	defer s.lock(true)()
	return s.removeTx(ctx, s.db, queueID)
}

func (s *Store) removeTx(ctx context.Context, q querier, queueID int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM sync_queue WHERE queue_id = ?", queueID); err != nil {
		return dbErr("remove queue item", err)
	}
	return nil
}

// purgeQueueTx deletes queue items of the entity, optionally only those
// with the given actions.
func (s *Store) purgeQueueTx(ctx context.Context, tx *sql.Tx, t models.EntityType, meta *models.SyncMeta, actions ...models.Action) error {
	query := "DELETE FROM sync_queue WHERE entity_type = ? AND entity_id IN (?, ?)"
	args := []any{string(t), meta.LocalID, meta.CanonicalID()}
	if len(actions) > 0 {
		query += " AND action IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(actions)), ", ") + ")"
		for _, a := range actions {
			args = append(args, string(a))
		}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return dbErr("purge queue", err)
	}
	return nil
}

// RecordFailure keeps the item queued, increments retry_count and schedules
// the next attempt. It returns the new retry count.
func (s *Store) RecordFailure(ctx context.Context, queueID int64, lastErr string, nextAttemptAt int64) (int, error) {
	defer s.lock(true)()
	var retries int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_queue
			SET retry_count = retry_count + 1, last_error = ?, next_attempt_at = ?
			WHERE queue_id = ?`, lastErr, nextAttemptAt, queueID); err != nil {
			return dbErr("record failure", err)
		}
		err := tx.QueryRowContext(ctx, "SELECT retry_count FROM sync_queue WHERE queue_id = ?", queueID).Scan(&retries)
		if stderrors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrNotFound, "queue item %d not found", queueID)
		}
		if err != nil {
			return dbErr("record failure", err)
		}
		return nil
	})
	return retries, err
}

// BlockAuth parks a queue item until credentials are refreshed.
func (s *Store) BlockAuth(ctx context.Context, queueID int64, lastErr string) error {
	defer s.lock(true)()
	if _, err := s.db.ExecContext(ctx, "UPDATE sync_queue SET state = ?, last_error = ?, retry_count = retry_count + 1 WHERE queue_id = ?",
		string(models.QueueStateAuthBlocked), lastErr, queueID); err != nil {
		return dbErr("block queue item", err)
	}
	return nil
}

// UnblockAuth returns auth-blocked items to the ready state and clears
// their backoff. It returns the number of items released.
func (s *Store) UnblockAuth(ctx context.Context) (int, error) {
	defer s.lock(true)()
	res, err := s.db.ExecContext(ctx, "UPDATE sync_queue SET state = ?, next_attempt_at = 0 WHERE state = ?",
		string(models.QueueStateReady), string(models.QueueStateAuthBlocked))
	if err != nil {
		return 0, dbErr("unblock queue", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RetryAll clears backoff and retry counters on every ready item.
func (s *Store) RetryAll(ctx context.Context) (int, error) {
	defer s.lock(true)()
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET retry_count = 0, next_attempt_at = 0, last_error = '' WHERE state = ?",
		string(models.QueueStateReady))
	if err != nil {
		return 0, dbErr("retry queue", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Identifier remapping and acknowledgements

// RemapEntityID records newID as the server identifier of the entity whose
// local identifier is oldID, and rewrites every queued operation and
// dependent row still referencing oldID.
func (s *Store) RemapEntityID(ctx context.Context, t models.EntityType, oldID, newID string) error {
	defer s.lock(true, remapFamilies(t)...)()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.remapTx(ctx, tx, t, oldID, newID)
	})
}

func remapFamilies(t models.EntityType) []models.EntityType {
	if t == models.EntityChatSession {
		return []models.EntityType{t, models.EntityChatMessage}
	}
	return []models.EntityType{t}
}

func (s *Store) remapTx(ctx context.Context, tx *sql.Tx, t models.EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	// A pull may already have inserted the remote copy of this entity.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE server_id = ? AND local_id <> ? AND sync_status = ?", t),
		newID, oldID, string(models.SyncStatusSynced)); err != nil {
		return dbErr("remap", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET server_id = ? WHERE local_id = ?", t), newID, oldID); err != nil {
		return dbErr("remap "+string(t), err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?",
		newID, string(t), oldID); err != nil {
		return dbErr("remap sync_queue", err)
	}
	if t == models.EntityChatSession {
		return s.remapSessionRefsTx(ctx, tx, oldID, newID)
	}
	return nil
}

func (s *Store) remapSessionRefsTx(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_messages SET session_server_id = ? WHERE session_id = ?", newID, oldID); err != nil {
		return dbErr("remap chat_messages", err)
	}

	items, err := s.queryQueue(ctx, tx, "entity_type = ? AND payload IS NOT NULL", string(models.EntityChatMessage))
	if err != nil {
		return err
	}
	for _, item := range items {
		p, ok := item.Payload.(*models.ChatMessagePayload)
		if !ok || p.SessionID != oldID {
			continue
		}
		p.SessionID = newID
		data, err := models.EncodePayload(p)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "remap payload", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sync_queue SET payload = ? WHERE queue_id = ?",
			string(data), item.QueueID); err != nil {
			return dbErr("remap payload", err)
		}
	}
	return nil
}

// AckResult reports what an acknowledgement found locally.
type AckResult struct {
	// Missing is set when the entity row no longer exists.
	Missing bool
	// Status is the entity's sync status after the acknowledgement.
	Status models.SyncStatus
}

// Ack applies a successful remote call for item: the item is removed, a
// create records serverID through RemapEntityID, a delete hard-deletes the
// tombstone, and the entity becomes synced once nothing else is queued
// for it.
func (s *Store) Ack(ctx context.Context, item *models.SyncQueueItem, serverID string) (AckResult, error) {
	defer s.lock(true, remapFamilies(item.EntityType)...)()

	var result AckResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.removeTx(ctx, tx, item.QueueID); err != nil {
			return err
		}
		e, err := s.getTx(ctx, tx, item.EntityType, item.EntityID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			result.Missing = true
			return nil
		}
		if err != nil {
			return err
		}
		meta := e.Meta()

		switch item.Action {
		case models.ActionDelete:
			return s.hardDeleteTx(ctx, tx, item.EntityType, meta)
		case models.ActionCreate:
			if serverID != "" && !meta.HasServerID() {
				if err := s.remapTx(ctx, tx, item.EntityType, meta.LocalID, serverID); err != nil {
					return err
				}
				meta.ServerID = models.StringPtr(serverID)
			}
		}

		status, err := s.settleTx(ctx, tx, item.EntityType, meta)
		result.Status = status
		return err
	})
	return result, err
}

// settleTx marks the entity synced if no queue items reference it any more.
func (s *Store) settleTx(ctx context.Context, tx *sql.Tx, t models.EntityType, meta *models.SyncMeta) (models.SyncStatus, error) {
	var remaining int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND entity_id IN (?, ?)",
		string(t), meta.LocalID, meta.CanonicalID()).Scan(&remaining); err != nil {
		return "", dbErr("settle", err)
	}
	status := models.SyncStatusPending
	if remaining == 0 {
		status = models.SyncStatusSynced
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE local_id = ?", t),
		string(status), meta.LocalID); err != nil {
		return "", dbErr("settle", err)
	}
	return status, nil
}

// AcceptRemote resolves a conflict in favour of the remote version. The
// local row takes the remote fields and clock and keeps its own losing
// snapshot in conflict_data; queued updates and deletes are dropped.
func (s *Store) AcceptRemote(ctx context.Context, t models.EntityType, id string, remote models.Payload, remoteUpdatedAt int64) error {
	defer s.lock(true, t)()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := s.getTx(ctx, tx, t, id)
		if err != nil {
			return err
		}
		return s.acceptRemoteTx(ctx, tx, e, remote, remoteUpdatedAt)
	})
}

func (s *Store) acceptRemoteTx(ctx context.Context, tx *sql.Tx, e models.Entity, remote models.Payload, remoteUpdatedAt int64) error {
	meta := e.Meta()
	loser, err := models.EncodePayload(e.Payload())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "accept remote", err)
	}
	if err := s.logConflictTx(ctx, tx, &models.ConflictLog{
		EntityType:      e.EntityType(),
		LocalID:         meta.LocalID,
		LocalTimestamp:  meta.UpdatedAt,
		RemoteTimestamp: remoteUpdatedAt,
		Resolution:      models.ResolutionRemoteWins,
		LoserData:       loser,
	}); err != nil {
		return err
	}
	if err := e.ApplyPayload(remote); err != nil {
		return err
	}
	meta.ConflictData = loser
	meta.UpdatedAt = remoteUpdatedAt
	meta.SyncStatus = models.SyncStatusConflict
	meta.IsDeleted = false
	if err := s.purgeQueueTx(ctx, tx, e.EntityType(), meta, models.ActionUpdate, models.ActionDelete); err != nil {
		return err
	}
	return s.putTx(ctx, tx, e)
}

// ---------------------------------------------------------------------------
// Conflict log

func (s *Store) logConflictTx(ctx context.Context, q querier, c *models.ConflictLog) error {
	if c.DetectedAt == 0 {
		c.DetectedAt = s.nowMillis()
	}
	var loser any
	if len(c.LoserData) > 0 {
		loser = string(c.LoserData)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO conflict_log
		(entity_type, local_id, local_timestamp, remote_timestamp, resolution, loser_data, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(c.EntityType), c.LocalID, c.LocalTimestamp, c.RemoteTimestamp, c.Resolution, loser, c.DetectedAt)
	if err != nil {
		return dbErr("log conflict", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// LogConflict records a resolved conflict.
func (s *Store) LogConflict(ctx context.Context, c *models.ConflictLog) error {
	return s.logConflictTx(ctx, s.db, c)
}

// ListConflicts returns the most recent conflict log entries.
func (s *Store) ListConflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity_type, local_id, local_timestamp,
		remote_timestamp, resolution, loser_data, detected_at
		FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbErr("list conflicts", err)
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		var entityType string
		var loser sql.NullString
		if err := rows.Scan(&c.ID, &entityType, &c.LocalID, &c.LocalTimestamp,
			&c.RemoteTimestamp, &c.Resolution, &loser, &c.DetectedAt); err != nil {
			return nil, dbErr("scan conflict", err)
		}
		c.EntityType = models.EntityType(entityType)
		if loser.Valid {
			c.LoserData = json.RawMessage(loser.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Pull merge

// ConflictPolicy decides concurrent edits between a pending local row and
// its remote version.
type ConflictPolicy interface {
	RemoteWins(localUpdatedAt, remoteUpdatedAt int64) bool
}

// MergeResult summarizes a pull merge.
type MergeResult struct {
	Inserted  int
	Updated   int
	Deleted   int
	Conflicts int
	Skipped   int
}

// MergeRemote merges a full remote listing of one family:
//   - synced rows take the remote version
//   - rows with local changes are decided by policy; the loser is kept in
//     conflict_data
//   - remote records unknown locally are inserted as synced
//   - synced rows absent from the listing are hard-deleted
//   - local-only rows and tombstones are left alone
func (s *Store) MergeRemote(ctx context.Context, t models.EntityType, records []models.RemoteRecord, policy ConflictPolicy) (*MergeResult, error) {
	families := []models.EntityType{t}
	if t == models.EntityChatMessage {
		families = append(families, models.EntityChatSession)
	}
	defer s.lock(true, families...)()

	result := &MergeResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		local, err := s.listTx(ctx, tx, t, "")
		if err != nil {
			return err
		}
		byServer := make(map[string]models.Entity, len(local))
		for _, e := range local {
			if e.Meta().HasServerID() {
				byServer[*e.Meta().ServerID] = e
			}
		}

		seen := make(map[string]bool, len(records))
		for i := range records {
			rec := &records[i]
			if rec.ID == "" {
				result.Skipped++
				continue
			}
			seen[rec.ID] = true
			remote, err := rec.Decode(t)
			if err != nil {
				result.Skipped++
				continue
			}

			e, ok := byServer[rec.ID]
			if !ok {
				inserted, err := s.insertRemoteTx(ctx, tx, t, rec, remote)
				if err != nil {
					return err
				}
				if inserted {
					result.Inserted++
				} else {
					result.Skipped++
				}
				continue
			}

			meta := e.Meta()
			switch {
			case meta.IsDeleted:
				// queued delete will replay
			case meta.SyncStatus == models.SyncStatusSynced:
				if meta.UpdatedAt == rec.UpdatedAt {
					continue
				}
				if err := e.ApplyPayload(remote); err != nil {
					return err
				}
				meta.UpdatedAt = rec.UpdatedAt
				meta.ConflictData = nil
				if err := s.putTx(ctx, tx, e); err != nil {
					return err
				}
				result.Updated++
			case meta.UpdatedAt == rec.UpdatedAt:
				// the remote already holds this version
			case policy.RemoteWins(meta.UpdatedAt, rec.UpdatedAt):
				if err := s.acceptRemoteTx(ctx, tx, e, remote, rec.UpdatedAt); err != nil {
					return err
				}
				result.Conflicts++
			default:
				if err := s.keepLocalTx(ctx, tx, e, rec.Fields, rec.UpdatedAt); err != nil {
					return err
				}
				result.Conflicts++
			}
		}

		for serverID, e := range byServer {
			meta := e.Meta()
			if seen[serverID] || meta.IsDeleted || meta.SyncStatus != models.SyncStatusSynced {
				continue
			}
			if err := s.hardDeleteTx(ctx, tx, t, meta); err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// keepLocalTx records a conflict the local version won; the queued update
// will overwrite the remote.
func (s *Store) keepLocalTx(ctx context.Context, tx *sql.Tx, e models.Entity, remote json.RawMessage, remoteUpdatedAt int64) error {
	meta := e.Meta()
	if err := s.logConflictTx(ctx, tx, &models.ConflictLog{
		EntityType:      e.EntityType(),
		LocalID:         meta.LocalID,
		LocalTimestamp:  meta.UpdatedAt,
		RemoteTimestamp: remoteUpdatedAt,
		Resolution:      models.ResolutionLocalWins,
		LoserData:       remote,
	}); err != nil {
		return err
	}
	meta.ConflictData = append(json.RawMessage(nil), remote...)
	return s.putTx(ctx, tx, e)
}

func (s *Store) insertRemoteTx(ctx context.Context, tx *sql.Tx, t models.EntityType, rec *models.RemoteRecord, remote models.Payload) (bool, error) {
	e, err := models.NewEntity(t)
	if err != nil {
		return false, err
	}
	meta := e.Meta()
	meta.LocalID = uuid.NewLocalID()
	meta.ServerID = models.StringPtr(rec.ID)
	meta.SyncStatus = models.SyncStatusSynced
	meta.UpdatedAt = rec.UpdatedAt
	meta.CreatedAt = rec.UpdatedAt
	if meta.CreatedAt == 0 {
		meta.CreatedAt = s.nowMillis()
	}

	if msg, ok := e.(*models.ChatMessage); ok {
		p := remote.(*models.ChatMessagePayload)
		var sessionLocal string
		err := tx.QueryRowContext(ctx, "SELECT local_id FROM chat_sessions WHERE server_id = ?", p.SessionID).Scan(&sessionLocal)
		if stderrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, dbErr("resolve chat session", err)
		}
		msg.SessionID = sessionLocal
	}
	if err := e.ApplyPayload(remote); err != nil {
		return false, err
	}
	e.Normalize()
	if err := s.putTx(ctx, tx, e); err != nil {
		return false, err
	}
	return true, nil
}
