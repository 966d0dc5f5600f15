package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/db"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
	"github.com/kimhsiao/agentx/backend/internal/remote"
	"github.com/kimhsiao/agentx/backend/internal/sync/conflict"
	"github.com/kimhsiao/agentx/backend/internal/sync/queue"
	"github.com/kimhsiao/agentx/backend/internal/telemetry"
)

var (
	// ErrDrainInProgress is returned when a drain is already running.
	ErrDrainInProgress = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	// ErrAuthSuspended is returned while replay waits for new credentials.
	ErrAuthSuspended = apperrors.New(apperrors.ErrSyncAuthFailed, "sync suspended until credentials are refreshed")
)

// Config configures an Engine.
type Config struct {
	BatchSize int
	Policy    queue.Policy
	Strategy  conflict.ResolutionStrategy
	Metrics   *telemetry.Metrics
}

// Engine drains the sync queue.
type Engine struct {
	store     db.QueueStore
	queue     *queue.Queue
	remote    Remote
	resolver  *conflict.Resolver
	metrics   *telemetry.Metrics
	batchSize int
	now       func() time.Time

	running   atomic.Bool
	suspended atomic.Bool

	mu       sync.RWMutex
	handlers []SyncEventHandler
	last     *DrainResult
}

var _ SyncEngineInterface = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(store db.QueueStore, rem Remote, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Noop()
	}
	return &Engine{
		store:     store,
		queue:     queue.New(store, cfg.Policy),
		remote:    rem,
		resolver:  conflict.NewResolver(cfg.Strategy),
		metrics:   cfg.Metrics,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.queue.SetClock(now)
}

// Queue returns the engine's queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Resolver returns the conflict resolver, which also serves pulls.
func (e *Engine) Resolver() *conflict.Resolver {
	return e.resolver
}

// AddEventHandler registers a handler for sync notifications.
func (e *Engine) AddEventHandler(h SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *Engine) emit(ev SyncEvent) {
	ev.Time = e.now()
	e.mu.RLock()
	handlers := append([]SyncEventHandler(nil), e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h.OnSyncEvent(ev)
	}
}

// Running reports whether a drain is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Suspended reports whether replay is halted on a rejected credential.
func (e *Engine) Suspended() bool {
	return e.suspended.Load()
}

// Suspend halts replay until ResumeAuth, e.g. when no credential is stored.
func (e *Engine) Suspend() {
	if !e.suspended.Swap(true) {
		logging.Warn("sync suspended until credentials are refreshed", nil)
	}
}

// ResumeAuth releases auth-blocked operations and lifts the suspension.
func (e *Engine) ResumeAuth(ctx context.Context) (int, error) {
	n, err := e.queue.UnblockAuth(ctx)
	if err != nil {
		return 0, err
	}
	if e.suspended.Swap(false) {
		logging.Info("sync resumed", map[string]interface{}{"released": n})
	}
	return n, nil
}

// LastResult returns the outcome of the most recent drain.
func (e *Engine) LastResult() *DrainResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// PendingChanges returns the number of queued operations.
func (e *Engine) PendingChanges(ctx context.Context) (int, error) {
	return e.queue.Pending(ctx)
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeConflict
	outcomeDropped
	outcomeAuth
)

func (o outcome) String() string {
	switch o {
	case outcomeSynced:
		return "synced"
	case outcomeFailed:
		return "failed"
	case outcomeDeferred:
		return "deferred"
	case outcomeConflict:
		return "conflict"
	case outcomeDropped:
		return "dropped"
	case outcomeAuth:
		return "auth_required"
	}
	return "unknown"
}

// drainState is scoped to one drain.
type drainState struct {
	ignoreBackoff bool
	// remap maps type/local_id to the server id assigned during this drain.
	remap map[string]string
	// blocked holds entities whose earlier operation did not complete.
	blocked map[string]bool
	// settled holds entities whose remaining queue items a conflict purged.
	settled map[string]bool
	result  *DrainResult
}

func entityKey(t models.EntityType, id string) string {
	return string(t) + "/" + id
}

func (d *drainState) resolve(t models.EntityType, id string) string {
	if mapped, ok := d.remap[entityKey(t, id)]; ok {
		return mapped
	}
	return id
}

func (d *drainState) block(t models.EntityType, id string) {
	d.blocked[entityKey(t, id)] = true
}

// Drain replays queued operations in FIFO order. Operations of one entity
// are sent in order: once one fails, later ones for the same entity wait
// for the next drain while other entities continue.
func (e *Engine) Drain(ctx context.Context, trigger Trigger) (*DrainResult, error) {
	if e.suspended.Load() {
		return nil, ErrAuthSuspended
	}
	if !e.running.CompareAndSwap(false, true) {
		logging.Debug("sync already in progress, dropping trigger", map[string]interface{}{"trigger": string(trigger)})
		return nil, ErrDrainInProgress
	}
	defer e.running.Store(false)

	d := &drainState{
		ignoreBackoff: trigger.IgnoresBackoff(),
		remap:         make(map[string]string),
		blocked:       make(map[string]bool),
		settled:       make(map[string]bool),
		result:        &DrainResult{Trigger: trigger, StartedAt: e.now()},
	}
	e.emit(SyncEvent{Type: EventSyncStarted, Trigger: trigger})

	err := e.drain(ctx, d)
	return e.finish(ctx, d, err)
}

// drain replays batches until every item queued before or during the
// drain has been visited once. Items left in the queue are remembered so
// later batches only carry new work.
func (e *Engine) drain(ctx context.Context, d *drainState) error {
	visited := make(map[int64]bool)
	for {
		items, err := e.queue.Dequeue(ctx, len(visited)+e.batchSize)
		if err != nil {
			return err
		}
		fresh := items[:0]
		for _, item := range items {
			if visited[item.QueueID] {
				continue
			}
			visited[item.QueueID] = true
			fresh = append(fresh, item)
			if len(fresh) == e.batchSize {
				break
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		halted, err := e.replay(ctx, d, fresh)
		if err != nil || halted {
			return err
		}
	}
}

// replay sends one batch. halted is set when a rejected credential stops
// the drain.
func (e *Engine) replay(ctx context.Context, d *drainState, items []models.SyncQueueItem) (halted bool, err error) {
	for i := range items {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		item := &items[i]
		item.EntityID = d.resolve(item.EntityType, item.EntityID)

		if d.settled[entityKey(item.EntityType, item.EntityID)] {
			continue
		}
		if d.blocked[entityKey(item.EntityType, item.EntityID)] {
			d.result.Skipped++
			continue
		}
		if !e.queue.Due(item, d.ignoreBackoff) {
			d.block(item.EntityType, item.EntityID)
			d.result.Skipped++
			continue
		}

		out, err := e.process(ctx, d, item)
		if err != nil {
			return false, err
		}
		e.metrics.ItemProcessed(ctx, string(item.EntityType), string(item.Action), out.String())

		switch out {
		case outcomeDeferred:
			d.block(item.EntityType, item.EntityID)
			d.result.Deferred++
			continue
		case outcomeSynced:
			d.result.Synced++
		case outcomeFailed:
			d.result.Failed++
		case outcomeConflict:
			d.settled[entityKey(item.EntityType, item.EntityID)] = true
		case outcomeAuth:
			d.result.Attempted++
			d.result.AuthSuspended = true
			return true, nil
		}
		d.result.Attempted++
	}
	return false, nil
}

func (e *Engine) finish(ctx context.Context, d *drainState, err error) (*DrainResult, error) {
	res := d.result
	res.Duration = e.now().Sub(res.StartedAt)
	if n, perr := e.queue.Pending(ctx); perr == nil {
		res.Remaining = n
		e.metrics.QueueDepth(ctx, n)
	}

	outcomeName := res.Outcome()
	if err != nil {
		outcomeName = "error"
		res.Errors = append(res.Errors, err.Error())
	}
	e.metrics.DrainFinished(ctx, string(res.Trigger), outcomeName, res.Duration)

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()

	fields := map[string]interface{}{
		"trigger":   string(res.Trigger),
		"attempted": res.Attempted,
		"synced":    res.Synced,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"deferred":  res.Deferred,
		"conflicts": res.Conflicts,
		"remaining": res.Remaining,
		"duration":  res.Duration.String(),
	}
	switch {
	case err != nil:
		logging.Error("sync drain aborted", err, fields)
		e.emit(SyncEvent{Type: EventSyncFailed, Trigger: res.Trigger, Result: res, Error: err.Error()})
		return res, err
	case res.AuthSuspended:
		logging.Warn("sync drain halted on rejected credential", fields)
		e.emit(SyncEvent{Type: EventSyncFailed, Trigger: res.Trigger, Result: res, Error: ErrAuthSuspended.Error()})
		return res, ErrAuthSuspended
	}
	logging.Info("sync drain finished", fields)
	e.emit(SyncEvent{Type: EventSyncCompleted, Trigger: res.Trigger, Result: res})
	return res, nil
}

func (e *Engine) process(ctx context.Context, d *drainState, item *models.SyncQueueItem) (outcome, error) {
	switch item.Action {
	case models.ActionCreate:
		return e.pushCreate(ctx, d, item)
	case models.ActionUpdate:
		return e.pushUpdate(ctx, d, item)
	case models.ActionDelete:
		return e.pushDelete(ctx, d, item)
	}
	return e.dropInvalid(ctx, item, fmt.Sprintf("unknown action %q", item.Action))
}

func (e *Engine) dropInvalid(ctx context.Context, item *models.SyncQueueItem, reason string) (outcome, error) {
	logging.Warn("dropping invalid queue item", map[string]interface{}{
		"queue_id":    item.QueueID,
		"entity_type": string(item.EntityType),
		"entity_id":   item.EntityID,
		"reason":      reason,
	})
	return outcomeDropped, e.queue.Drop(ctx, item)
}

// payloadFor returns the snapshot to send. A chat message whose session
// has no server id yet is deferred.
func (e *Engine) payloadFor(ctx context.Context, d *drainState, item *models.SyncQueueItem) (models.Payload, bool, error) {
	switch p := item.Payload.(type) {
	case *models.TaskPayload, *models.EventPayload, *models.ChatSessionPayload:
		return p, false, nil
	case *models.ChatMessagePayload:
		return e.messagePayload(ctx, d, p)
	}
	return nil, false, nil
}

func (e *Engine) messagePayload(ctx context.Context, d *drainState, p *models.ChatMessagePayload) (models.Payload, bool, error) {
	ref := d.resolve(models.EntityChatSession, p.SessionID)
	if ref == p.SessionID {
		session, err := e.store.Get(ctx, models.EntityChatSession, p.SessionID)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			return p, false, nil
		case err != nil:
			return nil, false, err
		case !session.Meta().HasServerID():
			return nil, true, nil
		}
		ref = *session.Meta().ServerID
	}
	if ref == p.SessionID {
		return p, false, nil
	}
	cp := *p
	cp.SessionID = ref
	return &cp, false, nil
}

// target loads the entity an update or delete refers to and returns its
// server id. deferred is set while the entity is unknown remotely.
func (e *Engine) target(ctx context.Context, item *models.SyncQueueItem) (id string, ent models.Entity, deferred bool, err error) {
	ent, err = e.store.Get(ctx, item.EntityType, item.EntityID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return item.EntityID, nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	if !ent.Meta().HasServerID() {
		return "", ent, true, nil
	}
	return *ent.Meta().ServerID, ent, false, nil
}

func (e *Engine) pushCreate(ctx context.Context, d *drainState, item *models.SyncQueueItem) (outcome, error) {
	payload, deferred, err := e.payloadFor(ctx, d, item)
	if err != nil {
		return 0, err
	}
	if deferred {
		return outcomeDeferred, nil
	}
	if payload == nil {
		return e.dropInvalid(ctx, item, "create without payload")
	}

	localID := item.EntityID
	rec, err := e.remote.Create(ctx, item.EntityType, localID, payload)
	if err != nil {
		// The server already holds this create.
		var ce *remote.ConflictError
		if !errors.As(err, &ce) || ce.Current == nil || ce.Current.ID == "" {
			return e.fail(ctx, d, item, err)
		}
		rec = ce.Current
	}

	res, err := e.queue.Complete(ctx, item, rec.ID)
	if err != nil {
		return 0, err
	}
	if res.Missing {
		comp := &models.SyncQueueItem{EntityType: item.EntityType, EntityID: rec.ID, Action: models.ActionDelete}
		if err := e.queue.Enqueue(ctx, comp); err != nil {
			return 0, err
		}
		logging.Info("entity deleted while its create was in flight, enqueued compensating delete", map[string]interface{}{
			"entity_type": string(item.EntityType),
			"local_id":    localID,
			"server_id":   rec.ID,
		})
		return outcomeSynced, nil
	}

	d.remap[entityKey(item.EntityType, localID)] = rec.ID
	d.result.Remapped++
	e.emit(SyncEvent{Type: EventEntitySynced, EntityType: item.EntityType, LocalID: localID, ServerID: rec.ID})
	return outcomeSynced, nil
}

func (e *Engine) pushUpdate(ctx context.Context, d *drainState, item *models.SyncQueueItem) (outcome, error) {
	id, ent, deferred, err := e.target(ctx, item)
	if err != nil {
		return 0, err
	}
	if deferred {
		return outcomeDeferred, nil
	}
	if ent == nil {
		return e.dropInvalid(ctx, item, "entity no longer exists")
	}
	payload, deferred, err := e.payloadFor(ctx, d, item)
	if err != nil {
		return 0, err
	}
	if deferred {
		return outcomeDeferred, nil
	}
	if payload == nil {
		return e.dropInvalid(ctx, item, "update without payload")
	}

	_, err = e.remote.Update(ctx, item.EntityType, id, payload, false)
	var ce *remote.ConflictError
	switch {
	case err == nil:
		return e.ack(ctx, item, ent)
	case errors.Is(err, remote.ErrNotFound):
		return e.remoteDeleted(ctx, d, item, ent)
	case errors.As(err, &ce) && ce.Current != nil:
		return e.resolveConflict(ctx, d, item, ent, ce.Current, func(ctx context.Context) error {
			_, err := e.remote.Update(ctx, item.EntityType, id, payload, true)
			return err
		})
	}
	return e.fail(ctx, d, item, err)
}

func (e *Engine) pushDelete(ctx context.Context, d *drainState, item *models.SyncQueueItem) (outcome, error) {
	id, ent, deferred, err := e.target(ctx, item)
	if err != nil {
		return 0, err
	}
	if deferred {
		return outcomeDeferred, nil
	}

	err = e.remote.Delete(ctx, item.EntityType, id, false)
	var ce *remote.ConflictError
	switch {
	case err == nil, errors.Is(err, remote.ErrNotFound):
		return e.ack(ctx, item, ent)
	case errors.As(err, &ce) && ce.Current != nil && ent != nil:
		return e.resolveConflict(ctx, d, item, ent, ce.Current, func(ctx context.Context) error {
			return e.remote.Delete(ctx, item.EntityType, id, true)
		})
	}
	return e.fail(ctx, d, item, err)
}

func (e *Engine) ack(ctx context.Context, item *models.SyncQueueItem, ent models.Entity) (outcome, error) {
	if _, err := e.queue.Complete(ctx, item, ""); err != nil {
		return 0, err
	}
	if ent != nil {
		meta := ent.Meta()
		serverID := ""
		if meta.HasServerID() {
			serverID = *meta.ServerID
		}
		e.emit(SyncEvent{Type: EventEntitySynced, EntityType: item.EntityType, LocalID: meta.LocalID, ServerID: serverID})
	}
	return outcomeSynced, nil
}

// remoteDeleted handles an update rejected because another device deleted
// the entity: the deletion wins and the local edit is logged as the loser.
func (e *Engine) remoteDeleted(ctx context.Context, d *drainState, item *models.SyncQueueItem, ent models.Entity) (outcome, error) {
	meta := ent.Meta()
	loser, err := models.EncodePayload(ent.Payload())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "encode losing version", err)
	}
	if err := e.store.LogConflict(ctx, &models.ConflictLog{
		EntityType:     item.EntityType,
		LocalID:        meta.LocalID,
		LocalTimestamp: meta.UpdatedAt,
		Resolution:     models.ResolutionRemoteWins,
		LoserData:      loser,
	}); err != nil {
		return 0, err
	}
	if err := e.store.HardDelete(ctx, item.EntityType, meta.LocalID); err != nil {
		return 0, err
	}
	e.conflictResolved(ctx, d, item.EntityType, meta.LocalID, models.ResolutionRemoteWins)
	return outcomeConflict, nil
}

func (e *Engine) resolveConflict(ctx context.Context, d *drainState, item *models.SyncQueueItem, ent models.Entity,
	current *models.RemoteRecord, resend func(context.Context) error) (outcome, error) {
	res, err := e.resolver.Resolve(&conflict.Conflict{Local: ent, Remote: current})
	if err != nil {
		return e.fail(ctx, d, item, err)
	}
	meta := ent.Meta()

	switch {
	case res.Resolution == conflict.ResolutionManual:
		if err := e.store.LogConflict(ctx, res.ConflictLog); err != nil {
			return 0, err
		}
		if err := e.store.SetSyncStatus(ctx, item.EntityType, meta.LocalID, models.SyncStatusConflict); err != nil {
			return 0, err
		}
		if err := e.queue.Drop(ctx, item); err != nil {
			return 0, err
		}
	case res.LocalWins:
		if err := e.store.LogConflict(ctx, res.ConflictLog); err != nil {
			return 0, err
		}
		e.conflictResolved(ctx, d, item.EntityType, meta.LocalID, res.Resolution)
		if err := resend(ctx); err != nil {
			return e.fail(ctx, d, item, err)
		}
		return e.ack(ctx, item, ent)
	default:
		if err := e.store.AcceptRemote(ctx, item.EntityType, meta.LocalID, res.Remote, current.UpdatedAt); err != nil {
			return 0, err
		}
	}
	e.conflictResolved(ctx, d, item.EntityType, meta.LocalID, res.Resolution)
	return outcomeConflict, nil
}

func (e *Engine) conflictResolved(ctx context.Context, d *drainState, t models.EntityType, localID, resolution string) {
	d.result.Conflicts++
	e.metrics.ConflictResolved(ctx, string(t), resolution)
	e.emit(SyncEvent{Type: EventConflictDetected, EntityType: t, LocalID: localID, Resolution: resolution})
}

// fail records a failed attempt. A rejected credential parks the item and
// suspends replay. An attempt cut short by cancellation is still counted
// before the drain stops.
func (e *Engine) fail(ctx context.Context, d *drainState, item *models.SyncQueueItem, cause error) (outcome, error) {
	if err := ctx.Err(); err != nil {
		if _, ferr := e.queue.Failed(context.WithoutCancel(ctx), item, cause); ferr != nil && !apperrors.Is(ferr, apperrors.ErrNotFound) {
			return 0, ferr
		}
		return 0, err
	}
	if errors.Is(cause, remote.ErrUnauthorized) {
		if err := e.queue.BlockAuth(ctx, item, cause); err != nil {
			return 0, err
		}
		e.suspended.Store(true)
		e.metrics.AuthSuspended(ctx)
		e.emit(SyncEvent{Type: EventAuthRequired, EntityType: item.EntityType, Error: cause.Error()})
		return outcomeAuth, nil
	}

	d.block(item.EntityType, item.EntityID)
	exhausted, err := e.queue.Failed(ctx, item, cause)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return outcomeDropped, nil
	}
	if err != nil {
		return 0, err
	}
	var se *remote.StatusError
	if exhausted || (errors.As(cause, &se) && !se.Retryable()) {
		err := e.store.SetSyncStatus(ctx, item.EntityType, item.EntityID, models.SyncStatusError)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return 0, err
		}
	}
	d.result.Errors = append(d.result.Errors,
		fmt.Sprintf("%s %s %s: %v", item.Action, item.EntityType, item.EntityID, cause))
	return outcomeFailed, nil
}
