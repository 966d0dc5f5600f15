// Package repository provides the offline-first CRUD façade over the Local
// Store. Every mutation is written locally together with its queue item
// before the call returns; replay against the remote happens later.
package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/db"
	apperrors "github.com/kimhsiao/agentx/backend/internal/errors"
	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
	syncpkg "github.com/kimhsiao/agentx/backend/internal/sync"
	"github.com/kimhsiao/agentx/backend/internal/uuid"
)

// Kicker starts an asynchronous drain. It must not block.
type Kicker interface {
	Kick(trigger syncpkg.Trigger) bool
}

// Connectivity reports whether the remote service is reachable.
type Connectivity interface {
	Online() bool
}

// Puller lists the remote copy of a family.
type Puller interface {
	List(ctx context.Context, t models.EntityType) ([]models.RemoteRecord, error)
}

// Options wires a repository to the sync machinery. Every field is
// optional; a repository without them is purely local.
type Options struct {
	Kicker       Kicker
	Connectivity Connectivity
	Remote       Puller
	// Policy decides pull conflicts; nil keeps last-writer-wins.
	Policy db.ConflictPolicy
	Now    func() time.Time
}

type lastWriterWins struct{}

func (lastWriterWins) RemoteWins(local, remote int64) bool { return remote > local }

// Repository is the CRUD façade for one entity family.
type Repository[T models.Entity] struct {
	store  db.EntityStore
	family models.EntityType
	opts   Options
	less   func(a, b T) bool
}

func newRepository[T models.Entity](store db.EntityStore, family models.EntityType, opts Options, less func(a, b T) bool) *Repository[T] {
	if opts.Policy == nil {
		opts.Policy = lastWriterWins{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Repository[T]{store: store, family: family, opts: opts, less: less}
}

// Family returns the entity family the repository manages.
func (r *Repository[T]) Family() models.EntityType {
	return r.family
}

func (r *Repository[T]) online() bool {
	return r.opts.Connectivity == nil || r.opts.Connectivity.Online()
}

// kick asks for an opportunistic drain. Replay failures stay in the queue.
func (r *Repository[T]) kick() {
	if r.opts.Kicker != nil {
		r.opts.Kicker.Kick(syncpkg.TriggerMutation)
	}
}

func (r *Repository[T]) cast(e models.Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, apperrors.Newf(apperrors.ErrInternal, "unexpected %T in %s", e, r.family)
	}
	return v, nil
}

// Create validates e, assigns a local identifier and queues the create.
func (r *Repository[T]) Create(ctx context.Context, e T) (T, error) {
	meta := e.Meta()
	meta.LocalID = uuid.NewLocalID()
	meta.ServerID = nil
	meta.IsDeleted = false
	meta.SyncStatus = models.SyncStatusPending
	meta.CreatedAt, meta.UpdatedAt = 0, 0
	meta.ConflictData = nil
	meta.Touch(r.opts.Now())
	e.Normalize()
	if err := e.Validate(); err != nil {
		return e, err
	}

	if _, err := r.store.PutAndEnqueue(ctx, e, models.ActionCreate); err != nil {
		return e, err
	}
	logging.Debug("Entity created", map[string]interface{}{
		"entity_type": string(r.family),
		"local_id":    meta.LocalID,
	})
	r.kick()
	return e, nil
}

// Get returns an entity by local or server identifier. Soft-deleted
// entities stay readable until their delete is acknowledged.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, error) {
	e, err := r.store.Get(ctx, r.family, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.cast(e)
}

// active loads an entity that has not been deleted.
func (r *Repository[T]) active(ctx context.Context, id string) (T, error) {
	e, err := r.Get(ctx, id)
	if err != nil {
		return e, err
	}
	if e.Meta().IsDeleted {
		var zero T
		return zero, apperrors.Newf(apperrors.ErrNotFound, "%s %s was deleted", r.family, id)
	}
	return e, nil
}

// Update stores the new field values of e and queues a full snapshot.
// The sync metadata is taken from the stored row.
func (r *Repository[T]) Update(ctx context.Context, e T) (T, error) {
	current, err := r.active(ctx, e.Meta().LocalID)
	if err != nil {
		return e, err
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return e, err
	}

	meta, stored := e.Meta(), current.Meta()
	meta.LocalID = stored.LocalID
	meta.ServerID = stored.ServerID
	meta.CreatedAt = stored.CreatedAt
	meta.UpdatedAt = stored.UpdatedAt
	meta.IsDeleted = false
	meta.ConflictData = nil
	meta.SyncStatus = models.SyncStatusPending
	meta.Touch(r.opts.Now())

	if _, err := r.store.PutAndEnqueue(ctx, e, models.ActionUpdate); err != nil {
		return e, err
	}
	r.kick()
	return e, nil
}

// Delete removes an entity. One the remote never saw is purged together
// with its queued operations; otherwise it is tombstoned and the delete
// queued.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	e, err := r.active(ctx, id)
	if err != nil {
		return err
	}
	meta := e.Meta()

	if !meta.HasServerID() {
		err := r.store.DeleteLocal(ctx, r.family, meta.LocalID)
		if err == nil {
			logging.Debug("Purged unsynced entity", map[string]interface{}{
				"entity_type": string(r.family),
				"local_id":    meta.LocalID,
			})
			return nil
		}
		// The create was acknowledged after the read; tombstone instead.
		if !errors.Is(err, db.ErrKnownRemotely) {
			return err
		}
	}

	meta.IsDeleted = true
	meta.SyncStatus = models.SyncStatusPending
	meta.Touch(r.opts.Now())
	if _, err := r.store.PutAndEnqueue(ctx, e, models.ActionDelete); err != nil {
		return err
	}
	r.kick()
	return nil
}

// List returns the active entities. With forceRefresh and a reachable
// remote it first merges the remote listing; pull failures are logged and
// the local state is returned.
func (r *Repository[T]) List(ctx context.Context, forceRefresh bool) ([]T, error) {
	if forceRefresh && r.opts.Remote != nil && r.online() {
		if _, err := r.Refresh(ctx); err != nil {
			if apperrors.Is(err, apperrors.ErrDatabase) {
				return nil, err
			}
			logging.Warn("Pull failed, serving local data", map[string]interface{}{
				"entity_type": string(r.family),
				"error":       err.Error(),
			})
		}
	}

	rows, err := r.store.ListActive(ctx, r.family)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := r.cast(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if r.less != nil {
		sort.SliceStable(out, func(i, j int) bool { return r.less(out[i], out[j]) })
	}
	return out, nil
}

// Refresh pulls the remote listing and merges it into the Local Store.
func (r *Repository[T]) Refresh(ctx context.Context) (*db.MergeResult, error) {
	if r.opts.Remote == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote configured")
	}
	records, err := r.opts.Remote.List(ctx, r.family)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "pull "+string(r.family), err)
	}
	res, err := r.store.MergeRemote(ctx, r.family, records, r.opts.Policy)
	if err != nil {
		return nil, err
	}
	logging.Info("Merged remote listing", map[string]interface{}{
		"entity_type": string(r.family),
		"inserted":    res.Inserted,
		"updated":     res.Updated,
		"deleted":     res.Deleted,
		"conflicts":   res.Conflicts,
	})
	return res, nil
}
