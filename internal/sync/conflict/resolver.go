// Package conflict provides conflict resolution for entities edited both
// locally and remotely. The default strategy is last write wins on
// updated_at.
package conflict

import (
	"time"

	"github.com/kimhsiao/agentx/backend/internal/logging"
	"github.com/kimhsiao/agentx/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// ResolutionManual marks a conflict kept for user review.
const ResolutionManual = "manual_review_required"

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = ResolutionStrategyLastWriteWins
	}
	return &Resolver{strategy: strategy, now: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a local entity and the server's version of it.
type Conflict struct {
	Local  models.Entity
	Remote *models.RemoteRecord
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Resolution string
	LocalWins  bool
	Strategy   ResolutionStrategy
	// Remote is the decoded server version.
	Remote      models.Payload
	ConflictLog *models.ConflictLog
}

// RemoteWins reports whether a remote version stamped remote replaces a
// local version stamped local. Ties go to the local side.
func (r *Resolver) RemoteWins(local, remote int64) bool {
	if r.strategy == ResolutionStrategyManual {
		return false
	}
	return remote > local
}

// Resolve resolves a conflict using the configured strategy.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	meta := c.Local.Meta()
	if meta.HasServerID() && c.Remote.ID != "" && *meta.ServerID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}
	remote, err := c.Remote.Decode(c.Local.EntityType())
	if err != nil {
		return nil, err
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"entity_type":      string(c.Local.EntityType()),
		"local_id":         meta.LocalID,
		"local_timestamp":  meta.UpdatedAt,
		"remote_timestamp": c.Remote.UpdatedAt,
		"strategy":         string(r.strategy),
	})

	result := &ResolveResult{Strategy: r.strategy, Remote: remote}
	switch {
	case r.strategy == ResolutionStrategyManual:
		result.Resolution = ResolutionManual
		result.LocalWins = true
	case r.RemoteWins(meta.UpdatedAt, c.Remote.UpdatedAt):
		result.Resolution = models.ResolutionRemoteWins
	default:
		result.Resolution = models.ResolutionLocalWins
		result.LocalWins = true
	}

	result.ConflictLog = &models.ConflictLog{
		EntityType:      c.Local.EntityType(),
		LocalID:         meta.LocalID,
		LocalTimestamp:  meta.UpdatedAt,
		RemoteTimestamp: c.Remote.UpdatedAt,
		Resolution:      result.Resolution,
		DetectedAt:      r.now().UnixMilli(),
	}
	if result.LocalWins {
		result.ConflictLog.LoserData = c.Remote.Fields
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity_type":      string(c.Local.EntityType()),
		"local_id":         meta.LocalID,
		"resolution":       result.Resolution,
		"local_timestamp":  meta.UpdatedAt,
		"remote_timestamp": c.Remote.UpdatedAt,
	})
	return result, nil
}

// DetectConflict reports whether the remote version diverges from the local
// one. Versions carrying the same clock are the same write.
func (r *Resolver) DetectConflict(local models.Entity, remote *models.RemoteRecord) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	meta := local.Meta()
	if meta.HasServerID() && *meta.ServerID != remote.ID {
		return nil, false
	}
	if meta.UpdatedAt == remote.UpdatedAt {
		return nil, false
	}
	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"entity_type":      string(local.EntityType()),
		"local_id":         meta.LocalID,
		"server_id":        remote.ID,
		"local_timestamp":  meta.UpdatedAt,
		"remote_timestamp": remote.UpdatedAt,
	})
	return &Conflict{Local: local, Remote: remote}, true
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both versions must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "server ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
