// Package sync coordinates draining the local action queue to the server.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/store"
)

// ActionSource is the part of the action store a drain pulls from and
// writes outcomes back to. The store never calls back into the engine.
type ActionSource interface {
	Enqueue(ctx context.Context, action *models.PendingAction) (models.UUID, error)
	ListForDrain(ctx context.Context, limit int) ([]*models.PendingAction, error)
	MarkSyncing(ctx context.Context, ids []models.UUID) (int, error)
	ResetToPending(ctx context.Context, ids []models.UUID) (int, error)
	MarkSynced(ctx context.Context, id models.UUID, payload json.RawMessage) error
	MarkRetried(ctx context.Context, id models.UUID, retryCount int, reason string) error
	MarkFailed(ctx context.Context, id models.UUID, reason string) error
	CountByStatus(ctx context.Context) (map[models.ActionStatus]int, error)
}

// Store is everything the engine exposes on top of draining: conflict
// bookkeeping, inspection, maintenance and backup.
type Store interface {
	ActionSource
	Get(ctx context.Context, id models.UUID) (*models.PendingAction, error)
	ListByStatus(ctx context.Context, status models.ActionStatus, afterID models.UUID, limit int) ([]*models.PendingAction, error)
	GetConflict(ctx context.Context, id models.UUID) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error)
	MarkConflicted(ctx context.Context, id models.UUID, conflict *models.ConflictRecord) error
	ApplyResolution(ctx context.Context, conflict *models.ConflictRecord, action *models.PendingAction) error
	RequeueFailed(ctx context.Context, id models.UUID) error
	Prune(ctx context.Context, olderThan time.Time, status models.ActionStatus) (int64, error)
	ExportAll(ctx context.Context) (*store.Snapshot, error)
	ImportAll(ctx context.Context, snap *store.Snapshot) (*store.ImportResult, error)
}

// IdentitySource yields the device id actions are attributed to.
type IdentitySource interface {
	GetOrCreate(ctx context.Context) (string, error)
}

// Syncer is the engine surface used by the scheduler and the CLI.
type Syncer interface {
	// ForceSyncNow runs one drain. It is a no-op when offline or when
	// another drain is already running.
	ForceSyncNow(ctx context.Context) (*DrainResult, error)

	// FlushHeldBack re-persists actions whose first write failed. It does
	// not need connectivity.
	FlushHeldBack(ctx context.Context) error

	// Prune deletes synced actions older than olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Stats returns queue counters and connectivity.
	Stats(ctx context.Context) (*Stats, error)
}

var (
	_ Store  = (*store.Store)(nil)
	_ Syncer = (*Engine)(nil)
)
