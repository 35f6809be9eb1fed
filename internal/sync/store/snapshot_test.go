package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
)

func TestExportImport_RoundTripIntoFreshStore(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	pendingID, err := src.Enqueue(ctx, scoreAction(t, "p1", 1))
	require.NoError(t, err)
	syncingID, err := src.Enqueue(ctx, scoreAction(t, "p2", 2))
	require.NoError(t, err)
	_, err = src.MarkSyncing(ctx, []models.UUID{syncingID})
	require.NoError(t, err)
	conflictedID, err := src.Enqueue(ctx, scoreAction(t, "p3", 3))
	require.NoError(t, err)
	require.NoError(t, src.MarkConflicted(ctx, conflictedID, &models.ConflictRecord{
		ResolutionStrategy: models.ResolutionManual,
	}))

	snap, err := src.ExportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Len(t, snap.Actions, 3)
	assert.Len(t, snap.Conflicts, 1)

	dst := newTestStore(t)
	res, err := dst.ImportAll(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.ConflictsRestored)

	got, err := dst.Get(ctx, syncingID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, got.Status, "mid-drain actions come back pending")

	got, err = dst.Get(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, got.Status)

	conflicts, err := dst.ListConflicts(ctx, models.ConflictStatusPending)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflictedID, conflicts[0].ActionID)
}

func TestImportAll_NeverDowngradesSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, scoreAction(t, "p1", 1))
	require.NoError(t, err)
	snap, err := s.ExportAll(ctx)
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, id, nil))

	res, err := s.ImportAll(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusSynced, got.Status)
}

func TestImportAll_RejectsBadSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ImportAll(ctx, nil)
	assert.True(t, errs.Is(err, errs.ErrValidation))

	_, err = s.ImportAll(ctx, &Snapshot{Version: 99})
	assert.True(t, errs.Is(err, errs.ErrValidation))

	_, err = s.ImportAll(ctx, &Snapshot{Version: SnapshotVersion, Actions: []*models.PendingAction{{ID: "x"}}})
	assert.True(t, errs.Is(err, errs.ErrValidation))
}

func TestImportAll_RejectsInvalidPayloadAndRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, scoreAction(t, "p1", 1))
	require.NoError(t, err)
	snap, err := s.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Actions, 1)

	fresh := newTestStore(t)

	snap.Actions[0].Payload = json.RawMessage(`{"score":-1}`)
	_, err = fresh.ImportAll(ctx, snap)
	assert.True(t, errs.Is(err, errs.ErrValidation))

	good, err := s.ExportAll(ctx)
	require.NoError(t, err)
	good.Actions[0].RetryCount = -2
	_, err = fresh.ImportAll(ctx, good)
	assert.True(t, errs.Is(err, errs.ErrValidation))

	counts, err := fresh.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[models.ActionStatusPending], "a rejected snapshot writes nothing")
}
