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

func TestMarkConflicted_StoresRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, scoreAction(t, "p1", 7))
	require.NoError(t, err)

	c := &models.ConflictRecord{
		ServerPayload:      json.RawMessage(`{"score":8}`),
		ServerVersion:      4,
		ServerTimestamp:    1234,
		ResolutionStrategy: models.ResolutionManual,
	}
	require.NoError(t, s.MarkConflicted(ctx, id, c))
	assert.NotEmpty(t, c.ID)

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusConflicted, a.Status)

	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.ActionID)
	assert.Equal(t, models.ConflictStatusPending, got.Status)
	assert.JSONEq(t, `{"score":8}`, string(got.ServerPayload))
	assert.JSONEq(t, string(a.Payload), string(got.ClientPayload))
	assert.Equal(t, "score-p1", got.ResourceID)

	pending, err := s.ListConflicts(ctx, models.ConflictStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	resolved, err := s.ListConflicts(ctx, models.ConflictStatusResolved)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestApplyResolution_UpdatesActionAndConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, scoreAction(t, "p1", 7))
	require.NoError(t, err)
	c := &models.ConflictRecord{ServerVersion: 4, ResolutionStrategy: models.ResolutionManual}
	require.NoError(t, s.MarkConflicted(ctx, id, c))

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	a.Status = models.ActionStatusPending
	a.BaseVersion = 4
	c.Status = models.ConflictStatusResolved
	c.Resolution = models.OutcomeMerged
	c.ResolvedPayload = a.Payload
	c.ResolvedAt = 99

	require.NoError(t, s.ApplyResolution(ctx, c, a))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, got.Status)
	assert.EqualValues(t, 4, got.BaseVersion)

	rec, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, rec.IsResolved())
	assert.Equal(t, models.OutcomeMerged, rec.Resolution)
}

func TestGetConflict_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetConflict(context.Background(), "nope")
	assert.True(t, errs.Is(err, errs.ErrNotFound))
}

func TestPrune_CascadesConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, scoreAction(t, "p1", 7))
	require.NoError(t, err)
	c := &models.ConflictRecord{ResolutionStrategy: models.ResolutionLastWriteWins}
	require.NoError(t, s.MarkConflicted(ctx, id, c))

	a, err := s.Get(ctx, id)
	require.NoError(t, err)
	a.Status = models.ActionStatusSynced
	c.Status = models.ConflictStatusResolved
	require.NoError(t, s.ApplyResolution(ctx, c, a))

	_, err = s.Prune(ctx, s.now(), models.ActionStatusSynced)
	require.NoError(t, err)

	all, err := s.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
