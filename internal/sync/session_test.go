package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/kimhsiao/judgesync/internal/errors"
)

func TestSyncSession_Lifecycle(t *testing.T) {
	s := newSession("s1", "device-1", time.Now())
	assert.Equal(t, SessionOpen, s.Status())

	require.NoError(t, s.Attach("a"))
	require.NoError(t, s.Attach("b"))
	require.NoError(t, s.BeginProcessing())
	assert.Equal(t, SessionProcessing, s.Status())

	assert.True(t, errs.Is(s.Attach("c"), errs.ErrSessionState), "no attach after processing starts")
	assert.True(t, errs.Is(s.BeginProcessing(), errs.ErrSessionState), "processed at most once")

	require.NoError(t, s.Close())
	assert.Equal(t, SessionCompleted, s.Status())
	assert.True(t, errs.Is(s.Close(), errs.ErrSessionState), "never reused")

	ids := s.ActionIDs()
	assert.Len(t, ids, 2)
	ids[0] = "mutated"
	assert.NotEqual(t, "mutated", string(s.ActionIDs()[0]))
}

func TestSyncSession_CloseWithoutProcessing(t *testing.T) {
	s := newSession("s1", "device-1", time.Now())
	require.NoError(t, s.Attach("a"))
	require.NoError(t, s.Close())
	assert.True(t, errs.Is(s.BeginProcessing(), errs.ErrSessionState))
}
