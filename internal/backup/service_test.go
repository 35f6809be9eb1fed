package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/models"
	"github.com/kimhsiao/judgesync/internal/sync/store"
)

type memorySource struct {
	snap     *store.Snapshot
	imported *store.Snapshot
}

func (m *memorySource) ExportAll(ctx context.Context) (*store.Snapshot, error) {
	return m.snap, nil
}

func (m *memorySource) ImportAll(ctx context.Context, snap *store.Snapshot) (*store.ImportResult, error) {
	m.imported = snap
	return &store.ImportResult{Inserted: len(snap.Actions), ConflictsRestored: len(snap.Conflicts)}, nil
}

func testSnapshot() *store.Snapshot {
	return &store.Snapshot{
		Version:    store.SnapshotVersion,
		ExportedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		DeviceID:   "device-1",
		Actions: []*models.PendingAction{{
			ID:         "a1",
			Type:       models.ActionTypeScoreUpdate,
			Payload:    []byte(`{"competition_id":"c","participant_id":"p","judge_id":"j","criterion":"x","score":9}`),
			ResourceID: "score-p",
			DeviceID:   "device-1",
			Status:     models.ActionStatusPending,
			Priority:   models.PriorityHigh,
			CreatedAt:  1,
			UpdatedAt:  1,
		}},
		Conflicts: []*models.ConflictRecord{},
	}
}

func TestService_ExportImport(t *testing.T) {
	tests := []struct {
		name     string
		password string
	}{
		{"plain", ""},
		{"encrypted", "judge-panel-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			src := &memorySource{snap: testSnapshot()}
			path := filepath.Join(t.TempDir(), "out", "backup.tar.gz")

			out, err := NewService(src).Export(ctx, &ExportConfig{OutputPath: path, Password: tt.password})
			require.NoError(t, err)
			assert.Equal(t, path, out.FilePath)
			assert.Equal(t, 1, out.ActionCount)
			assert.Equal(t, tt.password != "", out.Encrypted)
			assert.NotEmpty(t, out.Checksum)

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.password != "", IsEncrypted(raw))

			dst := &memorySource{}
			in, err := NewService(dst).Import(ctx, &ImportConfig{ArchivePath: path, Password: tt.password})
			require.NoError(t, err)
			assert.Equal(t, 1, in.Inserted)
			assert.Equal(t, "device-1", in.Manifest.DeviceID)
			require.NotNil(t, dst.imported)
			require.Len(t, dst.imported.Actions, 1)
			assert.Equal(t, models.UUID("a1"), dst.imported.Actions[0].ID)
			assert.JSONEq(t, string(src.snap.Actions[0].Payload), string(dst.imported.Actions[0].Payload))
		})
	}
}

func TestService_ExportRejectsShortPassword(t *testing.T) {
	_, err := NewService(&memorySource{snap: testSnapshot()}).Export(context.Background(), &ExportConfig{
		OutputPath: filepath.Join(t.TempDir(), "b.tar.gz"),
		Password:   "short",
	})
	assert.True(t, errs.Is(err, errs.ErrValidation))
}

func TestService_ImportWrongPassword(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "b.tar.gz")
	_, err := NewService(&memorySource{snap: testSnapshot()}).Export(ctx, &ExportConfig{OutputPath: path, Password: "password-1"})
	require.NoError(t, err)

	dst := &memorySource{}
	_, err = NewService(dst).Import(ctx, &ImportConfig{ArchivePath: path, Password: "password-2"})
	assert.True(t, errs.Is(err, errs.ErrInvalidPassword))
	assert.Nil(t, dst.imported, "nothing is restored from an unreadable archive")

	_, err = NewService(dst).Import(ctx, &ImportConfig{ArchivePath: path})
	assert.True(t, errs.Is(err, errs.ErrInvalidPassword), "encrypted archive needs a password")
}

func TestService_ImportMissingFile(t *testing.T) {
	_, err := NewService(&memorySource{}).Import(context.Background(), &ImportConfig{
		ArchivePath: filepath.Join(t.TempDir(), "missing.tar.gz"),
	})
	assert.True(t, errs.Is(err, errs.ErrNotFound))
}

func TestDecode_corrupted(t *testing.T) {
	files := map[string][]byte{
		manifestName: []byte(`{"version":"1.0","checksum":"deadbeef"}`),
		dataName:     []byte(`{"actions":[]}`),
	}
	archive, err := pack(files, time.Now())
	require.NoError(t, err)

	_, _, err = Decode(archive, "")
	assert.True(t, errs.Is(err, errs.ErrCorruptedArchive), "checksum mismatch")

	_, _, err = Decode([]byte("not a gzip stream"), "")
	assert.True(t, errs.Is(err, errs.ErrCorruptedArchive))

	noData, err := pack(map[string][]byte{manifestName: []byte(`{}`)}, time.Now())
	require.NoError(t, err)
	_, _, err = Decode(noData, "")
	assert.True(t, errs.Is(err, errs.ErrCorruptedArchive))
}
