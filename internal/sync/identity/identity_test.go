package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/judgesync/internal/db"
	errs "github.com/kimhsiao/judgesync/internal/errors"
	"github.com/kimhsiao/judgesync/internal/uuid"
)

func TestGetOrCreate_StableAcrossProviders(t *testing.T) {
	dir := t.TempDir()
	database, err := db.Open(dir)
	require.NoError(t, err)

	id, err := NewProvider(database.DB).GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.True(t, uuid.IsValid(id))

	again, err := NewProvider(database.DB).GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)
	require.NoError(t, database.Close())

	reopened, err := db.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	afterRestart, err := NewProvider(reopened.DB).GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, afterRestart)
}

func TestGetOrCreate_ConcurrentFirstCalls(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	providers := []*Provider{NewProvider(database.DB), NewProvider(database.DB)}
	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := providers[i%2].GetOrCreate(context.Background())
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestIdentity_CachedAfterFirstSuccess(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("INSERT INTO device_identity").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT id, created_at FROM device_identity").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("dev-1", int64(42)))

	p := NewProvider(mockDB)
	first, err := p.Identity(context.Background())
	require.NoError(t, err)
	second, err := p.Identity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "dev-1", first.ID)
	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreate_StorageFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("INSERT INTO device_identity").WillReturnError(errors.New("disk full"))

	_, err = NewProvider(mockDB).GetOrCreate(context.Background())
	assert.True(t, errs.Is(err, errs.ErrStorage))
}
