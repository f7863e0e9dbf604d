package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/repo/postgres"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func TestSyncEventRepo_Create(t *testing.T) {
	t.Parallel()

	t.Run("writes pending row", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewSyncEventRepo(&poolStub{execTag: tag("INSERT 0 1")})
		id, err := repo.Create(context.Background(), domain.SyncEvent{
			TenantID:  "t-1",
			EventType: "stock.change",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("in-flight duplicate maps to conflict", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewSyncEventRepo(&poolStub{execErr: &pgconn.PgError{Code: "23505"}})
		_, err := repo.Create(context.Background(), domain.SyncEvent{TenantID: "t-1", EventType: "stock.change"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Contains(t, err.Error(), "op=syncevent.create")
	})

	t.Run("other db error passes through", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewSyncEventRepo(&poolStub{execErr: assert.AnError})
		_, err := repo.Create(context.Background(), domain.SyncEvent{TenantID: "t-1", EventType: "stock.change"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrConflict)
	})
}

func TestSyncEventRepo_UpdateStatus(t *testing.T) {
	t.Parallel()

	t.Run("moves lifecycle", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewSyncEventRepo(&poolStub{execTag: tag("UPDATE 1")})
		msg := "provider unreachable"
		require.NoError(t, repo.UpdateStatus(context.Background(), "ev-1", domain.SyncFailed, &msg))
	})

	t.Run("missing row", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewSyncEventRepo(&poolStub{execTag: tag("UPDATE 0")})
		err := repo.UpdateStatus(context.Background(), "ev-x", domain.SyncCompleted, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSyncEventRepo_MarkStaleFailed(t *testing.T) {
	t.Parallel()
	repo := postgres.NewSyncEventRepo(&poolStub{execTag: tag("UPDATE 3")})
	n, err := repo.MarkStaleFailed(context.Background(), time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSyncEventRepo_Purge(t *testing.T) {
	t.Parallel()
	repo := postgres.NewSyncEventRepo(&poolStub{execTag: tag("DELETE 5")})

	n, err := repo.PurgeCompleted(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = repo.PurgeFailed(context.Background(), time.Now().Add(-168*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
