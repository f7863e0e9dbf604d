package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/repo/postgres"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func channelScanFn(c domain.Channel) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = c.ID
		*(dest[1].(*string)) = c.TenantID
		*(dest[2].(*domain.ChannelKind)) = c.Kind
		*(dest[3].(*string)) = c.Name
		*(dest[4].(*string)) = c.ExternalInstanceID
		*(dest[5].(*[]byte)) = c.CredentialsEncrypted
		*(dest[6].(*string)) = c.WebhookSecret
		*(dest[7].(*bool)) = c.IsActive
		*(dest[8].(**time.Time)) = c.LastSyncAt
		*(dest[9].(*time.Time)) = c.CreatedAt
		return nil
	}
}

func TestChannelRepo_FindByInstance(t *testing.T) {
	t.Parallel()

	t.Run("resolves active channel", func(t *testing.T) {
		t.Parallel()
		want := domain.Channel{
			ID:                 "ch-1",
			TenantID:           "t-1",
			Kind:               domain.KindPOS,
			ExternalInstanceID: "register-77",
			WebhookSecret:      "whsec",
			IsActive:           true,
		}
		pool := &poolStub{row: rowStub{scan: channelScanFn(want)}}
		repo := postgres.NewChannelRepo(pool)

		got, err := repo.FindByInstance(context.Background(), domain.KindPOS, "register-77")
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.WebhookSecret, got.WebhookSecret)
	})

	t.Run("unknown instance maps to not found", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
		repo := postgres.NewChannelRepo(pool)

		_, err := repo.FindByInstance(context.Background(), domain.KindOnlineStore, "nope")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Contains(t, err.Error(), "op=channel.find_by_instance")
	})
}

func TestChannelRepo_SetActive(t *testing.T) {
	t.Parallel()

	t.Run("flips flag", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewChannelRepo(&poolStub{execTag: tag("UPDATE 1")})
		require.NoError(t, repo.SetActive(context.Background(), "ch-1", false))
	})

	t.Run("missing channel", func(t *testing.T) {
		t.Parallel()
		repo := postgres.NewChannelRepo(&poolStub{execTag: tag("UPDATE 0")})
		err := repo.SetActive(context.Background(), "ch-x", false)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestChannelRepo_ListByTenant(t *testing.T) {
	t.Parallel()

	rows := &rowsStub{scans: []func(dest ...any) error{
		channelScanFn(domain.Channel{ID: "ch-1", Kind: domain.KindPOS, IsActive: true}),
		channelScanFn(domain.Channel{ID: "ch-2", Kind: domain.KindOnlineStore, IsActive: true}),
	}}
	repo := postgres.NewChannelRepo(&poolStub{rows: rows})

	got, err := repo.ListByTenant(context.Background(), "t-1", true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.KindPOS, got[0].Kind)
}
