package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/repo/postgres"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func productScanFn(p domain.Product) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = p.ID
		*(dest[1].(*string)) = p.TenantID
		*(dest[2].(*string)) = p.SKU
		*(dest[3].(*string)) = p.Barcode
		*(dest[4].(*string)) = p.Name
		*(dest[5].(*int64)) = p.CurrentStock
		*(dest[6].(*int64)) = p.BufferStock
		*(dest[7].(*[]byte)) = []byte(`{}`)
		*(dest[8].(*time.Time)) = p.CreatedAt
		*(dest[9].(*time.Time)) = p.UpdatedAt
		return nil
	}
}

func TestProductRepo_SetStockLocked(t *testing.T) {
	t.Parallel()

	base := domain.Product{
		ID:           "p-1",
		TenantID:     "t-1",
		SKU:          "SKU-1",
		Name:         "Beans 400g",
		CurrentStock: 12,
		BufferStock:  2,
	}

	tests := []struct {
		name        string
		newStock    int64
		tx          *txStub
		wantApplied int64
		wantClamped bool
		wantErr     error
	}{
		{
			name:        "plain write",
			newStock:    7,
			tx:          &txStub{row: rowStub{scan: productScanFn(base)}, execTag: tag("UPDATE 1")},
			wantApplied: 7,
		},
		{
			name:        "negative clamps to zero",
			newStock:    -5,
			tx:          &txStub{row: rowStub{scan: productScanFn(base)}, execTag: tag("UPDATE 1")},
			wantApplied: 0,
			wantClamped: true,
		},
		{
			name:     "missing row",
			newStock: 3,
			tx:       &txStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}},
			wantErr:  domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := &poolStub{tx: tt.tx}
			repo := postgres.NewProductRepo(pool)

			mut, err := repo.SetStockLocked(context.Background(), base.ID, tt.newStock)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, tt.tx.rolledBack)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.tx.committed)
			assert.Equal(t, base.CurrentStock, mut.Previous.CurrentStock)
			assert.Equal(t, tt.wantApplied, mut.Updated.CurrentStock)
			assert.Equal(t, tt.wantClamped, mut.Clamped)
		})
	}
}

func TestProductRepo_SetStockLocked_CommitError(t *testing.T) {
	t.Parallel()
	tx := &txStub{
		row:       rowStub{scan: productScanFn(domain.Product{ID: "p-1", CurrentStock: 4})},
		execTag:   tag("UPDATE 1"),
		commitErr: assert.AnError,
	}
	repo := postgres.NewProductRepo(&poolStub{tx: tx})

	_, err := repo.SetStockLocked(context.Background(), "p-1", 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=product.set_stock")
}

func TestProductRepo_Get(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
		repo := postgres.NewProductRepo(pool)
		_, err := repo.Get(context.Background(), "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		want := domain.Product{ID: "p-9", TenantID: "t-1", SKU: "SKU-9", CurrentStock: 3, BufferStock: 1}
		pool := &poolStub{row: rowStub{scan: productScanFn(want)}}
		repo := postgres.NewProductRepo(pool)
		got, err := repo.Get(context.Background(), "p-9")
		require.NoError(t, err)
		assert.Equal(t, want.SKU, got.SKU)
		assert.Equal(t, int64(3), got.CurrentStock)
	})
}

func TestProductRepo_List(t *testing.T) {
	t.Parallel()

	rows := &rowsStub{scans: []func(dest ...any) error{
		productScanFn(domain.Product{ID: "p-1", SKU: "A"}),
		productScanFn(domain.Product{ID: "p-2", SKU: "B"}),
	}}
	repo := postgres.NewProductRepo(&poolStub{rows: rows})

	got, err := repo.List(context.Background(), "t-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].SKU)
	assert.Equal(t, "B", got[1].SKU)
}

func TestProductRepo_List_QueryError(t *testing.T) {
	t.Parallel()
	repo := postgres.NewProductRepo(&poolStub{queryErr: errors.New("boom")})
	_, err := repo.List(context.Background(), "t-1", 0, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=product.list")
}
