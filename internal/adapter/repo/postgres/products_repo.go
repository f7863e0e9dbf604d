package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// ProductRepo persists the tenant catalog.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

const productCols = `id, tenant_id, sku, barcode, name, current_stock, buffer_stock, metadata, created_at, updated_at`

// Create inserts a new product and returns its id.
func (r *ProductRepo) Create(ctx domain.Context, p domain.Product) (string, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Create")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := metadataJSON(p.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=product.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO products (id, tenant_id, sku, barcode, name, current_stock, buffer_stock, metadata, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`
	_, err = r.Pool.Exec(ctx, q, id, p.TenantID, p.SKU, p.Barcode, p.Name, p.CurrentStock, p.BufferStock, meta, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=product.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=product.create: %w", err)
	}
	return id, nil
}

// Upsert inserts the product or refreshes its descriptive fields when the
// (tenant_id, sku) pair already exists. Stock counters are left alone on
// conflict so imports never clobber live quantities.
func (r *ProductRepo) Upsert(ctx domain.Context, p domain.Product) (string, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Upsert")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := metadataJSON(p.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=product.upsert: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO products (id, tenant_id, sku, barcode, name, current_stock, buffer_stock, metadata, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	      ON CONFLICT (tenant_id, sku) DO UPDATE
	      SET barcode=EXCLUDED.barcode, name=EXCLUDED.name, buffer_stock=EXCLUDED.buffer_stock, metadata=EXCLUDED.metadata, updated_at=EXCLUDED.updated_at
	      RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, p.TenantID, p.SKU, p.Barcode, p.Name, p.CurrentStock, p.BufferStock, meta, now)
	var got string
	if err := row.Scan(&got); err != nil {
		return "", fmt.Errorf("op=product.upsert: %w", err)
	}
	return got, nil
}

// Get loads a product by id.
func (r *ProductRepo) Get(ctx domain.Context, id string) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id)
	return scanProduct(row, "product.get")
}

// GetBySKU loads a product by its tenant-scoped SKU.
func (r *ProductRepo) GetBySKU(ctx domain.Context, tenantID, sku string) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.GetBySKU")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE tenant_id=$1 AND sku=$2`, tenantID, sku)
	return scanProduct(row, "product.get_by_sku")
}

// List pages through a tenant's products ordered by SKU.
func (r *ProductRepo) List(ctx domain.Context, tenantID string, offset, limit int) ([]domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.List")
	defer span.End()
	q := `SELECT ` + productCols + ` FROM products WHERE tenant_id=$1 ORDER BY sku OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, tenantID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=product.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		p, err := scanProductRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=product.list: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=product.list: %w", err)
	}
	return out, nil
}

// SetStockLocked applies a stock mutation under a row lock so concurrent
// writers for the same product serialize. Negative targets clamp to zero and
// the mutation is flagged so callers can raise an integrity alert.
func (r *ProductRepo) SetStockLocked(ctx domain.Context, id string, newStock int64) (domain.StockMutation, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.SetStockLocked")
	defer span.End()

	var mut domain.StockMutation
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mut, fmt.Errorf("op=product.set_stock: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, id)
	prev, err := scanProductRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mut, fmt.Errorf("op=product.set_stock: %w", domain.ErrNotFound)
		}
		return mut, fmt.Errorf("op=product.set_stock: %w", err)
	}

	applied := newStock
	clamped := false
	if applied < 0 {
		applied = 0
		clamped = true
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE products SET current_stock=$2, updated_at=$3 WHERE id=$1`, id, applied, now); err != nil {
		return mut, fmt.Errorf("op=product.set_stock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mut, fmt.Errorf("op=product.set_stock: commit: %w", err)
	}

	updated := prev
	updated.CurrentStock = applied
	updated.UpdatedAt = now
	return domain.StockMutation{Previous: prev, Updated: updated, Clamped: clamped}, nil
}

func metadataJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

type productScanner interface{ Scan(dest ...any) error }

func scanProduct(row pgx.Row, op string) (domain.Product, error) {
	p, err := scanProductRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return p, nil
}

func scanProductRow(s productScanner) (domain.Product, error) {
	var (
		p    domain.Product
		meta []byte
	)
	err := s.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Barcode, &p.Name, &p.CurrentStock, &p.BufferStock, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return p, fmt.Errorf("metadata decode: %w", err)
		}
	}
	return p, nil
}
