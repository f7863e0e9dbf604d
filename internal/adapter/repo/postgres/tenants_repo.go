package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// isUniqueViolation reports a Postgres 23505 anywhere in the chain.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// TenantRepo persists and loads tenants.
type TenantRepo struct{ Pool PgxPool }

// NewTenantRepo constructs a TenantRepo with the given pool.
func NewTenantRepo(p PgxPool) *TenantRepo { return &TenantRepo{Pool: p} }

const tenantCols = `id, name, slug, plan, plan_status, shop_limit, created_at`

// Create inserts a new tenant and returns its id.
func (r *TenantRepo) Create(ctx domain.Context, t domain.Tenant) (string, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO tenants (id, name, slug, plan, plan_status, shop_limit, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, t.Name, t.Slug, t.Plan, t.PlanStatus, t.ShopLimit, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=tenant.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=tenant.create: %w", err)
	}
	return id, nil
}

// Get loads a tenant by id.
func (r *TenantRepo) Get(ctx domain.Context, id string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id=$1`, id)
	return scanTenant(row, "tenant.get")
}

// GetBySlug loads a tenant by its unique slug.
func (r *TenantRepo) GetBySlug(ctx domain.Context, slug string) (domain.Tenant, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.GetBySlug")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE slug=$1`, slug)
	return scanTenant(row, "tenant.get_by_slug")
}

// ListActiveIDs returns ids of tenants whose plan admits a worker.
func (r *TenantRepo) ListActiveIDs(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.ListActiveIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id FROM tenants WHERE plan_status IN ('active','trialing') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.list_active: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=tenant.list_active: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tenant.list_active: %w", err)
	}
	return ids, nil
}

func scanTenant(row pgx.Row, op string) (domain.Tenant, error) {
	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Plan, &t.PlanStatus, &t.ShopLimit, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Tenant{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Tenant{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return t, nil
}
