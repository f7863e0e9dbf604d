package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// MappingRepo persists product-to-channel identity links.
type MappingRepo struct{ Pool PgxPool }

// NewMappingRepo constructs a MappingRepo with the given pool.
func NewMappingRepo(p PgxPool) *MappingRepo { return &MappingRepo{Pool: p} }

const mappingCols = `id, product_id, channel_id, external_id, external_sku, created_at`

// Create links a product to its external identity on one channel.
func (r *MappingRepo) Create(ctx domain.Context, m domain.ProductChannelMapping) (string, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.Create")
	defer span.End()
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO product_channel_mappings (id, product_id, channel_id, external_id, external_sku, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, m.ProductID, m.ChannelID, m.ExternalID, m.ExternalSKU, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=mapping.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=mapping.create: %w", err)
	}
	return id, nil
}

// Delete removes a mapping by id.
func (r *MappingRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM product_channel_mappings WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=mapping.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=mapping.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByProduct returns all channel links for one product. Fan-out reads this.
func (r *MappingRepo) ListByProduct(ctx domain.Context, productID string) ([]domain.ProductChannelMapping, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.ListByProduct")
	defer span.End()
	q := `SELECT ` + mappingCols + ` FROM product_channel_mappings WHERE product_id=$1 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("op=mapping.list_by_product: %w", err)
	}
	return collectMappings(rows, "mapping.list_by_product")
}

// ListByChannel pages through one channel's links ordered by external id so
// reconciliation sweeps are stable across runs.
func (r *MappingRepo) ListByChannel(ctx domain.Context, channelID string, offset, limit int) ([]domain.ProductChannelMapping, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.ListByChannel")
	defer span.End()
	q := `SELECT ` + mappingCols + ` FROM product_channel_mappings WHERE channel_id=$1 ORDER BY external_id OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, channelID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=mapping.list_by_channel: %w", err)
	}
	return collectMappings(rows, "mapping.list_by_channel")
}

// FindByExternalID resolves the mapping a vendor event refers to.
func (r *MappingRepo) FindByExternalID(ctx domain.Context, channelID, externalID string) (domain.ProductChannelMapping, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.FindByExternalID")
	defer span.End()
	q := `SELECT ` + mappingCols + ` FROM product_channel_mappings WHERE channel_id=$1 AND external_id=$2`
	row := r.Pool.QueryRow(ctx, q, channelID, externalID)
	var m domain.ProductChannelMapping
	if err := scanMapping(row, &m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProductChannelMapping{}, fmt.Errorf("op=mapping.find_by_external_id: %w", domain.ErrNotFound)
		}
		return domain.ProductChannelMapping{}, fmt.Errorf("op=mapping.find_by_external_id: %w", err)
	}
	return m, nil
}

func collectMappings(rows pgx.Rows, op string) ([]domain.ProductChannelMapping, error) {
	defer rows.Close()
	var out []domain.ProductChannelMapping
	for rows.Next() {
		var m domain.ProductChannelMapping
		if err := scanMapping(rows, &m); err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return out, nil
}

func scanMapping(s interface{ Scan(dest ...any) error }, m *domain.ProductChannelMapping) error {
	return s.Scan(&m.ID, &m.ProductID, &m.ChannelID, &m.ExternalID, &m.ExternalSKU, &m.CreatedAt)
}
