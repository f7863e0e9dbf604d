package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// AlertRepo persists surfaced alerts.
type AlertRepo struct{ Pool PgxPool }

// NewAlertRepo constructs an AlertRepo with the given pool.
func NewAlertRepo(p PgxPool) *AlertRepo { return &AlertRepo{Pool: p} }

const alertCols = `id, tenant_id, kind, severity, message, metadata, is_read, created_at`

// Create writes one alert row.
func (r *AlertRepo) Create(ctx domain.Context, a domain.Alert) (string, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Create")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := metadataJSON(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=alert.create: %w", err)
	}
	q := `INSERT INTO alerts (id, tenant_id, kind, severity, message, metadata, is_read, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = r.Pool.Exec(ctx, q, id, a.TenantID, a.Kind, a.Severity, a.Message, meta, a.IsRead, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=alert.create: %w", err)
	}
	return id, nil
}

// Get loads an alert by id.
func (r *AlertRepo) Get(ctx domain.Context, id string) (domain.Alert, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=$1`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Alert{}, fmt.Errorf("op=alert.get: %w", domain.ErrNotFound)
		}
		return domain.Alert{}, fmt.Errorf("op=alert.get: %w", err)
	}
	return a, nil
}

// List pages through a tenant's alerts, newest first.
func (r *AlertRepo) List(ctx domain.Context, tenantID string, unreadOnly bool, offset, limit int) ([]domain.Alert, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.List")
	defer span.End()
	q := `SELECT ` + alertCols + ` FROM alerts WHERE tenant_id=$1`
	if unreadOnly {
		q += ` AND NOT is_read`
	}
	q += ` ORDER BY created_at DESC OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, tenantID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=alert.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("op=alert.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=alert.list: %w", err)
	}
	return out, nil
}

// MarkRead flags one alert as acknowledged.
func (r *AlertRepo) MarkRead(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.MarkRead")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE alerts SET is_read=TRUE WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=alert.mark_read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=alert.mark_read: %w", domain.ErrNotFound)
	}
	return nil
}

// PurgeRead deletes acknowledged alerts past retention.
func (r *AlertRepo) PurgeRead(ctx domain.Context, olderThan time.Time) (int64, error) {
	return r.purge(ctx, true, olderThan)
}

// PurgeUnread deletes never-acknowledged alerts past the longer retention.
func (r *AlertRepo) PurgeUnread(ctx domain.Context, olderThan time.Time) (int64, error) {
	return r.purge(ctx, false, olderThan)
}

func (r *AlertRepo) purge(ctx domain.Context, read bool, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Purge")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM alerts WHERE is_read=$1 AND created_at < $2`, read, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=alert.purge: %w", err)
	}
	n := tag.RowsAffected()
	span.SetAttributes(attribute.Int64("rows", n))
	return n, nil
}

func scanAlert(s interface{ Scan(dest ...any) error }) (domain.Alert, error) {
	var (
		a    domain.Alert
		meta []byte
	)
	err := s.Scan(&a.ID, &a.TenantID, &a.Kind, &a.Severity, &a.Message, &meta, &a.IsRead, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return a, fmt.Errorf("metadata decode: %w", err)
		}
	}
	return a, nil
}
