package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// SyncEventRepo is the append-mostly audit log of sync attempts.
type SyncEventRepo struct{ Pool PgxPool }

// NewSyncEventRepo constructs a SyncEventRepo with the given pool.
func NewSyncEventRepo(p PgxPool) *SyncEventRepo { return &SyncEventRepo{Pool: p} }

const syncEventCols = `id, tenant_id, event_type, channel_id, product_id, old_value, new_value, status, error_message, created_at`

// Create appends one audit row. A partial unique index over in-flight rows
// rejects a second pending/processing event for the same
// (product, channel, event_type) tuple; that surfaces as ErrConflict.
func (r *SyncEventRepo) Create(ctx domain.Context, e domain.SyncEvent) (string, error) {
	tracer := otel.Tracer("repo.sync_events")
	ctx, span := tracer.Start(ctx, "sync_events.Create")
	defer span.End()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := e.Status
	if status == "" {
		status = domain.SyncPending
	}
	q := `INSERT INTO sync_events (id, tenant_id, event_type, channel_id, product_id, old_value, new_value, status, error_message, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, e.TenantID, e.EventType, e.ChannelID, e.ProductID, e.OldValue, e.NewValue, status, e.ErrorMessage, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=syncevent.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=syncevent.create: %w", err)
	}
	return id, nil
}

// UpdateStatus moves an audit row through its lifecycle. errMsg is recorded
// only when non-nil.
func (r *SyncEventRepo) UpdateStatus(ctx domain.Context, id string, status domain.SyncEventStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.sync_events")
	ctx, span := tracer.Start(ctx, "sync_events.UpdateStatus")
	defer span.End()
	q := `UPDATE sync_events SET status=$2, error_message=COALESCE($3, error_message) WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("op=syncevent.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=syncevent.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// List pages through a tenant's audit rows, newest first. An empty status
// matches everything.
func (r *SyncEventRepo) List(ctx domain.Context, tenantID string, offset, limit int, status domain.SyncEventStatus) ([]domain.SyncEvent, error) {
	tracer := otel.Tracer("repo.sync_events")
	ctx, span := tracer.Start(ctx, "sync_events.List")
	defer span.End()
	q := `SELECT ` + syncEventCols + ` FROM sync_events WHERE tenant_id=$1 AND ($4 = '' OR status=$4) ORDER BY created_at DESC OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, tenantID, offset, limit, string(status))
	if err != nil {
		return nil, fmt.Errorf("op=syncevent.list: %w", err)
	}
	defer rows.Close()
	var out []domain.SyncEvent
	for rows.Next() {
		var e domain.SyncEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &e.ChannelID, &e.ProductID, &e.OldValue, &e.NewValue, &e.Status, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=syncevent.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=syncevent.list: %w", err)
	}
	return out, nil
}

// MarkStaleFailed fails rows stuck in processing since before cutoff. Workers
// that die mid-job leave these behind; the sweeper calls this so retries and
// conflict checks see the truth.
func (r *SyncEventRepo) MarkStaleFailed(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.sync_events")
	ctx, span := tracer.Start(ctx, "sync_events.MarkStaleFailed")
	defer span.End()
	q := `UPDATE sync_events SET status=$1, error_message='stale: worker lost' WHERE status=$2 AND created_at < $3`
	tag, err := r.Pool.Exec(ctx, q, domain.SyncFailed, domain.SyncProcessing, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=syncevent.mark_stale_failed: %w", err)
	}
	n := tag.RowsAffected()
	span.SetAttributes(attribute.Int64("rows", n))
	return n, nil
}

// PurgeCompleted deletes completed audit rows past retention.
func (r *SyncEventRepo) PurgeCompleted(ctx domain.Context, olderThan time.Time) (int64, error) {
	return r.purge(ctx, domain.SyncCompleted, olderThan)
}

// PurgeFailed deletes failed audit rows past retention.
func (r *SyncEventRepo) PurgeFailed(ctx domain.Context, olderThan time.Time) (int64, error) {
	return r.purge(ctx, domain.SyncFailed, olderThan)
}

func (r *SyncEventRepo) purge(ctx domain.Context, status domain.SyncEventStatus, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.sync_events")
	ctx, span := tracer.Start(ctx, "sync_events.Purge")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM sync_events WHERE status=$1 AND created_at < $2`, status, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=syncevent.purge: %w", err)
	}
	n := tag.RowsAffected()
	span.SetAttributes(attribute.Int64("rows", n))
	return n, nil
}
