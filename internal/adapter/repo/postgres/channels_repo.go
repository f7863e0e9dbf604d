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

// ChannelRepo persists and loads channels.
type ChannelRepo struct{ Pool PgxPool }

// NewChannelRepo constructs a ChannelRepo with the given pool.
func NewChannelRepo(p PgxPool) *ChannelRepo { return &ChannelRepo{Pool: p} }

const channelCols = `id, tenant_id, kind, name, external_instance_id, credentials_encrypted, webhook_secret, is_active, last_sync_at, created_at`

// Create inserts a new channel and returns its id.
func (r *ChannelRepo) Create(ctx domain.Context, c domain.Channel) (string, error) {
	tracer := otel.Tracer("repo.channels")
	ctx, span := tracer.Start(ctx, "channels.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO channels (id, tenant_id, kind, name, external_instance_id, credentials_encrypted, webhook_secret, is_active, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, c.TenantID, c.Kind, c.Name, c.ExternalInstanceID, c.CredentialsEncrypted, c.WebhookSecret, c.IsActive, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=channel.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=channel.create: %w", err)
	}
	return id, nil
}

// Get loads a channel by id.
func (r *ChannelRepo) Get(ctx domain.Context, id string) (domain.Channel, error) {
	tracer := otel.Tracer("repo.channels")
	ctx, span := tracer.Start(ctx, "channels.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+channelCols+` FROM channels WHERE id=$1`, id)
	return scanChannel(row, "channel.get")
}

// ListByTenant returns a tenant's channels, optionally only active ones.
func (r *ChannelRepo) ListByTenant(ctx domain.Context, tenantID string, activeOnly bool) ([]domain.Channel, error) {
	tracer := otel.Tracer("repo.channels")
	ctx, span := tracer.Start(ctx, "channels.ListByTenant")
	defer span.End()
	q := `SELECT ` + channelCols + ` FROM channels WHERE tenant_id=$1`
	if activeOnly {
		q += ` AND is_active`
	}
	q += ` ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=channel.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Channel
	for rows.Next() {
		c, err := scanChannelRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=channel.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=channel.list: %w", err)
	}
	return out, nil
}

// FindByInstance resolves webhook routing: the active channel registered for
// a vendor instance of the given kind.
func (r *ChannelRepo) FindByInstance(ctx domain.Context, kind domain.ChannelKind, externalInstanceID string) (domain.Channel, error) {
	tracer := otel.Tracer("repo.channels")
	ctx, span := tracer.Start(ctx, "channels.FindByInstance")
	defer span.End()
	q := `SELECT ` + channelCols + ` FROM channels WHERE kind=$1 AND external_instance_id=$2 AND is_active LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, kind, externalInstanceID)
	return scanChannel(row, "channel.find_by_instance")
}

// SetActive flips a channel's active flag.
func (r *ChannelRepo) SetActive(ctx domain.Context, id string, active bool) error {
	tracer := otel.Tracer("repo.channels")
	ctx, span := tracer.Start(ctx, "channels.SetActive")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE channels SET is_active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return fmt.Errorf("op=channel.set_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=channel.set_active: %w", domain.ErrNotFound)
	}
	return nil
}

// TouchLastSync records the completion instant of a channel sync.
func (r *ChannelRepo) TouchLastSync(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.channels")
	ctx, span := tracer.Start(ctx, "channels.TouchLastSync")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE channels SET last_sync_at=$2 WHERE id=$1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=channel.touch_last_sync: %w", err)
	}
	return nil
}

type channelScanner interface{ Scan(dest ...any) error }

func scanChannel(row pgx.Row, op string) (domain.Channel, error) {
	c, err := scanChannelRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Channel{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Channel{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return c, nil
}

func scanChannelRow(s channelScanner) (domain.Channel, error) {
	var c domain.Channel
	err := s.Scan(&c.ID, &c.TenantID, &c.Kind, &c.Name, &c.ExternalInstanceID, &c.CredentialsEncrypted, &c.WebhookSecret, &c.IsActive, &c.LastSyncAt, &c.CreatedAt)
	return c, err
}
