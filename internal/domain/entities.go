package domain

import (
	"context"
	"fmt"
	"time"
)

// Context is aliased so ports read naturally without importing context
// everywhere.
type Context = context.Context

// ChannelKind enumerates the supported sales surfaces.
type ChannelKind string

const (
	KindPOS                 ChannelKind = "pos"
	KindOnlineStore         ChannelKind = "online_store"
	KindDeliveryMarketplace ChannelKind = "delivery_marketplace"
)

// Valid reports whether k is one of the supported kinds.
func (k ChannelKind) Valid() bool {
	switch k {
	case KindPOS, KindOnlineStore, KindDeliveryMarketplace:
		return true
	}
	return false
}

// Tenant is a merchant account. Created externally; the sync core reads it.
type Tenant struct {
	ID         string
	Name       string
	Slug       string
	Plan       string
	PlanStatus string
	ShopLimit  int
	CreatedAt  time.Time
}

// Channel is one tenant connection to an external sales surface.
// Invariants: Kind valid; WebhookSecret may be empty (signature check skipped);
// CredentialsEncrypted is an opaque sealed blob.
type Channel struct {
	ID                   string
	TenantID             string
	Kind                 ChannelKind
	Name                 string
	ExternalInstanceID   string
	CredentialsEncrypted []byte
	WebhookSecret        string
	IsActive             bool
	LastSyncAt           *time.Time
	CreatedAt            time.Time
}

// Credentials is the decrypted credential set handed to a provider.
type Credentials map[string]string

// Product belongs to one tenant. CurrentStock is the merchant's authoritative
// total; BufferStock is withheld from online channels.
// Invariants: CurrentStock >= 0; BufferStock >= 0; SKU unique per tenant.
type Product struct {
	ID           string
	TenantID     string
	SKU          string
	Name         string
	Barcode      string
	CurrentStock int64
	BufferStock  int64
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpectedStock is the quantity a channel of the given kind should advertise:
// the full total for POS, max(0, current-buffer) otherwise.
func (p Product) ExpectedStock(kind ChannelKind) int64 {
	if kind == KindPOS {
		return p.CurrentStock
	}
	if out := p.CurrentStock - p.BufferStock; out > 0 {
		return out
	}
	return 0
}

// ProductChannelMapping associates a local product with its external
// identifier on one channel. Unique on (ChannelID, ExternalID).
type ProductChannelMapping struct {
	ID          string
	ProductID   string
	ChannelID   string
	ExternalID  string
	ExternalSKU string
	CreatedAt   time.Time
}

// SyncEventStatus is the lifecycle of one audited sync attempt.
type SyncEventStatus string

const (
	SyncPending    SyncEventStatus = "pending"
	SyncProcessing SyncEventStatus = "processing"
	SyncCompleted  SyncEventStatus = "completed"
	SyncFailed     SyncEventStatus = "failed"
)

// SyncEvent is an append-only audit row written at the boundary of each sync
// attempt.
type SyncEvent struct {
	ID           string
	TenantID     string
	EventType    string
	ChannelID    *string
	ProductID    *string
	OldValue     *int64
	NewValue     *int64
	Status       SyncEventStatus
	ErrorMessage string
	CreatedAt    time.Time
}

// AlertKind enumerates alert and rule categories.
type AlertKind string

const (
	AlertLowStock            AlertKind = "low_stock"
	AlertSyncError           AlertKind = "sync_error"
	AlertChannelDisconnected AlertKind = "channel_disconnected"
	AlertSystem              AlertKind = "system"
	AlertDriftDetected       AlertKind = "drift_detected"
)

// Valid reports whether k is a known alert kind.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertLowStock, AlertSyncError, AlertChannelDisconnected, AlertSystem, AlertDriftDetected:
		return true
	}
	return false
}

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one surfaced notification row. Metadata carries kind-specific
// context (product/channel ids, drift numbers, autoRepair flag).
type Alert struct {
	ID        string
	TenantID  string
	Kind      AlertKind
	Severity  AlertSeverity
	Message   string
	Metadata  map[string]any
	IsRead    bool
	CreatedAt time.Time
}

// AlertConditions narrows when a rule fires. Zero values mean "no filter".
type AlertConditions struct {
	Threshold           *int64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	PercentageThreshold *float64 `json:"percentageThreshold,omitempty" yaml:"percentageThreshold,omitempty"`
	ProductIDs          []string `json:"productIds,omitempty" yaml:"productIds,omitempty"`
	ChannelIDs          []string `json:"channelIds,omitempty" yaml:"channelIds,omitempty"`
}

// AlertActions selects delivery paths once a rule fires. The alert row is
// written regardless of delivery outcome.
type AlertActions struct {
	Notify          bool     `json:"notify" yaml:"notify"`
	EmailRecipients []string `json:"emailRecipients,omitempty" yaml:"emailRecipients,omitempty"`
	WebhookURL      string   `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
}

// AlertRule is a tenant-configured trigger evaluated by the alert agent.
type AlertRule struct {
	ID         string
	TenantID   string
	Kind       AlertKind
	Conditions AlertConditions
	Actions    AlertActions
	IsActive   bool
}

// NormalizedProduct is the narrow record every provider returns for vendor
// catalog items. Parsers refuse unknown required vendor fields rather than
// coerce.
type NormalizedProduct struct {
	ExternalID  string
	SKU         string
	Name        string
	Price       float64
	Currency    string
	Quantity    int64
	IsTracked   bool
	IsAvailable bool
	UpdatedAt   time.Time
}

// StockChangeEvent is the normalized stock-change intent produced by the
// watcher from webhooks and polls. It is the payload of webhook-queue jobs and
// of add_webhook_job IPC messages, hence the tags.
type StockChangeEvent struct {
	TenantID          string      `json:"tenantId"`
	ChannelID         string      `json:"channelId"`
	ChannelKind       ChannelKind `json:"channelKind"`
	EventType         string      `json:"eventType"`
	ProductExternalID string      `json:"productExternalId"`
	PreviousQuantity  *int64      `json:"previousQuantity,omitempty"`
	NewQuantity       *int64      `json:"newQuantity,omitempty"`
	IsAvailable       *bool       `json:"isAvailable,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	// SourceStamp is a stable vendor-side ordering token (event id or
	// timestamp). With channel and external id it forms the idempotency key.
	SourceStamp string    `json:"sourceStamp"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// IdempotencyKey identifies one logical change for short-window dedup.
func (e StockChangeEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%s", e.ChannelID, e.ProductExternalID, e.SourceStamp)
}

// StockUpdate is one item of a batch write.
type StockUpdate struct {
	ExternalID string
	Quantity   int64
}

// BatchItemResult reports the per-item outcome of a best-effort batch write.
type BatchItemResult struct {
	ExternalID string
	Err        error
}

// HealthStatus is the result of one provider health probe.
type HealthStatus struct {
	Connected bool
	LatencyMS int64
	Error     string
}
