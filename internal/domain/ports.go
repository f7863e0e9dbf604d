package domain

import "time"

// Ports. Adapters implement these; agents depend on nothing else.
//
//go:generate mockery --name=TenantRepository --with-expecter --filename=tenant_repository_mock.go
//go:generate mockery --name=ChannelRepository --with-expecter --filename=channel_repository_mock.go
//go:generate mockery --name=ProductRepository --with-expecter --filename=product_repository_mock.go
//go:generate mockery --name=MappingRepository --with-expecter --filename=mapping_repository_mock.go
//go:generate mockery --name=SyncEventRepository --with-expecter --filename=sync_event_repository_mock.go
//go:generate mockery --name=AlertRepository --with-expecter --filename=alert_repository_mock.go
//go:generate mockery --name=AlertRuleRepository --with-expecter --filename=alert_rule_repository_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=ChannelProvider --with-expecter --filename=channel_provider_mock.go
//go:generate mockery --name=Notifier --with-expecter --filename=notifier_mock.go

type TenantRepository interface {
	Create(ctx Context, t Tenant) (string, error)
	Get(ctx Context, id string) (Tenant, error)
	GetBySlug(ctx Context, slug string) (Tenant, error)
	// ListActiveIDs returns ids of tenants whose plan status admits a worker.
	ListActiveIDs(ctx Context) ([]string, error)
}

type ChannelRepository interface {
	Create(ctx Context, c Channel) (string, error)
	Get(ctx Context, id string) (Channel, error)
	ListByTenant(ctx Context, tenantID string, activeOnly bool) ([]Channel, error)
	// FindByInstance resolves webhook routing: active channel by kind and
	// vendor instance id.
	FindByInstance(ctx Context, kind ChannelKind, externalInstanceID string) (Channel, error)
	SetActive(ctx Context, id string, active bool) error
	TouchLastSync(ctx Context, id string, at time.Time) error
}

// StockMutation reports what a locked stock write did.
type StockMutation struct {
	Previous Product
	Updated  Product
	Clamped  bool
}

type ProductRepository interface {
	Create(ctx Context, p Product) (string, error)
	Upsert(ctx Context, p Product) (string, error)
	Get(ctx Context, id string) (Product, error)
	GetBySKU(ctx Context, tenantID, sku string) (Product, error)
	List(ctx Context, tenantID string, offset, limit int) ([]Product, error)
	// SetStockLocked writes currentStock under a row lock and returns the
	// previous and updated rows. Negative values are clamped to zero and
	// flagged; the row never goes negative.
	SetStockLocked(ctx Context, id string, newStock int64) (StockMutation, error)
}

type MappingRepository interface {
	Create(ctx Context, m ProductChannelMapping) (string, error)
	Delete(ctx Context, id string) error
	ListByProduct(ctx Context, productID string) ([]ProductChannelMapping, error)
	ListByChannel(ctx Context, channelID string, offset, limit int) ([]ProductChannelMapping, error)
	FindByExternalID(ctx Context, channelID, externalID string) (ProductChannelMapping, error)
}

type SyncEventRepository interface {
	// Create returns ErrConflict when an in-flight event already exists for
	// the same (product, channel, eventType) tuple.
	Create(ctx Context, e SyncEvent) (string, error)
	UpdateStatus(ctx Context, id string, status SyncEventStatus, errMsg *string) error
	List(ctx Context, tenantID string, offset, limit int, status SyncEventStatus) ([]SyncEvent, error)
	// MarkStaleFailed fails rows stuck in processing since before cutoff and
	// returns how many were flipped.
	MarkStaleFailed(ctx Context, cutoff time.Time) (int64, error)
	// PurgeCompleted and PurgeFailed delete audit rows past their retention.
	PurgeCompleted(ctx Context, olderThan time.Time) (int64, error)
	PurgeFailed(ctx Context, olderThan time.Time) (int64, error)
}

type AlertRepository interface {
	Create(ctx Context, a Alert) (string, error)
	Get(ctx Context, id string) (Alert, error)
	List(ctx Context, tenantID string, unreadOnly bool, offset, limit int) ([]Alert, error)
	MarkRead(ctx Context, id string) error
	PurgeRead(ctx Context, olderThan time.Time) (int64, error)
	PurgeUnread(ctx Context, olderThan time.Time) (int64, error)
}

type AlertRuleRepository interface {
	Upsert(ctx Context, r AlertRule) (string, error)
	ListActive(ctx Context, tenantID string) ([]AlertRule, error)
}

// Queue is the durable per-tenant job substrate. Implementations namespace
// every queue as {prefix}:{tenantId}:{class}.
type Queue interface {
	EnqueueWebhookEvent(ctx Context, ev StockChangeEvent) (string, error)
	EnqueueStockChanged(ctx Context, tenantID string, job StockChangedJob) (string, error)
	EnqueuePushUpdate(ctx Context, tenantID string, job PushUpdateJob, delay time.Duration) (string, error)
	EnqueueFullSync(ctx Context, tenantID string, job FullSyncJob) (string, error)
	EnqueueIncrementalSync(ctx Context, tenantID string, job IncrementalSyncJob) (string, error)
	EnqueueAlert(ctx Context, tenantID string, job AlertJob) (string, error)
}

// ChannelProvider is the uniform facade over one vendor API. One
// implementation per ChannelKind; instances are bound to a single channel's
// credentials by Connect.
type ChannelProvider interface {
	Kind() ChannelKind
	// Connect validates and caches credentials; idempotent.
	Connect(ctx Context, creds Credentials) error
	// Disconnect releases vendor resources; idempotent.
	Disconnect(ctx Context) error
	// ListProducts pages through the vendor catalog. An empty cursor starts
	// from the beginning; an empty next cursor ends the walk.
	ListProducts(ctx Context, cursor string, limit int) ([]NormalizedProduct, string, error)
	GetProduct(ctx Context, externalID string) (NormalizedProduct, error)
	// SetStock writes an absolute quantity. For availability-only items,
	// 0 means unavailable and >0 available.
	SetStock(ctx Context, externalID string, quantity int64) error
	BatchSetStock(ctx Context, updates []StockUpdate) ([]BatchItemResult, error)
	// HandleWebhook parses a raw vendor payload into zero or more normalized
	// events. Channel identity fields are filled by the caller.
	HandleWebhook(ctx Context, raw []byte) ([]StockChangeEvent, error)
	// VerifyWebhook is a constant-time HMAC check; never panics.
	VerifyWebhook(raw []byte, signature string) bool
	SubscribeWebhook(ctx Context, url string, events []string) (string, error)
	UnsubscribeWebhook(ctx Context, subscriptionID string) error
	HealthCheck(ctx Context) HealthStatus
}

// Notifier delivers fired alerts. Failures are logged and dropped; they never
// roll back the alert row.
type Notifier interface {
	Notify(ctx Context, tenantID string, a Alert) error
	Email(ctx Context, recipients []string, a Alert) error
	PostWebhook(ctx Context, url string, a Alert) error
}

// EventSink mirrors bus events to an external stream; a nil or no-op sink is
// valid.
type EventSink interface {
	Publish(ctx Context, ev Event) error
}
