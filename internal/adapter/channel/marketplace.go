package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/ratelimiter"
)

const marketplaceAPIPrefix = "/partner/v2"

// MarketplaceClient talks to the delivery-marketplace partner API. Paging is
// offset-based, timestamps are unix seconds and webhooks are signed sha1.
// Items with track_inventory get true quantities; the rest only flip
// availability.
type MarketplaceClient struct {
	core   *restCore
	secret string
}

// NewMarketplace builds the marketplace partner client for one channel.
func NewMarketplace(baseURL string, timeout time.Duration, webhookSecret string, limiter *ratelimiter.KindLimiter, breaker *Breaker, log *slog.Logger) *MarketplaceClient {
	return &MarketplaceClient{
		core:   newRestCore(domain.KindDeliveryMarketplace, baseURL, timeout, limiter, breaker, log),
		secret: webhookSecret,
	}
}

// Kind reports the channel kind this client serves.
func (m *MarketplaceClient) Kind() domain.ChannelKind { return domain.KindDeliveryMarketplace }

// Connect caches the partner key pair. Idempotent.
func (m *MarketplaceClient) Connect(_ domain.Context, creds domain.Credentials) error {
	id := strings.TrimSpace(creds["clientId"])
	secret := strings.TrimSpace(creds["clientSecret"])
	if id == "" || secret == "" {
		return fmt.Errorf("op=marketplace.connect: %w: clientId and clientSecret required", domain.ErrInvalidArgument)
	}
	m.core.bind(creds["baseUrl"], func(r *http.Request) {
		r.SetBasicAuth(id, secret)
	})
	return nil
}

// Disconnect drops the cached key pair. Idempotent.
func (m *MarketplaceClient) Disconnect(_ domain.Context) error {
	m.core.unbind()
	return nil
}

type mpItem struct {
	ItemID      *string `json:"item_id"`
	MerchantSKU string  `json:"merchant_sku"`
	Title       string  `json:"title"`
	Price       *struct {
		Amount       int64  `json:"amount"`
		CurrencyCode string `json:"currency_code"`
	} `json:"price"`
	Stock *struct {
		TrackInventory bool   `json:"track_inventory"`
		Quantity       *int64 `json:"quantity"`
		Available      *bool  `json:"available"`
	} `json:"stock"`
	Updated int64 `json:"updated"`
}

// normalize refuses items missing their id or stock block. Tracked items
// must carry a quantity, untracked ones an availability flag.
func (it mpItem) normalize() (domain.NormalizedProduct, error) {
	if it.ItemID == nil || *it.ItemID == "" {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: marketplace item missing item_id", domain.ErrInvalidArgument)
	}
	if it.Stock == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: marketplace item %s missing stock", domain.ErrInvalidArgument, *it.ItemID)
	}
	if it.Price == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: marketplace item %s missing price", domain.ErrInvalidArgument, *it.ItemID)
	}
	np := domain.NormalizedProduct{
		ExternalID: *it.ItemID,
		SKU:        it.MerchantSKU,
		Name:       it.Title,
		Price:      float64(it.Price.Amount) / 100,
		Currency:   it.Price.CurrencyCode,
		IsTracked:  it.Stock.TrackInventory,
	}
	if it.Updated > 0 {
		np.UpdatedAt = time.Unix(it.Updated, 0).UTC()
	}
	if it.Stock.TrackInventory {
		if it.Stock.Quantity == nil {
			return domain.NormalizedProduct{}, fmt.Errorf("%w: marketplace item %s tracked but missing quantity", domain.ErrInvalidArgument, *it.ItemID)
		}
		np.Quantity = *it.Stock.Quantity
		np.IsAvailable = *it.Stock.Quantity > 0
		if it.Stock.Available != nil {
			np.IsAvailable = *it.Stock.Available
		}
		return np, nil
	}
	if it.Stock.Available == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: marketplace item %s missing available", domain.ErrInvalidArgument, *it.ItemID)
	}
	np.IsAvailable = *it.Stock.Available
	if it.Stock.Quantity != nil {
		np.Quantity = *it.Stock.Quantity
	}
	return np, nil
}

// ListProducts pages the partner menu. The cursor is a decimal offset; an
// empty one starts at zero.
func (m *MarketplaceClient) ListProducts(ctx domain.Context, cursor string, limit int) ([]domain.NormalizedProduct, string, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("op=marketplace.list_products: %w: bad cursor %q", domain.ErrInvalidArgument, cursor)
		}
		offset = n
	}
	q := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	var out struct {
		Items []mpItem `json:"items"`
		Total int      `json:"total"`
	}
	if err := m.core.doJSON(ctx, "marketplace.list_products", http.MethodGet, marketplaceAPIPrefix+"/menu/items", q, nil, &out); err != nil {
		return nil, "", err
	}
	products := make([]domain.NormalizedProduct, 0, len(out.Items))
	for _, it := range out.Items {
		np, err := it.normalize()
		if err != nil {
			return nil, "", fmt.Errorf("op=marketplace.list_products: %w", err)
		}
		products = append(products, np)
	}
	next := ""
	if n := offset + len(out.Items); n < out.Total && len(out.Items) > 0 {
		next = strconv.Itoa(n)
	}
	return products, next, nil
}

// GetProduct fetches one menu item.
func (m *MarketplaceClient) GetProduct(ctx domain.Context, externalID string) (domain.NormalizedProduct, error) {
	var it mpItem
	err := m.core.doJSON(ctx, "marketplace.get_product", http.MethodGet, marketplaceAPIPrefix+"/menu/items/"+url.PathEscape(externalID), nil, nil, &it)
	if err != nil {
		return domain.NormalizedProduct{}, err
	}
	np, err := it.normalize()
	if err != nil {
		return domain.NormalizedProduct{}, fmt.Errorf("op=marketplace.get_product: %w", err)
	}
	return np, nil
}

// SetStock writes quantity for tracked items and flips availability for the
// rest; zero always means unavailable. The item is read first to learn which
// contract applies.
func (m *MarketplaceClient) SetStock(ctx domain.Context, externalID string, quantity int64) error {
	item, err := m.GetProduct(ctx, externalID)
	if err != nil {
		return fmt.Errorf("op=marketplace.set_stock: %w", err)
	}
	path := marketplaceAPIPrefix + "/menu/items/" + url.PathEscape(externalID) + "/stock"
	if item.IsTracked {
		return m.core.doJSON(ctx, "marketplace.set_stock", http.MethodPut, path, nil, map[string]any{"quantity": quantity}, nil)
	}
	return m.core.doJSON(ctx, "marketplace.set_stock", http.MethodPut, path, nil, map[string]any{"available": quantity > 0}, nil)
}

// BatchSetStock sends both quantity and availability per item; the vendor
// applies whichever the item tracks.
func (m *MarketplaceClient) BatchSetStock(ctx domain.Context, updates []domain.StockUpdate) ([]domain.BatchItemResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	type upd struct {
		ItemID    string `json:"item_id"`
		Quantity  int64  `json:"quantity"`
		Available bool   `json:"available"`
	}
	body := struct {
		Items []upd `json:"items"`
	}{Items: make([]upd, 0, len(updates))}
	for _, u := range updates {
		body.Items = append(body.Items, upd{ItemID: u.ExternalID, Quantity: u.Quantity, Available: u.Quantity > 0})
	}
	var out struct {
		Results []struct {
			ItemID string `json:"item_id"`
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"results"`
	}
	if err := m.core.doJSON(ctx, "marketplace.batch_set_stock", http.MethodPost, marketplaceAPIPrefix+"/menu/stock/batch", nil, body, &out); err != nil {
		return nil, err
	}
	results := make([]domain.BatchItemResult, 0, len(out.Results))
	for _, r := range out.Results {
		res := domain.BatchItemResult{ExternalID: r.ItemID}
		if r.Status != "ok" {
			res.Err = fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, r.Reason)
		}
		results = append(results, res)
	}
	return results, nil
}

type mpWebhook struct {
	Event *struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		OccurredAt int64  `json:"occurred_at"`
	} `json:"event"`
	Item *struct {
		ItemID         *string `json:"item_id"`
		MerchantSKU    string  `json:"merchant_sku"`
		Quantity       *int64  `json:"quantity"`
		Available      *bool   `json:"available"`
		TrackInventory bool    `json:"track_inventory"`
	} `json:"item"`
}

// HandleWebhook parses a partner stock event. Tracked items report a
// quantity, untracked ones an availability flip; other event types produce
// zero events.
func (m *MarketplaceClient) HandleWebhook(_ domain.Context, raw []byte) ([]domain.StockChangeEvent, error) {
	var wh mpWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, fmt.Errorf("op=marketplace.handle_webhook: %w: %v", domain.ErrInvalidArgument, err)
	}
	if wh.Event == nil {
		return nil, fmt.Errorf("op=marketplace.handle_webhook: %w: missing event", domain.ErrInvalidArgument)
	}
	if wh.Event.Type != "item.stock_changed" {
		return nil, nil
	}
	if wh.Event.ID == "" {
		return nil, fmt.Errorf("op=marketplace.handle_webhook: %w: missing event.id", domain.ErrInvalidArgument)
	}
	if wh.Item == nil || wh.Item.ItemID == nil || *wh.Item.ItemID == "" {
		return nil, fmt.Errorf("op=marketplace.handle_webhook: %w: missing item.item_id", domain.ErrInvalidArgument)
	}
	occurred := time.Now().UTC()
	if wh.Event.OccurredAt > 0 {
		occurred = time.Unix(wh.Event.OccurredAt, 0).UTC()
	}
	ev := domain.StockChangeEvent{
		ChannelKind:       domain.KindDeliveryMarketplace,
		ProductExternalID: *wh.Item.ItemID,
		SourceStamp:       wh.Event.ID,
		OccurredAt:        occurred,
	}
	if wh.Item.TrackInventory {
		if wh.Item.Quantity == nil {
			return nil, fmt.Errorf("op=marketplace.handle_webhook: %w: tracked item missing quantity", domain.ErrInvalidArgument)
		}
		ev.EventType = "stock_updated"
		ev.NewQuantity = wh.Item.Quantity
		ev.IsAvailable = wh.Item.Available
		return []domain.StockChangeEvent{ev}, nil
	}
	if wh.Item.Available == nil {
		return nil, fmt.Errorf("op=marketplace.handle_webhook: %w: untracked item missing available", domain.ErrInvalidArgument)
	}
	ev.EventType = "availability_changed"
	ev.IsAvailable = wh.Item.Available
	return []domain.StockChangeEvent{ev}, nil
}

// VerifyWebhook checks the partner's sha1 signature.
func (m *MarketplaceClient) VerifyWebhook(raw []byte, signature string) bool {
	return VerifySignature(SchemeSHA1, m.secret, raw, signature)
}

// SubscribeWebhook registers a callback at the partner API.
func (m *MarketplaceClient) SubscribeWebhook(ctx domain.Context, callbackURL string, events []string) (string, error) {
	body := map[string]any{"callback_url": callbackURL, "event_types": events}
	var out struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := m.core.doJSON(ctx, "marketplace.subscribe_webhook", http.MethodPost, marketplaceAPIPrefix+"/webhooks", nil, body, &out); err != nil {
		return "", err
	}
	return out.SubscriptionID, nil
}

// UnsubscribeWebhook removes a registration; a vendor 404 counts as done.
func (m *MarketplaceClient) UnsubscribeWebhook(ctx domain.Context, subscriptionID string) error {
	err := m.core.doJSON(ctx, "marketplace.unsubscribe_webhook", http.MethodDelete, marketplaceAPIPrefix+"/webhooks/"+url.PathEscape(subscriptionID), nil, nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// HealthCheck probes the partner ping endpoint once, without retries.
func (m *MarketplaceClient) HealthCheck(ctx domain.Context) domain.HealthStatus {
	start := time.Now()
	err := m.core.ping(ctx, marketplaceAPIPrefix+"/ping")
	st := domain.HealthStatus{
		Connected: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
