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

// POSClient talks to the register vendor. Item ids are opaque strings,
// prices ride as integer cents and webhooks are signed sha256.
type POSClient struct {
	core   *restCore
	secret string
}

// NewPOS builds the register-vendor client for one channel. webhookSecret may
// be empty; the receive path then skips verification by policy.
func NewPOS(baseURL string, timeout time.Duration, webhookSecret string, limiter *ratelimiter.KindLimiter, breaker *Breaker, log *slog.Logger) *POSClient {
	return &POSClient{
		core:   newRestCore(domain.KindPOS, baseURL, timeout, limiter, breaker, log),
		secret: webhookSecret,
	}
}

// Kind reports the channel kind this client serves.
func (p *POSClient) Kind() domain.ChannelKind { return domain.KindPOS }

// Connect caches the API key. Idempotent; a later call rebinds.
func (p *POSClient) Connect(_ domain.Context, creds domain.Credentials) error {
	key := strings.TrimSpace(creds["apiKey"])
	if key == "" {
		return fmt.Errorf("op=pos.connect: %w: apiKey missing", domain.ErrInvalidArgument)
	}
	p.core.bind(creds["baseUrl"], func(r *http.Request) {
		r.Header.Set("X-API-Key", key)
	})
	return nil
}

// Disconnect drops the cached credentials. Idempotent.
func (p *POSClient) Disconnect(_ domain.Context) error {
	p.core.unbind()
	return nil
}

type posItem struct {
	ID         *string `json:"id"`
	SKU        string  `json:"sku"`
	Name       string  `json:"name"`
	PriceCents *int64  `json:"price_cents"`
	Currency   string  `json:"currency"`
	StockCount *int64  `json:"stock_count"`
	TrackStock bool    `json:"track_stock"`
	Available  bool    `json:"available"`
	UpdatedAt  string  `json:"updated_at"`
}

// normalize refuses items missing required vendor fields instead of coercing
// them to zero values.
func (it posItem) normalize() (domain.NormalizedProduct, error) {
	if it.ID == nil || *it.ID == "" {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: pos item missing id", domain.ErrInvalidArgument)
	}
	if it.StockCount == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: pos item %s missing stock_count", domain.ErrInvalidArgument, *it.ID)
	}
	if it.PriceCents == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: pos item %s missing price_cents", domain.ErrInvalidArgument, *it.ID)
	}
	var updated time.Time
	if it.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, it.UpdatedAt)
		if err != nil {
			return domain.NormalizedProduct{}, fmt.Errorf("%w: pos item %s bad updated_at %q", domain.ErrInvalidArgument, *it.ID, it.UpdatedAt)
		}
		updated = t
	}
	return domain.NormalizedProduct{
		ExternalID:  *it.ID,
		SKU:         it.SKU,
		Name:        it.Name,
		Price:       float64(*it.PriceCents) / 100,
		Currency:    it.Currency,
		Quantity:    *it.StockCount,
		IsTracked:   it.TrackStock,
		IsAvailable: it.Available,
		UpdatedAt:   updated,
	}, nil
}

// ListProducts pages the register catalog with the vendor's opaque cursor.
func (p *POSClient) ListProducts(ctx domain.Context, cursor string, limit int) ([]domain.NormalizedProduct, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out struct {
		Items      []posItem `json:"items"`
		NextCursor string    `json:"next_cursor"`
	}
	if err := p.core.doJSON(ctx, "pos.list_products", http.MethodGet, "/v1/catalog/items", q, nil, &out); err != nil {
		return nil, "", err
	}
	products := make([]domain.NormalizedProduct, 0, len(out.Items))
	for _, it := range out.Items {
		np, err := it.normalize()
		if err != nil {
			return nil, "", fmt.Errorf("op=pos.list_products: %w", err)
		}
		products = append(products, np)
	}
	return products, out.NextCursor, nil
}

// GetProduct fetches one catalog item; a vendor 404 surfaces as not found.
func (p *POSClient) GetProduct(ctx domain.Context, externalID string) (domain.NormalizedProduct, error) {
	var it posItem
	err := p.core.doJSON(ctx, "pos.get_product", http.MethodGet, "/v1/catalog/items/"+url.PathEscape(externalID), nil, nil, &it)
	if err != nil {
		return domain.NormalizedProduct{}, err
	}
	np, err := it.normalize()
	if err != nil {
		return domain.NormalizedProduct{}, fmt.Errorf("op=pos.get_product: %w", err)
	}
	return np, nil
}

// SetStock writes an absolute count to one register item.
func (p *POSClient) SetStock(ctx domain.Context, externalID string, quantity int64) error {
	body := map[string]any{"stock_count": quantity}
	return p.core.doJSON(ctx, "pos.set_stock", http.MethodPut, "/v1/catalog/items/"+url.PathEscape(externalID)+"/stock", nil, body, nil)
}

// BatchSetStock writes many counts in one call; the vendor reports per-item
// outcomes.
func (p *POSClient) BatchSetStock(ctx domain.Context, updates []domain.StockUpdate) ([]domain.BatchItemResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	type upd struct {
		ItemID     string `json:"item_id"`
		StockCount int64  `json:"stock_count"`
	}
	body := struct {
		Updates []upd `json:"updates"`
	}{Updates: make([]upd, 0, len(updates))}
	for _, u := range updates {
		body.Updates = append(body.Updates, upd{ItemID: u.ExternalID, StockCount: u.Quantity})
	}
	var out struct {
		Results []struct {
			ItemID string `json:"item_id"`
			OK     bool   `json:"ok"`
			Error  string `json:"error"`
		} `json:"results"`
	}
	if err := p.core.doJSON(ctx, "pos.batch_set_stock", http.MethodPost, "/v1/catalog/stock/batch", nil, body, &out); err != nil {
		return nil, err
	}
	results := make([]domain.BatchItemResult, 0, len(out.Results))
	for _, r := range out.Results {
		res := domain.BatchItemResult{ExternalID: r.ItemID}
		if !r.OK {
			res.Err = fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, r.Error)
		}
		results = append(results, res)
	}
	return results, nil
}

type posWebhook struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	RegisterID string `json:"register_id"`
	OccurredAt string `json:"occurred_at"`
	Data       *struct {
		ItemID        *string `json:"item_id"`
		SKU           string  `json:"sku"`
		StockCount    *int64  `json:"stock_count"`
		PreviousCount *int64  `json:"previous_count"`
		Reason        string  `json:"reason"`
	} `json:"data"`
}

// HandleWebhook parses a register event. Non-stock event types produce zero
// events; stock events missing required fields are refused.
func (p *POSClient) HandleWebhook(_ domain.Context, raw []byte) ([]domain.StockChangeEvent, error) {
	var wh posWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, fmt.Errorf("op=pos.handle_webhook: %w: %v", domain.ErrInvalidArgument, err)
	}
	if wh.EventType != "stock.updated" {
		return nil, nil
	}
	if wh.EventID == "" {
		return nil, fmt.Errorf("op=pos.handle_webhook: %w: missing event_id", domain.ErrInvalidArgument)
	}
	if wh.Data == nil || wh.Data.ItemID == nil || *wh.Data.ItemID == "" {
		return nil, fmt.Errorf("op=pos.handle_webhook: %w: missing data.item_id", domain.ErrInvalidArgument)
	}
	if wh.Data.StockCount == nil {
		return nil, fmt.Errorf("op=pos.handle_webhook: %w: missing data.stock_count", domain.ErrInvalidArgument)
	}
	occurred := time.Now().UTC()
	if wh.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, wh.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("op=pos.handle_webhook: %w: bad occurred_at %q", domain.ErrInvalidArgument, wh.OccurredAt)
		}
		occurred = t
	}
	ev := domain.StockChangeEvent{
		ChannelKind:       domain.KindPOS,
		EventType:         "stock_updated",
		ProductExternalID: *wh.Data.ItemID,
		PreviousQuantity:  wh.Data.PreviousCount,
		NewQuantity:       wh.Data.StockCount,
		Reason:            wh.Data.Reason,
		SourceStamp:       wh.EventID,
		OccurredAt:        occurred,
	}
	return []domain.StockChangeEvent{ev}, nil
}

// VerifyWebhook checks the register vendor's sha256 signature.
func (p *POSClient) VerifyWebhook(raw []byte, signature string) bool {
	return VerifySignature(SchemeSHA256, p.secret, raw, signature)
}

// SubscribeWebhook registers a callback at the vendor.
func (p *POSClient) SubscribeWebhook(ctx domain.Context, callbackURL string, events []string) (string, error) {
	body := map[string]any{"url": callbackURL, "events": events}
	var out struct {
		ID string `json:"id"`
	}
	if err := p.core.doJSON(ctx, "pos.subscribe_webhook", http.MethodPost, "/v1/webhooks", nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UnsubscribeWebhook removes a registration; a vendor 404 counts as done.
func (p *POSClient) UnsubscribeWebhook(ctx domain.Context, subscriptionID string) error {
	err := p.core.doJSON(ctx, "pos.unsubscribe_webhook", http.MethodDelete, "/v1/webhooks/"+url.PathEscape(subscriptionID), nil, nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// HealthCheck probes the vendor once, without retries.
func (p *POSClient) HealthCheck(ctx domain.Context) domain.HealthStatus {
	start := time.Now()
	err := p.core.ping(ctx, "/v1/health")
	st := domain.HealthStatus{
		Connected: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
