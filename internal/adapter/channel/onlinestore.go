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

const storefrontAPIPrefix = "/api/2024-07"

// OnlineStoreClient talks to the storefront vendor. Product ids are numeric,
// prices ride as decimal strings and webhooks are topic-routed; an order
// webhook fans out into one event per line item.
type OnlineStoreClient struct {
	core   *restCore
	secret string
}

// NewOnlineStore builds the storefront-vendor client for one channel.
func NewOnlineStore(baseURL string, timeout time.Duration, webhookSecret string, limiter *ratelimiter.KindLimiter, breaker *Breaker, log *slog.Logger) *OnlineStoreClient {
	return &OnlineStoreClient{
		core:   newRestCore(domain.KindOnlineStore, baseURL, timeout, limiter, breaker, log),
		secret: webhookSecret,
	}
}

// Kind reports the channel kind this client serves.
func (s *OnlineStoreClient) Kind() domain.ChannelKind { return domain.KindOnlineStore }

// Connect caches the storefront access token. Idempotent.
func (s *OnlineStoreClient) Connect(_ domain.Context, creds domain.Credentials) error {
	token := strings.TrimSpace(creds["accessToken"])
	if token == "" {
		return fmt.Errorf("op=onlinestore.connect: %w: accessToken missing", domain.ErrInvalidArgument)
	}
	s.core.bind(creds["baseUrl"], func(r *http.Request) {
		r.Header.Set("X-Storefront-Access-Token", token)
	})
	return nil
}

// Disconnect drops the cached token. Idempotent.
func (s *OnlineStoreClient) Disconnect(_ domain.Context) error {
	s.core.unbind()
	return nil
}

type storefrontProduct struct {
	ID               *int64 `json:"id"`
	SKU              string `json:"sku"`
	Title            string `json:"title"`
	Price            string `json:"price"`
	Currency         string `json:"currency"`
	InventoryQty     *int64 `json:"inventory_quantity"`
	InventoryTracked bool   `json:"inventory_tracked"`
	Published        bool   `json:"published"`
	UpdatedAt        string `json:"updated_at"`
}

func (sp storefrontProduct) normalize() (domain.NormalizedProduct, error) {
	if sp.ID == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: storefront product missing id", domain.ErrInvalidArgument)
	}
	id := strconv.FormatInt(*sp.ID, 10)
	if sp.InventoryQty == nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: storefront product %s missing inventory_quantity", domain.ErrInvalidArgument, id)
	}
	if sp.Price == "" {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: storefront product %s missing price", domain.ErrInvalidArgument, id)
	}
	price, err := strconv.ParseFloat(sp.Price, 64)
	if err != nil {
		return domain.NormalizedProduct{}, fmt.Errorf("%w: storefront product %s bad price %q", domain.ErrInvalidArgument, id, sp.Price)
	}
	var updated time.Time
	if sp.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, sp.UpdatedAt)
		if err != nil {
			return domain.NormalizedProduct{}, fmt.Errorf("%w: storefront product %s bad updated_at %q", domain.ErrInvalidArgument, id, sp.UpdatedAt)
		}
		updated = t
	}
	return domain.NormalizedProduct{
		ExternalID:  id,
		SKU:         sp.SKU,
		Name:        sp.Title,
		Price:       price,
		Currency:    sp.Currency,
		Quantity:    *sp.InventoryQty,
		IsTracked:   sp.InventoryTracked,
		IsAvailable: sp.Published,
		UpdatedAt:   updated,
	}, nil
}

// ListProducts pages the storefront catalog with the vendor's page token.
func (s *OnlineStoreClient) ListProducts(ctx domain.Context, cursor string, limit int) ([]domain.NormalizedProduct, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("page_token", cursor)
	}
	var out struct {
		Products      []storefrontProduct `json:"products"`
		NextPageToken string              `json:"next_page_token"`
	}
	if err := s.core.doJSON(ctx, "onlinestore.list_products", http.MethodGet, storefrontAPIPrefix+"/products", q, nil, &out); err != nil {
		return nil, "", err
	}
	products := make([]domain.NormalizedProduct, 0, len(out.Products))
	for _, sp := range out.Products {
		np, err := sp.normalize()
		if err != nil {
			return nil, "", fmt.Errorf("op=onlinestore.list_products: %w", err)
		}
		products = append(products, np)
	}
	return products, out.NextPageToken, nil
}

// GetProduct fetches one storefront product.
func (s *OnlineStoreClient) GetProduct(ctx domain.Context, externalID string) (domain.NormalizedProduct, error) {
	var sp storefrontProduct
	err := s.core.doJSON(ctx, "onlinestore.get_product", http.MethodGet, storefrontAPIPrefix+"/products/"+url.PathEscape(externalID), nil, nil, &sp)
	if err != nil {
		return domain.NormalizedProduct{}, err
	}
	np, err := sp.normalize()
	if err != nil {
		return domain.NormalizedProduct{}, fmt.Errorf("op=onlinestore.get_product: %w", err)
	}
	return np, nil
}

// SetStock writes an absolute sellable quantity to one product.
func (s *OnlineStoreClient) SetStock(ctx domain.Context, externalID string, quantity int64) error {
	body := map[string]any{"quantity": quantity}
	return s.core.doJSON(ctx, "onlinestore.set_stock", http.MethodPut, storefrontAPIPrefix+"/products/"+url.PathEscape(externalID)+"/inventory", nil, body, nil)
}

// BatchSetStock writes many quantities in one call.
func (s *OnlineStoreClient) BatchSetStock(ctx domain.Context, updates []domain.StockUpdate) ([]domain.BatchItemResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	type upd struct {
		ProductID string `json:"product_id"`
		Quantity  int64  `json:"quantity"`
	}
	body := struct {
		Updates []upd `json:"updates"`
	}{Updates: make([]upd, 0, len(updates))}
	for _, u := range updates {
		body.Updates = append(body.Updates, upd{ProductID: u.ExternalID, Quantity: u.Quantity})
	}
	var out struct {
		Results []struct {
			ProductID string `json:"product_id"`
			Success   bool   `json:"success"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	if err := s.core.doJSON(ctx, "onlinestore.batch_set_stock", http.MethodPost, storefrontAPIPrefix+"/inventory/batch", nil, body, &out); err != nil {
		return nil, err
	}
	results := make([]domain.BatchItemResult, 0, len(out.Results))
	for _, r := range out.Results {
		res := domain.BatchItemResult{ExternalID: r.ProductID}
		if !r.Success {
			res.Err = fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, r.Error)
		}
		results = append(results, res)
	}
	return results, nil
}

type storefrontWebhook struct {
	ID        *int64          `json:"id"`
	Topic     string          `json:"topic"`
	ShopID    int64           `json:"shop_id"`
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

type storefrontInventoryPayload struct {
	ProductID   *int64 `json:"product_id"`
	SKU         string `json:"sku"`
	OldQuantity *int64 `json:"old_quantity"`
	NewQuantity *int64 `json:"new_quantity"`
	Available   *bool  `json:"available"`
}

type storefrontOrderPayload struct {
	OrderID   *int64 `json:"order_id"`
	LineItems []struct {
		ProductID      *int64 `json:"product_id"`
		SKU            string `json:"sku"`
		Quantity       *int64 `json:"quantity"`
		InventoryAfter *int64 `json:"inventory_after"`
	} `json:"line_items"`
}

// HandleWebhook parses a storefront webhook. Inventory updates yield one
// event; orders and refunds yield one per line item; other topics yield none.
func (s *OnlineStoreClient) HandleWebhook(_ domain.Context, raw []byte) ([]domain.StockChangeEvent, error) {
	var wh storefrontWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: %v", domain.ErrInvalidArgument, err)
	}
	switch wh.Topic {
	case "inventory/updated", "orders/create", "refunds/create":
	default:
		return nil, nil
	}
	if wh.ID == nil {
		return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: missing id", domain.ErrInvalidArgument)
	}
	stamp := strconv.FormatInt(*wh.ID, 10)
	occurred := time.Now().UTC()
	if wh.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, wh.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: bad created_at %q", domain.ErrInvalidArgument, wh.CreatedAt)
		}
		occurred = t
	}

	if wh.Topic == "inventory/updated" {
		var p storefrontInventoryPayload
		if err := json.Unmarshal(wh.Payload, &p); err != nil {
			return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: %v", domain.ErrInvalidArgument, err)
		}
		if p.ProductID == nil {
			return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: missing payload.product_id", domain.ErrInvalidArgument)
		}
		if p.NewQuantity == nil {
			return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: missing payload.new_quantity", domain.ErrInvalidArgument)
		}
		return []domain.StockChangeEvent{{
			ChannelKind:       domain.KindOnlineStore,
			EventType:         "stock_updated",
			ProductExternalID: strconv.FormatInt(*p.ProductID, 10),
			PreviousQuantity:  p.OldQuantity,
			NewQuantity:       p.NewQuantity,
			IsAvailable:       p.Available,
			SourceStamp:       stamp,
			OccurredAt:        occurred,
		}}, nil
	}

	eventType, reason := "order_placed", "order"
	if wh.Topic == "refunds/create" {
		eventType, reason = "order_refunded", "refund"
	}
	var p storefrontOrderPayload
	if err := json.Unmarshal(wh.Payload, &p); err != nil {
		return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: %v", domain.ErrInvalidArgument, err)
	}
	events := make([]domain.StockChangeEvent, 0, len(p.LineItems))
	for i, li := range p.LineItems {
		if li.ProductID == nil {
			return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: line item %d missing product_id", domain.ErrInvalidArgument, i)
		}
		if li.InventoryAfter == nil {
			return nil, fmt.Errorf("op=onlinestore.handle_webhook: %w: line item %d missing inventory_after", domain.ErrInvalidArgument, i)
		}
		events = append(events, domain.StockChangeEvent{
			ChannelKind:       domain.KindOnlineStore,
			EventType:         eventType,
			ProductExternalID: strconv.FormatInt(*li.ProductID, 10),
			NewQuantity:       li.InventoryAfter,
			Reason:            reason,
			SourceStamp:       stamp,
			OccurredAt:        occurred,
		})
	}
	return events, nil
}

// VerifyWebhook checks the storefront vendor's sha256 signature.
func (s *OnlineStoreClient) VerifyWebhook(raw []byte, signature string) bool {
	return VerifySignature(SchemeSHA256, s.secret, raw, signature)
}

// SubscribeWebhook registers a callback at the vendor.
func (s *OnlineStoreClient) SubscribeWebhook(ctx domain.Context, callbackURL string, events []string) (string, error) {
	body := map[string]any{"address": callbackURL, "topics": events}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := s.core.doJSON(ctx, "onlinestore.subscribe_webhook", http.MethodPost, storefrontAPIPrefix+"/webhooks", nil, body, &out); err != nil {
		return "", err
	}
	return strconv.FormatInt(out.ID, 10), nil
}

// UnsubscribeWebhook removes a registration; a vendor 404 counts as done.
func (s *OnlineStoreClient) UnsubscribeWebhook(ctx domain.Context, subscriptionID string) error {
	err := s.core.doJSON(ctx, "onlinestore.unsubscribe_webhook", http.MethodDelete, storefrontAPIPrefix+"/webhooks/"+url.PathEscape(subscriptionID), nil, nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// HealthCheck probes the shop endpoint once, without retries.
func (s *OnlineStoreClient) HealthCheck(ctx domain.Context) domain.HealthStatus {
	start := time.Now()
	err := s.core.ping(ctx, storefrontAPIPrefix+"/shop")
	st := domain.HealthStatus{
		Connected: err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
