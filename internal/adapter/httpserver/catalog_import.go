// Package httpserver is the orchestrator's HTTP boundary.
//
// It terminates vendor webhook deliveries for every tenant and exposes the
// operator admin API over the supervised worker fleet. Handlers stay thin:
// the receive pipeline lives in the watcher packages and supervision in the
// orchestrator package.
package httpserver

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/mapper"
)

const (
	maxImportBody   = 10 << 20
	automapPageSize = 100
	// Vendor catalogs past this are misconfigured test stores; stop rather
	// than crawl forever.
	automapMaxPages = 50
)

type importRow struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Barcode      string `json:"barcode"`
	CurrentStock int64  `json:"currentStock"`
	BufferStock  int64  `json:"bufferStock"`
}

type importResult struct {
	Imported int            `json:"imported"`
	Mapped   int            `json:"mapped"`
	Methods  map[string]int `json:"methods,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
}

// AdminImportCatalogHandler ingests a merchant catalog on
// POST /admin/tenants/{id}/catalog/import. The body is CSV or a JSON array,
// sniffed by content rather than trusting the Content-Type header. Rows are
// upserted by (tenant, sku). With ?automap=1 the handler then walks every
// active channel's vendor catalog and links items through the mapper ladder.
func (s *Server) AdminImportCatalogHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := chi.URLParam(r, "id")
		if err := validateID("tenant id", tenantID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.AdminImportCatalogHandler: read body: %v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			writeError(w, r, fmt.Errorf("op=httpserver.AdminImportCatalogHandler: empty body: %w", domain.ErrInvalidArgument), nil)
			return
		}

		rows, err := parseCatalog(raw)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		result := importResult{Methods: map[string]int{}}
		for i, row := range rows {
			if row.SKU == "" {
				writeError(w, r, fmt.Errorf("op=httpserver.AdminImportCatalogHandler: row %d: missing sku: %w", i+1, domain.ErrInvalidArgument), nil)
				return
			}
			_, err := s.Products.Upsert(r.Context(), domain.Product{
				TenantID:     tenantID,
				SKU:          row.SKU,
				Name:         row.Name,
				Barcode:      row.Barcode,
				CurrentStock: row.CurrentStock,
				BufferStock:  row.BufferStock,
			})
			if err != nil {
				writeError(w, r, fmt.Errorf("op=httpserver.AdminImportCatalogHandler: upsert %s: %w", row.SKU, err), nil)
				return
			}
			result.Imported++
		}

		if boolParam(r, "automap") {
			s.automapChannels(r, tenantID, &result)
		}
		if len(result.Methods) == 0 {
			result.Methods = nil
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// automapChannels links vendor catalog items to the freshly imported rows.
// Vendor-side trouble degrades to entries in result.Errors; the import itself
// already succeeded.
func (s *Server) automapChannels(r *http.Request, tenantID string, result *importResult) {
	ctx := r.Context()
	idx, err := mapper.BuildIndex(ctx, s.Products, tenantID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("index: %v", err))
		return
	}
	channels, err := s.Channels.ListByTenant(ctx, tenantID, true)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("channels: %v", err))
		return
	}
	for _, ch := range channels {
		provider, err := s.Providers.ForChannel(ctx, ch)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("channel %s: %v", ch.Name, err))
			continue
		}
		cursor := ""
		for page := 0; page < automapMaxPages; page++ {
			items, next, err := provider.ListProducts(ctx, cursor, automapPageSize)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("channel %s: list: %v", ch.Name, err))
				break
			}
			for _, item := range items {
				if _, err := s.Mappings.FindByExternalID(ctx, ch.ID, item.ExternalID); err == nil {
					continue
				} else if !errors.Is(err, domain.ErrNotFound) {
					result.Errors = append(result.Errors, fmt.Sprintf("channel %s: lookup %s: %v", ch.Name, item.ExternalID, err))
					continue
				}
				p, method, ok := idx.Match(item)
				if !ok {
					continue
				}
				_, err := s.Mappings.Create(ctx, domain.ProductChannelMapping{
					ProductID:   p.ID,
					ChannelID:   ch.ID,
					ExternalID:  item.ExternalID,
					ExternalSKU: item.SKU,
				})
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("channel %s: map %s: %v", ch.Name, item.ExternalID, err))
					continue
				}
				result.Mapped++
				result.Methods[string(method)]++
			}
			if next == "" {
				break
			}
			cursor = next
		}
		LoggerFrom(r).Info("catalog automap pass done",
			slog.String("tenant_id", tenantID),
			slog.String("channel_id", ch.ID),
			slog.Int("mapped", result.Mapped))
	}
}

// parseCatalog sniffs and decodes the import body into rows.
func parseCatalog(raw []byte) ([]importRow, error) {
	mtype := mimetype.Detect(raw)
	switch {
	case mtype.Is("application/json"):
		var rows []importRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("op=httpserver.parseCatalog: json: %v: %w", err, domain.ErrInvalidArgument)
		}
		return rows, nil
	case mtype.Is("text/csv"), mtype.Is("text/plain"):
		return parseCatalogCSV(raw)
	default:
		return nil, fmt.Errorf("op=httpserver.parseCatalog: unsupported content type %s: %w", mtype.String(), domain.ErrInvalidArgument)
	}
}

// parseCatalogCSV reads a header-first CSV. Header names are matched after
// lowercasing and stripping underscores, so current_stock and currentStock
// both work.
func parseCatalogCSV(raw []byte) ([]importRow, error) {
	rd := csv.NewReader(bytes.NewReader(raw))
	rd.TrimLeadingSpace = true
	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("op=httpserver.parseCatalogCSV: header: %v: %w", err, domain.ErrInvalidArgument)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[normalizeHeader(h)] = i
	}
	if _, ok := cols["sku"]; !ok {
		return nil, fmt.Errorf("op=httpserver.parseCatalogCSV: missing sku column: %w", domain.ErrInvalidArgument)
	}

	var rows []importRow
	for line := 2; ; line++ {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("op=httpserver.parseCatalogCSV: line %d: %v: %w", line, err, domain.ErrInvalidArgument)
		}
		row := importRow{
			SKU:     cell(rec, cols, "sku"),
			Name:    cell(rec, cols, "name"),
			Barcode: cell(rec, cols, "barcode"),
		}
		if row.CurrentStock, err = cellInt(rec, cols, "currentstock"); err != nil {
			return nil, fmt.Errorf("op=httpserver.parseCatalogCSV: line %d: current_stock: %w", line, domain.ErrInvalidArgument)
		}
		if row.BufferStock, err = cellInt(rec, cols, "bufferstock"); err != nil {
			return nil, fmt.Errorf("op=httpserver.parseCatalogCSV: line %d: buffer_stock: %w", line, domain.ErrInvalidArgument)
		}
		rows = append(rows, row)
	}
}

func normalizeHeader(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), "_", "")
}

func cell(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func cellInt(rec []string, cols map[string]int, name string) (int64, error) {
	raw := cell(rec, cols, name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
