// Package httpserver is the orchestrator's HTTP boundary.
//
// It terminates vendor webhook deliveries for every tenant and exposes the
// operator admin API over the supervised worker fleet. Handlers stay thin:
// the receive pipeline lives in the watcher packages and supervision in the
// orchestrator package.
package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

const (
	maxIDLen     = 128
	defaultLimit = 50
	maxLimit     = 200
)

// validateID rejects path ids that could not have come from our stores.
func validateID(name, id string) error {
	if id == "" || len(id) > maxIDLen {
		return fmt.Errorf("op=httpserver.validateID: %s: %w", name, domain.ErrInvalidArgument)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("op=httpserver.validateID: %s has invalid characters: %w", name, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// pagination reads offset and limit query params with sane bounds.
func pagination(r *http.Request) (offset, limit int, err error) {
	limit = defaultLimit
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("op=httpserver.pagination: offset: %w", domain.ErrInvalidArgument)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("op=httpserver.pagination: limit: %w", domain.ErrInvalidArgument)
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	return offset, limit, nil
}

// boolParam treats "1" and "true" as set.
func boolParam(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || v == "true"
}
