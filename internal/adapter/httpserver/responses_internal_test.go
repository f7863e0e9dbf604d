package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func TestWriteErrorMapsSentinels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", fmt.Errorf("bad: %w", domain.ErrInvalidArgument), 400, "INVALID_ARGUMENT"},
		{"unauthorized", fmt.Errorf("no: %w", domain.ErrUnauthorized), 401, "UNAUTHORIZED"},
		{"not_found", fmt.Errorf("gone: %w", domain.ErrNotFound), 404, "NOT_FOUND"},
		{"conflict", fmt.Errorf("dup: %w", domain.ErrConflict), 409, "CONFLICT"},
		{"rate_limited", fmt.Errorf("slow: %w", domain.ErrRateLimited), 429, "RATE_LIMITED"},
		{"worker_unavailable", fmt.Errorf("down: %w", domain.ErrWorkerUnavailable), 503, "WORKER_UNAVAILABLE"},
		{"channel_disconnected", fmt.Errorf("off: %w", domain.ErrChannelDisconnected), 503, "CHANNEL_DISCONNECTED"},
		{"upstream_timeout", fmt.Errorf("slow: %w", domain.ErrUpstreamTimeout), 503, "UPSTREAM_TIMEOUT"},
		{"upstream_unavailable", fmt.Errorf("dead: %w", domain.ErrUpstreamUnavailable), 503, "UPSTREAM_UNAVAILABLE"},
		{"internal", fmt.Errorf("boom"), 500, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rr := httptest.NewRecorder()
			writeError(rr, nil, tc.err, nil)
			assert.Equal(t, tc.status, rr.Code)
			var env errorEnvelope
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
			assert.Equal(t, tc.code, env.Error.Code)
			assert.NotEmpty(t, env.Error.Message)
		})
	}
}

func TestWriteErrorCarriesDetails(t *testing.T) {
	t.Parallel()
	rr := httptest.NewRecorder()
	writeError(rr, nil, fmt.Errorf("bad: %w", domain.ErrInvalidArgument), map[string]any{"outcome": "malformed"})
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	details, ok := env.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "malformed", details["outcome"])
}

func TestWriteJSONSetsContentType(t *testing.T) {
	t.Parallel()
	rr := httptest.NewRecorder()
	writeJSON(rr, 201, map[string]string{"a": "b"})
	assert.Equal(t, 201, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
}
