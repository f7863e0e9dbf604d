//go:build e2e

// Package e2e_test exercises a running stockclerk deployment over HTTP.
//
// The suite is black-box: it talks to whatever E2E_BASE_URL points at
// (default http://localhost:8080), typically the docker compose stack from
// deploy/. Admin endpoints authenticate with E2E_ADMIN_TOKEN, which must
// match the server's ADMIN_TOKEN. Tests that need a provisioned tenant are
// gated on E2E_TENANT_ID and skip when it is unset, so the base suite is
// safe against an empty database.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

func adminToken() string { return getenv("E2E_ADMIN_TOKEN", "dev-admin-token") }

// waitForAppReady polls /healthz until the deployment answers or the timeout
// expires.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := client.Get(baseURL() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, timeout, time.Second, "app at %s never became healthy", baseURL())
}

// decodeInto decodes a response body into v and closes nothing; callers own
// the body.
func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v), "non-JSON body: %s", raw)
}

// doJSON issues one request and decodes the JSON response body. A nil body
// sends no payload; admin=true attaches the bearer token.
func doJSON(t *testing.T, client *http.Client, method, path string, body any, admin bool) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL()+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken())
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "non-JSON body: %s", raw)
	}
	return resp.StatusCode, decoded
}
