package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func adminProbe(token string) http.Handler {
	return AdminAuth(token)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAdminAuthAcceptsBearer(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer sup3r-secret")
	rr := httptest.NewRecorder()
	adminProbe("sup3r-secret").ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAdminAuthRejectsBadToken(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		header string
	}{
		{"wrong token", "Bearer nope"},
		{"missing header", ""},
		{"not bearer", "Basic c3VwM3Itc2VjcmV0"},
		{"empty bearer", "Bearer "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			adminProbe("sup3r-secret").ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestAdminAuthDisabledWithoutToken(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	adminProbe("").ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
