package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-escrow/internal/auth"
	"lv-escrow/internal/escrow"
	"lv-escrow/internal/metrics"
)

type fixture struct {
	router  http.Handler
	auth    *auth.Service
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	svc := auth.NewService("lv-escrow", []byte("test-secret"), time.Hour)
	m := metrics.New(prometheus.NewRegistry())
	router := NewRouter(RouterDeps{
		AuthService: svc,
		AuthHandler: auth.NewHandler(svc),
		Metrics:     m,
	})
	return fixture{router: router, auth: svc, metrics: m}
}

func (f fixture) token(t *testing.T, actor escrow.Actor) string {
	t.Helper()
	token, err := f.auth.Issue(actor)
	require.NoError(t, err)
	return token
}

func (f fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, escrow.Actor{UserID: "alice"}))
	w = f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice","admin":false}`, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/fund", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+f.token(t, escrow.Actor{UserID: "alice"}))
	w := f.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminLoginEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/admin-login", strings.NewReader(`{"username":"ops","password":"x"}`))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(req).Code, "credentials not configured")

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/admin-login", strings.NewReader(`{"user":"ops"}`))
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, escrow.Actor{UserID: "alice"})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		f.do(req)
	}
	f.do(httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues(http.MethodGet, "/v1/me", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues(http.MethodGet, "unmatched", "404")))
}

func TestDestinationTypesArePublic(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/v1/destination-types", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Items []struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Items)
}
