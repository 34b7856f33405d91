package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestLive(t *testing.T) {
	h := NewHandler(nil, time.Now().Add(-90*time.Second))
	w := httptest.NewRecorder()
	h.Live(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body liveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.GreaterOrEqual(t, body.UptimeSec, int64(90))
}

func TestReady(t *testing.T) {
	cases := []struct {
		name   string
		db     Pinger
		code   int
		status string
	}{
		{"reachable", pinger{}, http.StatusOK, "ok"},
		{"ping fails", pinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "degraded"},
		{"no database", nil, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(tc.db, time.Now())
			w := httptest.NewRecorder()
			h.Ready(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tc.code, w.Code)
			var body readinessResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body.Status)
			assert.Equal(t, tc.code == http.StatusOK, body.Database.Reachable)
		})
	}
}
