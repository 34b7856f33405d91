package httpserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/types"
)

func TestWriteErrorStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []struct {
		err  error
		code int
	}{
		{apperr.InvalidInput("bad amount"), http.StatusBadRequest},
		{apperr.Forbidden("not yours"), http.StatusForbidden},
		{apperr.LimitExceeded("daily cap"), http.StatusForbidden},
		{apperr.NotFound("missing"), http.StatusNotFound},
		{apperr.Conflict("exceeds remaining"), http.StatusConflict},
		{apperr.InvalidState("settled"), http.StatusConflict},
		{apperr.InsufficientCapacity("short"), http.StatusUnprocessableEntity},
		{fmt.Errorf("assign: %w", apperr.Conflict("wrapped")), http.StatusConflict},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), logger, tc.err)
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestWriteErrorKycHint(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodPost, "/", nil), slog.Default(), apperr.KycRequired(types.KycLevelBasic, "withdraw limit"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{
		"error": "withdraw limit: KYC_REQUIRED (required kyc level BASIC)",
		"code": "policy_violation",
		"reason": "KYC_REQUIRED",
		"required_kyc_level": "BASIC"
	}`, w.Body.String())
}

func TestWriteErrorHidesInfrastructureDetail(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), slog.New(slog.NewTextHandler(io.Discard, nil)), errors.New("pq: password authentication failed"))
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}
