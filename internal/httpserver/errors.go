package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/httputil"
)

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindForbidden, apperr.KindPolicyViolation:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindInsufficientCapacity:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError maps domain errors to their status. Anything else is logged
// and reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
		return
	}
	resp := httputil.ErrorResponse{Error: e.Error(), Code: string(e.Kind), Reason: string(e.Reason)}
	if e.RequiredLevel != nil {
		resp.KycHint = e.RequiredLevel.String()
	}
	httputil.WriteJSON(w, statusOf(e.Kind), resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: msg, Code: string(apperr.KindInvalidInput)})
}
