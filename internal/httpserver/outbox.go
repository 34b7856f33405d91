package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/db"
	"lv-escrow/internal/httputil"
	"lv-escrow/internal/outbox"
)

func (s *api) getOutboxEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := db.InTxResult(r.Context(), s.runner, "outbox.get", func(ctx context.Context, tx pgx.Tx) (outbox.Event, error) {
		return s.outbox.Get(ctx, tx, id)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"event": out, "status": out.Status, "attempts": out.Attempts})
}

// requeueOutbox returns every FAILED event to PENDING.
func (s *api) requeueOutbox(w http.ResponseWriter, r *http.Request) {
	n, err := db.InTxResult(r.Context(), s.runner, "outbox.requeue", func(ctx context.Context, tx pgx.Tx) (int64, error) {
		return s.outbox.Requeue(ctx, tx)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}
