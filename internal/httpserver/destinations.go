package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/attachments"
	"lv-escrow/internal/db"
	"lv-escrow/internal/destinations"
	"lv-escrow/internal/escrow"
	"lv-escrow/internal/httputil"
)

type fileBody struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

func (s *api) destinationTypes(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": destinations.Types()})
}

func (s *api) listDestinations(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := db.InTxResult(r.Context(), s.runner, "destination.list", func(ctx context.Context, tx pgx.Tx) ([]destinations.Destination, error) {
		return s.destinations.List(ctx, tx, actor.UserID)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if out == nil {
		out = []destinations.Destination{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *api) createDestination(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req destinations.Input
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := db.InTxResult(r.Context(), s.runner, "destination.create", func(ctx context.Context, tx pgx.Tx) (destinations.Destination, error) {
		return s.destinations.Create(ctx, tx, actor.UserID, req)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (s *api) setDestinationEnabled(enabled bool) actorHandler {
	return func(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
		id := chi.URLParam(r, "id")
		out, err := db.InTxResult(r.Context(), s.runner, "destination.set_enabled", func(ctx context.Context, tx pgx.Tx) (destinations.Destination, error) {
			if err := s.destinations.SetEnabled(ctx, tx, actor.UserID, id, enabled); err != nil {
				return destinations.Destination{}, err
			}
			return s.destinations.Get(ctx, tx, actor.UserID, id)
		})
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	}
}

// recordFile registers an uploaded proof file. The bytes live in object
// storage; only ownership and type are tracked here.
func (s *api) recordFile(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req fileBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := db.InTxResult(r.Context(), s.runner, "file.record", func(ctx context.Context, tx pgx.Tx) (attachments.File, error) {
		return s.files.Record(ctx, tx, actor.UserID, req.Name, req.MimeType)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}
