package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/escrow"
	"lv-escrow/internal/httputil"
	"lv-escrow/internal/ledger"
	"lv-escrow/internal/types"
)

type fundBody struct {
	UserID         string          `json:"user_id"`
	InstrumentCode string          `json:"instrument_code"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference"`
}

type minBalanceBody struct {
	MinBalance decimal.Decimal `json:"min_balance"`
}

func (s *api) listAccounts(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := db.InTxResult(r.Context(), s.runner, "account.list", func(ctx context.Context, tx pgx.Tx) ([]ledger.Account, error) {
		return s.ledger.AccountsByOwner(ctx, tx, actor.UserID)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *api) accountTransactions(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	id := chi.URLParam(r, "id")
	out, err := db.InTxResult(r.Context(), s.runner, "account.transactions", func(ctx context.Context, tx pgx.Tx) ([]ledger.Transaction, error) {
		acct, err := s.ledger.GetAccount(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if acct.OwnerID != actor.UserID && !actor.Admin {
			return nil, apperr.Forbidden("account %s belongs to another user", id)
		}
		return s.ledger.Transactions(ctx, tx, id, limit)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

// fund credits a user from the house account. Reference makes the call
// safe to repeat: a second call with the same reference is a conflict.
func (s *api) fund(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req fundBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || req.UserID == ledger.HouseOwner {
		badRequest(w, "user_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		badRequest(w, "amount must be positive")
		return
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		ref = uuid.NewString()
	}
	instrument := strings.ToUpper(strings.TrimSpace(req.InstrumentCode))
	out, err := db.InTxResult(r.Context(), s.runner, "account.fund", func(ctx context.Context, tx pgx.Tx) (ledger.Transaction, error) {
		existing, err := s.ledger.TransactionsByRef(ctx, tx, types.NewRef(types.RefTypeManual, ref))
		if err != nil {
			return ledger.Transaction{}, err
		}
		if len(existing) > 0 {
			return ledger.Transaction{}, apperr.Conflict("reference %q was already used", ref)
		}
		return s.ledger.Fund(ctx, tx, req.UserID, instrument, req.Amount, types.NewRef(types.RefTypeManual, ref), actor.UserID)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (s *api) setMinBalance(w http.ResponseWriter, r *http.Request, _ escrow.Actor) {
	var req minBalanceBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	out, err := db.InTxResult(r.Context(), s.runner, "account.min_balance", func(ctx context.Context, tx pgx.Tx) (ledger.Account, error) {
		return s.ledger.SetMinBalance(ctx, tx, id, req.MinBalance)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) reconcile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := db.InTxResult(r.Context(), s.runner, "account.reconcile", func(ctx context.Context, tx pgx.Tx) (ledger.Reconciliation, error) {
		return s.ledger.Reconcile(ctx, tx, id)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"reconciliation": out, "balanced": out.Balanced()})
}
