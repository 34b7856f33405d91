package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/escrow"
	"lv-escrow/internal/httputil"
	"lv-escrow/internal/types"
)

type withdrawRequestBody struct {
	ID             string          `json:"id"`
	InstrumentCode string          `json:"instrument_code"`
	InstrumentType string          `json:"instrument_type"`
	Amount         decimal.Decimal `json:"amount"`
	DestinationID  string          `json:"destination_id"`
}

type depositRequestBody struct {
	ID             string          `json:"id"`
	InstrumentCode string          `json:"instrument_code"`
	InstrumentType string          `json:"instrument_type"`
	Amount         decimal.Decimal `json:"amount"`
}

type assignBody struct {
	Items          []escrow.AssignItem `json:"items"`
	IdempotencyKey string              `json:"idempotency_key"`
	DestinationID  string              `json:"destination_id"`
}

func (s *api) createWithdraw(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req withdrawRequestBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := s.engine.CreateWithdrawRequest(r.Context(), escrow.WithdrawInput{
		ID:             req.ID,
		UserID:         actor.UserID,
		InstrumentCode: strings.ToUpper(strings.TrimSpace(req.InstrumentCode)),
		InstrumentType: req.InstrumentType,
		Amount:         req.Amount,
		DestinationID:  req.DestinationID,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (s *api) getWithdraw(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.GetWithdrawRequest(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) cancelWithdraw(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.CancelWithdrawRequest(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) createDeposit(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req depositRequestBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := s.engine.CreateDepositRequest(r.Context(), escrow.DepositInput{
		ID:             req.ID,
		UserID:         actor.UserID,
		InstrumentCode: strings.ToUpper(strings.TrimSpace(req.InstrumentCode)),
		InstrumentType: req.InstrumentType,
		Amount:         req.Amount,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, out)
}

func (s *api) getDeposit(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.GetDepositRequest(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) cancelDeposit(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.CancelDepositRequest(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) assign(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req assignBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	out, err := s.engine.Assign(r.Context(), escrow.AssignInput{
		WithdrawID:     chi.URLParam(r, "id"),
		Items:          req.Items,
		IdempotencyKey: key,
		DestinationID:  req.DestinationID,
		Admin:          actor,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, out)
}

func (s *api) submitProof(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req escrow.Proof
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := s.engine.SubmitPayerProof(r.Context(), chi.URLParam(r, "id"), actor.UserID, req)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) confirm(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req escrow.Decision
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := s.engine.ReceiverConfirm(r.Context(), chi.URLParam(r, "id"), actor.UserID, req)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) verify(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req escrow.Decision
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	out, err := s.engine.AdminVerify(r.Context(), chi.URLParam(r, "id"), actor, req)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) finalize(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.Finalize(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) cancelAllocation(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.CancelAllocation(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) getAllocation(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := s.engine.GetAllocation(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) listAllocations(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	q := r.URL.Query()
	f := escrow.AllocationFilter{
		WithdrawID: q.Get("withdraw_id"),
		DepositID:  q.Get("deposit_id"),
		UserID:     q.Get("user_id"),
		Status:     types.AllocationStatus(strings.ToUpper(q.Get("status"))),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}
	out, err := s.engine.ListAllocations(r.Context(), f, actor)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *api) expiringSoon(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ExpiringSoon(r.Context())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *api) runExpiry(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.ExpireAllocations(r.Context())
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
