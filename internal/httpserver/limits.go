package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/db"
	"lv-escrow/internal/escrow"
	"lv-escrow/internal/httputil"
	"lv-escrow/internal/limits"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/types"
)

type checkBody struct {
	Action         types.Action    `json:"action"`
	Metric         types.Metric    `json:"metric"`
	Period         types.Period    `json:"period"`
	InstrumentCode string          `json:"instrument_code"`
	InstrumentType string          `json:"instrument_type"`
	Amount         decimal.Decimal `json:"amount"`
}

type subjectBody struct {
	GroupID  string `json:"group_id"`
	KycLevel string `json:"kyc_level"`
}

type subjectView struct {
	UserID   string `json:"user_id"`
	GroupID  string `json:"group_id,omitempty"`
	KycLevel string `json:"kyc_level"`
}

type enabledBody struct {
	Enabled bool `json:"enabled"`
}

func (s *api) usages(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	out, err := db.InTxResult(r.Context(), s.runner, "limits.usages", func(ctx context.Context, tx pgx.Tx) ([]limits.Usage, error) {
		return s.limits.Usages(ctx, tx, actor.UserID)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

// checkLimit previews whether a hold would be admitted without taking it.
func (s *api) checkLimit(w http.ResponseWriter, r *http.Request, actor escrow.Actor) {
	var req checkBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	err := s.runner.InTx(r.Context(), "limits.check", func(ctx context.Context, tx pgx.Tx) error {
		subject, err := s.policies.Subject(ctx, tx, actor.UserID)
		if err != nil {
			return err
		}
		return s.limits.Check(ctx, tx, limits.Request{
			Subject: subject,
			Action:  types.Action(strings.ToUpper(string(req.Action))),
			Metric:  types.Metric(strings.ToUpper(string(req.Metric))),
			Period:  types.Period(strings.ToUpper(string(req.Period))),
			Target: policy.Target{
				Product:        escrow.Product,
				Instrument:     strings.ToUpper(strings.TrimSpace(req.InstrumentCode)),
				InstrumentType: req.InstrumentType,
			},
			Amount: req.Amount,
		})
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"allowed": true})
}

func (s *api) listRules(w http.ResponseWriter, r *http.Request) {
	out, err := db.InTxResult(r.Context(), s.runner, "policy.list_rules", func(ctx context.Context, tx pgx.Tx) ([]policy.Rule, error) {
		return s.policies.ListRules(ctx, tx)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *api) saveRule(w http.ResponseWriter, r *http.Request) {
	var req policy.Rule
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}
	out, err := db.InTxResult(r.Context(), s.runner, "policy.save_rule", func(ctx context.Context, tx pgx.Tx) (policy.Rule, error) {
		return s.policies.SaveRule(ctx, tx, req)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *api) setRuleEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	err := s.runner.InTx(r.Context(), "policy.rule_enabled", func(ctx context.Context, tx pgx.Tx) error {
		return s.policies.SetRuleEnabled(ctx, tx, id, req.Enabled)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}

func (s *api) getSubject(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	out, err := db.InTxResult(r.Context(), s.runner, "policy.subject", func(ctx context.Context, tx pgx.Tx) (policy.Subject, error) {
		return s.policies.Subject(ctx, tx, userID)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, subjectView{UserID: out.UserID, GroupID: out.GroupID, KycLevel: out.KycLevel.String()})
}

func (s *api) saveSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectBody
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	level, ok := types.ParseKycLevel(req.KycLevel)
	if !ok {
		badRequest(w, "invalid kyc_level")
		return
	}
	subject := policy.Subject{UserID: chi.URLParam(r, "userID"), GroupID: strings.TrimSpace(req.GroupID), KycLevel: level}
	err := s.runner.InTx(r.Context(), "policy.save_subject", func(ctx context.Context, tx pgx.Tx) error {
		return s.policies.SaveSubject(ctx, tx, subject)
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, subjectView{UserID: subject.UserID, GroupID: subject.GroupID, KycLevel: level.String()})
}
