package escrow

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/limits"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/types"
)

type quota struct {
	metric types.Metric
	period types.Period
}

var withdrawQuotas = []quota{
	{types.MetricAmount, types.PeriodDaily},
	{types.MetricAmount, types.PeriodMonthly},
	{types.MetricCount, types.PeriodDaily},
}

var depositQuotas = []quota{
	{types.MetricAmount, types.PeriodDaily},
	{types.MetricAmount, types.PeriodMonthly},
}

func requestID(id string) (string, error) {
	if id == "" {
		return uuid.NewString(), nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", apperr.InvalidInput("invalid request id %q", id)
	}
	return parsed.String(), nil
}

func validateAmount(userID, instrument string, amount decimal.Decimal) error {
	if userID == "" {
		return apperr.InvalidInput("user is required")
	}
	if instrument == "" {
		return apperr.InvalidInput("instrument is required")
	}
	if !amount.IsPositive() {
		return apperr.InvalidInput("amount must be positive")
	}
	return nil
}

func (e *Engine) reserveQuotas(ctx context.Context, tx pgx.Tx, subject policy.Subject, action types.Action, quotas []quota, target policy.Target, amount decimal.Decimal, ref types.Ref) error {
	for _, q := range quotas {
		if _, err := e.limits.Reserve(ctx, tx, limits.Request{
			Subject: subject,
			Action:  action,
			Metric:  q.metric,
			Period:  q.period,
			Target:  target,
			Amount:  amount,
			Ref:     ref,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateWithdrawRequest records a withdrawal and holds its funds and quota.
// Repeating the call with the same id returns the stored request.
func (e *Engine) CreateWithdrawRequest(ctx context.Context, in WithdrawInput) (WithdrawRequest, error) {
	if err := validateAmount(in.UserID, in.InstrumentCode, in.Amount); err != nil {
		return WithdrawRequest{}, err
	}
	id, err := requestID(in.ID)
	if err != nil {
		return WithdrawRequest{}, err
	}
	var out WithdrawRequest
	err = e.inTx(ctx, "withdraw.create", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		existing, err := getWithdraw(ctx, tx, id, true)
		if err == nil {
			if existing.UserID != in.UserID || existing.InstrumentCode != in.InstrumentCode || !existing.Amount.Equal(in.Amount) {
				return apperr.Conflict("withdraw request %s exists with different terms", id)
			}
			out = existing
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if in.DestinationID != "" && e.dest != nil {
			if _, err := e.dest.Resolve(ctx, tx, in.UserID, in.DestinationID); err != nil {
				return err
			}
		}
		subject, err := e.policy.Subject(ctx, tx, in.UserID)
		if err != nil {
			return err
		}

		w, err := scanWithdraw(tx.QueryRow(ctx, `
			INSERT INTO withdraw_requests (id, user_id, instrument_code, amount, status, destination_id)
			VALUES ($1, $2, $3, $4, $5, nullif($6, '')::uuid)
			RETURNING `+withdrawColumns,
			id, in.UserID, in.InstrumentCode, in.Amount, string(types.RequestStatusWaitingAssignment), in.DestinationID))
		if err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict("withdraw request %s already exists", id)
			}
			return err
		}

		ref := types.NewRef(types.RefTypeWithdrawRequest, w.ID)
		if _, err := e.ledger.ReserveFunds(ctx, tx, w.UserID, w.InstrumentCode, w.Amount, ref); err != nil {
			return err
		}
		if err := e.reserveQuotas(ctx, tx, subject, types.ActionWithdraw, withdrawQuotas, e.target(in.InstrumentCode, in.InstrumentType), w.Amount, ref); err != nil {
			return err
		}
		out = w
		return e.emit(ctx, tx, fx, EventWithdrawCreated, "withdraw_request", w.ID, w, []string{w.UserID})
	})
	return out, err
}

// CreateDepositRequest records funds a payer offers to settle withdrawals
// with and holds the deposit quota.
func (e *Engine) CreateDepositRequest(ctx context.Context, in DepositInput) (DepositRequest, error) {
	if err := validateAmount(in.UserID, in.InstrumentCode, in.Amount); err != nil {
		return DepositRequest{}, err
	}
	id, err := requestID(in.ID)
	if err != nil {
		return DepositRequest{}, err
	}
	var out DepositRequest
	err = e.inTx(ctx, "deposit.create", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		existing, err := getDeposit(ctx, tx, id, true)
		if err == nil {
			if existing.UserID != in.UserID || existing.InstrumentCode != in.InstrumentCode || !existing.Amount.Equal(in.Amount) {
				return apperr.Conflict("deposit request %s exists with different terms", id)
			}
			out = existing
			return nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		subject, err := e.policy.Subject(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		d, err := scanDeposit(tx.QueryRow(ctx, `
			INSERT INTO deposit_requests (id, user_id, instrument_code, amount, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+depositColumns,
			id, in.UserID, in.InstrumentCode, in.Amount, string(types.RequestStatusWaitingAssignment)))
		if err != nil {
			if db.IsUniqueViolation(err) {
				return apperr.Conflict("deposit request %s already exists", id)
			}
			return err
		}
		ref := types.NewRef(types.RefTypeDepositRequest, d.ID)
		if err := e.reserveQuotas(ctx, tx, subject, types.ActionDeposit, depositQuotas, e.target(in.InstrumentCode, in.InstrumentType), d.Amount, ref); err != nil {
			return err
		}
		out = d
		return e.emit(ctx, tx, fx, EventDepositCreated, "deposit_request", d.ID, d, []string{d.UserID})
	})
	return out, err
}

// CancelWithdrawRequest closes a withdrawal that has no open allocations
// and releases whatever it still holds.
func (e *Engine) CancelWithdrawRequest(ctx context.Context, id string, actor Actor) (WithdrawRequest, error) {
	var out WithdrawRequest
	err := e.inTx(ctx, "withdraw.cancel", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		w, err := getWithdraw(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !actor.Admin && actor.UserID != w.UserID {
			return apperr.Forbidden("only the owner or an admin may cancel")
		}
		if w.CancelledAt != nil {
			out = w
			return nil
		}
		if w.Status.Terminal() {
			return apperr.InvalidState("withdraw request %s is %s", id, w.Status)
		}
		open, err := countOpenAllocations(ctx, tx, "withdraw_id", id)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperr.InvalidState("withdraw request %s has %d open allocations", id, open)
		}
		ref := types.NewRef(types.RefTypeWithdrawRequest, id)
		if err := e.ledger.ReleaseFunds(ctx, tx, ref); err != nil {
			return err
		}
		if err := e.limits.Release(ctx, tx, ref); err != nil {
			return err
		}
		now := e.clock()
		w.CancelledAt = &now
		if err := saveWithdrawTotals(ctx, tx, &w); err != nil {
			return err
		}
		out = w
		return e.emit(ctx, tx, fx, EventWithdrawCancelled, "withdraw_request", w.ID, w, []string{w.UserID})
	})
	return out, err
}

func (e *Engine) CancelDepositRequest(ctx context.Context, id string, actor Actor) (DepositRequest, error) {
	var out DepositRequest
	err := e.inTx(ctx, "deposit.cancel", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		d, err := getDeposit(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !actor.Admin && actor.UserID != d.UserID {
			return apperr.Forbidden("only the owner or an admin may cancel")
		}
		if d.CancelledAt != nil {
			out = d
			return nil
		}
		if d.Status.Terminal() {
			return apperr.InvalidState("deposit request %s is %s", id, d.Status)
		}
		open, err := countOpenAllocations(ctx, tx, "deposit_id", id)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperr.InvalidState("deposit request %s has %d open allocations", id, open)
		}
		if err := e.limits.Release(ctx, tx, types.NewRef(types.RefTypeDepositRequest, id)); err != nil {
			return err
		}
		now := e.clock()
		d.CancelledAt = &now
		if err := saveDepositTotals(ctx, tx, &d); err != nil {
			return err
		}
		out = d
		return e.emit(ctx, tx, fx, EventDepositCancelled, "deposit_request", d.ID, d, []string{d.UserID})
	})
	return out, err
}

func (e *Engine) GetWithdrawRequest(ctx context.Context, id string, actor Actor) (WithdrawRequest, error) {
	return db.InTxResult(ctx, e.runner, "withdraw.get", func(ctx context.Context, tx pgx.Tx) (WithdrawRequest, error) {
		w, err := getWithdraw(ctx, tx, id, false)
		if err != nil {
			return WithdrawRequest{}, err
		}
		if !actor.Admin && actor.UserID != w.UserID {
			return WithdrawRequest{}, apperr.Forbidden("not your withdraw request")
		}
		return w, nil
	})
}

func (e *Engine) GetDepositRequest(ctx context.Context, id string, actor Actor) (DepositRequest, error) {
	return db.InTxResult(ctx, e.runner, "deposit.get", func(ctx context.Context, tx pgx.Tx) (DepositRequest, error) {
		d, err := getDeposit(ctx, tx, id, false)
		if err != nil {
			return DepositRequest{}, err
		}
		if !actor.Admin && actor.UserID != d.UserID {
			return DepositRequest{}, apperr.Forbidden("not your deposit request")
		}
		return d, nil
	})
}
