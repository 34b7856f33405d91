package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/types"
)

func validateItems(items []AssignItem) error {
	if len(items) == 0 {
		return apperr.InvalidInput("at least one item is required")
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.DepositID == "" {
			return apperr.InvalidInput("deposit id is required")
		}
		if !it.Amount.IsPositive() {
			return apperr.InvalidInput("item amount for deposit %s must be positive", it.DepositID)
		}
		if _, dup := seen[it.DepositID]; dup {
			return apperr.InvalidInput("deposit %s listed twice", it.DepositID)
		}
		seen[it.DepositID] = struct{}{}
	}
	return nil
}

// Assign matches parts of a withdrawal against deposits. Each item becomes
// an allocation that takes its share of the withdrawal's fund and quota
// holds and of the deposit's quota holds. With an idempotency key, a repeat
// call with the same items returns the recorded result.
func (e *Engine) Assign(ctx context.Context, in AssignInput) (AssignResult, error) {
	if !in.Admin.Admin {
		return AssignResult{}, apperr.Forbidden("only an admin may assign")
	}
	if err := validateItems(in.Items); err != nil {
		return AssignResult{}, err
	}
	items := append([]AssignItem(nil), in.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].DepositID < items[j].DepositID })
	fp := fingerprint(items, in.DestinationID)

	var out AssignResult
	err := e.inTx(ctx, "allocation.assign", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		w, err := getWithdraw(ctx, tx, in.WithdrawID, true)
		if err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			prior, found, err := loadAssignResult(ctx, tx, w.ID, in.IdempotencyKey, fp)
			if err != nil {
				return err
			}
			if found {
				out = prior
				return nil
			}
		}
		if w.Status.Terminal() {
			return apperr.InvalidState("withdraw request %s is %s", w.ID, w.Status)
		}
		if total := sum(items); total.GreaterThan(w.RemainingToAssign()) {
			return apperr.Conflict("requested %s exceeds remaining %s of withdraw request %s", total, w.RemainingToAssign(), w.ID)
		}

		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.DepositID
		}
		deposits, err := lockDeposits(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, it := range items {
			d := deposits[it.DepositID]
			switch {
			case d.Status.Terminal():
				return apperr.InvalidState("deposit request %s is %s", d.ID, d.Status)
			case d.UserID == w.UserID:
				return apperr.InvalidState("deposit request %s belongs to the withdrawing user", d.ID)
			case d.InstrumentCode != w.InstrumentCode:
				return apperr.InvalidState("deposit request %s is in %s, withdrawal in %s", d.ID, d.InstrumentCode, w.InstrumentCode)
			case it.Amount.GreaterThan(d.RemainingAmount()):
				return apperr.Conflict("requested %s exceeds remaining %s of deposit request %s", it.Amount, d.RemainingAmount(), d.ID)
			}
		}

		dest, err := e.resolveDestination(ctx, tx, w, in.DestinationID)
		if err != nil {
			return err
		}

		now := e.clock()
		withdrawRef := types.NewRef(types.RefTypeWithdrawRequest, w.ID)
		created := make([]Allocation, 0, len(items))
		for _, it := range items {
			d := deposits[it.DepositID]
			code, err := newPaymentCode()
			if err != nil {
				return err
			}
			a := Allocation{
				ID:             uuid.NewString(),
				WithdrawID:     w.ID,
				DepositID:      d.ID,
				PayerUserID:    d.UserID,
				ReceiverUserID: w.UserID,
				InstrumentCode: w.InstrumentCode,
				Amount:         it.Amount,
				Status:         types.AllocationStatusAssigned,
				PaymentCode:    code,
				Destination:    dest,
				ExpiresAt:      now.Add(e.cfg.AllocationTTL),
				ProofFileIDs:   []string{},
			}
			if err := insertAllocation(ctx, tx, &a); err != nil {
				return err
			}
			if _, err := e.ledger.SplitReservation(ctx, tx, withdrawRef, a.ref(), a.Amount); err != nil {
				return err
			}
			if _, err := e.limits.Split(ctx, tx, withdrawRef, a.ref(), a.Amount); err != nil {
				return err
			}
			if _, err := e.limits.Split(ctx, tx, types.NewRef(types.RefTypeDepositRequest, d.ID), a.ref(), a.Amount); err != nil {
				return err
			}
			d.AssignedTotal = d.AssignedTotal.Add(a.Amount)
			if err := saveDepositTotals(ctx, tx, &d); err != nil {
				return err
			}
			deposits[d.ID] = d
			w.AssignedTotal = w.AssignedTotal.Add(a.Amount)
			created = append(created, a)
		}
		if err := saveWithdrawTotals(ctx, tx, &w); err != nil {
			return err
		}

		out = AssignResult{Withdraw: w, Allocations: created}
		if in.IdempotencyKey != "" {
			if err := storeAssignResult(ctx, tx, w.ID, in.IdempotencyKey, fp, out); err != nil {
				return err
			}
		}
		for _, a := range created {
			if err := e.emitAllocation(ctx, tx, fx, EventAllocationAssigned, a); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// resolveDestination snapshots the payout destination for a new allocation,
// falling back to the one stored on the withdrawal.
func (e *Engine) resolveDestination(ctx context.Context, tx pgx.Tx, w WithdrawRequest, destinationID string) (Destination, error) {
	if e.dest == nil {
		return Destination{}, nil
	}
	if destinationID == "" {
		destinationID = w.DestinationID
	}
	if destinationID == "" {
		return Destination{}, apperr.InvalidInput("withdraw request %s has no payout destination", w.ID)
	}
	return e.dest.Resolve(ctx, tx, w.UserID, destinationID)
}

func loadAssignResult(ctx context.Context, tx pgx.Tx, withdrawID, key string, fp []byte) (AssignResult, bool, error) {
	var (
		stored []byte
		raw    []byte
	)
	err := tx.QueryRow(ctx, "SELECT fingerprint, result FROM allocation_idempotency WHERE withdraw_id = $1 AND idempotency_key = $2", withdrawID, key).Scan(&stored, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return AssignResult{}, false, nil
	}
	if err != nil {
		return AssignResult{}, false, err
	}
	if !bytes.Equal(stored, fp) {
		return AssignResult{}, false, apperr.Conflict("idempotency key %q was used with different items", key)
	}
	var res AssignResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AssignResult{}, false, err
	}
	res.Replayed = true
	return res, true, nil
}

func storeAssignResult(ctx context.Context, tx pgx.Tx, withdrawID, key string, fp []byte, res AssignResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "INSERT INTO allocation_idempotency (withdraw_id, idempotency_key, fingerprint, result) VALUES ($1, $2, $3, $4)", withdrawID, key, fp, raw)
	return err
}
