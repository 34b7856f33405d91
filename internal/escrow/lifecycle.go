package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/ledger"
	"lv-escrow/internal/types"
)

// SubmitPayerProof attaches proof of the off-platform payment. Only the
// payer may call it, at most MaxProofAttempts times and before any
// confirmation.
func (e *Engine) SubmitPayerProof(ctx context.Context, allocationID, payerID string, proof Proof) (Allocation, error) {
	if len(proof.FileIDs) == 0 {
		return Allocation{}, apperr.InvalidInput("at least one proof file is required")
	}
	var out Allocation
	err := e.inTx(ctx, "allocation.proof", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		_, _, a, err := lockAllocationChain(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := checkProof(a, payerID, now, e.cfg.MaxProofAttempts); err != nil {
			return err
		}
		if e.proofs != nil {
			if err := e.proofs.VerifyFiles(ctx, tx, payerID, proof.FileIDs); err != nil {
				return err
			}
		}
		a.ProofAttempts++
		a.ProofFileIDs = append([]string(nil), proof.FileIDs...)
		a.ProofNote = strings.TrimSpace(proof.Note)
		a.ProofSubmittedAt = &now
		if a.PayerPaidAt == nil {
			a.PayerPaidAt = &now
		}
		a.Status = types.AllocationStatusProofSubmitted
		if err := saveAllocation(ctx, tx, &a); err != nil {
			return err
		}
		out = a
		return e.emitAllocation(ctx, tx, fx, EventAllocationProof, a)
	})
	return out, err
}

// ReceiverConfirm records the receiver's answer. A rejection opens a
// dispute and needs a reason.
func (e *Engine) ReceiverConfirm(ctx context.Context, allocationID, receiverID string, dec Decision) (Allocation, error) {
	reason := strings.TrimSpace(dec.Reason)
	if !dec.Approve && reason == "" {
		return Allocation{}, apperr.InvalidInput("a reason is required to reject")
	}
	var out Allocation
	err := e.inTx(ctx, "allocation.receiver_confirm", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		_, _, a, err := lockAllocationChain(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := checkReceiverConfirm(a, receiverID, e.cfg.ConfirmationMode, now); err != nil {
			return err
		}
		event := EventAllocationConfirmed
		if dec.Approve {
			a.ReceiverConfirmedAt = &now
			if a.Status != types.AllocationStatusAdminVerified {
				a.Status = types.AllocationStatusReceiverConfirmed
			}
		} else {
			dispute(&a, reason, now)
			event = EventAllocationDisputed
		}
		if err := saveAllocation(ctx, tx, &a); err != nil {
			return err
		}
		out = a
		return e.emitAllocation(ctx, tx, fx, event, a)
	})
	return out, err
}

// AdminVerify records an admin's review of the proof.
func (e *Engine) AdminVerify(ctx context.Context, allocationID string, admin Actor, dec Decision) (Allocation, error) {
	if !admin.Admin {
		return Allocation{}, apperr.Forbidden("only an admin may verify")
	}
	var out Allocation
	err := e.inTx(ctx, "allocation.admin_verify", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		_, _, a, err := lockAllocationChain(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := checkAdminVerify(a, now); err != nil {
			return err
		}
		event := EventAllocationVerified
		if dec.Approve {
			a.AdminVerifiedAt = &now
			a.AdminVerifiedBy = admin.UserID
			a.Status = types.AllocationStatusAdminVerified
		} else {
			reason := strings.TrimSpace(dec.Reason)
			if reason == "" {
				reason = "rejected by admin"
			}
			dispute(&a, reason, now)
			event = EventAllocationDisputed
		}
		if err := saveAllocation(ctx, tx, &a); err != nil {
			return err
		}
		out = a
		return e.emitAllocation(ctx, tx, fx, event, a)
	})
	return out, err
}

func dispute(a *Allocation, reason string, now time.Time) {
	a.Status = types.AllocationStatusDisputed
	a.DisputeReason = reason
	a.DisputedAt = &now
}

// Finalize settles an allocation: the receiver's held funds are debited
// and the payer credited with the same amount. Calling it again returns
// the original settlement.
func (e *Engine) Finalize(ctx context.Context, allocationID string, admin Actor) (Settlement, error) {
	if !admin.Admin {
		return Settlement{}, apperr.Forbidden("only an admin may finalize")
	}
	var out Settlement
	err := e.inTx(ctx, "allocation.finalize", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		w, d, a, err := lockAllocationChain(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		if a.Status == types.AllocationStatusSettled {
			out = Settlement{Allocation: a, DebitTxID: a.DebitTxID, CreditTxID: a.CreditTxID, Replayed: true}
			return nil
		}
		ref := a.ref()
		posted, err := e.ledger.TransactionsByRef(ctx, tx, ref)
		if err != nil {
			return err
		}
		replayed := len(posted) > 0
		if replayed {
			// Postings exist but the allocation was never marked; finish the
			// bookkeeping without posting again.
			for _, t := range posted {
				switch t.Type {
				case types.TransactionTypeP2PDebit:
					a.DebitTxID = t.ID
				case types.TransactionTypeP2PCredit:
					a.CreditTxID = t.ID
				}
			}
		} else {
			now := e.clock()
			if err := checkFinalize(a, e.cfg.ConfirmationMode, now); err != nil {
				return err
			}
			debit, credit, err := e.settle(ctx, tx, a, admin.label())
			if err != nil {
				return err
			}
			a.DebitTxID, a.CreditTxID = debit.ID, credit.ID
		}

		now := e.clock()
		a.Status = types.AllocationStatusSettled
		a.SettledAt = &now
		a.SettledBy = admin.label()
		if err := saveAllocation(ctx, tx, &a); err != nil {
			return err
		}
		if err := e.settleTotals(ctx, tx, fx, &w, &d, a); err != nil {
			return err
		}
		out = Settlement{Allocation: a, DebitTxID: a.DebitTxID, CreditTxID: a.CreditTxID, Replayed: replayed}
		return e.emitAllocation(ctx, tx, fx, EventAllocationSettled, a)
	})
	return out, err
}

// settle posts the two legs of a settlement and closes the allocation's
// quota holds.
func (e *Engine) settle(ctx context.Context, tx pgx.Tx, a Allocation, by string) (ledger.Transaction, ledger.Transaction, error) {
	ref := a.ref()
	holds, err := e.ledger.Reservations(ctx, tx, ref)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	if len(holds) != 1 || holds[0].Status != types.ReservationStatusReserved {
		return ledger.Transaction{}, ledger.Transaction{}, apperr.InvalidState("allocation %s has no open fund hold", a.ID)
	}
	payer, err := e.ledger.GetOrCreateAccount(ctx, tx, a.PayerUserID, a.InstrumentCode)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	if _, err := e.ledger.LockAccounts(ctx, tx, holds[0].AccountID, payer.ID); err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	debits, err := e.ledger.ConsumeFunds(ctx, tx, ref, types.TransactionTypeP2PDebit, by)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	if len(debits) != 1 {
		return ledger.Transaction{}, ledger.Transaction{}, apperr.InvalidState("allocation %s: expected one debit, got %d", a.ID, len(debits))
	}
	credit, err := e.ledger.ApplyTransaction(ctx, tx, payer.ID, a.Amount, types.TransactionTypeP2PCredit, ref, by)
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	if err := e.limits.Consume(ctx, tx, ref); err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, err
	}
	return debits[0], credit, nil
}

// settleTotals adds a settled allocation to both requests. The withdrawal's
// count quota is spent on its first settlement; a fully settled request
// spends whatever it still holds.
func (e *Engine) settleTotals(ctx context.Context, tx pgx.Tx, fx *effects, w *WithdrawRequest, d *DepositRequest, a Allocation) error {
	withdrawRef := types.NewRef(types.RefTypeWithdrawRequest, w.ID)
	w.SettledTotal = w.SettledTotal.Add(a.Amount)
	if err := saveWithdrawTotals(ctx, tx, w); err != nil {
		return err
	}
	if err := e.limits.Consume(ctx, tx, withdrawRef, types.MetricCount); err != nil {
		return err
	}
	if w.Status == types.RequestStatusSettled {
		if _, err := e.ledger.ConsumeFunds(ctx, tx, withdrawRef, types.TransactionTypeWithdraw, a.SettledBy); err != nil {
			return err
		}
		if err := e.limits.Consume(ctx, tx, withdrawRef); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, fx, EventWithdrawSettled, "withdraw_request", w.ID, *w, []string{w.UserID}); err != nil {
			return err
		}
	}

	d.SettledTotal = d.SettledTotal.Add(a.Amount)
	if err := saveDepositTotals(ctx, tx, d); err != nil {
		return err
	}
	if d.Status == types.RequestStatusSettled {
		return e.limits.Consume(ctx, tx, types.NewRef(types.RefTypeDepositRequest, d.ID))
	}
	return nil
}

// CancelAllocation returns an allocation's holds to its requests. Admins
// may cancel any open allocation; the payer only before submitting proof.
// Cancelling twice is a no-op.
func (e *Engine) CancelAllocation(ctx context.Context, allocationID string, actor Actor) (Allocation, error) {
	var out Allocation
	err := e.inTx(ctx, "allocation.cancel", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		w, d, a, err := lockAllocationChain(ctx, tx, allocationID)
		if err != nil {
			return err
		}
		replay, err := checkCancel(a, actor)
		if err != nil {
			return err
		}
		if replay {
			out = a
			return nil
		}
		if err := e.unwind(ctx, tx, &w, &d, &a, types.AllocationStatusCancelled); err != nil {
			return err
		}
		out = a
		return e.emitAllocation(ctx, tx, fx, EventAllocationCancelled, a)
	})
	return out, err
}

// unwind merges the allocation's holds back into the request holds and
// takes its amount off both requests' assigned totals.
func (e *Engine) unwind(ctx context.Context, tx pgx.Tx, w *WithdrawRequest, d *DepositRequest, a *Allocation, status types.AllocationStatus) error {
	ref := a.ref()
	if err := e.ledger.MergeReservationBack(ctx, tx, ref); err != nil {
		return err
	}
	if err := e.limits.MergeBack(ctx, tx, ref); err != nil {
		return err
	}
	w.AssignedTotal = w.AssignedTotal.Sub(a.Amount)
	if err := saveWithdrawTotals(ctx, tx, w); err != nil {
		return err
	}
	d.AssignedTotal = d.AssignedTotal.Sub(a.Amount)
	if err := saveDepositTotals(ctx, tx, d); err != nil {
		return err
	}
	now := e.clock()
	a.Status = status
	if status == types.AllocationStatusExpired {
		a.ExpiredAt = &now
	} else {
		a.CancelledAt = &now
	}
	return saveAllocation(ctx, tx, a)
}

// GetAllocation returns an allocation visible to actor.
func (e *Engine) GetAllocation(ctx context.Context, allocationID string, actor Actor) (Allocation, error) {
	return db.InTxResult(ctx, e.runner, "allocation.get", func(ctx context.Context, tx pgx.Tx) (Allocation, error) {
		a, err := getAllocation(ctx, tx, allocationID, false)
		if err != nil {
			return Allocation{}, err
		}
		if !actor.Admin && actor.UserID != a.PayerUserID && actor.UserID != a.ReceiverUserID {
			return Allocation{}, apperr.Forbidden("not a party to allocation %s", allocationID)
		}
		return a, nil
	})
}

// ListAllocations filters allocations. Non-admin callers only see their own.
func (e *Engine) ListAllocations(ctx context.Context, f AllocationFilter, actor Actor) ([]Allocation, error) {
	if !actor.Admin {
		f.UserID = actor.UserID
	}
	return db.InTxResult(ctx, e.runner, "allocation.list", func(ctx context.Context, tx pgx.Tx) ([]Allocation, error) {
		return listAllocations(ctx, tx, f)
	})
}
