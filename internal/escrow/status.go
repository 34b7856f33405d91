package escrow

import (
	"time"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/types"
)

// DeriveRequestStatus computes a request status from its totals. Explicit
// cancellation or expiry wins over the numbers.
func DeriveRequestStatus(t Totals) types.RequestStatus {
	switch {
	case t.Cancelled:
		return types.RequestStatusCancelled
	case t.Expired:
		return types.RequestStatusExpired
	case t.Settled.GreaterThanOrEqual(t.Amount):
		return types.RequestStatusSettled
	case t.Settled.IsPositive():
		return types.RequestStatusPartiallySettled
	case t.Assigned.GreaterThanOrEqual(t.Amount):
		return types.RequestStatusFullyAssigned
	case t.Assigned.IsPositive():
		return types.RequestStatusPartiallyAssigned
	}
	return types.RequestStatusWaitingAssignment
}

func closed(a Allocation, now time.Time) error {
	switch a.Status {
	case types.AllocationStatusSettled:
		return apperr.InvalidState("allocation %s already settled", a.ID)
	case types.AllocationStatusCancelled:
		return apperr.InvalidState("allocation %s cancelled", a.ID)
	case types.AllocationStatusExpired:
		return apperr.InvalidState("allocation %s expired", a.ID)
	case types.AllocationStatusAssigned:
		if !now.Before(a.ExpiresAt) {
			return apperr.InvalidState("allocation %s expired", a.ID)
		}
	}
	return nil
}

func checkProof(a Allocation, payerID string, now time.Time, maxAttempts int) error {
	if a.PayerUserID != payerID {
		return apperr.Forbidden("only the payer may submit proof")
	}
	if err := closed(a, now); err != nil {
		return err
	}
	if a.Status != types.AllocationStatusAssigned && a.Status != types.AllocationStatusProofSubmitted {
		return apperr.InvalidState("allocation %s is %s", a.ID, a.Status)
	}
	if a.ReceiverConfirmedAt != nil || a.AdminVerifiedAt != nil {
		return apperr.InvalidState("allocation %s already confirmed", a.ID)
	}
	if now.After(a.ExpiresAt) {
		return apperr.InvalidState("allocation %s expired", a.ID)
	}
	if maxAttempts > 0 && a.ProofAttempts >= maxAttempts {
		return apperr.InvalidState("allocation %s: proof attempts exhausted (%d)", a.ID, maxAttempts)
	}
	return nil
}

func checkReceiverConfirm(a Allocation, receiverID string, mode types.ConfirmationMode, now time.Time) error {
	if mode == types.ConfirmationModeAdmin {
		return apperr.InvalidState("receiver confirmation is disabled")
	}
	if a.ReceiverUserID != receiverID {
		return apperr.Forbidden("only the receiver may confirm")
	}
	if err := closed(a, now); err != nil {
		return err
	}
	if a.ReceiverConfirmedAt != nil {
		return apperr.InvalidState("allocation %s already confirmed by receiver", a.ID)
	}
	if a.Status != types.AllocationStatusProofSubmitted && a.Status != types.AllocationStatusAdminVerified {
		return apperr.InvalidState("allocation %s is %s", a.ID, a.Status)
	}
	return nil
}

func checkAdminVerify(a Allocation, now time.Time) error {
	if err := closed(a, now); err != nil {
		return err
	}
	if a.AdminVerifiedAt != nil {
		return apperr.InvalidState("allocation %s already verified", a.ID)
	}
	if a.Status != types.AllocationStatusProofSubmitted && a.Status != types.AllocationStatusReceiverConfirmed {
		return apperr.InvalidState("allocation %s is %s", a.ID, a.Status)
	}
	return nil
}

func checkFinalize(a Allocation, mode types.ConfirmationMode, now time.Time) error {
	if a.Status == types.AllocationStatusDisputed {
		return apperr.InvalidState("allocation %s is disputed", a.ID)
	}
	if err := closed(a, now); err != nil {
		return err
	}
	if !mode.Satisfied(a.ReceiverConfirmedAt != nil, a.AdminVerifiedAt != nil) {
		return apperr.InvalidState("allocation %s not finalizable yet under %s confirmation", a.ID, mode)
	}
	return nil
}

// checkCancel allows admins to cancel any open allocation and the payer to
// back out before any proof is submitted. A terminal allocation is reported
// back to its parties as it stands, with replay set.
func checkCancel(a Allocation, actor Actor) (replay bool, err error) {
	if a.Status.Terminal() {
		if !actor.Admin && actor.UserID != a.PayerUserID && actor.UserID != a.ReceiverUserID {
			return false, apperr.Forbidden("not a party to allocation %s", a.ID)
		}
		return true, nil
	}
	if actor.Admin {
		return false, nil
	}
	if actor.UserID != a.PayerUserID {
		return false, apperr.Forbidden("only the payer or an admin may cancel")
	}
	if a.Status != types.AllocationStatusAssigned {
		return false, apperr.InvalidState("allocation %s is %s; ask an admin to cancel", a.ID, a.Status)
	}
	return false, nil
}

func expirable(a Allocation, now time.Time) bool {
	return a.Status == types.AllocationStatusAssigned && !now.Before(a.ExpiresAt)
}
