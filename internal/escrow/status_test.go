package escrow

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDeriveRequestStatus(t *testing.T) {
	cases := []struct {
		name   string
		totals Totals
		want   types.RequestStatus
	}{
		{"untouched", Totals{Amount: dec("100")}, types.RequestStatusWaitingAssignment},
		{"partly assigned", Totals{Amount: dec("100"), Assigned: dec("40")}, types.RequestStatusPartiallyAssigned},
		{"fully assigned", Totals{Amount: dec("100"), Assigned: dec("100")}, types.RequestStatusFullyAssigned},
		{"partly settled", Totals{Amount: dec("100"), Assigned: dec("100"), Settled: dec("30")}, types.RequestStatusPartiallySettled},
		{"settled", Totals{Amount: dec("100"), Assigned: dec("100"), Settled: dec("100.00")}, types.RequestStatusSettled},
		{"cancel wins", Totals{Amount: dec("100"), Settled: dec("100"), Cancelled: true}, types.RequestStatusCancelled},
		{"expiry wins", Totals{Amount: dec("100"), Assigned: dec("10"), Expired: true}, types.RequestStatusExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveRequestStatus(tc.totals))
		})
	}
}

func allocation(status types.AllocationStatus, now time.Time) Allocation {
	return Allocation{
		ID:             "a1",
		PayerUserID:    "payer",
		ReceiverUserID: "receiver",
		Amount:         dec("20"),
		Status:         status,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func requireKind(t *testing.T, kind apperr.Kind, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), err.Error())
}

func TestCheckProof(t *testing.T) {
	now := time.Now()

	require.NoError(t, checkProof(allocation(types.AllocationStatusAssigned, now), "payer", now, 2))
	require.NoError(t, checkProof(allocation(types.AllocationStatusProofSubmitted, now), "payer", now, 2))

	requireKind(t, apperr.KindForbidden, checkProof(allocation(types.AllocationStatusAssigned, now), "receiver", now, 2))

	late := allocation(types.AllocationStatusAssigned, now)
	late.ExpiresAt = now.Add(-time.Second)
	requireKind(t, apperr.KindInvalidState, checkProof(late, "payer", now, 2))

	exhausted := allocation(types.AllocationStatusProofSubmitted, now)
	exhausted.ProofAttempts = 2
	requireKind(t, apperr.KindInvalidState, checkProof(exhausted, "payer", now, 2))

	confirmed := allocation(types.AllocationStatusProofSubmitted, now)
	confirmed.ReceiverConfirmedAt = &now
	requireKind(t, apperr.KindInvalidState, checkProof(confirmed, "payer", now, 2))

	requireKind(t, apperr.KindInvalidState, checkProof(allocation(types.AllocationStatusDisputed, now), "payer", now, 2))
}

func TestCheckReceiverConfirm(t *testing.T) {
	now := time.Now()
	submitted := allocation(types.AllocationStatusProofSubmitted, now)

	require.NoError(t, checkReceiverConfirm(submitted, "receiver", types.ConfirmationModeReceiver, now))
	require.NoError(t, checkReceiverConfirm(allocation(types.AllocationStatusAdminVerified, now), "receiver", types.ConfirmationModeBoth, now))

	requireKind(t, apperr.KindInvalidState, checkReceiverConfirm(submitted, "receiver", types.ConfirmationModeAdmin, now))
	requireKind(t, apperr.KindForbidden, checkReceiverConfirm(submitted, "payer", types.ConfirmationModeReceiver, now))
	requireKind(t, apperr.KindInvalidState, checkReceiverConfirm(allocation(types.AllocationStatusAssigned, now), "receiver", types.ConfirmationModeReceiver, now))

	again := submitted
	again.ReceiverConfirmedAt = &now
	requireKind(t, apperr.KindInvalidState, checkReceiverConfirm(again, "receiver", types.ConfirmationModeReceiver, now))
}

func TestCheckAdminVerify(t *testing.T) {
	now := time.Now()
	require.NoError(t, checkAdminVerify(allocation(types.AllocationStatusProofSubmitted, now), now))
	require.NoError(t, checkAdminVerify(allocation(types.AllocationStatusReceiverConfirmed, now), now))
	requireKind(t, apperr.KindInvalidState, checkAdminVerify(allocation(types.AllocationStatusAssigned, now), now))
	requireKind(t, apperr.KindInvalidState, checkAdminVerify(allocation(types.AllocationStatusSettled, now), now))
}

func TestCheckFinalize(t *testing.T) {
	now := time.Now()
	confirmed := allocation(types.AllocationStatusReceiverConfirmed, now)
	confirmed.ReceiverConfirmedAt = &now

	require.NoError(t, checkFinalize(confirmed, types.ConfirmationModeReceiver, now))
	require.NoError(t, checkFinalize(confirmed, types.ConfirmationModeReceiverOrAdmin, now))
	requireKind(t, apperr.KindInvalidState, checkFinalize(confirmed, types.ConfirmationModeBoth, now))
	requireKind(t, apperr.KindInvalidState, checkFinalize(confirmed, types.ConfirmationModeAdmin, now))

	disputed := confirmed
	disputed.Status = types.AllocationStatusDisputed
	requireKind(t, apperr.KindInvalidState, checkFinalize(disputed, types.ConfirmationModeReceiver, now))

	expired := allocation(types.AllocationStatusAssigned, now)
	expired.ExpiresAt = now.Add(-time.Minute)
	expired.AdminVerifiedAt = &now
	requireKind(t, apperr.KindInvalidState, checkFinalize(expired, types.ConfirmationModeAdmin, now))
}

func TestCheckCancel(t *testing.T) {
	now := time.Now()
	payer := Actor{UserID: "payer"}
	receiver := Actor{UserID: "receiver"}
	admin := Actor{UserID: "ops", Admin: true}

	cases := []struct {
		name   string
		status types.AllocationStatus
		actor  Actor
		replay bool
		kind   apperr.Kind
	}{
		{"payer backs out", types.AllocationStatusAssigned, payer, false, ""},
		{"admin cancels dispute", types.AllocationStatusDisputed, admin, false, ""},
		{"payer after proof", types.AllocationStatusProofSubmitted, payer, false, apperr.KindInvalidState},
		{"receiver cannot cancel", types.AllocationStatusAssigned, receiver, false, apperr.KindForbidden},
		{"settled replays", types.AllocationStatusSettled, admin, true, ""},
		{"expired replays", types.AllocationStatusExpired, payer, true, ""},
		{"cancelled replays", types.AllocationStatusCancelled, receiver, true, ""},
		{"stranger on terminal", types.AllocationStatusSettled, Actor{UserID: "mallory"}, false, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			replay, err := checkCancel(allocation(tc.status, now), tc.actor)
			if tc.kind != "" {
				requireKind(t, tc.kind, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.replay, replay)
		})
	}
}

func TestExpirable(t *testing.T) {
	now := time.Now()
	a := allocation(types.AllocationStatusAssigned, now)
	assert.False(t, expirable(a, now))
	assert.True(t, expirable(a, a.ExpiresAt))

	a.Status = types.AllocationStatusProofSubmitted
	assert.False(t, expirable(a, a.ExpiresAt.Add(time.Hour)))
}

func TestValidateItems(t *testing.T) {
	requireKind(t, apperr.KindInvalidInput, validateItems(nil))
	requireKind(t, apperr.KindInvalidInput, validateItems([]AssignItem{{DepositID: "d1", Amount: dec("0")}}))
	requireKind(t, apperr.KindInvalidInput, validateItems([]AssignItem{{DepositID: "d1", Amount: dec("1")}, {DepositID: "d1", Amount: dec("2")}}))
	require.NoError(t, validateItems([]AssignItem{{DepositID: "d1", Amount: dec("1")}, {DepositID: "d2", Amount: dec("2")}}))
}
