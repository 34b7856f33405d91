package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/events"
	"lv-escrow/internal/ledger"
	"lv-escrow/internal/limits"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/testutil"
	"lv-escrow/internal/types"
)

type staticDestinations struct{}

func (staticDestinations) Resolve(_ context.Context, _ pgx.Tx, _ string, id string) (Destination, error) {
	return Destination{ID: id, Type: "CARD", Value: "8600123412341234", MaskedValue: "8600 **** **** 1234", BankName: "Test Bank"}, nil
}

type fixture struct {
	engine *Engine
	runner *db.Runner
	ledger *ledger.Service
	limits *limits.Tracker
	store  *policy.Store
	bus    *events.Bus
}

var admin = Actor{UserID: "ops", Admin: true}

func setup(t *testing.T) fixture {
	pool := testutil.SetupTestDB(t)
	runner := testutil.Runner(pool)
	store := policy.NewStore()
	resolver := policy.NewResolver(store)
	f := fixture{
		runner: runner,
		ledger: ledger.NewService(),
		limits: limits.NewTracker(resolver, nil),
		store:  store,
		bus:    events.NewBus(),
	}
	f.engine = NewEngine(Deps{
		Runner:       runner,
		Ledger:       f.ledger,
		Limits:       f.limits,
		Policy:       resolver,
		Destinations: staticDestinations{},
		Events:       f.bus,
	}, Config{AllocationTTL: time.Hour, ExpiringSoon: 2 * time.Hour, ConfirmationMode: types.ConfirmationModeReceiver})
	return f
}

func (f fixture) fund(t *testing.T, owner, amount string) {
	t.Helper()
	require.NoError(t, f.runner.InTx(context.Background(), "fund", func(ctx context.Context, tx pgx.Tx) error {
		_, err := f.ledger.Fund(ctx, tx, owner, "UZS", dec(amount), types.NewRef(types.RefTypeManual, "fund-"+owner), "test")
		return err
	}))
}

func (f fixture) account(t *testing.T, owner string) ledger.Account {
	t.Helper()
	acct, err := db.InTxResult(context.Background(), f.runner, "account", func(ctx context.Context, tx pgx.Tx) (ledger.Account, error) {
		return f.ledger.FindAccount(ctx, tx, owner, "UZS")
	})
	require.NoError(t, err)
	return acct
}

func (f fixture) holds(t *testing.T, ref types.Ref) []ledger.Reservation {
	t.Helper()
	out, err := db.InTxResult(context.Background(), f.runner, "holds", func(ctx context.Context, tx pgx.Tx) ([]ledger.Reservation, error) {
		return f.ledger.Reservations(ctx, tx, ref)
	})
	require.NoError(t, err)
	return out
}

func (f fixture) quotaHolds(t *testing.T, ref types.Ref) []limits.Reservation {
	t.Helper()
	out, err := db.InTxResult(context.Background(), f.runner, "quota", func(ctx context.Context, tx pgx.Tx) ([]limits.Reservation, error) {
		return f.limits.Reservations(ctx, tx, ref)
	})
	require.NoError(t, err)
	return out
}

func (f fixture) withdraw(t *testing.T, user, amount string) WithdrawRequest {
	t.Helper()
	w, err := f.engine.CreateWithdrawRequest(context.Background(), WithdrawInput{UserID: user, InstrumentCode: "UZS", Amount: dec(amount)})
	require.NoError(t, err)
	return w
}

func (f fixture) deposit(t *testing.T, user, amount string) DepositRequest {
	t.Helper()
	d, err := f.engine.CreateDepositRequest(context.Background(), DepositInput{UserID: user, InstrumentCode: "UZS", Amount: dec(amount)})
	require.NoError(t, err)
	return d
}

func (f fixture) assign(withdrawID, key string, items ...AssignItem) (AssignResult, error) {
	return f.engine.Assign(context.Background(), AssignInput{
		WithdrawID:     withdrawID,
		Items:          items,
		IdempotencyKey: key,
		DestinationID:  destinationID,
		Admin:          admin,
	})
}

var destinationID = uuid.NewString()

func TestIntegrationAssignUpToRemaining(t *testing.T) {
	f := setup(t)
	f.fund(t, "alice", "100")
	w := f.withdraw(t, "alice", "100")
	d1 := f.deposit(t, "bob", "50")
	d2 := f.deposit(t, "carol", "50")
	d3 := f.deposit(t, "dave", "40")

	res, err := f.assign(w.ID, "", AssignItem{DepositID: d1.ID, Amount: dec("40")}, AssignItem{DepositID: d2.ID, Amount: dec("30")})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)
	assert.True(t, res.Withdraw.RemainingToAssign().Equal(dec("30")))
	assert.Equal(t, types.RequestStatusPartiallyAssigned, res.Withdraw.Status)
	for _, a := range res.Allocations {
		assert.Equal(t, types.AllocationStatusAssigned, a.Status)
		assert.Len(t, a.PaymentCode, paymentCodeLength)
		assert.Equal(t, "8600 **** **** 1234", a.Destination.MaskedValue)
		assert.Equal(t, "alice", a.ReceiverUserID)
	}

	_, err = f.assign(w.ID, "", AssignItem{DepositID: d3.ID, Amount: dec("31")})
	require.ErrorIs(t, err, apperr.ErrConflict)

	res, err = f.assign(w.ID, "", AssignItem{DepositID: d3.ID, Amount: dec("30")})
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusFullyAssigned, res.Withdraw.Status)

	parent := f.holds(t, types.NewRef(types.RefTypeWithdrawRequest, w.ID))
	require.Len(t, parent, 1)
	assert.True(t, parent[0].Amount.IsZero())
	acct := f.account(t, "alice")
	assert.True(t, acct.BlockedBalance.Equal(dec("100")), "blocked balance is unchanged by splits")

	d3, err = f.engine.GetDepositRequest(context.Background(), d3.ID, Actor{UserID: "dave"})
	require.NoError(t, err)
	assert.True(t, d3.RemainingAmount().Equal(dec("10")))
	assert.Equal(t, types.RequestStatusPartiallyAssigned, d3.Status)
}

func TestIntegrationAssignRejectsSelfMatchAndOverDeposit(t *testing.T) {
	f := setup(t)
	f.fund(t, "alice", "100")
	w := f.withdraw(t, "alice", "100")
	own := f.deposit(t, "alice", "50")
	small := f.deposit(t, "bob", "10")

	_, err := f.assign(w.ID, "", AssignItem{DepositID: own.ID, Amount: dec("10")})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.assign(w.ID, "", AssignItem{DepositID: small.ID, Amount: dec("11")})
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.engine.Assign(context.Background(), AssignInput{WithdrawID: w.ID, Items: []AssignItem{{DepositID: small.ID, Amount: dec("1")}}, Admin: Actor{UserID: "bob"}})
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestIntegrationAssignIdempotencyKey(t *testing.T) {
	f := setup(t)
	f.fund(t, "alice", "100")
	w := f.withdraw(t, "alice", "100")
	d1 := f.deposit(t, "bob", "50")

	first, err := f.assign(w.ID, "k1", AssignItem{DepositID: d1.ID, Amount: dec("40")})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := f.assign(w.ID, "k1", AssignItem{DepositID: d1.ID, Amount: dec("40.00")})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	require.Len(t, again.Allocations, 1)
	assert.Equal(t, first.Allocations[0].ID, again.Allocations[0].ID)

	_, err = f.assign(w.ID, "k1", AssignItem{DepositID: d1.ID, Amount: dec("41")})
	require.ErrorIs(t, err, apperr.ErrConflict)

	got, err := f.engine.GetWithdrawRequest(context.Background(), w.ID, admin)
	require.NoError(t, err)
	assert.True(t, got.AssignedTotal.Equal(dec("40")))
}

func TestIntegrationExpirySweepRestoresHolds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "alice", "100")
	w := f.withdraw(t, "alice", "100")
	d1 := f.deposit(t, "bob", "50")
	withdrawRef := types.NewRef(types.RefTypeWithdrawRequest, w.ID)

	before := f.quotaHolds(t, withdrawRef)
	res, err := f.assign(w.ID, "", AssignItem{DepositID: d1.ID, Amount: dec("20")})
	require.NoError(t, err)
	a := res.Allocations[0]
	assert.True(t, f.holds(t, withdrawRef)[0].Amount.Equal(dec("80")))

	soon, err := f.engine.ExpiringSoon(ctx)
	require.NoError(t, err)
	require.Len(t, soon, 1)
	assert.Equal(t, a.ID, soon[0].ID)

	f.engine.now = func() time.Time { return a.ExpiresAt.Add(time.Second) }
	summary, err := f.engine.ExpireAllocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Scanned: 1, Expired: 1}, summary)

	got, err := f.engine.GetAllocation(ctx, a.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusExpired, got.Status)
	require.NotNil(t, got.ExpiredAt)

	again, err := f.engine.CancelAllocation(ctx, a.ID, Actor{UserID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusExpired, again.Status)
	_, err = f.engine.CancelAllocation(ctx, a.ID, Actor{UserID: "mallory"})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	wr, err := f.engine.GetWithdrawRequest(ctx, w.ID, admin)
	require.NoError(t, err)
	assert.True(t, wr.AssignedTotal.IsZero())
	assert.Equal(t, types.RequestStatusWaitingAssignment, wr.Status)

	parent := f.holds(t, withdrawRef)
	require.Len(t, parent, 1)
	assert.True(t, parent[0].Amount.Equal(dec("100")))
	assert.Empty(t, f.holds(t, a.ref()))

	after := f.quotaHolds(t, withdrawRef)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Amount.Equal(after[i].Amount), "quota hold %s", before[i].ID)
	}

	summary, err = f.engine.ExpireAllocations(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)
}

func (f fixture) confirmed(t *testing.T) Allocation {
	t.Helper()
	ctx := context.Background()
	f.fund(t, "alice", "100")
	w := f.withdraw(t, "alice", "100")
	d1 := f.deposit(t, "bob", "100")
	res, err := f.assign(w.ID, "", AssignItem{DepositID: d1.ID, Amount: dec("100")})
	require.NoError(t, err)
	a := res.Allocations[0]

	a, err = f.engine.SubmitPayerProof(ctx, a.ID, "bob", Proof{FileIDs: []string{uuid.NewString()}, Note: "paid"})
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusProofSubmitted, a.Status)
	require.NotNil(t, a.PayerPaidAt)

	a, err = f.engine.ReceiverConfirm(ctx, a.ID, "alice", Decision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusReceiverConfirmed, a.Status)
	return a
}

func TestIntegrationFinalizeIsReentrant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.confirmed(t)

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	first, err := f.engine.Finalize(ctx, a.ID, admin)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.NotEmpty(t, first.DebitTxID)
	assert.NotEmpty(t, first.CreditTxID)
	assert.Equal(t, types.AllocationStatusSettled, first.Allocation.Status)

	second, err := f.engine.Finalize(ctx, a.ID, admin)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.DebitTxID, second.DebitTxID)
	assert.Equal(t, first.CreditTxID, second.CreditTxID)

	settled, err := f.engine.CancelAllocation(ctx, a.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusSettled, settled.Status)
	assert.True(t, settled.UpdatedAt.Equal(first.Allocation.UpdatedAt))

	posted, err := db.InTxResult(ctx, f.runner, "postings", func(ctx context.Context, tx pgx.Tx) ([]ledger.Transaction, error) {
		return f.ledger.TransactionsByRef(ctx, tx, a.ref())
	})
	require.NoError(t, err)
	assert.Len(t, posted, 2)

	alice, bob := f.account(t, "alice"), f.account(t, "bob")
	assert.True(t, alice.Balance.IsZero())
	assert.True(t, alice.BlockedBalance.IsZero())
	assert.True(t, bob.Balance.Equal(dec("100")))

	w, err := f.engine.GetWithdrawRequest(ctx, a.WithdrawID, admin)
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusSettled, w.Status)
	for _, h := range f.quotaHolds(t, types.NewRef(types.RefTypeWithdrawRequest, w.ID)) {
		assert.Equal(t, types.ReservationStatusConsumed, h.Status)
	}

	var seen []string
	for len(sub) > 0 {
		seen = append(seen, (<-sub).Type)
	}
	assert.Contains(t, seen, EventAllocationSettled)
	assert.Contains(t, seen, EventWithdrawSettled)
}

func TestIntegrationFinalizeNeedsConfirmation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "alice", "50")
	w := f.withdraw(t, "alice", "50")
	d1 := f.deposit(t, "bob", "50")
	res, err := f.assign(w.ID, "", AssignItem{DepositID: d1.ID, Amount: dec("50")})
	require.NoError(t, err)
	a := res.Allocations[0]

	_, err = f.engine.Finalize(ctx, a.ID, admin)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.engine.SubmitPayerProof(ctx, a.ID, "alice", Proof{FileIDs: []string{uuid.NewString()}})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.engine.SubmitPayerProof(ctx, a.ID, "bob", Proof{FileIDs: []string{uuid.NewString()}})
	require.NoError(t, err)
	disputed, err := f.engine.ReceiverConfirm(ctx, a.ID, "alice", Decision{Approve: false, Reason: "nothing arrived"})
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusDisputed, disputed.Status)

	_, err = f.engine.Finalize(ctx, a.ID, admin)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	cancelled, err := f.engine.CancelAllocation(ctx, a.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationStatusCancelled, cancelled.Status)

	again, err := f.engine.CancelAllocation(ctx, a.ID, admin)
	require.NoError(t, err)
	assert.True(t, cancelled.UpdatedAt.Equal(again.UpdatedAt))

	acct := f.account(t, "alice")
	assert.True(t, acct.BlockedBalance.Equal(dec("50")))
}

func TestIntegrationProofAttemptsCapped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "alice", "10")
	w := f.withdraw(t, "alice", "10")
	d1 := f.deposit(t, "bob", "10")
	res, err := f.assign(w.ID, "", AssignItem{DepositID: d1.ID, Amount: dec("10")})
	require.NoError(t, err)
	id := res.Allocations[0].ID

	for i := 0; i < 2; i++ {
		_, err := f.engine.SubmitPayerProof(ctx, id, "bob", Proof{FileIDs: []string{uuid.NewString()}})
		require.NoError(t, err)
	}
	_, err = f.engine.SubmitPayerProof(ctx, id, "bob", Proof{FileIDs: []string{uuid.NewString()}})
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestIntegrationKycRequiredBeatsGlobalRule(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.runner.InTx(ctx, "rules", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := f.store.SaveRule(ctx, tx, policy.Rule{
			Scope: types.PolicyScopeGlobal, Action: types.ActionWithdraw, Metric: types.MetricAmount, Period: types.PeriodDaily,
			Limit: dec("1000"), Priority: 100, Enabled: true,
		}); err != nil {
			return err
		}
		_, err := f.store.SaveRule(ctx, tx, policy.Rule{
			Scope: types.PolicyScopeUser, ScopeRef: "alice", Action: types.ActionWithdraw, Metric: types.MetricAmount, Period: types.PeriodDaily,
			Limit: dec("5000"), MinKycLevel: types.KycLevelBasic, Priority: 100, Enabled: true,
		})
		return err
	}))
	f.fund(t, "alice", "100")

	_, err := f.engine.CreateWithdrawRequest(ctx, WithdrawInput{UserID: "alice", InstrumentCode: "UZS", Amount: dec("10")})
	require.ErrorIs(t, err, apperr.ErrPolicyViolation)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.ReasonKycRequired, appErr.Reason)
	require.NotNil(t, appErr.RequiredLevel)
	assert.Equal(t, types.KycLevelBasic, *appErr.RequiredLevel)

	assert.True(t, f.account(t, "alice").BlockedBalance.IsZero(), "nothing held after a rejected create")
}

func TestIntegrationCancelWithdrawRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "alice", "100")
	w := f.withdraw(t, "alice", "100")
	d1 := f.deposit(t, "bob", "50")
	res, err := f.assign(w.ID, "", AssignItem{DepositID: d1.ID, Amount: dec("20")})
	require.NoError(t, err)

	_, err = f.engine.CancelWithdrawRequest(ctx, w.ID, Actor{UserID: "bob"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.engine.CancelWithdrawRequest(ctx, w.ID, Actor{UserID: "alice"})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.engine.CancelAllocation(ctx, res.Allocations[0].ID, Actor{UserID: "bob"})
	require.NoError(t, err)

	cancelled, err := f.engine.CancelWithdrawRequest(ctx, w.ID, Actor{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusCancelled, cancelled.Status)
	assert.True(t, f.account(t, "alice").BlockedBalance.IsZero())

	_, err = f.engine.CancelWithdrawRequest(ctx, w.ID, Actor{UserID: "alice"})
	require.NoError(t, err)
}

func TestIntegrationCreateWithdrawIdempotentOnID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "alice", "100")
	id := uuid.NewString()
	in := WithdrawInput{ID: id, UserID: "alice", InstrumentCode: "UZS", Amount: dec("60")}

	first, err := f.engine.CreateWithdrawRequest(ctx, in)
	require.NoError(t, err)
	second, err := f.engine.CreateWithdrawRequest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, f.account(t, "alice").BlockedBalance.Equal(dec("60")))

	in.Amount = dec("70")
	_, err = f.engine.CreateWithdrawRequest(ctx, in)
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.engine.CreateWithdrawRequest(ctx, WithdrawInput{UserID: "alice", InstrumentCode: "UZS", Amount: dec("50")})
	require.ErrorIs(t, err, apperr.ErrInsufficientCapacity)
}
