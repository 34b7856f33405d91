package limits

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/testutil"
	"lv-escrow/internal/types"
)

type fixture struct {
	runner  *db.Runner
	store   *policy.Store
	tracker *Tracker
}

func setup(t *testing.T) fixture {
	pool := testutil.SetupTestDB(t)
	store := policy.NewStore()
	return fixture{
		runner:  testutil.Runner(pool),
		store:   store,
		tracker: NewTracker(policy.NewResolver(store), nil),
	}
}

func (f fixture) saveRule(t *testing.T, r policy.Rule) {
	t.Helper()
	require.NoError(t, f.runner.InTx(context.Background(), "rule", func(ctx context.Context, tx pgx.Tx) error {
		_, err := f.store.SaveRule(ctx, tx, r)
		return err
	}))
}

func (f fixture) reserve(req Request) error {
	return f.runner.InTx(context.Background(), "reserve", func(ctx context.Context, tx pgx.Tx) error {
		_, err := f.tracker.Reserve(ctx, tx, req)
		return err
	})
}

func withdrawRule(scope types.PolicyScope, ref string, limit int64) policy.Rule {
	return policy.Rule{
		Scope:    scope,
		ScopeRef: ref,
		Action:   types.ActionWithdraw,
		Metric:   types.MetricAmount,
		Period:   types.PeriodDaily,
		Limit:    decimal.NewFromInt(limit),
		Priority: 100,
		Enabled:  true,
	}
}

func amountReq(user string, amount int64, ref string) Request {
	return Request{
		Subject: policy.Subject{UserID: user},
		Action:  types.ActionWithdraw,
		Metric:  types.MetricAmount,
		Period:  types.PeriodDaily,
		Amount:  decimal.NewFromInt(amount),
		Ref:     types.NewRef(types.RefTypeWithdrawRequest, ref),
	}
}

func TestIntegrationReserveWithinLimit(t *testing.T) {
	f := setup(t)
	f.saveRule(t, withdrawRule(types.PolicyScopeGlobal, "", 100))

	require.NoError(t, f.reserve(amountReq("u1", 60, "w1")))
	require.NoError(t, f.reserve(amountReq("u1", 60, "w1")))

	err := f.reserve(amountReq("u1", 41, "w2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPolicyViolation))
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.ReasonLimitExceeded, ae.Reason)

	require.NoError(t, f.reserve(amountReq("u1", 40, "w3")))
}

func TestIntegrationKycRequiredBeatsGlobalRule(t *testing.T) {
	f := setup(t)
	f.saveRule(t, withdrawRule(types.PolicyScopeGlobal, "", 1000))
	user := withdrawRule(types.PolicyScopeUser, "u1", 10)
	user.MinKycLevel = types.KycLevelBasic
	f.saveRule(t, user)

	err := f.reserve(amountReq("u1", 5, "w1"))
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.ReasonKycRequired, ae.Reason)
	require.NotNil(t, ae.RequiredLevel)
	assert.Equal(t, types.KycLevelBasic, *ae.RequiredLevel)
}

func TestIntegrationConsumeReleaseAndSplitMerge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	parent := types.NewRef(types.RefTypeWithdrawRequest, "w1")
	child := types.NewRef(types.RefTypeAllocation, "a1")

	require.NoError(t, f.runner.InTx(ctx, "setup", func(ctx context.Context, tx pgx.Tx) error {
		if _, err := f.tracker.Reserve(ctx, tx, amountReq("u1", 100, "w1")); err != nil {
			return err
		}
		count := amountReq("u1", 0, "w1")
		count.Metric = types.MetricCount
		if _, err := f.tracker.Reserve(ctx, tx, count); err != nil {
			return err
		}
		split, err := f.tracker.Split(ctx, tx, parent, child, decimal.NewFromInt(20))
		if err != nil {
			return err
		}
		if len(split) != 1 {
			return errors.New("expected only the AMOUNT hold to split")
		}
		return f.tracker.MergeBack(ctx, tx, child)
	}))

	holds, err := db.InTxResult(ctx, f.runner, "read", func(ctx context.Context, tx pgx.Tx) ([]Reservation, error) {
		return f.tracker.Reservations(ctx, tx, parent)
	})
	require.NoError(t, err)
	require.Len(t, holds, 2)
	for _, h := range holds {
		if h.Metric == types.MetricAmount {
			assert.True(t, h.Amount.Equal(decimal.NewFromInt(100)))
		}
	}

	require.NoError(t, f.runner.InTx(ctx, "consume", func(ctx context.Context, tx pgx.Tx) error {
		if err := f.tracker.Consume(ctx, tx, parent); err != nil {
			return err
		}
		return f.tracker.Consume(ctx, tx, parent)
	}))
	usages, err := db.InTxResult(ctx, f.runner, "usages", func(ctx context.Context, tx pgx.Tx) ([]Usage, error) {
		return f.tracker.Usages(ctx, tx, "u1")
	})
	require.NoError(t, err)
	require.Len(t, usages, 2)
	for _, u := range usages {
		assert.True(t, u.Reserved.IsZero())
		if u.Metric == types.MetricAmount {
			assert.True(t, u.Used.Equal(decimal.NewFromInt(100)))
		} else {
			assert.True(t, u.Used.Equal(decimal.NewFromInt(1)))
		}
	}
}

func TestIntegrationCheckDoesNotHold(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rule := withdrawRule(types.PolicyScopeGlobal, "", 50)
	rule.Action = types.ActionDeposit
	f.saveRule(t, rule)

	req := amountReq("u1", 50, "d1")
	req.Action = types.ActionDeposit
	require.NoError(t, f.runner.InTx(ctx, "check", func(ctx context.Context, tx pgx.Tx) error {
		return f.tracker.Check(ctx, tx, req)
	}))
	req.Amount = decimal.NewFromInt(51)
	err := f.runner.InTx(ctx, "check", func(ctx context.Context, tx pgx.Tx) error {
		return f.tracker.Check(ctx, tx, req)
	})
	assert.True(t, errors.Is(err, apperr.ErrPolicyViolation))

	usages, err := db.InTxResult(ctx, f.runner, "usages", func(ctx context.Context, tx pgx.Tx) ([]Usage, error) {
		return f.tracker.Usages(ctx, tx, "u1")
	})
	require.NoError(t, err)
	assert.Empty(t, usages)
}
