package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type Reconciliation struct {
	AccountID   string          `json:"account_id"`
	Balance     decimal.Decimal `json:"balance"`
	SumOfDeltas decimal.Decimal `json:"sum_of_deltas"`
	Blocked     decimal.Decimal `json:"blocked_balance"`
	Usable      decimal.Decimal `json:"usable"`
	HeldByRefs  decimal.Decimal `json:"held_by_reservations"`
	Postings    int             `json:"postings"`
	ChainValid  bool            `json:"chain_valid"`
	BrokenAtSeq int64           `json:"broken_at_seq,omitempty"`
}

// Balanced reports whether the account agrees with its own history and
// sits at or above its floor.
func (r Reconciliation) Balanced() bool {
	return r.ChainValid && r.Balance.Equal(r.SumOfDeltas) && r.Blocked.Equal(r.HeldByRefs) && !r.Usable.IsNegative()
}

// Reconcile compares the stored balance with the sum of posted deltas and
// the blocked balance with the sum of open holds. It also re-verifies the
// hash chain and reports usable capacity.
func (s *Service) Reconcile(ctx context.Context, tx pgx.Tx, accountID string) (Reconciliation, error) {
	acct, err := s.GetAccount(ctx, tx, accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := s.queryTransactions(ctx, tx, "SELECT "+transactionColumns+" FROM account_transactions WHERE account_id = $1 ORDER BY seq", accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Delta)
	}
	var held decimal.Decimal
	if err := tx.QueryRow(ctx, "SELECT coalesce(sum(amount), 0) FROM account_reservations WHERE account_id = $1 AND status = 'RESERVED'", accountID).Scan(&held); err != nil {
		return Reconciliation{}, err
	}
	brokenAt, ok := verifyChain(txs)
	return Reconciliation{
		AccountID:   accountID,
		Balance:     acct.Balance,
		SumOfDeltas: sum,
		Blocked:     acct.BlockedBalance,
		Usable:      acct.Usable(),
		HeldByRefs:  held,
		Postings:    len(txs),
		ChainValid:  ok,
		BrokenAtSeq: brokenAt,
	}, nil
}
