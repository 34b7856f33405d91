package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/types"
)

// HouseOwner owns the counterparty accounts that fund deposits and absorb
// withdrawals.
const HouseOwner = "HOUSE"

// HouseCreditLine is the min balance a house account is opened with. The
// negative floor lets the house go into debit while funding users and keeps
// it under the same usable check as every other account.
var HouseCreditLine = decimal.New(-1, 15)

type Account struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	InstrumentCode string          `json:"instrument_code"`
	Balance        decimal.Decimal `json:"balance"`
	BlockedBalance decimal.Decimal `json:"blocked_balance"`
	MinBalance     decimal.Decimal `json:"min_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Usable is the capacity left for spending or new holds.
func (a Account) Usable() decimal.Decimal {
	return a.Balance.Sub(a.BlockedBalance).Sub(a.MinBalance)
}

type Transaction struct {
	ID           string                `json:"id"`
	AccountID    string                `json:"account_id"`
	Delta        decimal.Decimal       `json:"delta"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	Type         types.TransactionType `json:"type"`
	Ref          types.Ref             `json:"ref"`
	CreatedBy    string                `json:"created_by"`
	Seq          int64                 `json:"seq"`
	CreatedAt    time.Time             `json:"created_at"`

	prevHash []byte
	hash     []byte
}

type Service struct{}

func NewService() *Service {
	return &Service{}
}

const accountColumns = "id, owner_id, instrument_code, balance, blocked_balance, min_balance, created_at, updated_at"

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.InstrumentCode, &a.Balance, &a.BlockedBalance, &a.MinBalance, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// GetOrCreateAccount returns the single account of owner for instrument,
// creating it with zero balances on first use. House accounts start with
// HouseCreditLine as their floor.
func (s *Service) GetOrCreateAccount(ctx context.Context, tx pgx.Tx, owner, instrument string) (Account, error) {
	if owner == "" || instrument == "" {
		return Account{}, apperr.InvalidInput("owner and instrument are required")
	}
	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 AND instrument_code = $2", owner, instrument))
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, err
	}
	floor := decimal.Zero
	if owner == HouseOwner {
		floor = HouseCreditLine
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO accounts (owner_id, instrument_code, min_balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, instrument_code) DO NOTHING
	`, owner, instrument, floor); err != nil {
		return Account{}, err
	}
	return scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 AND instrument_code = $2", owner, instrument))
}

func (s *Service) GetAccount(ctx context.Context, tx pgx.Tx, accountID string) (Account, error) {
	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	return acct, db.NotFound(err, "account %s not found", accountID)
}

func (s *Service) FindAccount(ctx context.Context, tx pgx.Tx, owner, instrument string) (Account, error) {
	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 AND instrument_code = $2", owner, instrument))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, apperr.NotFound("account %s/%s not found", owner, instrument)
	}
	return acct, err
}

func (s *Service) AccountsByOwner(ctx context.Context, tx pgx.Tx, owner string) ([]Account, error) {
	rows, err := tx.Query(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1 ORDER BY instrument_code", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (Account, error) {
	acct, err := scanAccount(tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", accountID))
	return acct, db.NotFound(err, "account %s not found", accountID)
}

// LockAccounts locks the given accounts in id order. Callers that touch
// several accounts in one unit of work take them up front through here.
func (s *Service) LockAccounts(ctx context.Context, tx pgx.Tx, ids ...string) (map[string]Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]Account, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		acct, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = acct
	}
	return out, nil
}

// ApplyTransaction posts a signed delta to the account. It is the only path
// that changes a balance. Debits that would leave usable capacity below
// zero fail with InsufficientCapacity.
func (s *Service) ApplyTransaction(ctx context.Context, tx pgx.Tx, accountID string, delta decimal.Decimal, typ types.TransactionType, ref types.Ref, createdBy string) (Transaction, error) {
	if delta.IsZero() {
		return Transaction{}, apperr.InvalidInput("delta must be non-zero")
	}
	if ref.IsZero() {
		return Transaction{}, apperr.InvalidInput("reference is required")
	}
	acct, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return Transaction{}, err
	}
	return s.post(ctx, tx, acct, delta, decimal.Zero, typ, ref, createdBy)
}

// Transfer moves amount between two accounts of the same instrument.
func (s *Service) Transfer(ctx context.Context, tx pgx.Tx, fromAccountID, toAccountID string, amount decimal.Decimal, typ types.TransactionType, ref types.Ref, createdBy string) (Transaction, Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, Transaction{}, apperr.InvalidInput("amount must be positive")
	}
	if fromAccountID == toAccountID {
		return Transaction{}, Transaction{}, apperr.InvalidInput("cannot transfer to the same account")
	}
	if ref.IsZero() {
		return Transaction{}, Transaction{}, apperr.InvalidInput("reference is required")
	}
	locked, err := s.LockAccounts(ctx, tx, fromAccountID, toAccountID)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	from, to := locked[fromAccountID], locked[toAccountID]
	if from.InstrumentCode != to.InstrumentCode {
		return Transaction{}, Transaction{}, apperr.InvalidInput("instrument mismatch: %s vs %s", from.InstrumentCode, to.InstrumentCode)
	}
	debit, err := s.post(ctx, tx, from, amount.Neg(), decimal.Zero, typ, ref, createdBy)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	credit, err := s.post(ctx, tx, to, amount, decimal.Zero, typ, ref, createdBy)
	if err != nil {
		return Transaction{}, Transaction{}, err
	}
	return debit, credit, nil
}

// Fund credits owner's account from the house account of the instrument.
func (s *Service) Fund(ctx context.Context, tx pgx.Tx, owner, instrument string, amount decimal.Decimal, ref types.Ref, createdBy string) (Transaction, error) {
	house, err := s.GetOrCreateAccount(ctx, tx, HouseOwner, instrument)
	if err != nil {
		return Transaction{}, err
	}
	acct, err := s.GetOrCreateAccount(ctx, tx, owner, instrument)
	if err != nil {
		return Transaction{}, err
	}
	_, credit, err := s.Transfer(ctx, tx, house.ID, acct.ID, amount, types.TransactionTypeDeposit, ref, createdBy)
	return credit, err
}

// SetMinBalance changes the floor of an account. Raising it past the
// current usable capacity is rejected.
func (s *Service) SetMinBalance(ctx context.Context, tx pgx.Tx, accountID string, min decimal.Decimal) (Account, error) {
	if min.IsNegative() {
		return Account{}, apperr.InvalidInput("min balance must not be negative")
	}
	acct, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return Account{}, err
	}
	acct.MinBalance = min
	if acct.Usable().IsNegative() {
		return Account{}, apperr.InsufficientCapacity("account %s cannot cover min balance %s", accountID, min)
	}
	err = tx.QueryRow(ctx, "UPDATE accounts SET min_balance = $2, updated_at = now() WHERE id = $1 RETURNING updated_at", accountID, min).Scan(&acct.UpdatedAt)
	return acct, err
}

// post appends a hash-chained transaction to a locked account and writes
// the new balance. blockedDelta adjusts the held amount in the same update
// so that consuming a hold leaves usable capacity unchanged.
func (s *Service) post(ctx context.Context, tx pgx.Tx, acct Account, delta, blockedDelta decimal.Decimal, typ types.TransactionType, ref types.Ref, createdBy string) (Transaction, error) {
	next := acct
	next.Balance = acct.Balance.Add(delta)
	next.BlockedBalance = acct.BlockedBalance.Add(blockedDelta)
	if next.BlockedBalance.IsNegative() {
		return Transaction{}, fmt.Errorf("account %s: blocked balance would go negative", acct.ID)
	}
	if delta.IsNegative() && next.Usable().IsNegative() {
		return Transaction{}, apperr.InsufficientCapacity("account %s: usable %s, requested %s", acct.ID, acct.Usable(), delta.Neg())
	}

	var (
		seq      int64
		prevHash []byte
	)
	err := tx.QueryRow(ctx, "SELECT seq, hash FROM account_transactions WHERE account_id = $1 ORDER BY seq DESC LIMIT 1", acct.ID).Scan(&seq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, err
	}

	t := Transaction{
		ID:           uuid.NewString(),
		AccountID:    acct.ID,
		Delta:        delta,
		BalanceAfter: next.Balance,
		Type:         typ,
		Ref:          ref,
		CreatedBy:    createdBy,
		Seq:          seq + 1,
		prevHash:     prevHash,
	}
	t.hash = computeHash(t, prevHash)

	err = tx.QueryRow(ctx, `
		INSERT INTO account_transactions (id, account_id, delta, balance_after, type, ref_type, ref_id, created_by, seq, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Delta, t.BalanceAfter, string(t.Type), string(ref.Type), ref.ID, createdBy, t.Seq, prevHash, t.hash).Scan(&t.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $2, blocked_balance = $3, updated_at = now()
		WHERE id = $1
	`, acct.ID, next.Balance, next.BlockedBalance); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

const transactionColumns = "id, account_id, delta, balance_after, type, ref_type, ref_id, created_by, seq, prev_hash, hash, created_at"

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t       Transaction
		typ     string
		refType string
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.Delta, &t.BalanceAfter, &typ, &refType, &t.Ref.ID, &t.CreatedBy, &t.Seq, &t.prevHash, &t.hash, &t.CreatedAt)
	t.Type = types.TransactionType(typ)
	t.Ref.Type = types.RefType(refType)
	return t, err
}

// TransactionsByRef lists postings recorded under ref, oldest first.
func (s *Service) TransactionsByRef(ctx context.Context, tx pgx.Tx, ref types.Ref) ([]Transaction, error) {
	return s.queryTransactions(ctx, tx, "SELECT "+transactionColumns+" FROM account_transactions WHERE ref_type = $1 AND ref_id = $2 ORDER BY created_at, seq", string(ref.Type), ref.ID)
}

func (s *Service) Transactions(ctx context.Context, tx pgx.Tx, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.queryTransactions(ctx, tx, "SELECT "+transactionColumns+" FROM account_transactions WHERE account_id = $1 ORDER BY seq DESC LIMIT $2", accountID, limit)
}

func (s *Service) queryTransactions(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]Transaction, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
