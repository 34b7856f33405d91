package escrow

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/db"
	"lv-escrow/internal/types"
)

const withdrawColumns = "id, user_id, instrument_code, amount, assigned_amount_total, settled_amount_total, status, coalesce(destination_id::text, ''), cancelled_at, expired_at, created_at, updated_at"

func scanWithdraw(row pgx.Row) (WithdrawRequest, error) {
	var (
		w      WithdrawRequest
		status string
	)
	err := row.Scan(&w.ID, &w.UserID, &w.InstrumentCode, &w.Amount, &w.AssignedTotal, &w.SettledTotal, &status, &w.DestinationID, &w.CancelledAt, &w.ExpiredAt, &w.CreatedAt, &w.UpdatedAt)
	w.Status = types.RequestStatus(status)
	return w, err
}

const depositColumns = "id, user_id, instrument_code, amount, assigned_amount_total, settled_amount_total, status, cancelled_at, expired_at, created_at, updated_at"

func scanDeposit(row pgx.Row) (DepositRequest, error) {
	var (
		d      DepositRequest
		status string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.InstrumentCode, &d.Amount, &d.AssignedTotal, &d.SettledTotal, &status, &d.CancelledAt, &d.ExpiredAt, &d.CreatedAt, &d.UpdatedAt)
	d.Status = types.RequestStatus(status)
	return d, err
}

const allocationColumns = `id, withdraw_id, deposit_id, payer_user_id, receiver_user_id, instrument_code, amount, status, payment_code,
	coalesce(destination_id::text, ''), destination_type, destination_value, destination_masked, destination_bank, destination_owner, destination_title,
	expires_at, proof_attempts, proof_file_ids, proof_note, proof_submitted_at, payer_paid_at, receiver_confirmed_at,
	admin_verified_at, coalesce(admin_verified_by, ''), coalesce(dispute_reason, ''), disputed_at, settled_at, coalesce(settled_by, ''),
	coalesce(debit_tx_id::text, ''), coalesce(credit_tx_id::text, ''), cancelled_at, expired_at, created_at, updated_at`

func scanAllocation(row pgx.Row) (Allocation, error) {
	var (
		a      Allocation
		status string
	)
	err := row.Scan(&a.ID, &a.WithdrawID, &a.DepositID, &a.PayerUserID, &a.ReceiverUserID, &a.InstrumentCode, &a.Amount, &status, &a.PaymentCode,
		&a.Destination.ID, &a.Destination.Type, &a.Destination.Value, &a.Destination.MaskedValue, &a.Destination.BankName, &a.Destination.OwnerName, &a.Destination.Title,
		&a.ExpiresAt, &a.ProofAttempts, &a.ProofFileIDs, &a.ProofNote, &a.ProofSubmittedAt, &a.PayerPaidAt, &a.ReceiverConfirmedAt,
		&a.AdminVerifiedAt, &a.AdminVerifiedBy, &a.DisputeReason, &a.DisputedAt, &a.SettledAt, &a.SettledBy,
		&a.DebitTxID, &a.CreditTxID, &a.CancelledAt, &a.ExpiredAt, &a.CreatedAt, &a.UpdatedAt)
	a.Status = types.AllocationStatus(status)
	return a, err
}

func notFound(err error, format string, args ...any) error {
	return db.NotFound(err, format, args...)
}

func getWithdraw(ctx context.Context, tx pgx.Tx, id string, lock bool) (WithdrawRequest, error) {
	w, err := scanWithdraw(tx.QueryRow(ctx, "SELECT "+withdrawColumns+" FROM withdraw_requests WHERE id = $1"+forUpdate(lock), id))
	return w, notFound(err, "withdraw request %s not found", id)
}

func getDeposit(ctx context.Context, tx pgx.Tx, id string, lock bool) (DepositRequest, error) {
	d, err := scanDeposit(tx.QueryRow(ctx, "SELECT "+depositColumns+" FROM deposit_requests WHERE id = $1"+forUpdate(lock), id))
	return d, notFound(err, "deposit request %s not found", id)
}

func getAllocation(ctx context.Context, tx pgx.Tx, id string, lock bool) (Allocation, error) {
	a, err := scanAllocation(tx.QueryRow(ctx, "SELECT "+allocationColumns+" FROM p2p_allocations WHERE id = $1"+forUpdate(lock), id))
	return a, notFound(err, "allocation %s not found", id)
}

func forUpdate(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

// lockDeposits locks deposits in id order.
func lockDeposits(ctx context.Context, tx pgx.Tx, ids []string) (map[string]DepositRequest, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make(map[string]DepositRequest, len(sorted))
	for _, id := range sorted {
		if _, ok := out[id]; ok {
			continue
		}
		d, err := getDeposit(ctx, tx, id, true)
		if err != nil {
			return nil, err
		}
		out[id] = d
	}
	return out, nil
}

// lockAllocationChain takes the withdrawal, deposit and allocation locks in
// that order and returns the fresh rows.
func lockAllocationChain(ctx context.Context, tx pgx.Tx, id string) (WithdrawRequest, DepositRequest, Allocation, error) {
	peek, err := getAllocation(ctx, tx, id, false)
	if err != nil {
		return WithdrawRequest{}, DepositRequest{}, Allocation{}, err
	}
	w, err := getWithdraw(ctx, tx, peek.WithdrawID, true)
	if err != nil {
		return WithdrawRequest{}, DepositRequest{}, Allocation{}, err
	}
	d, err := getDeposit(ctx, tx, peek.DepositID, true)
	if err != nil {
		return WithdrawRequest{}, DepositRequest{}, Allocation{}, err
	}
	a, err := getAllocation(ctx, tx, id, true)
	return w, d, a, err
}

func saveWithdrawTotals(ctx context.Context, tx pgx.Tx, w *WithdrawRequest) error {
	w.Status = DeriveRequestStatus(w.totals())
	return tx.QueryRow(ctx, `
		UPDATE withdraw_requests
		SET assigned_amount_total = $2, settled_amount_total = $3, status = $4, cancelled_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, w.ID, w.AssignedTotal, w.SettledTotal, string(w.Status), w.CancelledAt).Scan(&w.UpdatedAt)
}

func saveDepositTotals(ctx context.Context, tx pgx.Tx, d *DepositRequest) error {
	d.Status = DeriveRequestStatus(d.totals())
	return tx.QueryRow(ctx, `
		UPDATE deposit_requests
		SET assigned_amount_total = $2, settled_amount_total = $3, status = $4, cancelled_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, d.ID, d.AssignedTotal, d.SettledTotal, string(d.Status), d.CancelledAt).Scan(&d.UpdatedAt)
}

func insertAllocation(ctx context.Context, tx pgx.Tx, a *Allocation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO p2p_allocations (
			id, withdraw_id, deposit_id, payer_user_id, receiver_user_id, instrument_code, amount, status, payment_code,
			destination_id, destination_type, destination_value, destination_masked, destination_bank, destination_owner, destination_title,
			expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10, '')::uuid, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`, a.ID, a.WithdrawID, a.DepositID, a.PayerUserID, a.ReceiverUserID, a.InstrumentCode, a.Amount, string(a.Status), a.PaymentCode,
		a.Destination.ID, a.Destination.Type, a.Destination.Value, a.Destination.MaskedValue, a.Destination.BankName, a.Destination.OwnerName, a.Destination.Title,
		a.ExpiresAt).Scan(&a.CreatedAt, &a.UpdatedAt)
}

// saveAllocation writes back every mutable allocation field.
func saveAllocation(ctx context.Context, tx pgx.Tx, a *Allocation) error {
	if a.ProofFileIDs == nil {
		a.ProofFileIDs = []string{}
	}
	return tx.QueryRow(ctx, `
		UPDATE p2p_allocations SET
			status = $2,
			proof_attempts = $3,
			proof_file_ids = $4,
			proof_note = $5,
			proof_submitted_at = $6,
			payer_paid_at = $7,
			receiver_confirmed_at = $8,
			admin_verified_at = $9,
			admin_verified_by = nullif($10, ''),
			dispute_reason = nullif($11, ''),
			disputed_at = $12,
			settled_at = $13,
			settled_by = nullif($14, ''),
			debit_tx_id = nullif($15, '')::uuid,
			credit_tx_id = nullif($16, '')::uuid,
			cancelled_at = $17,
			expired_at = $18,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, string(a.Status), a.ProofAttempts, a.ProofFileIDs, a.ProofNote, a.ProofSubmittedAt, a.PayerPaidAt, a.ReceiverConfirmedAt,
		a.AdminVerifiedAt, a.AdminVerifiedBy, a.DisputeReason, a.DisputedAt, a.SettledAt, a.SettledBy,
		a.DebitTxID, a.CreditTxID, a.CancelledAt, a.ExpiredAt).Scan(&a.UpdatedAt)
}

func countOpenAllocations(ctx context.Context, tx pgx.Tx, column, id string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, "SELECT count(*) FROM p2p_allocations WHERE "+column+" = $1 AND status NOT IN ('SETTLED', 'CANCELLED', 'EXPIRED')", id).Scan(&n)
	return n, err
}

func listAllocations(ctx context.Context, tx pgx.Tx, f AllocationFilter) ([]Allocation, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.WithdrawID != "" {
		add("withdraw_id = ?", f.WithdrawID)
	}
	if f.DepositID != "" {
		add("deposit_id = ?", f.DepositID)
	}
	if f.UserID != "" {
		add("(payer_user_id = ? OR receiver_user_id = ?)", f.UserID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := "SELECT " + allocationColumns + " FROM p2p_allocations"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += " ORDER BY created_at DESC, id LIMIT $" + strconv.Itoa(len(args))
	return queryAllocations(ctx, tx, sql, args...)
}

func queryAllocations(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]Allocation, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func dueForExpiry(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	rows, err := tx.Query(ctx, "SELECT id FROM p2p_allocations WHERE status = 'ASSIGNED' AND expires_at <= $1 ORDER BY expires_at, id LIMIT $2", now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func sum(items []AssignItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	return total
}
