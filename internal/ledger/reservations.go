package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/types"
)

type Reservation struct {
	ID        string                  `json:"id"`
	AccountID string                  `json:"account_id"`
	Ref       types.Ref               `json:"ref"`
	Amount    decimal.Decimal         `json:"amount"`
	Status    types.ReservationStatus `json:"status"`
	Parent    *types.Ref              `json:"parent,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

const reservationColumns = "id, account_id, ref_type, ref_id, amount, status, parent_ref_type, parent_ref_id, created_at, updated_at"

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r                    Reservation
		refType, status      string
		parentType, parentID *string
	)
	if err := row.Scan(&r.ID, &r.AccountID, &refType, &r.Ref.ID, &r.Amount, &status, &parentType, &parentID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Reservation{}, err
	}
	r.Ref.Type = types.RefType(refType)
	r.Status = types.ReservationStatus(status)
	if parentType != nil && parentID != nil {
		p := types.NewRef(types.RefType(*parentType), *parentID)
		r.Parent = &p
	}
	return r, nil
}

// Reservations lists every hold recorded under ref, ordered by account.
func (s *Service) Reservations(ctx context.Context, tx pgx.Tx, ref types.Ref) ([]Reservation, error) {
	rows, err := tx.Query(ctx, "SELECT "+reservationColumns+" FROM account_reservations WHERE ref_type = $1 AND ref_id = $2 ORDER BY account_id", string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) lockReservation(ctx context.Context, tx pgx.Tx, ref types.Ref, accountID string) (Reservation, error) {
	return scanReservation(tx.QueryRow(ctx, "SELECT "+reservationColumns+" FROM account_reservations WHERE ref_type = $1 AND ref_id = $2 AND account_id = $3 FOR UPDATE", string(ref.Type), ref.ID, accountID))
}

// ReserveFunds places a hold of amount on owner's account. A second call
// with the same ref returns the existing hold unchanged.
func (s *Service) ReserveFunds(ctx context.Context, tx pgx.Tx, owner, instrument string, amount decimal.Decimal, ref types.Ref) (Reservation, error) {
	if !amount.IsPositive() {
		return Reservation{}, apperr.InvalidInput("reservation amount must be positive")
	}
	if ref.IsZero() {
		return Reservation{}, apperr.InvalidInput("reference is required")
	}
	acct, err := s.GetOrCreateAccount(ctx, tx, owner, instrument)
	if err != nil {
		return Reservation{}, err
	}
	acct, err = s.lockAccount(ctx, tx, acct.ID)
	if err != nil {
		return Reservation{}, err
	}
	existing, err := s.lockReservation(ctx, tx, ref, acct.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, err
	}
	if acct.Usable().LessThan(amount) {
		return Reservation{}, apperr.InsufficientCapacity("account %s: usable %s, requested %s", acct.ID, acct.Usable(), amount)
	}
	r, err := s.insertReservation(ctx, tx, acct.ID, ref, amount, nil)
	if err != nil {
		return Reservation{}, err
	}
	if err := s.adjustBlocked(ctx, tx, acct.ID, amount); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// ReleaseFunds drops every open hold under ref. Terminal holds are left as
// they are.
func (s *Service) ReleaseFunds(ctx context.Context, tx pgx.Tx, ref types.Ref) error {
	held, err := s.lockHolds(ctx, tx, ref)
	if err != nil {
		return err
	}
	for _, r := range held {
		if r.Status.Terminal() {
			continue
		}
		if err := s.adjustBlocked(ctx, tx, r.AccountID, r.Amount.Neg()); err != nil {
			return err
		}
		if err := s.setReservationStatus(ctx, tx, r.ID, types.ReservationStatusReleased); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeFunds realizes every open hold under ref as a debit of the held
// amount. Holds already consumed return the postings made at the time.
func (s *Service) ConsumeFunds(ctx context.Context, tx pgx.Tx, ref types.Ref, typ types.TransactionType, createdBy string) ([]Transaction, error) {
	held, err := s.lockHolds(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	var out []Transaction
	consumedFrom := map[string]bool{}
	for _, r := range held {
		switch r.Status {
		case types.ReservationStatusReleased:
			continue
		case types.ReservationStatusConsumed:
			consumedFrom[r.AccountID] = true
			continue
		}
		if r.Amount.IsZero() {
			if err := s.setReservationStatus(ctx, tx, r.ID, types.ReservationStatusConsumed); err != nil {
				return nil, err
			}
			continue
		}
		acct, err := s.lockAccount(ctx, tx, r.AccountID)
		if err != nil {
			return nil, err
		}
		posted, err := s.post(ctx, tx, acct, r.Amount.Neg(), r.Amount.Neg(), typ, ref, createdBy)
		if err != nil {
			return nil, err
		}
		if err := s.setReservationStatus(ctx, tx, r.ID, types.ReservationStatusConsumed); err != nil {
			return nil, err
		}
		out = append(out, posted)
	}
	if len(consumedFrom) > 0 && len(out) == 0 {
		return s.consumedPostings(ctx, tx, ref, typ, consumedFrom)
	}
	return out, nil
}

// consumedPostings returns the debits an earlier ConsumeFunds made under
// ref. Other postings sharing the ref, such as the matching credit, are left
// out.
func (s *Service) consumedPostings(ctx context.Context, tx pgx.Tx, ref types.Ref, typ types.TransactionType, accounts map[string]bool) ([]Transaction, error) {
	all, err := s.TransactionsByRef(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	var out []Transaction
	for _, t := range all {
		if accounts[t.AccountID] && t.Type == typ && t.Delta.IsNegative() {
			out = append(out, t)
		}
	}
	return out, nil
}

// SplitReservation carves amount out of the open hold under ref into a new
// hold under newRef on the same account. The blocked balance is unchanged.
func (s *Service) SplitReservation(ctx context.Context, tx pgx.Tx, ref, newRef types.Ref, amount decimal.Decimal) (Reservation, error) {
	if !amount.IsPositive() {
		return Reservation{}, apperr.InvalidInput("split amount must be positive")
	}
	if newRef.IsZero() || newRef == ref {
		return Reservation{}, apperr.InvalidInput("split needs a distinct reference")
	}
	held, err := s.lockHolds(ctx, tx, ref)
	if err != nil {
		return Reservation{}, err
	}
	if len(held) != 1 {
		return Reservation{}, apperr.InvalidState("expected one hold under %s, found %d", ref, len(held))
	}
	parent := held[0]

	child, err := s.lockReservation(ctx, tx, newRef, parent.AccountID)
	if err == nil {
		return child, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, err
	}
	if parent.Status != types.ReservationStatusReserved {
		return Reservation{}, apperr.InvalidState("hold %s is %s", ref, parent.Status)
	}
	if parent.Amount.LessThan(amount) {
		return Reservation{}, apperr.InsufficientCapacity("hold %s has %s, split requested %s", ref, parent.Amount, amount)
	}
	if err := s.setReservationAmount(ctx, tx, parent.ID, parent.Amount.Sub(amount)); err != nil {
		return Reservation{}, err
	}
	return s.insertReservation(ctx, tx, parent.AccountID, newRef, amount, &ref)
}

// MergeReservationBack folds the open child holds under childRef back into
// their parents and deletes them. When the parent is gone or already
// terminal the child amount is released instead. Missing or terminal
// children are left alone.
func (s *Service) MergeReservationBack(ctx context.Context, tx pgx.Tx, childRef types.Ref) error {
	held, err := s.lockHolds(ctx, tx, childRef)
	if err != nil {
		return err
	}
	for _, child := range held {
		if child.Status.Terminal() {
			continue
		}
		if child.Parent == nil {
			return apperr.InvalidState("hold %s was not split from a parent", childRef)
		}
		parent, err := s.lockReservation(ctx, tx, *child.Parent, child.AccountID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil && parent.Status == types.ReservationStatusReserved {
			if err := s.setReservationAmount(ctx, tx, parent.ID, parent.Amount.Add(child.Amount)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "DELETE FROM account_reservations WHERE id = $1", child.ID); err != nil {
				return err
			}
			continue
		}
		if err := s.adjustBlocked(ctx, tx, child.AccountID, child.Amount.Neg()); err != nil {
			return err
		}
		if err := s.setReservationStatus(ctx, tx, child.ID, types.ReservationStatusReleased); err != nil {
			return err
		}
	}
	return nil
}

// lockHolds locks the accounts behind ref in id order, then the holds.
func (s *Service) lockHolds(ctx context.Context, tx pgx.Tx, ref types.Ref) ([]Reservation, error) {
	if ref.IsZero() {
		return nil, apperr.InvalidInput("reference is required")
	}
	rows, err := tx.Query(ctx, "SELECT DISTINCT account_id FROM account_reservations WHERE ref_type = $1 AND ref_id = $2", string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	accountIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if _, err := s.LockAccounts(ctx, tx, accountIDs...); err != nil {
		return nil, err
	}
	rows, err = tx.Query(ctx, "SELECT "+reservationColumns+" FROM account_reservations WHERE ref_type = $1 AND ref_id = $2 ORDER BY account_id FOR UPDATE", string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) insertReservation(ctx context.Context, tx pgx.Tx, accountID string, ref types.Ref, amount decimal.Decimal, parent *types.Ref) (Reservation, error) {
	r := Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Ref:       ref,
		Amount:    amount,
		Status:    types.ReservationStatusReserved,
		Parent:    parent,
	}
	var parentType, parentID *string
	if parent != nil {
		t, id := string(parent.Type), parent.ID
		parentType, parentID = &t, &id
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO account_reservations (id, account_id, ref_type, ref_id, amount, status, parent_ref_type, parent_ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, r.ID, accountID, string(ref.Type), ref.ID, amount, string(r.Status), parentType, parentID).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Reservation{}, fmt.Errorf("insert reservation %s: %w", ref, err)
	}
	return r, nil
}

func (s *Service) adjustBlocked(ctx context.Context, tx pgx.Tx, accountID string, delta decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET blocked_balance = blocked_balance + $2, updated_at = now()
		WHERE id = $1 AND blocked_balance + $2 >= 0
	`, accountID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("account %s: blocked balance would go negative", accountID)
	}
	return nil
}

func (s *Service) setReservationAmount(ctx context.Context, tx pgx.Tx, id string, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, "UPDATE account_reservations SET amount = $2, updated_at = now() WHERE id = $1", id, amount)
	return err
}

func (s *Service) setReservationStatus(ctx context.Context, tx pgx.Tx, id string, status types.ReservationStatus) error {
	_, err := tx.Exec(ctx, "UPDATE account_reservations SET status = $2, updated_at = now() WHERE id = $1", id, string(status))
	return err
}
