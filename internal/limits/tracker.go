// Package limits tracks quota usage per user, action, metric and calendar
// period, gated by the rules resolved in package policy. Holds follow the
// same reserve, consume, release, split and merge lifecycle as ledger holds.
package limits

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/types"
)

type Usage struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Action        types.Action    `json:"action"`
	Metric        types.Metric    `json:"metric"`
	Period        types.Period    `json:"period"`
	PeriodKey     string          `json:"period_key"`
	InstrumentKey string          `json:"instrument_key"`
	Used          decimal.Decimal `json:"used_amount"`
	Reserved      decimal.Decimal `json:"reserved_amount"`
}

type Reservation struct {
	ID      string                  `json:"id"`
	UsageID string                  `json:"usage_id"`
	Metric  types.Metric            `json:"metric"`
	Ref     types.Ref               `json:"ref"`
	Amount  decimal.Decimal         `json:"amount"`
	Status  types.ReservationStatus `json:"status"`
	Parent  *types.Ref              `json:"parent,omitempty"`
}

// Request describes one quota hold. Amount is ignored for COUNT, which
// always holds one unit.
type Request struct {
	Subject policy.Subject
	Action  types.Action
	Metric  types.Metric
	Period  types.Period
	Target  policy.Target
	Amount  decimal.Decimal
	Ref     types.Ref
}

func (r Request) quantity() decimal.Decimal {
	if r.Metric == types.MetricCount {
		return decimal.NewFromInt(1)
	}
	return r.Amount
}

func (r Request) query() policy.Query {
	return policy.Query{Action: r.Action, Metric: r.Metric, Period: r.Period, Target: r.Target}
}

type Tracker struct {
	resolver *policy.Resolver
	loc      *time.Location
	now      func() time.Time
}

func NewTracker(resolver *policy.Resolver, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{resolver: resolver, loc: loc, now: time.Now}
}

// Reserve holds quota for req.Ref in the current period. Calling it again
// with the same ref returns the existing hold.
func (t *Tracker) Reserve(ctx context.Context, tx pgx.Tx, req Request) (Reservation, error) {
	qty := req.quantity()
	if !qty.IsPositive() {
		return Reservation{}, apperr.InvalidInput("quota amount must be positive")
	}
	if req.Ref.IsZero() {
		return Reservation{}, apperr.InvalidInput("reference is required")
	}
	usage, err := t.lockOrCreateUsage(ctx, tx, req)
	if err != nil {
		return Reservation{}, err
	}
	existing, err := lockReservation(ctx, tx, req.Ref, usage.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, err
	}
	if err := t.admit(ctx, tx, req, usage, qty); err != nil {
		return Reservation{}, err
	}
	r, err := insertReservation(ctx, tx, usage, req.Ref, qty, nil)
	if err != nil {
		return Reservation{}, err
	}
	if err := adjustUsage(ctx, tx, usage.ID, decimal.Zero, qty); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// Check applies the same gate as Reserve without holding anything.
func (t *Tracker) Check(ctx context.Context, tx pgx.Tx, req Request) error {
	qty := req.quantity()
	if !qty.IsPositive() {
		return apperr.InvalidInput("quota amount must be positive")
	}
	usage, err := scanUsage(tx.QueryRow(ctx, "SELECT "+usageColumns+" FROM limit_usages WHERE user_id = $1 AND action = $2 AND metric = $3 AND period = $4 AND period_key = $5 AND instrument_key = $6",
		t.usageKey(req)...))
	if errors.Is(err, pgx.ErrNoRows) {
		usage = Usage{Used: decimal.Zero, Reserved: decimal.Zero}
	} else if err != nil {
		return err
	}
	return t.admit(ctx, tx, req, usage, qty)
}

func (t *Tracker) admit(ctx context.Context, tx pgx.Tx, req Request, usage Usage, qty decimal.Decimal) error {
	decision, err := t.resolver.Resolve(ctx, tx, req.Subject, req.query())
	if err != nil {
		return err
	}
	if decision.Blocked() {
		return apperr.KycRequired(*decision.KycRequired, "%s %s %s requires kyc", req.Action, req.Metric, req.Period)
	}
	if decision.Unlimited() {
		return nil
	}
	if usage.Used.Add(usage.Reserved).Add(qty).GreaterThan(decision.Rule.Limit) {
		return apperr.LimitExceeded("%s %s %s limit %s: used %s, reserved %s, requested %s",
			req.Action, req.Metric, req.Period, decision.Rule.Limit, usage.Used, usage.Reserved, qty)
	}
	return nil
}

// Consume turns the open holds under ref into used quota. With metrics
// given, only holds of those metrics are consumed.
func (t *Tracker) Consume(ctx context.Context, tx pgx.Tx, ref types.Ref, metrics ...types.Metric) error {
	return t.close(ctx, tx, ref, types.ReservationStatusConsumed, metrics)
}

// Release drops every open hold under ref.
func (t *Tracker) Release(ctx context.Context, tx pgx.Tx, ref types.Ref) error {
	return t.close(ctx, tx, ref, types.ReservationStatusReleased, nil)
}

func (t *Tracker) close(ctx context.Context, tx pgx.Tx, ref types.Ref, status types.ReservationStatus, only []types.Metric) error {
	held, err := lockHolds(ctx, tx, ref)
	if err != nil {
		return err
	}
	for _, r := range held {
		if r.Status.Terminal() || !metricIn(r.Metric, only) {
			continue
		}
		used := decimal.Zero
		if status == types.ReservationStatusConsumed {
			used = r.Amount
		}
		if err := adjustUsage(ctx, tx, r.UsageID, used, r.Amount.Neg()); err != nil {
			return err
		}
		if err := setStatus(ctx, tx, r.ID, status); err != nil {
			return err
		}
	}
	return nil
}

func metricIn(m types.Metric, only []types.Metric) bool {
	return len(only) == 0 || slices.Contains(only, m)
}

// Split carves amount out of every open AMOUNT hold under ref into a child
// hold under newRef. COUNT holds stay with the parent.
func (t *Tracker) Split(ctx context.Context, tx pgx.Tx, ref, newRef types.Ref, amount decimal.Decimal) ([]Reservation, error) {
	if !amount.IsPositive() {
		return nil, apperr.InvalidInput("split amount must be positive")
	}
	if newRef.IsZero() || newRef == ref {
		return nil, apperr.InvalidInput("split needs a distinct reference")
	}
	held, err := lockHolds(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	var out []Reservation
	for _, parent := range held {
		if parent.Metric != types.MetricAmount {
			continue
		}
		child, err := lockReservation(ctx, tx, newRef, parent.UsageID)
		if err == nil {
			out = append(out, child)
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if parent.Status != types.ReservationStatusReserved {
			return nil, apperr.InvalidState("quota hold %s is %s", ref, parent.Status)
		}
		if parent.Amount.LessThan(amount) {
			return nil, apperr.InsufficientCapacity("quota hold %s has %s, split requested %s", ref, parent.Amount, amount)
		}
		if err := setAmount(ctx, tx, parent.ID, parent.Amount.Sub(amount)); err != nil {
			return nil, err
		}
		child, err = insertReservation(ctx, tx, Usage{ID: parent.UsageID, Metric: parent.Metric}, newRef, amount, &ref)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// MergeBack returns open child holds under childRef to their parents,
// releasing them when the parent is gone or already terminal.
func (t *Tracker) MergeBack(ctx context.Context, tx pgx.Tx, childRef types.Ref) error {
	held, err := lockHolds(ctx, tx, childRef)
	if err != nil {
		return err
	}
	for _, child := range held {
		if child.Status.Terminal() {
			continue
		}
		if child.Parent == nil {
			return apperr.InvalidState("quota hold %s was not split from a parent", childRef)
		}
		parent, err := lockReservation(ctx, tx, *child.Parent, child.UsageID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil && parent.Status == types.ReservationStatusReserved {
			if err := setAmount(ctx, tx, parent.ID, parent.Amount.Add(child.Amount)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "DELETE FROM limit_reservations WHERE id = $1", child.ID); err != nil {
				return err
			}
			continue
		}
		if err := adjustUsage(ctx, tx, child.UsageID, decimal.Zero, child.Amount.Neg()); err != nil {
			return err
		}
		if err := setStatus(ctx, tx, child.ID, types.ReservationStatusReleased); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) Reservations(ctx context.Context, tx pgx.Tx, ref types.Ref) ([]Reservation, error) {
	rows, err := tx.Query(ctx, "SELECT "+reservationColumns+" FROM limit_reservations r JOIN limit_usages u ON u.id = r.usage_id WHERE r.ref_type = $1 AND r.ref_id = $2 ORDER BY r.usage_id", string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

// Usages lists the user's usage rows for the current daily and monthly
// windows.
func (t *Tracker) Usages(ctx context.Context, tx pgx.Tx, userID string) ([]Usage, error) {
	now := t.now()
	rows, err := tx.Query(ctx, "SELECT "+usageColumns+" FROM limit_usages WHERE user_id = $1 AND period_key IN ($2, $3) ORDER BY action, metric, period, instrument_key",
		userID, PeriodKey(types.PeriodDaily, now, t.loc), PeriodKey(types.PeriodMonthly, now, t.loc))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Usage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *Tracker) usageKey(req Request) []any {
	return []any{
		req.Subject.UserID,
		string(req.Action),
		string(req.Metric),
		string(req.Period),
		PeriodKey(req.Period, t.now(), t.loc),
		instrumentKey(req.Target.Instrument),
	}
}

func (t *Tracker) lockOrCreateUsage(ctx context.Context, tx pgx.Tx, req Request) (Usage, error) {
	if req.Subject.UserID == "" {
		return Usage{}, apperr.InvalidInput("user is required")
	}
	key := t.usageKey(req)
	if _, err := tx.Exec(ctx, `
		INSERT INTO limit_usages (id, user_id, action, metric, period, period_key, instrument_key)
		VALUES ($7, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, action, metric, period, period_key, instrument_key) DO NOTHING
	`, append(key, uuid.NewString())...); err != nil {
		return Usage{}, err
	}
	return scanUsage(tx.QueryRow(ctx, "SELECT "+usageColumns+" FROM limit_usages WHERE user_id = $1 AND action = $2 AND metric = $3 AND period = $4 AND period_key = $5 AND instrument_key = $6 FOR UPDATE", key...))
}

const usageColumns = "id, user_id, action, metric, period, period_key, instrument_key, used_amount, reserved_amount"

func scanUsage(row pgx.Row) (Usage, error) {
	var (
		u                      Usage
		action, metric, period string
	)
	if err := row.Scan(&u.ID, &u.UserID, &action, &metric, &period, &u.PeriodKey, &u.InstrumentKey, &u.Used, &u.Reserved); err != nil {
		return Usage{}, err
	}
	u.Action = types.Action(action)
	u.Metric = types.Metric(metric)
	u.Period = types.Period(period)
	return u, nil
}

const reservationColumns = "r.id, r.usage_id, u.metric, r.ref_type, r.ref_id, r.amount, r.status, r.parent_ref_type, r.parent_ref_id"

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r                       Reservation
		metric, refType, status string
		parentType, parentID    *string
	)
	if err := row.Scan(&r.ID, &r.UsageID, &metric, &refType, &r.Ref.ID, &r.Amount, &status, &parentType, &parentID); err != nil {
		return Reservation{}, err
	}
	r.Metric = types.Metric(metric)
	r.Ref.Type = types.RefType(refType)
	r.Status = types.ReservationStatus(status)
	if parentType != nil && parentID != nil {
		p := types.NewRef(types.RefType(*parentType), *parentID)
		r.Parent = &p
	}
	return r, nil
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
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

func lockReservation(ctx context.Context, tx pgx.Tx, ref types.Ref, usageID string) (Reservation, error) {
	return scanReservation(tx.QueryRow(ctx, "SELECT "+reservationColumns+" FROM limit_reservations r JOIN limit_usages u ON u.id = r.usage_id WHERE r.ref_type = $1 AND r.ref_id = $2 AND r.usage_id = $3 FOR UPDATE OF r", string(ref.Type), ref.ID, usageID))
}

// lockHolds locks the usages behind ref in id order, then the holds.
func lockHolds(ctx context.Context, tx pgx.Tx, ref types.Ref) ([]Reservation, error) {
	if ref.IsZero() {
		return nil, apperr.InvalidInput("reference is required")
	}
	rows, err := tx.Query(ctx, "SELECT DISTINCT usage_id FROM limit_reservations WHERE ref_type = $1 AND ref_id = $2", string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	usageIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	sort.Strings(usageIDs)
	for _, id := range usageIDs {
		if _, err := tx.Exec(ctx, "SELECT 1 FROM limit_usages WHERE id = $1 FOR UPDATE", id); err != nil {
			return nil, err
		}
	}
	rows, err = tx.Query(ctx, "SELECT "+reservationColumns+" FROM limit_reservations r JOIN limit_usages u ON u.id = r.usage_id WHERE r.ref_type = $1 AND r.ref_id = $2 ORDER BY r.usage_id FOR UPDATE OF r", string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	return collectReservations(rows)
}

func insertReservation(ctx context.Context, tx pgx.Tx, usage Usage, ref types.Ref, amount decimal.Decimal, parent *types.Ref) (Reservation, error) {
	r := Reservation{
		ID:      uuid.NewString(),
		UsageID: usage.ID,
		Metric:  usage.Metric,
		Ref:     ref,
		Amount:  amount,
		Status:  types.ReservationStatusReserved,
		Parent:  parent,
	}
	var parentType, parentID *string
	if parent != nil {
		pt, pid := string(parent.Type), parent.ID
		parentType, parentID = &pt, &pid
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO limit_reservations (id, usage_id, ref_type, ref_id, amount, status, parent_ref_type, parent_ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, usage.ID, string(ref.Type), ref.ID, amount, string(r.Status), parentType, parentID)
	if err != nil {
		return Reservation{}, fmt.Errorf("insert quota hold %s: %w", ref, err)
	}
	return r, nil
}

func adjustUsage(ctx context.Context, tx pgx.Tx, usageID string, usedDelta, reservedDelta decimal.Decimal) error {
	tag, err := tx.Exec(ctx, `
		UPDATE limit_usages
		SET used_amount = used_amount + $2, reserved_amount = reserved_amount + $3, updated_at = now()
		WHERE id = $1 AND reserved_amount + $3 >= 0
	`, usageID, usedDelta, reservedDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("usage %s: reserved amount would go negative", usageID)
	}
	return nil
}

func setAmount(ctx context.Context, tx pgx.Tx, id string, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, "UPDATE limit_reservations SET amount = $2, updated_at = now() WHERE id = $1", id, amount)
	return err
}

func setStatus(ctx context.Context, tx pgx.Tx, id string, status types.ReservationStatus) error {
	_, err := tx.Exec(ctx, "UPDATE limit_reservations SET status = $2, updated_at = now() WHERE id = $1", id, string(status))
	return err
}
