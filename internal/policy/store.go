package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/types"
)

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

const ruleColumns = "id, scope, coalesce(scope_ref, ''), coalesce(product, ''), coalesce(instrument, ''), coalesce(instrument_type, ''), action, metric, period, limit_amount, min_kyc_level, priority, enabled, created_at, updated_at"

func scanRule(row pgx.Row) (Rule, error) {
	var (
		r                             Rule
		scope, action, metric, period string
		kyc                           string
	)
	err := row.Scan(&r.ID, &scope, &r.ScopeRef, &r.Product, &r.Instrument, &r.InstrumentType, &action, &metric, &period, &r.Limit, &kyc, &r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}
	r.Scope = types.PolicyScope(scope)
	r.Action = types.Action(action)
	r.Metric = types.Metric(metric)
	r.Period = types.Period(period)
	level, ok := types.ParseKycLevel(kyc)
	if !ok {
		return Rule{}, fmt.Errorf("rule %s: unknown kyc level %q", r.ID, kyc)
	}
	r.MinKycLevel = level
	return r, nil
}

// Rules loads the enabled rules for one action/metric/period triple.
func (s *Store) Rules(ctx context.Context, tx pgx.Tx, action types.Action, metric types.Metric, period types.Period) ([]Rule, error) {
	return s.query(ctx, tx, "SELECT "+ruleColumns+" FROM policy_rules WHERE enabled AND action = $1 AND metric = $2 AND period = $3", string(action), string(metric), string(period))
}

func (s *Store) ListRules(ctx context.Context, tx pgx.Tx) ([]Rule, error) {
	return s.query(ctx, tx, "SELECT "+ruleColumns+" FROM policy_rules ORDER BY action, metric, period, priority, id")
}

func (s *Store) query(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]Rule, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func validateRule(r Rule) error {
	switch r.Scope {
	case types.PolicyScopeGlobal:
		if r.ScopeRef != "" {
			return apperr.InvalidInput("global rules take no scope_ref")
		}
	case types.PolicyScopeGroup, types.PolicyScopeUser:
		if r.ScopeRef == "" {
			return apperr.InvalidInput("%s rules need a scope_ref", r.Scope)
		}
	default:
		return apperr.InvalidInput("unknown scope %q", r.Scope)
	}
	set := 0
	for _, v := range []string{r.Product, r.Instrument, r.InstrumentType} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return apperr.InvalidInput("product, instrument and instrument_type are mutually exclusive")
	}
	if r.Action != types.ActionWithdraw && r.Action != types.ActionDeposit {
		return apperr.InvalidInput("unknown action %q", r.Action)
	}
	if r.Metric != types.MetricAmount && r.Metric != types.MetricCount {
		return apperr.InvalidInput("unknown metric %q", r.Metric)
	}
	if r.Period != types.PeriodDaily && r.Period != types.PeriodMonthly {
		return apperr.InvalidInput("unknown period %q", r.Period)
	}
	if r.Limit.IsNegative() {
		return apperr.InvalidInput("limit must not be negative")
	}
	return nil
}

// SaveRule inserts r, or replaces the rule with the same id.
func (s *Store) SaveRule(ctx context.Context, tx pgx.Tx, r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return scanRule(tx.QueryRow(ctx, `
		INSERT INTO policy_rules (id, scope, scope_ref, product, instrument, instrument_type, action, metric, period, limit_amount, min_kyc_level, priority, enabled)
		VALUES ($1, $2, nullif($3, ''), nullif($4, ''), nullif($5, ''), nullif($6, ''), $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			scope_ref = EXCLUDED.scope_ref,
			product = EXCLUDED.product,
			instrument = EXCLUDED.instrument,
			instrument_type = EXCLUDED.instrument_type,
			action = EXCLUDED.action,
			metric = EXCLUDED.metric,
			period = EXCLUDED.period,
			limit_amount = EXCLUDED.limit_amount,
			min_kyc_level = EXCLUDED.min_kyc_level,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING `+ruleColumns,
		r.ID, string(r.Scope), r.ScopeRef, r.Product, r.Instrument, r.InstrumentType,
		string(r.Action), string(r.Metric), string(r.Period), r.Limit, r.MinKycLevel.String(), r.Priority, r.Enabled))
}

func (s *Store) SetRuleEnabled(ctx context.Context, tx pgx.Tx, id string, enabled bool) error {
	tag, err := tx.Exec(ctx, "UPDATE policy_rules SET enabled = $2, updated_at = now() WHERE id = $1", id, enabled)
	if err != nil {
		return db.NotFound(err, "rule %s not found", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("rule %s not found", id)
	}
	return nil
}

// Subject loads the user's group and KYC level. Unknown users resolve to
// no group and KYC level NONE.
func (s *Store) Subject(ctx context.Context, tx pgx.Tx, userID string) (Subject, error) {
	subject := Subject{UserID: userID}
	var (
		group *string
		kyc   string
	)
	err := tx.QueryRow(ctx, "SELECT group_id, kyc_level FROM policy_subjects WHERE user_id = $1", userID).Scan(&group, &kyc)
	if errors.Is(err, pgx.ErrNoRows) {
		return subject, nil
	}
	if err != nil {
		return Subject{}, err
	}
	if group != nil {
		subject.GroupID = *group
	}
	level, ok := types.ParseKycLevel(kyc)
	if !ok {
		return Subject{}, fmt.Errorf("subject %s: unknown kyc level %q", userID, kyc)
	}
	subject.KycLevel = level
	return subject, nil
}

func (s *Store) SaveSubject(ctx context.Context, tx pgx.Tx, subject Subject) error {
	if subject.UserID == "" {
		return apperr.InvalidInput("user_id is required")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO policy_subjects (user_id, group_id, kyc_level)
		VALUES ($1, nullif($2, ''), $3)
		ON CONFLICT (user_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			kyc_level = EXCLUDED.kyc_level,
			updated_at = now()
	`, subject.UserID, subject.GroupID, subject.KycLevel.String())
	return err
}

// Resolver ties the rule store to Resolve.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, tx pgx.Tx, subject Subject, q Query) (Decision, error) {
	rules, err := r.store.Rules(ctx, tx, q.Action, q.Metric, q.Period)
	if err != nil {
		return Decision{}, err
	}
	return Resolve(rules, subject, q), nil
}

func (r *Resolver) Subject(ctx context.Context, tx pgx.Tx, userID string) (Subject, error) {
	return r.store.Subject(ctx, tx, userID)
}
