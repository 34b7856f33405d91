// Package policy selects the quota rule that applies to a user action.
//
// Rules are scoped (USER, GROUP, GLOBAL) and optionally narrowed by a
// selector (product, instrument or instrument type). The most specific
// enabled rule wins; a winner that demands a higher KYC level than the
// subject holds blocks the action instead of limiting it.
package policy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"lv-escrow/internal/types"
)

type Rule struct {
	ID             string            `json:"id"`
	Scope          types.PolicyScope `json:"scope"`
	ScopeRef       string            `json:"scope_ref,omitempty"`
	Product        string            `json:"product,omitempty"`
	Instrument     string            `json:"instrument,omitempty"`
	InstrumentType string            `json:"instrument_type,omitempty"`
	Action         types.Action      `json:"action"`
	Metric         types.Metric      `json:"metric"`
	Period         types.Period      `json:"period"`
	Limit          decimal.Decimal   `json:"limit"`
	MinKycLevel    types.KycLevel    `json:"min_kyc_level"`
	Priority       int               `json:"priority"`
	Enabled        bool              `json:"enabled"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (r Rule) Selector() types.SelectorKind {
	switch {
	case r.Product != "":
		return types.SelectorProduct
	case r.Instrument != "":
		return types.SelectorInstrument
	case r.InstrumentType != "":
		return types.SelectorInstrumentType
	}
	return types.SelectorAll
}

// Subject is the per-operation view of a user used for rule selection.
type Subject struct {
	UserID   string         `json:"user_id"`
	GroupID  string         `json:"group_id,omitempty"`
	KycLevel types.KycLevel `json:"kyc_level"`
}

// Target narrows a query to what the action touches. Empty fields match
// only ALL-selector rules.
type Target struct {
	Product        string
	Instrument     string
	InstrumentType string
}

type Query struct {
	Action types.Action
	Metric types.Metric
	Period types.Period
	Target Target
}

// Decision is the outcome of resolving a query. With no applicable rule the
// action is unlimited. KycRequired is set when the winning rule is blocked.
type Decision struct {
	Rule        *Rule
	KycRequired *types.KycLevel
}

func (d Decision) Unlimited() bool {
	return d.Rule == nil && d.KycRequired == nil
}

func (d Decision) Blocked() bool {
	return d.KycRequired != nil
}

var scopeRank = map[types.PolicyScope]int{
	types.PolicyScopeUser:   0,
	types.PolicyScopeGroup:  1,
	types.PolicyScopeGlobal: 2,
}

var selectorRank = map[types.SelectorKind]int{
	types.SelectorProduct:        0,
	types.SelectorInstrument:     1,
	types.SelectorInstrumentType: 2,
	types.SelectorAll:            3,
}

// Resolve picks the winning rule for q. It is a pure function of its inputs.
func Resolve(rules []Rule, subject Subject, q Query) Decision {
	candidates := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.Action == q.Action && r.Metric == q.Metric && r.Period == q.Period &&
			scopeMatches(r, subject) && selectorMatches(r, q.Target) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Decision{}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return outranks(candidates[i], candidates[j])
	})

	winner := candidates[0]
	if winner.MinKycLevel <= subject.KycLevel {
		return Decision{Rule: &winner}
	}
	required := winner.MinKycLevel
	for _, c := range candidates {
		if c.MinKycLevel > subject.KycLevel && c.MinKycLevel < required {
			required = c.MinKycLevel
		}
	}
	return Decision{KycRequired: &required}
}

func scopeMatches(r Rule, s Subject) bool {
	switch r.Scope {
	case types.PolicyScopeGlobal:
		return true
	case types.PolicyScopeGroup:
		return s.GroupID != "" && r.ScopeRef == s.GroupID
	case types.PolicyScopeUser:
		return s.UserID != "" && r.ScopeRef == s.UserID
	}
	return false
}

func selectorMatches(r Rule, t Target) bool {
	switch r.Selector() {
	case types.SelectorProduct:
		return r.Product == t.Product
	case types.SelectorInstrument:
		return r.Instrument == t.Instrument
	case types.SelectorInstrumentType:
		return r.InstrumentType == t.InstrumentType
	}
	return true
}

func outranks(a, b Rule) bool {
	if sa, sb := scopeRank[a.Scope], scopeRank[b.Scope]; sa != sb {
		return sa < sb
	}
	if sa, sb := selectorRank[a.Selector()], selectorRank[b.Selector()]; sa != sb {
		return sa < sb
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
