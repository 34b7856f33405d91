package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"lv-escrow/internal/types"
)

// Product is the policy selector value for every escrow action.
const Product = "p2p"

// Actor is the caller of an engine operation.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) label() string {
	if a.Admin {
		return "admin:" + a.UserID
	}
	return a.UserID
}

// Totals are the numbers request status is derived from.
type Totals struct {
	Amount    decimal.Decimal
	Assigned  decimal.Decimal
	Settled   decimal.Decimal
	Cancelled bool
	Expired   bool
}

type WithdrawRequest struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	InstrumentCode string              `json:"instrument_code"`
	Amount         decimal.Decimal     `json:"amount"`
	AssignedTotal  decimal.Decimal     `json:"assigned_amount_total"`
	SettledTotal   decimal.Decimal     `json:"settled_amount_total"`
	Status         types.RequestStatus `json:"status"`
	DestinationID  string              `json:"destination_id,omitempty"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	ExpiredAt      *time.Time          `json:"expired_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (w WithdrawRequest) RemainingToAssign() decimal.Decimal {
	return w.Amount.Sub(w.AssignedTotal)
}

func (w WithdrawRequest) totals() Totals {
	return Totals{Amount: w.Amount, Assigned: w.AssignedTotal, Settled: w.SettledTotal, Cancelled: w.CancelledAt != nil, Expired: w.ExpiredAt != nil}
}

type DepositRequest struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	InstrumentCode string              `json:"instrument_code"`
	Amount         decimal.Decimal     `json:"amount"`
	AssignedTotal  decimal.Decimal     `json:"assigned_amount_total"`
	SettledTotal   decimal.Decimal     `json:"settled_amount_total"`
	Status         types.RequestStatus `json:"status"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	ExpiredAt      *time.Time          `json:"expired_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (d DepositRequest) RemainingAmount() decimal.Decimal {
	return d.Amount.Sub(d.AssignedTotal)
}

func (d DepositRequest) totals() Totals {
	return Totals{Amount: d.Amount, Assigned: d.AssignedTotal, Settled: d.SettledTotal, Cancelled: d.CancelledAt != nil, Expired: d.ExpiredAt != nil}
}

// Destination is where the payer sends money, as captured when the
// allocation was made.
type Destination struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	Value       string `json:"value"`
	MaskedValue string `json:"masked_value"`
	BankName    string `json:"bank_name,omitempty"`
	OwnerName   string `json:"owner_name,omitempty"`
	Title       string `json:"title,omitempty"`
}

type Allocation struct {
	ID                  string                 `json:"id"`
	WithdrawID          string                 `json:"withdraw_id"`
	DepositID           string                 `json:"deposit_id"`
	PayerUserID         string                 `json:"payer_user_id"`
	ReceiverUserID      string                 `json:"receiver_user_id"`
	InstrumentCode      string                 `json:"instrument_code"`
	Amount              decimal.Decimal        `json:"amount"`
	Status              types.AllocationStatus `json:"status"`
	PaymentCode         string                 `json:"payment_code"`
	Destination         Destination            `json:"destination"`
	ExpiresAt           time.Time              `json:"expires_at"`
	ProofAttempts       int                    `json:"proof_attempts"`
	ProofFileIDs        []string               `json:"proof_file_ids"`
	ProofNote           string                 `json:"proof_note,omitempty"`
	ProofSubmittedAt    *time.Time             `json:"proof_submitted_at,omitempty"`
	PayerPaidAt         *time.Time             `json:"payer_paid_at,omitempty"`
	ReceiverConfirmedAt *time.Time             `json:"receiver_confirmed_at,omitempty"`
	AdminVerifiedAt     *time.Time             `json:"admin_verified_at,omitempty"`
	AdminVerifiedBy     string                 `json:"admin_verified_by,omitempty"`
	DisputeReason       string                 `json:"dispute_reason,omitempty"`
	DisputedAt          *time.Time             `json:"disputed_at,omitempty"`
	SettledAt           *time.Time             `json:"settled_at,omitempty"`
	SettledBy           string                 `json:"settled_by,omitempty"`
	DebitTxID           string                 `json:"debit_tx_id,omitempty"`
	CreditTxID          string                 `json:"credit_tx_id,omitempty"`
	CancelledAt         *time.Time             `json:"cancelled_at,omitempty"`
	ExpiredAt           *time.Time             `json:"expired_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

func (a Allocation) ref() types.Ref {
	return types.NewRef(types.RefTypeAllocation, a.ID)
}

// Audience is the set of users who may see the allocation.
func (a Allocation) Audience() []string {
	return []string{a.PayerUserID, a.ReceiverUserID}
}

type AssignItem struct {
	DepositID string          `json:"deposit_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type AssignInput struct {
	WithdrawID     string
	Items          []AssignItem
	IdempotencyKey string
	DestinationID  string
	Admin          Actor
}

type AssignResult struct {
	Withdraw    WithdrawRequest `json:"withdraw_request"`
	Allocations []Allocation    `json:"allocations"`
	Replayed    bool            `json:"replayed"`
}

type Proof struct {
	FileIDs []string `json:"file_ids"`
	Note    string   `json:"note,omitempty"`
}

type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type Settlement struct {
	Allocation Allocation `json:"allocation"`
	DebitTxID  string     `json:"debit_tx_id"`
	CreditTxID string     `json:"credit_tx_id"`
	Replayed   bool       `json:"replayed"`
}

type WithdrawInput struct {
	ID             string
	UserID         string
	InstrumentCode string
	InstrumentType string
	Amount         decimal.Decimal
	DestinationID  string
}

type DepositInput struct {
	ID             string
	UserID         string
	InstrumentCode string
	InstrumentType string
	Amount         decimal.Decimal
}

type SweepSummary struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type AllocationFilter struct {
	WithdrawID string
	DepositID  string
	UserID     string
	Status     types.AllocationStatus
	Limit      int
}
