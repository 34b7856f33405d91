package types

import "strings"

type ReservationStatus string

type TransactionType string

type RefType string

type AllocationStatus string

type RequestStatus string

type ConfirmationMode string

type PolicyScope string

type SelectorKind string

type Action string

type Metric string

type Period string

type KycLevel int

const (
	ReservationStatusReserved ReservationStatus = "RESERVED"
	ReservationStatusConsumed ReservationStatus = "CONSUMED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
)

const (
	TransactionTypeDeposit          TransactionType = "DEPOSIT"
	TransactionTypeWithdraw         TransactionType = "WITHDRAW"
	TransactionTypeTransfer         TransactionType = "TRANSFER"
	TransactionTypeAdjustment       TransactionType = "ADJUSTMENT"
	TransactionTypeP2PDebit         TransactionType = "P2P_SETTLEMENT_DEBIT"
	TransactionTypeP2PCredit        TransactionType = "P2P_SETTLEMENT_CREDIT"
	TransactionTypeReservationClose TransactionType = "RESERVATION_CONSUME"
)

const (
	RefTypeWithdrawRequest RefType = "WITHDRAW_REQUEST"
	RefTypeDepositRequest  RefType = "DEPOSIT_REQUEST"
	RefTypeAllocation      RefType = "P2P_ALLOCATION"
	RefTypeManual          RefType = "MANUAL"
)

const (
	AllocationStatusAssigned          AllocationStatus = "ASSIGNED"
	AllocationStatusProofSubmitted    AllocationStatus = "PROOF_SUBMITTED"
	AllocationStatusReceiverConfirmed AllocationStatus = "RECEIVER_CONFIRMED"
	AllocationStatusAdminVerified     AllocationStatus = "ADMIN_VERIFIED"
	AllocationStatusSettled           AllocationStatus = "SETTLED"
	AllocationStatusDisputed          AllocationStatus = "DISPUTED"
	AllocationStatusCancelled         AllocationStatus = "CANCELLED"
	AllocationStatusExpired           AllocationStatus = "EXPIRED"
)

const (
	RequestStatusWaitingAssignment RequestStatus = "WAITING_ASSIGNMENT"
	RequestStatusPartiallyAssigned RequestStatus = "PARTIALLY_ASSIGNED"
	RequestStatusFullyAssigned     RequestStatus = "FULLY_ASSIGNED"
	RequestStatusPartiallySettled  RequestStatus = "PARTIALLY_SETTLED"
	RequestStatusSettled           RequestStatus = "SETTLED"
	RequestStatusCancelled         RequestStatus = "CANCELLED"
	RequestStatusExpired           RequestStatus = "EXPIRED"
)

const (
	ConfirmationModeReceiver        ConfirmationMode = "RECEIVER"
	ConfirmationModeAdmin           ConfirmationMode = "ADMIN"
	ConfirmationModeBoth            ConfirmationMode = "BOTH"
	ConfirmationModeReceiverOrAdmin ConfirmationMode = "RECEIVER_OR_ADMIN"
)

const (
	PolicyScopeGlobal PolicyScope = "GLOBAL"
	PolicyScopeGroup  PolicyScope = "GROUP"
	PolicyScopeUser   PolicyScope = "USER"
)

const (
	SelectorAll            SelectorKind = "ALL"
	SelectorProduct        SelectorKind = "PRODUCT"
	SelectorInstrument     SelectorKind = "INSTRUMENT"
	SelectorInstrumentType SelectorKind = "INSTRUMENT_TYPE"
)

const (
	ActionWithdraw Action = "WITHDRAW"
	ActionDeposit  Action = "DEPOSIT"
)

const (
	MetricAmount Metric = "AMOUNT"
	MetricCount  Metric = "COUNT"
)

const (
	PeriodDaily   Period = "DAILY"
	PeriodMonthly Period = "MONTHLY"
)

const (
	KycLevelNone KycLevel = iota
	KycLevelBasic
	KycLevelAdvanced
)

func (s AllocationStatus) Terminal() bool {
	switch s {
	case AllocationStatusSettled, AllocationStatusCancelled, AllocationStatusExpired:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusSettled, RequestStatusCancelled, RequestStatusExpired:
		return true
	}
	return false
}

func (s ReservationStatus) Terminal() bool {
	return s == ReservationStatusConsumed || s == ReservationStatusReleased
}

func ParseConfirmationMode(raw string) (ConfirmationMode, bool) {
	switch m := ConfirmationMode(strings.ToUpper(strings.TrimSpace(raw))); m {
	case ConfirmationModeReceiver, ConfirmationModeAdmin, ConfirmationModeBoth, ConfirmationModeReceiverOrAdmin:
		return m, true
	}
	return "", false
}

// Satisfied reports whether the confirmations recorded on an allocation are
// enough to settle it under mode.
func (m ConfirmationMode) Satisfied(receiverConfirmed, adminVerified bool) bool {
	switch m {
	case ConfirmationModeReceiver:
		return receiverConfirmed
	case ConfirmationModeAdmin:
		return adminVerified
	case ConfirmationModeBoth:
		return receiverConfirmed && adminVerified
	case ConfirmationModeReceiverOrAdmin:
		return receiverConfirmed || adminVerified
	}
	return false
}

func (l KycLevel) String() string {
	switch l {
	case KycLevelNone:
		return "NONE"
	case KycLevelBasic:
		return "BASIC"
	case KycLevelAdvanced:
		return "ADVANCED"
	}
	return "UNKNOWN"
}

func ParseKycLevel(raw string) (KycLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "NONE":
		return KycLevelNone, true
	case "BASIC":
		return KycLevelBasic, true
	case "ADVANCED":
		return KycLevelAdvanced, true
	}
	return KycLevelNone, false
}

// Ref points a ledger or quota entry back at the business object that caused it.
type Ref struct {
	Type RefType `json:"ref_type"`
	ID   string  `json:"ref_id"`
}

func NewRef(t RefType, id string) Ref {
	return Ref{Type: t, ID: id}
}

func (r Ref) String() string {
	return string(r.Type) + ":" + r.ID
}

func (r Ref) IsZero() bool {
	return r.Type == "" || r.ID == ""
}
