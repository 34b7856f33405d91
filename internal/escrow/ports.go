package escrow

import (
	"context"

	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/events"
)

// DestinationResolver returns the payout destination ownerID registered
// under destinationID.
type DestinationResolver interface {
	Resolve(ctx context.Context, tx pgx.Tx, ownerID, destinationID string) (Destination, error)
}

// ProofVerifier checks that every file was uploaded by ownerID.
type ProofVerifier interface {
	VerifyFiles(ctx context.Context, tx pgx.Tx, ownerID string, fileIDs []string) error
}

// Outbox queues an accounting event in the caller's transaction.
type Outbox interface {
	Enqueue(ctx context.Context, tx pgx.Tx, eventType, aggregateType, aggregateID string, payload any) error
}

type Publisher interface {
	Publish(evt events.Event)
}

const (
	EventWithdrawCreated     = "withdraw.request.created"
	EventWithdrawCancelled   = "withdraw.request.cancelled"
	EventWithdrawSettled     = "withdraw.request.settled"
	EventDepositCreated      = "deposit.request.created"
	EventDepositCancelled    = "deposit.request.cancelled"
	EventAllocationAssigned  = "p2p.allocation.assigned"
	EventAllocationProof     = "p2p.allocation.proof_submitted"
	EventAllocationConfirmed = "p2p.allocation.receiver_confirmed"
	EventAllocationVerified  = "p2p.allocation.admin_verified"
	EventAllocationDisputed  = "p2p.allocation.disputed"
	EventAllocationSettled   = "p2p.allocation.settled"
	EventAllocationCancelled = "p2p.allocation.cancelled"
	EventAllocationExpired   = "p2p.allocation.expired"
)
