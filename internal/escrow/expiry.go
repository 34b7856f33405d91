package escrow

import (
	"context"

	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/db"
	"lv-escrow/internal/types"
)

// ExpireAllocations moves ASSIGNED allocations past their deadline to
// EXPIRED and returns their holds. Each allocation is its own unit of work;
// one that changed state since it was listed is skipped.
func (e *Engine) ExpireAllocations(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary
	due, err := db.InTxResult(ctx, e.runner, "allocation.expiry_scan", func(ctx context.Context, tx pgx.Tx) ([]string, error) {
		return dueForExpiry(ctx, tx, e.clock(), e.cfg.SweepBatch)
	})
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(due)
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		expired, err := e.expireOne(ctx, id)
		switch {
		case err != nil:
			summary.Failed++
			e.swept("failed")
			e.log.Warn("allocation expiry failed", "allocation_id", id, "error", err)
		case expired:
			summary.Expired++
			e.swept("expired")
		default:
			summary.Skipped++
			e.swept("skipped")
		}
	}
	if summary.Scanned > 0 {
		e.log.Info("expiry sweep finished", "scanned", summary.Scanned, "expired", summary.Expired, "skipped", summary.Skipped, "failed", summary.Failed)
	}
	return summary, nil
}

func (e *Engine) expireOne(ctx context.Context, id string) (bool, error) {
	expired := false
	err := e.inTx(ctx, "allocation.expire", func(ctx context.Context, tx pgx.Tx, fx *effects) error {
		expired = false
		w, d, a, err := lockAllocationChain(ctx, tx, id)
		if err != nil {
			return err
		}
		if !expirable(a, e.clock()) {
			return nil
		}
		if err := e.unwind(ctx, tx, &w, &d, &a, types.AllocationStatusExpired); err != nil {
			return err
		}
		expired = true
		return e.emitAllocation(ctx, tx, fx, EventAllocationExpired, a)
	})
	return expired, err
}

func (e *Engine) swept(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SweptAllocations.WithLabelValues(result).Inc()
}

// ExpiringSoon lists ASSIGNED allocations whose deadline falls inside the
// configured lookahead window.
func (e *Engine) ExpiringSoon(ctx context.Context) ([]Allocation, error) {
	now := e.clock()
	return db.InTxResult(ctx, e.runner, "allocation.expiring_soon", func(ctx context.Context, tx pgx.Tx) ([]Allocation, error) {
		return queryAllocations(ctx, tx,
			"SELECT "+allocationColumns+" FROM p2p_allocations WHERE status = 'ASSIGNED' AND expires_at > $1 AND expires_at <= $2 ORDER BY expires_at, id",
			now, now.Add(e.cfg.ExpiringSoon))
	})
}
