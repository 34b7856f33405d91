// Package escrow matches withdrawal obligations against deposited funds and
// drives each match (an allocation) through proof, confirmation,
// verification and settlement. Every operation is one unit of work: ledger
// holds, quota holds, request totals and allocation state change together
// or not at all.
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/apperr"
	"lv-escrow/internal/db"
	"lv-escrow/internal/events"
	"lv-escrow/internal/ledger"
	"lv-escrow/internal/limits"
	"lv-escrow/internal/metrics"
	"lv-escrow/internal/policy"
	"lv-escrow/internal/types"
)

type Config struct {
	AllocationTTL    time.Duration
	ExpiringSoon     time.Duration
	ConfirmationMode types.ConfirmationMode
	MaxProofAttempts int
	SweepBatch       int
}

type Deps struct {
	Runner       *db.Runner
	Ledger       *ledger.Service
	Limits       *limits.Tracker
	Policy       *policy.Resolver
	Destinations DestinationResolver
	Proofs       ProofVerifier
	Outbox       Outbox
	Events       Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Engine struct {
	runner  *db.Runner
	ledger  *ledger.Service
	limits  *limits.Tracker
	policy  *policy.Resolver
	dest    DestinationResolver
	proofs  ProofVerifier
	outbox  Outbox
	events  Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
	cfg     Config
	now     func() time.Time
}

func NewEngine(d Deps, cfg Config) *Engine {
	if cfg.AllocationTTL <= 0 {
		cfg.AllocationTTL = 24 * time.Hour
	}
	if cfg.ConfirmationMode == "" {
		cfg.ConfirmationMode = types.ConfirmationModeReceiver
	}
	if cfg.MaxProofAttempts <= 0 {
		cfg.MaxProofAttempts = 2
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		runner:  d.Runner,
		ledger:  d.Ledger,
		limits:  d.Limits,
		policy:  d.Policy,
		dest:    d.Destinations,
		proofs:  d.Proofs,
		outbox:  d.Outbox,
		events:  d.Events,
		metrics: d.Metrics,
		log:     logger.With("component", "escrow"),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// effects collects what one attempt wants to announce once it commits.
type effects struct {
	published []events.Event
}

// inTx runs fn as one unit of work and publishes its events after commit.
func (e *Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx, fx *effects) error) error {
	var committed *effects
	err := e.runner.InTx(ctx, op, func(ctx context.Context, tx pgx.Tx) error {
		fx := &effects{}
		if err := fn(ctx, tx, fx); err != nil {
			return err
		}
		committed = fx
		return nil
	})
	e.observe(op, err)
	if err != nil {
		if !apperr.Domain(err) {
			e.log.Error("operation failed", "operation", op, "error", err)
		}
		return err
	}
	if e.events != nil {
		for _, evt := range committed.published {
			e.events.Publish(evt)
		}
	}
	return nil
}

func (e *Engine) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	e.metrics.Observe(op, outcome)
}

// emit queues an accounting event in tx and an in-process event for after
// commit.
func (e *Engine) emit(ctx context.Context, tx pgx.Tx, fx *effects, eventType, aggregateType, aggregateID string, payload any, audience []string) error {
	if e.outbox != nil {
		if err := e.outbox.Enqueue(ctx, tx, eventType, aggregateType, aggregateID, payload); err != nil {
			return err
		}
	}
	fx.published = append(fx.published, events.Event{Type: eventType, Data: payload, Audience: audience})
	return nil
}

func (e *Engine) emitAllocation(ctx context.Context, tx pgx.Tx, fx *effects, eventType string, a Allocation) error {
	return e.emit(ctx, tx, fx, eventType, "p2p_allocation", a.ID, a, a.Audience())
}

func (e *Engine) target(instrument, instrumentType string) policy.Target {
	return policy.Target{Product: Product, Instrument: instrument, InstrumentType: instrumentType}
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}
