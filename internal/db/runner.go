package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"lv-escrow/internal/config"
	"lv-escrow/internal/metrics"
)

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Runner executes units of work. Each unit runs in one serializable
// transaction; transient failures roll the transaction back and run the
// whole function again.
type Runner struct {
	pool    Beginner
	cfg     config.TxConfig
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewRunner(pool Beginner, cfg config.TxConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 25 * time.Millisecond
	}
	return &Runner{pool: pool, cfg: cfg, metrics: m, log: logger}
}

// InTx runs fn inside a transaction. fn must be safe to run more than once.
func (r *Runner) InTx(ctx context.Context, op string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	_, err := InTxResult(ctx, r, op, func(ctx context.Context, tx pgx.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

// InTxResult is InTx for functions that produce a value. The value of the
// committed attempt is returned.
func InTxResult[T any](ctx context.Context, r *Runner, op string, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	start := time.Now()
	attempt := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseBackoff
	b.MaxInterval = 20 * r.cfg.BaseBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	}
	if r.cfg.MaxWait > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.MaxWait))
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := runAttempt(ctx, r, fn)
		switch {
		case err == nil:
			r.countAttempt(op, "committed")
			return v, nil
		case IsTransient(err):
			r.countAttempt(op, "retried")
			r.log.Warn("transient transaction failure",
				"operation", op,
				"attempt", attempt,
				"error", err,
			)
			return v, err
		default:
			r.countAttempt(op, "failed")
			return v, backoff.Permanent(err)
		}
	}, opts...)

	if r.metrics != nil {
		r.metrics.TxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil && IsTransient(err) {
		return out, fmt.Errorf("%s: gave up after %d attempts: %w", op, attempt, err)
	}
	return out, err
}

func runAttempt[T any](ctx context.Context, r *Runner, fn func(context.Context, pgx.Tx) (T, error)) (T, error) {
	var zero T
	attemptCtx := ctx
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}

	v, err := execAttempt(attemptCtx, r, fn)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return zero, fmt.Errorf("%w: %v", errAttemptTimeout, err)
	}
	return v, err
}

func execAttempt[T any](ctx context.Context, r *Runner, fn func(context.Context, pgx.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return zero, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if r.cfg.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.cfg.LockTimeout.Milliseconds())); err != nil {
			return zero, err
		}
	}
	v, err := fn(ctx, tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	return v, nil
}

func (r *Runner) countAttempt(op, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.TxAttempts.WithLabelValues(op, result).Inc()
}
