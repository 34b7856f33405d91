package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lv-escrow/internal/config"
	"lv-escrow/internal/db"
)

const integrationEnv = "RUN_DB_INTEGRATION"

// SetupTestDB connects to the integration database, applies migrations and
// truncates every table. Tests are skipped unless RUN_DB_INTEGRATION is set.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(integrationEnv) == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("POSTGRES_USER", "escrow"),
			getEnv("POSTGRES_PASSWORD", "escrow"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "escrow_test"),
			getEnv("POSTGRES_SSLMODE", "disable"),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return pool
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE
		outbox_events,
		allocation_idempotency,
		p2p_allocations,
		withdraw_requests,
		deposit_requests,
		uploaded_files,
		payment_destinations,
		limit_reservations,
		limit_usages,
		policy_rules,
		policy_subjects,
		account_reservations,
		account_transactions,
		accounts
		CASCADE`)
	return err
}

// Runner returns a unit-of-work runner with a small retry budget.
func Runner(pool *pgxpool.Pool) *db.Runner {
	return db.NewRunner(pool, config.TxConfig{
		MaxAttempts:    10,
		BaseBackoff:    5 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
		MaxWait:        30 * time.Second,
		LockTimeout:    5 * time.Second,
	}, nil, nil)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
