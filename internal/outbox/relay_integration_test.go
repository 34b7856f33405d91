package outbox

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lv-escrow/internal/db"
	"lv-escrow/internal/testutil"
)

func enqueue(t *testing.T, r *db.Runner, s *Store, n int) {
	t.Helper()
	require.NoError(t, r.InTx(context.Background(), "enqueue", func(ctx context.Context, tx pgx.Tx) error {
		for i := 0; i < n; i++ {
			if err := s.Enqueue(ctx, tx, "withdraw.request.created", "withdraw_request", "w1", map[string]int{"n": i}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func statuses(t *testing.T, r *db.Runner) map[string]int {
	t.Helper()
	out, err := db.InTxResult(context.Background(), r, "statuses", func(ctx context.Context, tx pgx.Tx) (map[string]int, error) {
		rows, err := tx.Query(ctx, "SELECT status, count(*) FROM outbox_events GROUP BY status")
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		m := map[string]int{}
		for rows.Next() {
			var (
				s string
				n int
			)
			if err := rows.Scan(&s, &n); err != nil {
				return nil, err
			}
			m[s] = n
		}
		return m, rows.Err()
	})
	require.NoError(t, err)
	return out
}

func TestIntegrationRelayPublishes(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	r := testutil.Runner(pool)
	s := NewStore()
	w := &fakeWriter{}
	relay := NewRelay(r, s, w, 3, nil, nil)
	enqueue(t, r, s, 3)

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, w.sent, 3)
	assert.Equal(t, map[string]int{"PUBLISHED": 3}, statuses(t, r))

	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntegrationRelayParksAfterMaxAttempts(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	r := testutil.Runner(pool)
	s := NewStore()
	w := &fakeWriter{fail: func([]kafka.Message) error { return errBroker }}
	relay := NewRelay(r, s, w, 2, nil, nil)
	enqueue(t, r, s, 1)

	_, err := relay.RelayOnce(context.Background())
	require.ErrorIs(t, err, errBroker)
	assert.Equal(t, map[string]int{"PENDING": 1}, statuses(t, r))

	_, err = relay.RelayOnce(context.Background())
	require.ErrorIs(t, err, errBroker)
	assert.Equal(t, map[string]int{"FAILED": 1}, statuses(t, r))

	requeued, err := db.InTxResult(context.Background(), r, "requeue", func(ctx context.Context, tx pgx.Tx) (int64, error) {
		return s.Requeue(ctx, tx)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, requeued)

	w.fail = nil
	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIntegrationRelayPartialBatchFailure(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	r := testutil.Runner(pool)
	s := NewStore()
	w := &fakeWriter{fail: func(msgs []kafka.Message) error {
		errs := make(kafka.WriteErrors, len(msgs))
		errs[0] = errBroker
		return errs
	}}
	relay := NewRelay(r, s, w, 5, nil, nil)
	enqueue(t, r, s, 2)

	n, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]int{"PUBLISHED": 1, "PENDING": 1}, statuses(t, r))
}
