package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	sent []kafka.Message
	fail func(msgs []kafka.Message) error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		if err := w.fail(msgs); err != nil {
			return err
		}
	}
	w.sent = append(w.sent, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestMessageEnvelope(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, err := message(Event{
		ID:            "e1",
		Type:          "p2p.allocation.settled",
		AggregateType: "p2p_allocation",
		AggregateID:   "a1",
		Payload:       json.RawMessage(`{"amount":"20"}`),
		CreatedAt:     created,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("a1"), m.Key)
	require.Len(t, m.Headers, 2)
	assert.Equal(t, "event_type", m.Headers[0].Key)
	assert.Equal(t, "p2p.allocation.settled", string(m.Headers[0].Value))

	var env envelope
	require.NoError(t, json.Unmarshal(m.Value, &env))
	assert.Equal(t, "e1", env.ID)
	assert.JSONEq(t, `{"amount":"20"}`, string(env.Payload))
	assert.True(t, created.Equal(env.CreatedAt))
}

func TestSortByCreated(t *testing.T) {
	t0 := time.Now()
	events := []Event{
		{ID: "b", CreatedAt: t0},
		{ID: "c", CreatedAt: t0.Add(-time.Second)},
		{ID: "a", CreatedAt: t0},
	}
	sortByCreated(events)
	assert.Equal(t, "c", events[0].ID)
	assert.Equal(t, "a", events[1].ID)
	assert.Equal(t, "b", events[2].ID)
}

var errBroker = errors.New("broker unavailable")
