package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"lv-escrow/internal/config"
	"lv-escrow/internal/db"
	"lv-escrow/internal/metrics"
)

// Writer is the part of *kafka.Writer the relay uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(cfg config.OutboxConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           50 * time.Millisecond,
	}
}

type Relay struct {
	runner      *db.Runner
	store       *Store
	writer      Writer
	batch       int
	lease       time.Duration
	maxAttempts int
	timeout     time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger
}

func NewRelay(runner *db.Runner, store *Store, writer Writer, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		runner:      runner,
		store:       store,
		writer:      writer,
		batch:       100,
		lease:       time.Minute,
		maxAttempts: maxAttempts,
		timeout:     10 * time.Second,
		metrics:     m,
		log:         logger.With("component", "outbox"),
	}
}

// envelope is the message value consumers receive.
type envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

func message(e Event) (kafka.Message, error) {
	value, err := json.Marshal(envelope{
		ID:            e.ID,
		Type:          e.Type,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}, nil
}

// RelayOnce publishes one batch and returns how many events were delivered.
// Claiming and acknowledging are separate transactions so no row lock is
// held while Kafka is written.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	claimed, err := db.InTxResult(ctx, r.runner, "outbox.claim", func(ctx context.Context, tx pgx.Tx) ([]Event, error) {
		return r.store.Claim(ctx, tx, r.batch, r.lease)
	})
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	msgs := make([]kafka.Message, len(claimed))
	failures := make(map[int]error)
	for i, e := range claimed {
		m, err := message(e)
		if err != nil {
			failures[i] = err
		}
		msgs[i] = m
	}

	writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	werr := r.writer.WriteMessages(writeCtx, msgs...)
	cancel()
	if werr != nil {
		var batchErrs kafka.WriteErrors
		if errors.As(werr, &batchErrs) && len(batchErrs) == len(msgs) {
			for i, e := range batchErrs {
				if e != nil {
					failures[i] = e
				}
			}
		} else {
			for i := range claimed {
				failures[i] = werr
			}
		}
	}

	var published []string
	for i, e := range claimed {
		if _, failed := failures[i]; !failed {
			published = append(published, e.ID)
		}
	}
	err = r.runner.InTx(context.WithoutCancel(ctx), "outbox.ack", func(ctx context.Context, tx pgx.Tx) error {
		if err := r.store.MarkPublished(ctx, tx, published); err != nil {
			return err
		}
		for i, cause := range failures {
			status, err := r.store.MarkFailed(ctx, tx, claimed[i].ID, cause, r.maxAttempts)
			if err != nil {
				return err
			}
			if status == StatusFailed {
				r.log.Error("outbox event parked", "event_id", claimed[i].ID, "event_type", claimed[i].Type, "attempts", claimed[i].Attempts, "error", cause)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.count(string(StatusPublished), len(published))
	r.count(string(StatusFailed), len(failures))
	if len(failures) > 0 {
		return len(published), errors.Join(werr, errors.New("outbox: some events were not delivered"))
	}
	return len(published), nil
}

func (r *Relay) count(status string, n int) {
	if r.metrics == nil || n == 0 {
		return
	}
	r.metrics.OutboxPublished.WithLabelValues(status).Add(float64(n))
}

func (r *Relay) Close() error {
	return r.writer.Close()
}
