package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

// Параметры ретранслятора outbox.
const (
	DefaultBatchSize   = 50
	DefaultLockTTL     = 30 * time.Second
	DefaultMaxAttempts = 20
	backoffBase        = time.Second
	backoffMax         = time.Minute
)

// OutboxStore описывает операции outbox, нужные ретранслятору.
type OutboxStore interface {
	ClaimMessages(ctx context.Context, limit int, now, staleBefore time.Time) ([]model.OutboxMessage, error)
	MarkMessageSent(ctx context.Context, id uuid.UUID) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, reason string, nextAttempt *time.Time, dead bool) error
}

// Relay переносит сообщения из outbox в Publisher.
type Relay struct {
	store       OutboxStore
	pub         Publisher
	logger      *zap.Logger
	interval    time.Duration
	batchSize   int
	lockTTL     time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewRelay создаёт ретранслятор с параметрами по умолчанию.
func NewRelay(store OutboxStore, pub Publisher, interval time.Duration, logger *zap.Logger) *Relay {
	return &Relay{
		store:       store,
		pub:         pub,
		logger:      logger.Named("outbox-relay"),
		interval:    interval,
		batchSize:   DefaultBatchSize,
		lockTTL:     DefaultLockTTL,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// Run опрашивает outbox до отмены контекста. Полная пачка запускает следующий проход сразу.
func (r *Relay) Run(ctx context.Context) error {
	for {
		n, err := r.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox pass failed", zap.Error(err))
		}

		wait := r.interval
		if n == r.batchSize {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// ProcessOnce публикует одну пачку сообщений и возвращает число захваченных.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	claimed, err := r.store.ClaimMessages(ctx, r.batchSize, now, now.Add(-r.lockTTL))
	if err != nil {
		return 0, fmt.Errorf("claim outbox messages: %w", err)
	}

	for _, m := range claimed {
		if err := r.pub.Publish(ctx, FromOutbox(m)); err != nil {
			r.fail(ctx, m, err)
			continue
		}
		if err := r.store.MarkMessageSent(ctx, m.ID); err != nil {
			// сообщение будет перезахвачено после истечения блокировки
			r.logger.Warn("mark message sent", zap.String("message_id", m.ID.String()), zap.Error(err))
		}
	}
	return len(claimed), nil
}

func (r *Relay) fail(ctx context.Context, m model.OutboxMessage, cause error) {
	dead := m.Attempts >= r.maxAttempts
	var next *time.Time
	if !dead {
		at := r.now().UTC().Add(Backoff(m.Attempts))
		next = &at
	}

	fields := []zap.Field{
		zap.String("message_id", m.ID.String()),
		zap.String("order_id", m.OrderID.String()),
		zap.Int("attempts", m.Attempts),
		zap.Error(cause),
	}
	if dead {
		r.logger.Error("outbox message is dead", fields...)
	} else {
		r.logger.Warn("publish outbox message", fields...)
	}

	if err := r.store.MarkMessageFailed(ctx, m.ID, cause.Error(), next, dead); err != nil {
		r.logger.Warn("mark message failed", zap.String("message_id", m.ID.String()), zap.Error(err))
	}
}

// Backoff возвращает паузу перед следующей попыткой: 1s, 2s, 4s и далее, не больше минуты.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}
