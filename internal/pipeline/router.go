package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

// OrderProcessor описывает обработчики заказов, вызываемые конвейером.
type OrderProcessor interface {
	ProcessOrderPayment(ctx context.Context, id uuid.UUID) error
	ProcessFailedPayment(ctx context.Context, id uuid.UUID) error
	ProcessDispatch(ctx context.Context, id uuid.UUID) (*model.Order, error)
	NotifyRefund(ctx context.Context, id uuid.UUID) error
}

// Deduper отмечает обработанные сообщения. Первый вызов Seen для id возвращает false.
type Deduper interface {
	Seen(ctx context.Context, id uuid.UUID) (bool, error)
	Forget(ctx context.Context, id uuid.UUID) error
}

// Router направляет сообщение обработчику по назначению.
type Router struct {
	orders OrderProcessor
	dedup  Deduper
	logger *zap.Logger
}

// NewRouter создаёт маршрутизатор. dedup может быть nil.
func NewRouter(orders OrderProcessor, dedup Deduper, logger *zap.Logger) *Router {
	return &Router{orders: orders, dedup: dedup, logger: logger.Named("pipeline")}
}

// Handle подходит как Handler для потребителя. Устаревшие переходы и пропавшие
// заказы подтверждаются, остальные ошибки возвращаются для повтора.
func (r *Router) Handle(ctx context.Context, m Message) error {
	if r.dedup != nil {
		seen, err := r.dedup.Seen(ctx, m.ID)
		if err != nil {
			// обработчики идемпотентны, поэтому без дедупликации можно продолжить
			r.logger.Warn("dedup check", zap.String("message_id", m.ID.String()), zap.Error(err))
		} else if seen {
			r.logger.Debug("duplicate message", zap.String("message_id", m.ID.String()))
			return nil
		}
	}

	start := time.Now()
	err := r.dispatch(ctx, m)

	log := r.logger.With(
		zap.String("message_id", m.ID.String()),
		zap.String("order_id", m.OrderID.String()),
		zap.String("purpose", string(m.Purpose)),
		zap.Duration("took", time.Since(start)),
	)

	var terr *model.TransitionError
	switch {
	case err == nil:
		log.Debug("message handled")
		return nil
	case errors.As(err, &terr):
		log.Info("stale message", zap.Error(err))
		return nil
	case errors.Is(err, model.ErrNotFound):
		log.Warn("order is gone", zap.Error(err))
		return nil
	}

	if r.dedup != nil {
		if ferr := r.dedup.Forget(ctx, m.ID); ferr != nil {
			log.Warn("dedup forget", zap.Error(ferr))
		}
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, m Message) error {
	switch m.Purpose {
	case model.PurposeProcessing:
		return r.orders.ProcessOrderPayment(ctx, m.OrderID)
	case model.PurposeDispatch:
		_, err := r.orders.ProcessDispatch(ctx, m.OrderID)
		return err
	case model.PurposePaymentFailed:
		return r.orders.ProcessFailedPayment(ctx, m.OrderID)
	case model.PurposeRefund:
		return r.orders.NotifyRefund(ctx, m.OrderID)
	default:
		return fmt.Errorf("%w: unknown purpose %q", model.ErrInvalidInput, m.Purpose)
	}
}
