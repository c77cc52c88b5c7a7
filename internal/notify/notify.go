// Package notify содержит уведомления пользователей и журнал действий администраторов.
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event определяет вид уведомления пользователя.
type Event string

const (
	EventOrderConfirmed Event = "order_confirmed"
	EventPaymentFailed  Event = "payment_failed"
	EventRefunded       Event = "refunded"
	EventDispatched     Event = "dispatched"
)

// LogNotifier пишет уведомления в журнал. Доставка по почте вне рамок сервиса.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт уведомитель поверх zap.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) send(_ context.Context, ev Event, userID, orderID uuid.UUID) error {
	n.logger.Info("user notified",
		zap.String("event", string(ev)),
		zap.String("user_id", userID.String()),
		zap.String("order_id", orderID.String()),
	)
	return nil
}

// ConfirmOrder сообщает об оплате заказа.
func (n *LogNotifier) ConfirmOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.send(ctx, EventOrderConfirmed, userID, orderID)
}

// PaymentFailed сообщает об отклонённой оплате.
func (n *LogNotifier) PaymentFailed(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.send(ctx, EventPaymentFailed, userID, orderID)
}

// Refunded сообщает о возврате средств.
func (n *LogNotifier) Refunded(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.send(ctx, EventRefunded, userID, orderID)
}

// Dispatched сообщает об отгрузке.
func (n *LogNotifier) Dispatched(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.send(ctx, EventDispatched, userID, orderID)
}
