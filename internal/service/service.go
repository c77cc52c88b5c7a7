// Package service реализует бизнес-логику флеш-распродаж: жизненный цикл
// распродаж, приём заказов и обработчики конвейера исполнения.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/notify"
	"github.com/mmeshcher/flashsale-system/internal/repository"
)

// PaymentGateway принимает решение об оплате заказа.
type PaymentGateway interface {
	AttemptPayment(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error)
}

// Notifier отправляет уведомления пользователям. Ошибки только журналируются.
type Notifier interface {
	ConfirmOrder(ctx context.Context, userID, orderID uuid.UUID) error
	PaymentFailed(ctx context.Context, userID, orderID uuid.UUID) error
	Refunded(ctx context.Context, userID, orderID uuid.UUID) error
	Dispatched(ctx context.Context, userID, orderID uuid.UUID) error
}

// Auditor записывает действия администраторов и планировщика.
type Auditor interface {
	Record(ctx context.Context, e notify.AuditEntry)
}

func audit(ctx context.Context, a Auditor, action, entityType string, id uuid.UUID, payload any) {
	if a == nil {
		return
	}
	e := notify.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   id,
		Payload:    payload,
	}
	if actor, ok := model.ActorFromContext(ctx); ok {
		e.Actor = &actor
	}
	a.Record(ctx, e)
}

// enqueue ставит сообщение конвейера в outbox той же транзакции.
func enqueue(ctx context.Context, s repository.Store, orderID uuid.UUID, purpose model.MessagePurpose, now time.Time) error {
	return s.EnqueueMessage(ctx, model.NewOutboxMessage(orderID, purpose, now))
}

// orderLocks сериализует операции над одним заказом внутри процесса.
// Нулевое значение готово к использованию.
type orderLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// lock блокирует заказ id и возвращает функцию снятия блокировки.
func (l *orderLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*orderLock)
	}
	ol, ok := l.locks[id]
	if !ok {
		ol = &orderLock{}
		l.locks[id] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()

		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
