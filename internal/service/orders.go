package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/notify"
	"github.com/mmeshcher/flashsale-system/internal/repository"
	"github.com/mmeshcher/flashsale-system/internal/validation"
)

// CreateOrderInput описывает запрос на покупку позиции распродажи.
type CreateOrderInput struct {
	UserID     uuid.UUID `validate:"required"`
	SaleItemID uuid.UUID `validate:"required"`
	Quantity   int       `validate:"gt=0"`
}

// OrderService принимает заказы и обрабатывает сообщения конвейера исполнения.
type OrderService struct {
	repo     repository.Repository
	payments PaymentGateway
	notifier Notifier
	audit    Auditor
	validate *validation.Validator
	logger   *zap.Logger
	now      func() time.Time
	locks    orderLocks
}

// NewOrderService создаёт сервис заказов.
func NewOrderService(repo repository.Repository, payments PaymentGateway, notifier Notifier, auditor Auditor, logger *zap.Logger) *OrderService {
	return &OrderService{
		repo:     repo,
		payments: payments,
		notifier: notifier,
		audit:    auditor,
		validate: validation.New(),
		logger:   logger.Named("orders"),
		now:      time.Now,
	}
}

// CreateOrder принимает заказ в статусе PENDING. Предварительная проверка остатка
// только отсекает заведомо неудачные запросы: решение принимает условное
// увеличение проданного количества в той же транзакции, что и запись заказа.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	item, err := s.repo.GetSaleItem(ctx, in.SaleItemID, false)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.GetSale(ctx, item.SaleID, false)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !sale.IsOpenAt(now) {
		return nil, model.ErrSaleNotActive
	}
	if in.Quantity > item.Available() {
		return nil, model.ErrInsufficientStock
	}

	order := &model.Order{
		ID:           uuid.New(),
		UserID:       in.UserID,
		ProductID:    item.ProductID,
		SaleItemID:   item.ID,
		SoldPrice:    item.SalePrice,
		SoldQuantity: in.Quantity,
		Status:       model.OrderStatusPending,
		CreatedAt:    now,
	}

	err = s.repo.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		ok, err := tx.TryIncrementSold(ctx, item.ID, in.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrInsufficientStock
		}

		return enqueue(ctx, tx, order.ID, model.PurposeProcessing, now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order accepted",
		zap.String("order_id", order.ID.String()),
		zap.String("sale_item_id", item.ID.String()),
		zap.Int("quantity", in.Quantity),
	)

	return order, nil
}

// GetOrder возвращает заказ. Если задан owner, чужой заказ считается ненайденным.
func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID, owner *uuid.UUID) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if owner != nil && o.UserID != *owner {
		return nil, model.ErrOrderNotFound
	}
	return o, nil
}

// ListOrders возвращает заказы по фильтру.
func (s *OrderService) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, f)
}

// UpdateOrderStatus переводит заказ по решению администратора. Допускаются
// только переходы из таблицы состояний, побочные эффекты те же, что у конвейера.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, id uuid.UUID, to model.OrderStatus) (*model.Order, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", model.ErrInvalidInput, to)
	}

	var (
		updated *model.Order
		err     error
	)
	switch to {
	case model.OrderStatusDispatched:
		updated, err = s.ProcessDispatch(ctx, id)
	case model.OrderStatusRefunded:
		updated, err = s.HandleRefund(ctx, id)
	default:
		updated, err = s.overridePending(ctx, id, to)
	}
	if err != nil {
		return nil, err
	}

	audit(ctx, s.audit, "set_order_status", "order", id, map[string]string{"status": string(to)})
	return updated, nil
}

// overridePending выполняет ручные переходы из PENDING.
func (s *OrderService) overridePending(ctx context.Context, id uuid.UUID, to model.OrderStatus) (*model.Order, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var o *model.Order
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		var err error
		o, err = tx.GetOrder(ctx, id, true)
		if err != nil {
			return err
		}
		if !model.CanTransitionOrder(o.Status, to) {
			return model.NewOrderTransitionError(o, "set status "+string(to), model.OrderSourcesOf(to)...)
		}
		if err := setOrderStatus(ctx, tx, o, to, "set status "+string(to)); err != nil {
			return err
		}

		now := s.now()
		switch to {
		case model.OrderStatusPaid:
			return enqueue(ctx, tx, o.ID, model.PurposeDispatch, now)
		case model.OrderStatusFailed:
			if err := releaseOrderStock(ctx, tx, o); err != nil {
				return err
			}
			return enqueue(ctx, tx, o.ID, model.PurposePaymentFailed, now)
		case model.OrderStatusCancelled:
			return releaseOrderStock(ctx, tx, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status overridden",
		zap.String("order_id", id.String()),
		zap.String("status", string(to)),
	)
	return o, nil
}

// setOrderStatus выполняет условный переход и обновляет o.
func setOrderStatus(ctx context.Context, tx repository.Store, o *model.Order, to model.OrderStatus, op string) error {
	ok, err := tx.UpdateOrderStatus(ctx, o.ID, o.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return model.NewOrderTransitionError(o, op, model.OrderSourcesOf(to)...)
	}
	o.Status = to
	return nil
}

// releaseOrderStock возвращает проданные единицы заказа в позицию. Повторный вызов
// ничего не делает. Если распродажа уже закрыта, единицы возвращаются товару.
func releaseOrderStock(ctx context.Context, tx repository.Store, o *model.Order) error {
	if o.StockReleased {
		return nil
	}

	item, err := tx.GetSaleItem(ctx, o.SaleItemID, false)
	if err != nil {
		return err
	}
	sale, err := tx.GetSale(ctx, item.SaleID, true)
	if err != nil {
		return err
	}

	ok, err := tx.MarkStockReleased(ctx, o.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := tx.DecrementSold(ctx, o.SaleItemID, o.SoldQuantity); err != nil {
		return err
	}
	o.StockReleased = true

	if sale.Status != model.SaleStatusCancelled && sale.Status != model.SaleStatusCompleted {
		return nil
	}

	current, err := findItem(sale, item.ID)
	if err != nil {
		return err
	}
	current.AllocatedStock -= o.SoldQuantity
	if err := tx.UpdateSaleItem(ctx, current); err != nil {
		return err
	}
	return tx.ReleaseProductStock(ctx, o.ProductID, o.SoldQuantity)
}

// ProcessOrderPayment списывает оплату за заказ в статусе PENDING. Шлюз вызывается
// вне транзакции, чтобы хранилище не ждало сетевого ответа; результат применяется
// условным переходом из PENDING. Внутри процесса оплата одного заказа сериализуется,
// повторный вызов шлюза для того же заказа гасится ключом идемпотентности.
func (s *OrderService) ProcessOrderPayment(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	o, err := s.repo.GetOrder(ctx, id, false)
	if err != nil {
		return err
	}
	if o.Status != model.OrderStatusPending {
		return model.NewOrderTransitionError(o, "process payment", model.OrderStatusPending)
	}

	approved, err := s.payments.AttemptPayment(ctx, o.ID, o.Total())
	if err != nil {
		return fmt.Errorf("attempt payment: %w", err)
	}

	err = s.repo.InTx(ctx, func(tx repository.Store) error {
		var err error
		o, err = tx.GetOrder(ctx, id, true)
		if err != nil {
			return err
		}
		if o.Status != model.OrderStatusPending {
			return model.NewOrderTransitionError(o, "process payment", model.OrderStatusPending)
		}

		now := s.now()
		if approved {
			if err := setOrderStatus(ctx, tx, o, model.OrderStatusPaid, "process payment"); err != nil {
				return err
			}
			return enqueue(ctx, tx, o.ID, model.PurposeDispatch, now)
		}

		if err := setOrderStatus(ctx, tx, o, model.OrderStatusFailed, "process payment"); err != nil {
			return err
		}
		if err := releaseOrderStock(ctx, tx, o); err != nil {
			return err
		}
		return enqueue(ctx, tx, o.ID, model.PurposePaymentFailed, now)
	})
	if err != nil {
		var terr *model.TransitionError
		if approved && errors.As(err, &terr) {
			s.logger.Error("payment approved for order that left PENDING",
				zap.String("order_id", id.String()),
				zap.String("status", terr.Current),
			)
		}
		return err
	}

	s.logger.Info("order payment processed",
		zap.String("order_id", id.String()),
		zap.Bool("approved", approved),
	)
	if approved {
		s.notifyUser(ctx, notify.EventOrderConfirmed, o)
	}
	return nil
}

// ProcessFailedPayment возвращает единицы заказа после отказа в оплате и уведомляет пользователя.
func (s *OrderService) ProcessFailedPayment(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	var o *model.Order
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		var err error
		o, err = tx.GetOrder(ctx, id, true)
		if err != nil {
			return err
		}

		switch o.Status {
		case model.OrderStatusPending:
			if err := setOrderStatus(ctx, tx, o, model.OrderStatusFailed, "process failed payment"); err != nil {
				return err
			}
		case model.OrderStatusFailed:
		default:
			return model.NewOrderTransitionError(o, "process failed payment", model.OrderStatusPending, model.OrderStatusFailed)
		}

		return releaseOrderStock(ctx, tx, o)
	})
	if err != nil {
		return err
	}

	s.notifyUser(ctx, notify.EventPaymentFailed, o)
	return nil
}

// HandleRefund возвращает средства за оплаченный заказ. Проданные единицы
// возвращаются в позицию, уведомление отправляется через конвейер.
func (s *OrderService) HandleRefund(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o *model.Order
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		var err error
		o, err = tx.GetOrder(ctx, id, true)
		if err != nil {
			return err
		}
		if o.Status != model.OrderStatusPaid {
			return model.NewOrderTransitionError(o, "refund", model.OrderStatusPaid)
		}

		if err := releaseOrderStock(ctx, tx, o); err != nil {
			return err
		}
		if err := setOrderStatus(ctx, tx, o, model.OrderStatusRefunded, "refund"); err != nil {
			return err
		}
		return enqueue(ctx, tx, o.ID, model.PurposeRefund, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order refunded", zap.String("order_id", id.String()))
	return o, nil
}

// ProcessDispatch отгружает оплаченный заказ. Только здесь физический остаток
// товара уменьшается окончательно.
func (s *OrderService) ProcessDispatch(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o *model.Order
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		var err error
		o, err = tx.GetOrder(ctx, id, true)
		if err != nil {
			return err
		}
		if o.Status != model.OrderStatusPaid {
			return model.NewOrderTransitionError(o, "dispatch", model.OrderStatusPaid)
		}

		if err := tx.DecrementPhysicalStock(ctx, o.ProductID, o.SoldQuantity); err != nil {
			return err
		}
		return setOrderStatus(ctx, tx, o, model.OrderStatusDispatched, "dispatch")
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order dispatched",
		zap.String("order_id", id.String()),
		zap.Int("quantity", o.SoldQuantity),
	)
	s.notifyUser(ctx, notify.EventDispatched, o)
	return o, nil
}

// NotifyRefund уведомляет пользователя о возврате средств.
func (s *OrderService) NotifyRefund(ctx context.Context, id uuid.UUID) error {
	o, err := s.repo.GetOrder(ctx, id, false)
	if err != nil {
		return err
	}
	if o.Status != model.OrderStatusRefunded {
		return model.NewOrderTransitionError(o, "notify refund", model.OrderStatusRefunded)
	}

	s.notifyUser(ctx, notify.EventRefunded, o)
	return nil
}

// stalledStatuses сопоставляет незавершённый статус заказа с сообщением,
// которое продвигает заказ дальше.
var stalledStatuses = []struct {
	status  model.OrderStatus
	purpose model.MessagePurpose
}{
	{status: model.OrderStatusPending, purpose: model.PurposeProcessing},
	{status: model.OrderStatusPaid, purpose: model.PurposeDispatch},
}

// requeueBatch ограничивает число заказов каждого статуса за один проход.
const requeueBatch = 100

// RequeueStalledOrders повторно ставит в outbox сообщения для заказов, которые
// дольше olderThan стоят в PENDING или PAID без недоставленных сообщений.
// Конвейер отбрасывает сообщение после исчерпания попыток, и этот проход
// доводит такие заказы до конечного статуса. Возвращает число поставленных сообщений.
func (s *OrderService) RequeueStalledOrders(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	before := now.Add(-olderThan)

	var (
		requeued int
		errs     []error
	)
	for _, st := range stalledStatuses {
		orders, err := s.repo.ListStalledOrders(ctx, st.status, before, requeueBatch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stalled %s orders: %w", st.status, err))
			continue
		}

		for _, o := range orders {
			if err := enqueue(ctx, s.repo, o.ID, st.purpose, now); err != nil {
				errs = append(errs, fmt.Errorf("requeue order %s: %w", o.ID, err))
				continue
			}
			requeued++
			s.logger.Warn("stalled order requeued",
				zap.String("order_id", o.ID.String()),
				zap.String("status", string(o.Status)),
				zap.String("purpose", string(st.purpose)),
			)
		}
	}
	return requeued, errors.Join(errs...)
}

// notifyUser отправляет уведомление после фиксации транзакции. Ошибка не отменяет переход.
func (s *OrderService) notifyUser(ctx context.Context, ev notify.Event, o *model.Order) {
	if s.notifier == nil {
		return
	}

	var err error
	switch ev {
	case notify.EventOrderConfirmed:
		err = s.notifier.ConfirmOrder(ctx, o.UserID, o.ID)
	case notify.EventPaymentFailed:
		err = s.notifier.PaymentFailed(ctx, o.UserID, o.ID)
	case notify.EventRefunded:
		err = s.notifier.Refunded(ctx, o.UserID, o.ID)
	case notify.EventDispatched:
		err = s.notifier.Dispatched(ctx, o.UserID, o.ID)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to notify user",
			zap.String("event", string(ev)),
			zap.String("order_id", o.ID.String()),
			zap.Error(err),
		)
	}
}
