package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/notify"
	"github.com/mmeshcher/flashsale-system/internal/repository"
)

func TestOrderLifecycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	phone := f.product(t, 100)
	laptop := f.product(t, 40)

	// Черновик с двумя позициями, затем активация по наступлению времени начала.
	sale := f.activeSale(t,
		SaleItemInput{ProductID: phone.ID, AllocatedStock: 10, SalePrice: decimal.RequireFromString("299.90")},
		SaleItemInput{ProductID: laptop.ID, AllocatedStock: 10, SalePrice: decimal.NewFromInt(900)},
	)
	phoneItem, laptopItem := sale.Items[0], sale.Items[1]

	// Заказ на 5 единиц.
	first, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: phoneItem.ID, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, first.Status)
	assert.True(t, first.SoldPrice.Equal(decimal.RequireFromString("299.90")))
	assert.Equal(t, 5, f.item(t, phoneItem.ID).SoldCount)

	// Оплата и отгрузка.
	require.NoError(t, f.orders.ProcessOrderPayment(ctx, first.ID))
	assert.Equal(t, model.OrderStatusPaid, f.order(t, first.ID).Status)

	_, err = f.orders.ProcessDispatch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusDispatched, f.order(t, first.ID).Status)
	p := f.productState(t, phone.ID)
	assert.Equal(t, 95, p.TotalPhysicalStock)
	assert.Equal(t, 5, p.ReservedCount)

	// Заказ сверх остатка.
	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: phoneItem.ID, Quantity: 6})
	require.ErrorIs(t, err, model.ErrInsufficientStock)
	assert.Equal(t, 5, f.item(t, phoneItem.ID).SoldCount)

	// Отмена распродажи при неоплаченном заказе на второй позиции.
	pending, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: laptopItem.ID, Quantity: 3})
	require.NoError(t, err)
	require.Equal(t, 10, f.productState(t, laptop.ID).ReservedCount)

	cancelled, err := f.sales.CancelSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SaleStatusCancelled, cancelled.Status)
	assert.Equal(t, 3, f.item(t, laptopItem.ID).AllocatedStock)
	assert.Equal(t, 3, f.productState(t, laptop.ID).ReservedCount)
	assert.Equal(t, model.OrderStatusPending, f.order(t, pending.ID).Status)
	assert.Equal(t, 5, f.item(t, phoneItem.ID).AllocatedStock)

	f.checkInvariants(t)
	assert.Equal(t, []notify.Event{notify.EventOrderConfirmed, notify.EventDispatched}, f.notifier.all())
}

func TestHandleRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 20)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 10, SalePrice: decimal.NewFromInt(10)})
	itemID := sale.Items[0].ID

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 4})
	require.NoError(t, err)
	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))
	require.Equal(t, 4, f.item(t, itemID).SoldCount)

	refunded, err := f.orders.HandleRefund(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, 0, f.item(t, itemID).SoldCount)

	_, err = f.orders.HandleRefund(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, string(model.OrderStatusRefunded), te.Current)
	assert.Equal(t, []string{string(model.OrderStatusPaid)}, te.Required)
	assert.Equal(t, "refund", te.Operation)
	assert.Equal(t, 0, f.item(t, itemID).SoldCount)

	require.NoError(t, f.orders.NotifyRefund(ctx, o.ID))
	assert.Contains(t, f.notifier.all(), notify.EventRefunded)

	var purposes []model.MessagePurpose
	for _, m := range f.repo.Outbox() {
		if m.OrderID == o.ID {
			purposes = append(purposes, m.Purpose)
		}
	}
	assert.ElementsMatch(t, []model.MessagePurpose{model.PurposeProcessing, model.PurposeDispatch, model.PurposeRefund}, purposes)

	f.checkInvariants(t)
}

func TestCreateOrder_ConcurrentAdmissionNeverOversells(t *testing.T) {
	const (
		attempts = 200
		capacity = 50
	)

	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 100)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: capacity, SalePrice: decimal.NewFromInt(1)})
	itemID := sale.Items[0].ID

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		exhausted atomic.Int64
		other     atomic.Int64
	)
	start := make(chan struct{})
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 1})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, model.ErrInsufficientStock):
				exhausted.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(capacity), succeeded.Load())
	assert.Equal(t, int64(attempts-capacity), exhausted.Load())
	assert.Zero(t, other.Load())
	assert.Equal(t, capacity, f.item(t, itemID).SoldCount)

	f.checkInvariants(t)
}

func TestCreateOrder_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 100)

	draft := f.draftSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})
	_, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: draft.Items[0].ID, Quantity: 1})
	assert.ErrorIs(t, err, model.ErrSaleNotActive)
	assert.ErrorIs(t, err, model.ErrPolicyViolation)

	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: uuid.New(), Quantity: 1})
	assert.ErrorIs(t, err, model.ErrSaleItemNotFound)

	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: draft.Items[0].ID, Quantity: 0})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	n, err := f.sales.ActivateDraftSales(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Распродажа формально ACTIVE, но её окно уже закрылось.
	f.now = f.now.Add(2 * time.Hour)
	_, err = f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: draft.Items[0].ID, Quantity: 1})
	assert.ErrorIs(t, err, model.ErrSaleNotActive)

	assert.Equal(t, 0, f.item(t, draft.Items[0].ID).SoldCount)
	assert.Empty(t, f.repo.Outbox())
}

// staleItemRepo отдаёт устаревший снимок позиции, как при гонке между
// предварительной проверкой и условным обновлением.
type staleItemRepo struct {
	*repository.MemoryRepository
	stale model.SaleItem
}

func (r *staleItemRepo) GetSaleItem(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.SaleItem, error) {
	it := r.stale
	return &it, nil
}

func TestCreateOrder_LostRaceRollsBackOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 2})
	itemID := sale.Items[0].ID

	repo := &staleItemRepo{MemoryRepository: f.repo, stale: *f.item(t, itemID)}
	orders := NewOrderService(repo, f.gateway, f.notifier, f.auditor, zap.NewNop())
	orders.now = f.orders.now

	ok, err := f.repo.TryIncrementSold(ctx, itemID, 2)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 1})
	require.ErrorIs(t, err, model.ErrInsufficientStock)

	list, err := f.orders.ListOrders(ctx, model.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.repo.Outbox())
	assert.Equal(t, 2, f.item(t, itemID).SoldCount)
}

func TestProcessOrderPayment_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5, SalePrice: decimal.NewFromInt(7)})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))
	err = f.orders.ProcessOrderPayment(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	assert.Equal(t, 1, f.gateway.callsFor(o.ID))
	assert.Equal(t, model.OrderStatusPaid, f.order(t, o.ID).Status)
}

func TestProcessOrderPayment_GatewayErrorKeepsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 1})
	require.NoError(t, err)

	f.gateway.err = errors.New("gateway unavailable")
	err = f.orders.ProcessOrderPayment(ctx, o.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.OrderStatusPending, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.item(t, sale.Items[0].ID).SoldCount)
}

func TestPaymentDeclined_ReleasesStockOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})
	itemID := sale.Items[0].ID

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 3})
	require.NoError(t, err)

	f.gateway.approve = false
	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))
	assert.Equal(t, model.OrderStatusFailed, f.order(t, o.ID).Status)
	assert.Equal(t, 0, f.item(t, itemID).SoldCount)

	// Повторная доставка сообщения payment_failed ничего не меняет.
	require.NoError(t, f.orders.ProcessFailedPayment(ctx, o.ID))
	require.NoError(t, f.orders.ProcessFailedPayment(ctx, o.ID))
	assert.Equal(t, 0, f.item(t, itemID).SoldCount)
	assert.Equal(t, []notify.Event{notify.EventPaymentFailed, notify.EventPaymentFailed}, f.notifier.all())

	f.checkInvariants(t)
}

func TestProcessFailedPayment_FromPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	require.NoError(t, f.orders.ProcessFailedPayment(ctx, o.ID))
	assert.Equal(t, model.OrderStatusFailed, f.order(t, o.ID).Status)
	assert.Equal(t, 0, f.item(t, sale.Items[0].ID).SoldCount)

	err = f.orders.ProcessOrderPayment(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Zero(t, f.gateway.callsFor(o.ID))
}

func TestDispatch_RequiresPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	_, err = f.orders.ProcessDispatch(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, 10, f.productState(t, p.ID).TotalPhysicalStock)

	_, err = f.orders.HandleRefund(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))
	_, err = f.orders.ProcessDispatch(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.orders.ProcessDispatch(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = f.orders.HandleRefund(ctx, o.ID)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, 8, f.productState(t, p.ID).TotalPhysicalStock)

	f.checkInvariants(t)
}

func TestUpdateOrderStatus_AdminOverride(t *testing.T) {
	ctx := model.WithActor(context.Background(), uuid.New())
	f := newFixture(t)
	p := f.product(t, 30)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 20})
	itemID := sale.Items[0].ID

	newOrder := func() *model.Order {
		o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 2})
		require.NoError(t, err)
		return o
	}

	cancelled := newOrder()
	got, err := f.orders.UpdateOrderStatus(ctx, cancelled.ID, model.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, 0, f.item(t, itemID).SoldCount)

	paid := newOrder()
	_, err = f.orders.UpdateOrderStatus(ctx, paid.ID, model.OrderStatusPaid)
	require.NoError(t, err)
	_, err = f.orders.UpdateOrderStatus(ctx, paid.ID, model.OrderStatusDispatched)
	require.NoError(t, err)
	assert.Equal(t, 28, f.productState(t, p.ID).TotalPhysicalStock)

	_, err = f.orders.UpdateOrderStatus(ctx, paid.ID, model.OrderStatusPending)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, string(model.OrderStatusDispatched), te.Current)
	assert.Empty(t, te.Required)

	failed := newOrder()
	_, err = f.orders.UpdateOrderStatus(ctx, failed.ID, model.OrderStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, f.item(t, itemID).SoldCount)

	_, err = f.orders.UpdateOrderStatus(ctx, failed.ID, "SHIPPED")
	require.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.orders.UpdateOrderStatus(ctx, uuid.New(), model.OrderStatusPaid)
	require.ErrorIs(t, err, model.ErrOrderNotFound)

	for _, e := range f.auditor.entries {
		if e.Action == "set_order_status" {
			require.NotNil(t, e.Actor)
		}
	}

	f.checkInvariants(t)
}

func TestRefundAfterSaleClosed_ReturnsUnitsToProduct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})
	itemID := sale.Items[0].ID

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 2})
	require.NoError(t, err)
	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))

	_, err = f.sales.CancelSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.productState(t, p.ID).ReservedCount)

	_, err = f.orders.HandleRefund(ctx, o.ID)
	require.NoError(t, err)

	it := f.item(t, itemID)
	assert.Equal(t, 0, it.SoldCount)
	assert.Equal(t, 0, it.AllocatedStock)
	assert.Equal(t, 0, f.productState(t, p.ID).ReservedCount)

	f.checkInvariants(t)
}

func TestGetOrder_OwnerScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})

	owner := uuid.New()
	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: owner, SaleItemID: sale.Items[0].ID, Quantity: 1})
	require.NoError(t, err)

	got, err := f.orders.GetOrder(ctx, o.ID, &owner)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	stranger := uuid.New()
	_, err = f.orders.GetOrder(ctx, o.ID, &stranger)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	got, err = f.orders.GetOrder(ctx, o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, owner, got.UserID)

	list, err := f.orders.ListOrders(ctx, model.OrderFilter{UserID: &stranger})
	require.NoError(t, err)
	assert.Empty(t, list)

	status := model.OrderStatusPending
	list, err = f.orders.ListOrders(ctx, model.OrderFilter{UserID: &owner, Status: &status})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))
	assert.Equal(t, model.OrderStatusPaid, f.order(t, o.ID).Status)
}

// blockingGateway держит вызов оплаты до закрытия release.
type blockingGateway struct {
	entered chan struct{}
	release chan struct{}
	approve bool
}

func (g *blockingGateway) AttemptPayment(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.approve, nil
}

// startBlockedPayment запускает оплату заказа и ждёт, пока она войдёт в шлюз.
func startBlockedPayment(t *testing.T, f *fixture, orderID uuid.UUID) (paid <-chan error, release func()) {
	t.Helper()

	gw := &blockingGateway{entered: make(chan struct{}, 1), release: make(chan struct{}), approve: true}
	f.orders.payments = gw
	var once sync.Once
	release = func() { once.Do(func() { close(gw.release) }) }
	t.Cleanup(release)

	done := make(chan error, 1)
	go func() { done <- f.orders.ProcessOrderPayment(context.Background(), orderID) }()

	select {
	case <-gw.entered:
	case err := <-done:
		t.Fatalf("payment finished before reaching the gateway: %v", err)
	}
	return done, release
}

func TestProcessOrderPayment_GatewayCallDoesNotBlockAdmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5, SalePrice: decimal.NewFromInt(10)})
	itemID := sale.Items[0].ID

	first, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 1})
	require.NoError(t, err)

	paid, release := startBlockedPayment(t, f, first.ID)

	admitted := make(chan error, 1)
	go func() {
		_, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: itemID, Quantity: 2})
		admitted <- err
	}()
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("admission waited for the payment gateway")
	}
	assert.Equal(t, 3, f.item(t, itemID).SoldCount)

	release()
	require.NoError(t, <-paid)
	assert.Equal(t, model.OrderStatusPaid, f.order(t, first.ID).Status)
	f.checkInvariants(t)
}

func TestUpdateOrderStatus_WaitsForPaymentInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5, SalePrice: decimal.NewFromInt(10)})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	paid, release := startBlockedPayment(t, f, o.ID)

	overridden := make(chan error, 1)
	go func() {
		_, err := f.orders.UpdateOrderStatus(ctx, o.ID, model.OrderStatusCancelled)
		overridden <- err
	}()
	select {
	case err := <-overridden:
		t.Fatalf("override did not wait for the payment: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-paid)
	require.ErrorIs(t, <-overridden, model.ErrInvalidTransition)
	assert.Equal(t, model.OrderStatusPaid, f.order(t, o.ID).Status)
	f.checkInvariants(t)
}

func TestProcessOrderPayment_OrderChangedDuringGatewayCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5, SalePrice: decimal.NewFromInt(10)})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	paid, release := startBlockedPayment(t, f, o.ID)

	// Другой экземпляр сервиса отменяет заказ, пока шлюз отвечает.
	require.NoError(t, f.repo.InTx(ctx, func(tx repository.Store) error {
		cur, err := tx.GetOrder(ctx, o.ID, true)
		if err != nil {
			return err
		}
		if err := setOrderStatus(ctx, tx, cur, model.OrderStatusCancelled, "cancel"); err != nil {
			return err
		}
		return releaseOrderStock(ctx, tx, cur)
	}))

	release()
	require.ErrorIs(t, <-paid, model.ErrInvalidTransition)
	assert.Equal(t, model.OrderStatusCancelled, f.order(t, o.ID).Status)
	assert.Equal(t, 0, f.item(t, sale.Items[0].ID).SoldCount)
	f.checkInvariants(t)
}

// deliverOutbox публикует все готовые сообщения outbox, как ретранслятор.
func (f *fixture) deliverOutbox(t *testing.T) []model.OutboxMessage {
	t.Helper()
	ctx := context.Background()

	msgs, err := f.repo.ClaimMessages(ctx, 100, f.now, f.now.Add(-time.Minute))
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, f.repo.MarkMessageSent(ctx, m.ID))
	}
	return msgs
}

func TestRequeueStalledOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, 10)
	sale := f.activeSale(t, SaleItemInput{ProductID: p.ID, AllocatedStock: 5, SalePrice: decimal.NewFromInt(10)})

	o, err := f.orders.CreateOrder(ctx, CreateOrderInput{UserID: uuid.New(), SaleItemID: sale.Items[0].ID, Quantity: 2})
	require.NoError(t, err)

	// Сообщение processing опубликовано, но обработчик его отбросил.
	require.Len(t, f.deliverOutbox(t), 1)

	n, err := f.orders.RequeueStalledOrders(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh order must not be requeued")

	f.now = f.now.Add(2 * time.Minute)
	n, err = f.orders.RequeueStalledOrders(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Пока сообщение не доставлено, заказ не ставится повторно.
	n, err = f.orders.RequeueStalledOrders(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs := f.deliverOutbox(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, o.ID, msgs[0].OrderID)
	assert.Equal(t, model.PurposeProcessing, msgs[0].Purpose)

	require.NoError(t, f.orders.ProcessOrderPayment(ctx, o.ID))
	require.Equal(t, model.OrderStatusPaid, f.order(t, o.ID).Status)

	// Потерянное сообщение dispatch восстанавливается так же.
	require.Len(t, f.deliverOutbox(t), 1)
	f.now = f.now.Add(2 * time.Minute)
	n, err = f.orders.RequeueStalledOrders(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs = f.deliverOutbox(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.PurposeDispatch, msgs[0].Purpose)

	_, err = f.orders.ProcessDispatch(ctx, o.ID)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	n, err = f.orders.RequeueStalledOrders(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "dispatched order is final")

	f.checkInvariants(t)
}
