package service

import (
	"context"
	"sync"
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

type stubGateway struct {
	mu      sync.Mutex
	approve bool
	err     error
	calls   map[uuid.UUID]int
}

func (g *stubGateway) AttemptPayment(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.calls == nil {
		g.calls = make(map[uuid.UUID]int)
	}
	g.calls[orderID]++
	return g.approve, g.err
}

func (g *stubGateway) callsFor(id uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[id]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) record(ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) ConfirmOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.record(notify.EventOrderConfirmed)
}

func (n *recordingNotifier) PaymentFailed(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.record(notify.EventPaymentFailed)
}

func (n *recordingNotifier) Refunded(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.record(notify.EventRefunded)
}

func (n *recordingNotifier) Dispatched(ctx context.Context, userID, orderID uuid.UUID) error {
	return n.record(notify.EventDispatched)
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []notify.AuditEntry
}

func (a *recordingAuditor) Record(ctx context.Context, e notify.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		res = append(res, e.Action)
	}
	return res
}

type fixture struct {
	repo     *repository.MemoryRepository
	sales    *SaleService
	orders   *OrderService
	gateway  *stubGateway
	notifier *recordingNotifier
	auditor  *recordingAuditor
	now      time.Time
	initial  map[uuid.UUID]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:     repository.NewMemoryRepository(),
		gateway:  &stubGateway{approve: true},
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
		now:      time.Date(2026, 11, 27, 10, 0, 0, 0, time.UTC),
		initial:  make(map[uuid.UUID]int),
	}
	clock := func() time.Time { return f.now }

	logger := zap.NewNop()
	f.sales = NewSaleService(f.repo, f.auditor, logger, DefaultMinSaleDuration)
	f.sales.now = clock
	f.orders = NewOrderService(f.repo, f.gateway, f.notifier, f.auditor, logger)
	f.orders.now = clock

	return f
}

func (f *fixture) product(t *testing.T, stock int) *model.Product {
	t.Helper()

	p, err := f.sales.CreateProduct(context.Background(), CreateProductInput{
		Name:               "product-" + uuid.NewString()[:8],
		TotalPhysicalStock: stock,
		BasePrice:          decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	f.initial[p.ID] = stock
	return p
}

func (f *fixture) draftSale(t *testing.T, items ...SaleItemInput) *model.Sale {
	t.Helper()

	sale, err := f.sales.CreateSale(context.Background(), CreateSaleInput{
		Title:     "sale-" + uuid.NewString()[:8],
		StartTime: f.now.Add(-time.Minute),
		EndTime:   f.now.Add(time.Hour),
		Items:     items,
	})
	require.NoError(t, err)
	return sale
}

func (f *fixture) activeSale(t *testing.T, items ...SaleItemInput) *model.Sale {
	t.Helper()

	sale := f.draftSale(t, items...)
	n, err := f.sales.ActivateDraftSales(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sale, err = f.sales.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	require.Equal(t, model.SaleStatusActive, sale.Status)
	return sale
}

func (f *fixture) item(t *testing.T, id uuid.UUID) *model.SaleItem {
	t.Helper()
	it, err := f.repo.GetSaleItem(context.Background(), id, false)
	require.NoError(t, err)
	return it
}

func (f *fixture) productState(t *testing.T, id uuid.UUID) *model.Product {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) order(t *testing.T, id uuid.UUID) *model.Order {
	t.Helper()
	o, err := f.repo.GetOrder(context.Background(), id, false)
	require.NoError(t, err)
	return o
}

// checkInvariants сверяет счётчики позиций и товаров с заказами.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	orders, err := f.repo.ListOrders(ctx, model.OrderFilter{})
	require.NoError(t, err)

	held := make(map[uuid.UUID]int)
	dispatched := make(map[uuid.UUID]int)
	for _, o := range orders {
		if o.Status.HoldsStock() {
			held[o.SaleItemID] += o.SoldQuantity
		}
		if o.Status == model.OrderStatusDispatched {
			dispatched[o.ProductID] += o.SoldQuantity
		}
	}

	sales, err := f.repo.ListSales(ctx, model.SaleFilter{})
	require.NoError(t, err)
	for _, s := range sales {
		full, err := f.repo.GetSale(ctx, s.ID, false)
		require.NoError(t, err)
		for _, it := range full.Items {
			assert.GreaterOrEqual(t, it.SoldCount, 0, "item %s sold below zero", it.ID)
			assert.LessOrEqual(t, it.SoldCount, it.AllocatedStock, "item %s oversold", it.ID)
			assert.Equal(t, held[it.ID], it.SoldCount, "item %s sold count drifted from orders", it.ID)
		}
	}

	for id, initial := range f.initial {
		p := f.productState(t, id)
		assert.GreaterOrEqual(t, p.ReservedCount, 0)
		assert.LessOrEqual(t, p.ReservedCount, p.TotalPhysicalStock)
		assert.Equal(t, initial-dispatched[id], p.TotalPhysicalStock, "product %s physical stock drifted", id)
	}
}
