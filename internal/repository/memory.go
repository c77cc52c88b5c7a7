package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и
// при запуске без DATABASE_URI. Все операции сериализуются одним мьютексом,
// транзакция работает над копией данных и подменяет их при успешном завершении.
type MemoryRepository struct {
	memStore
	mu sync.Mutex
}

type memItem struct {
	model.SaleItem
	seq int64
}

type memData struct {
	products map[uuid.UUID]model.Product
	sales    map[uuid.UUID]model.Sale
	items    map[uuid.UUID]memItem
	orders   map[uuid.UUID]model.Order
	outbox   map[uuid.UUID]model.OutboxMessage
	seq      int64
}

func (d *memData) clone() *memData {
	return &memData{
		products: maps.Clone(d.products),
		sales:    maps.Clone(d.sales),
		items:    maps.Clone(d.items),
		orders:   maps.Clone(d.orders),
		outbox:   maps.Clone(d.outbox),
		seq:      d.seq,
	}
}

// memStore реализует Store над memData. Если mu задан, каждый вызов берёт блокировку.
type memStore struct {
	mu *sync.Mutex
	d  *memData
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	r.memStore = memStore{
		mu: &r.mu,
		d: &memData{
			products: make(map[uuid.UUID]model.Product),
			sales:    make(map[uuid.UUID]model.Sale),
			items:    make(map[uuid.UUID]memItem),
			orders:   make(map[uuid.UUID]model.Order),
			outbox:   make(map[uuid.UUID]model.OutboxMessage),
		},
	}
	return r
}

// InTx выполняет fn над копией данных. Ошибка fn оставляет данные без изменений.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(s Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.d.clone()
	if err := fn(&memStore{d: work}); err != nil {
		return err
	}
	r.d = work
	return nil
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

func (s *memStore) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) CreateProduct(_ context.Context, p *model.Product) error {
	defer s.lock()()

	if _, ok := s.d.products[p.ID]; ok {
		return fmt.Errorf("%w: products_pkey", model.ErrDuplicateEntity)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.d.products[p.ID] = *p
	return nil
}

func (s *memStore) GetProduct(_ context.Context, id uuid.UUID) (*model.Product, error) {
	defer s.lock()()

	p, ok := s.d.products[id]
	if !ok {
		return nil, model.ErrProductNotFound
	}
	return &p, nil
}

func (s *memStore) ReserveProductStock(_ context.Context, productID uuid.UUID, qty int) error {
	defer s.lock()()

	p, ok := s.d.products[productID]
	if !ok {
		return model.ErrProductNotFound
	}
	if p.ReservedCount+qty > p.TotalPhysicalStock {
		return model.ErrInsufficientResources
	}
	p.ReservedCount += qty
	s.d.products[productID] = p
	return nil
}

func (s *memStore) ReleaseProductStock(_ context.Context, productID uuid.UUID, qty int) error {
	defer s.lock()()

	p, ok := s.d.products[productID]
	if !ok || p.ReservedCount < qty {
		return fmt.Errorf("%w: release %d units of product %s", model.ErrStockOperationFailed, qty, productID)
	}
	p.ReservedCount -= qty
	s.d.products[productID] = p
	return nil
}

func (s *memStore) DecrementPhysicalStock(_ context.Context, productID uuid.UUID, qty int) error {
	defer s.lock()()

	p, ok := s.d.products[productID]
	if !ok || p.ReservedCount < qty || p.TotalPhysicalStock < qty {
		return fmt.Errorf("%w: decrement %d units of product %s", model.ErrStockOperationFailed, qty, productID)
	}
	p.TotalPhysicalStock -= qty
	p.ReservedCount -= qty
	s.d.products[productID] = p
	return nil
}

func (s *memStore) titleTaken(title string, except uuid.UUID) bool {
	for id, sale := range s.d.sales {
		if id != except && sale.Title == title {
			return true
		}
	}
	return false
}

func (s *memStore) CreateSale(ctx context.Context, sale *model.Sale) error {
	unlock := s.lock()

	if _, ok := s.d.sales[sale.ID]; ok {
		unlock()
		return fmt.Errorf("%w: sales_pkey", model.ErrDuplicateEntity)
	}
	if s.titleTaken(sale.Title, sale.ID) {
		unlock()
		return fmt.Errorf("%w: sales_title_key", model.ErrDuplicateEntity)
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now()
	}
	stored := *sale
	stored.Items = nil
	s.d.sales[sale.ID] = stored
	unlock()

	for i := range sale.Items {
		if err := s.AddSaleItem(ctx, &sale.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) saleItems(saleID uuid.UUID) []model.SaleItem {
	var found []memItem
	for _, it := range s.d.items {
		if it.SaleID == saleID {
			found = append(found, it)
		}
	}
	slices.SortFunc(found, func(a, b memItem) int {
		return int(a.seq - b.seq)
	})

	items := make([]model.SaleItem, 0, len(found))
	for _, it := range found {
		items = append(items, it.SaleItem)
	}
	return items
}

func (s *memStore) GetSale(_ context.Context, id uuid.UUID, _ bool) (*model.Sale, error) {
	defer s.lock()()

	sale, ok := s.d.sales[id]
	if !ok {
		return nil, model.ErrSaleNotFound
	}
	sale.Items = s.saleItems(id)
	return &sale, nil
}

func (s *memStore) ListSales(_ context.Context, f model.SaleFilter) ([]model.Sale, error) {
	defer s.lock()()

	var res []model.Sale
	for _, sale := range s.d.sales {
		if f.Status != nil && sale.Status != *f.Status {
			continue
		}
		if f.ActiveAt != nil && (f.ActiveAt.Before(sale.StartTime) || !f.ActiveAt.Before(sale.EndTime)) {
			continue
		}
		res = append(res, sale)
	}
	slices.SortFunc(res, func(a, b model.Sale) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		if a.Title < b.Title {
			return -1
		}
		if a.Title > b.Title {
			return 1
		}
		return 0
	})
	return res, nil
}

func (s *memStore) UpdateSale(_ context.Context, sale *model.Sale) error {
	defer s.lock()()

	stored, ok := s.d.sales[sale.ID]
	if !ok {
		return model.ErrSaleNotFound
	}
	if s.titleTaken(sale.Title, sale.ID) {
		return fmt.Errorf("%w: sales_title_key", model.ErrDuplicateEntity)
	}
	stored.Title = sale.Title
	stored.StartTime = sale.StartTime
	stored.EndTime = sale.EndTime
	s.d.sales[sale.ID] = stored
	return nil
}

func (s *memStore) SetSaleStatus(_ context.Context, id uuid.UUID, from, to model.SaleStatus) (bool, error) {
	defer s.lock()()

	sale, ok := s.d.sales[id]
	if !ok || sale.Status != from {
		return false, nil
	}
	sale.Status = to
	s.d.sales[id] = sale
	return true, nil
}

func (s *memStore) DeleteSale(_ context.Context, id uuid.UUID) error {
	defer s.lock()()

	if _, ok := s.d.sales[id]; !ok {
		return model.ErrSaleNotFound
	}
	for itemID, it := range s.d.items {
		if it.SaleID == id {
			delete(s.d.items, itemID)
		}
	}
	delete(s.d.sales, id)
	return nil
}

func (s *memStore) ListSalesDue(_ context.Context, status model.SaleStatus, now time.Time) ([]uuid.UUID, error) {
	defer s.lock()()

	due := func(sale model.Sale) time.Time {
		if status == model.SaleStatusActive {
			return sale.EndTime
		}
		return sale.StartTime
	}

	var found []model.Sale
	for _, sale := range s.d.sales {
		if sale.Status == status && !due(sale).After(now) {
			found = append(found, sale)
		}
	}
	slices.SortFunc(found, func(a, b model.Sale) int {
		return due(a).Compare(due(b))
	})

	ids := make([]uuid.UUID, 0, len(found))
	for _, sale := range found {
		ids = append(ids, sale.ID)
	}
	return ids, nil
}

func (s *memStore) GetSaleItem(_ context.Context, id uuid.UUID, _ bool) (*model.SaleItem, error) {
	defer s.lock()()

	it, ok := s.d.items[id]
	if !ok {
		return nil, model.ErrSaleItemNotFound
	}
	return &it.SaleItem, nil
}

func (s *memStore) AddSaleItem(_ context.Context, it *model.SaleItem) error {
	defer s.lock()()

	if _, ok := s.d.items[it.ID]; ok {
		return fmt.Errorf("%w: sale_items_pkey", model.ErrDuplicateEntity)
	}
	if _, ok := s.d.products[it.ProductID]; !ok {
		return model.ErrProductNotFound
	}
	for _, existing := range s.d.items {
		if existing.SaleID == it.SaleID && existing.ProductID == it.ProductID {
			return fmt.Errorf("%w: sale_items_sale_product_key", model.ErrDuplicateEntity)
		}
	}
	s.d.seq++
	s.d.items[it.ID] = memItem{SaleItem: *it, seq: s.d.seq}
	return nil
}

func (s *memStore) UpdateSaleItem(_ context.Context, it *model.SaleItem) error {
	defer s.lock()()

	stored, ok := s.d.items[it.ID]
	if !ok {
		return model.ErrSaleItemNotFound
	}
	stored.AllocatedStock = it.AllocatedStock
	stored.SalePrice = it.SalePrice
	s.d.items[it.ID] = stored
	return nil
}

func (s *memStore) DeleteSaleItem(_ context.Context, id uuid.UUID) error {
	defer s.lock()()

	if _, ok := s.d.items[id]; !ok {
		return model.ErrSaleItemNotFound
	}
	delete(s.d.items, id)
	return nil
}

func (s *memStore) TryIncrementSold(_ context.Context, itemID uuid.UUID, qty int) (bool, error) {
	defer s.lock()()

	it, ok := s.d.items[itemID]
	if !ok {
		return false, nil
	}
	sale, ok := s.d.sales[it.SaleID]
	if !ok || sale.Status != model.SaleStatusActive || it.SoldCount+qty > it.AllocatedStock {
		return false, nil
	}
	it.SoldCount += qty
	s.d.items[itemID] = it
	return true, nil
}

func (s *memStore) DecrementSold(_ context.Context, itemID uuid.UUID, qty int) error {
	defer s.lock()()

	it, ok := s.d.items[itemID]
	if !ok || it.SoldCount < qty {
		return fmt.Errorf("%w: decrement sold count of item %s by %d", model.ErrStockOperationFailed, itemID, qty)
	}
	it.SoldCount -= qty
	s.d.items[itemID] = it
	return nil
}

func (s *memStore) CreateOrder(_ context.Context, o *model.Order) error {
	defer s.lock()()

	if _, ok := s.d.orders[o.ID]; ok {
		return fmt.Errorf("%w: orders_pkey", model.ErrDuplicateEntity)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	s.d.orders[o.ID] = *o
	return nil
}

func (s *memStore) GetOrder(_ context.Context, id uuid.UUID, _ bool) (*model.Order, error) {
	defer s.lock()()

	o, ok := s.d.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return &o, nil
}

func (s *memStore) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	defer s.lock()()

	var res []model.Order
	for _, o := range s.d.orders {
		switch {
		case f.Status != nil && o.Status != *f.Status,
			f.UserID != nil && o.UserID != *f.UserID,
			f.SaleItemID != nil && o.SaleItemID != *f.SaleItemID,
			f.From != nil && o.CreatedAt.Before(*f.From),
			f.To != nil && !o.CreatedAt.Before(*f.To):
			continue
		}
		res = append(res, o)
	}
	slices.SortFunc(res, func(a, b model.Order) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *memStore) UpdateOrderStatus(_ context.Context, id uuid.UUID, from, to model.OrderStatus) (bool, error) {
	defer s.lock()()

	o, ok := s.d.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	s.d.orders[id] = o
	return true, nil
}

func (s *memStore) MarkStockReleased(_ context.Context, id uuid.UUID) (bool, error) {
	defer s.lock()()

	o, ok := s.d.orders[id]
	if !ok || o.StockReleased {
		return false, nil
	}
	o.StockReleased = true
	s.d.orders[id] = o
	return true, nil
}

func (s *memStore) ListStalledOrders(_ context.Context, status model.OrderStatus, before time.Time, limit int) ([]model.Order, error) {
	defer s.lock()()

	// заказы с недоставленными или свежими сообщениями
	busy := make(map[uuid.UUID]bool)
	for _, m := range s.d.outbox {
		switch {
		case m.Status == model.OutboxStatusPending,
			m.Status == model.OutboxStatusProcessing,
			m.Status == model.OutboxStatusFailed,
			!m.CreatedAt.Before(before):
			busy[m.OrderID] = true
		}
	}

	var res []model.Order
	for _, o := range s.d.orders {
		if o.Status != status || !o.CreatedAt.Before(before) || busy[o.ID] {
			continue
		}
		res = append(res, o)
	}
	slices.SortFunc(res, func(a, b model.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memStore) EnqueueMessage(_ context.Context, m model.OutboxMessage) error {
	defer s.lock()()

	m.Status = model.OutboxStatusPending
	s.d.outbox[m.ID] = m
	return nil
}

func (s *memStore) ClaimMessages(_ context.Context, limit int, now, staleBefore time.Time) ([]model.OutboxMessage, error) {
	defer s.lock()()

	var ready []model.OutboxMessage
	for _, m := range s.d.outbox {
		switch m.Status {
		case model.OutboxStatusPending, model.OutboxStatusFailed:
			if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
				continue
			}
		case model.OutboxStatusProcessing:
			if m.LockedAt == nil || m.LockedAt.After(staleBefore) {
				continue
			}
		default:
			continue
		}
		ready = append(ready, m)
	}
	slices.SortFunc(ready, func(a, b model.OutboxMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	for i := range ready {
		lockedAt := now
		ready[i].Status = model.OutboxStatusProcessing
		ready[i].LockedAt = &lockedAt
		ready[i].NextAttemptAt = nil
		ready[i].Attempts++
		s.d.outbox[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (s *memStore) MarkMessageSent(_ context.Context, id uuid.UUID) error {
	defer s.lock()()

	m, ok := s.d.outbox[id]
	if !ok {
		return nil
	}
	m.Status = model.OutboxStatusSent
	m.LockedAt = nil
	m.LastError = ""
	s.d.outbox[id] = m
	return nil
}

func (s *memStore) MarkMessageFailed(_ context.Context, id uuid.UUID, reason string, nextAttempt *time.Time, dead bool) error {
	defer s.lock()()

	m, ok := s.d.outbox[id]
	if !ok {
		return nil
	}
	m.Status = model.OutboxStatusFailed
	if dead {
		m.Status = model.OutboxStatusDead
	}
	m.LastError = reason
	m.NextAttemptAt = nextAttempt
	m.LockedAt = nil
	s.d.outbox[id] = m
	return nil
}

// Outbox возвращает копию всех сообщений outbox. Нужен тестам и диагностике.
func (r *MemoryRepository) Outbox() []model.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := slices.Collect(maps.Values(r.d.outbox))
	slices.SortFunc(res, func(a, b model.OutboxMessage) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return res
}
