package model

// SaleStatus описывает этап жизненного цикла распродажи.
type SaleStatus string

const (
	SaleStatusDraft     SaleStatus = "DRAFT"
	SaleStatusActive    SaleStatus = "ACTIVE"
	SaleStatusCompleted SaleStatus = "COMPLETED"
	SaleStatusCancelled SaleStatus = "CANCELLED"
)

var saleNext = map[SaleStatus]map[SaleStatus]bool{
	SaleStatusDraft:     {SaleStatusActive: true, SaleStatusCancelled: true},
	SaleStatusActive:    {SaleStatusCompleted: true, SaleStatusCancelled: true},
	SaleStatusCompleted: {},
	SaleStatusCancelled: {},
}

// Valid сообщает, является ли значение известным статусом распродажи.
func (s SaleStatus) Valid() bool {
	_, ok := saleNext[s]
	return ok
}

// CanTransitionSale проверяет переход распродажи между статусами.
func CanTransitionSale(from, to SaleStatus) bool {
	return saleNext[from][to]
}

// OrderStatus описывает этап обработки заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusDispatched OrderStatus = "DISPATCHED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending:    {OrderStatusPaid: true, OrderStatusFailed: true, OrderStatusCancelled: true},
	OrderStatusPaid:       {OrderStatusDispatched: true, OrderStatusRefunded: true},
	OrderStatusFailed:     {},
	OrderStatusDispatched: {},
	OrderStatusRefunded:   {},
	OrderStatusCancelled:  {},
}

// Valid сообщает, является ли значение известным статусом заказа.
func (s OrderStatus) Valid() bool {
	_, ok := orderNext[s]
	return ok
}

// Terminal сообщает, что заказ больше не меняет статус.
func (s OrderStatus) Terminal() bool {
	return len(orderNext[s]) == 0
}

// HoldsStock сообщает, учитывается ли заказ в проданном количестве позиции.
func (s OrderStatus) HoldsStock() bool {
	return s == OrderStatusPending || s == OrderStatusPaid || s == OrderStatusDispatched
}

// CanTransitionOrder проверяет переход заказа между статусами.
func CanTransitionOrder(from, to OrderStatus) bool {
	return orderNext[from][to]
}

// OrderSourcesOf возвращает статусы, из которых заказ может перейти в to.
func OrderSourcesOf(to OrderStatus) []OrderStatus {
	var res []OrderStatus
	for _, from := range []OrderStatus{
		OrderStatusPending, OrderStatusPaid, OrderStatusFailed,
		OrderStatusDispatched, OrderStatusRefunded, OrderStatusCancelled,
	} {
		if orderNext[from][to] {
			res = append(res, from)
		}
	}
	return res
}
