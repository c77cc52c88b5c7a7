// Package model содержит доменные сущности сервиса флеш-распродаж.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product описывает товар каталога и его физический остаток.
type Product struct {
	ID          uuid.UUID
	Name        string
	Description string
	// TotalPhysicalStock содержит количество единиц, физически находящихся на складе.
	TotalPhysicalStock int
	// ReservedCount содержит количество единиц, выделенных под распродажи и ещё не отгруженных.
	ReservedCount int
	BasePrice     decimal.Decimal
	CreatedAt     time.Time
}

// Unreserved возвращает количество единиц, которые ещё можно выделить под распродажи.
func (p *Product) Unreserved() int {
	return p.TotalPhysicalStock - p.ReservedCount
}

// Sale описывает ограниченную по времени распродажу.
type Sale struct {
	ID        uuid.UUID
	Title     string
	StartTime time.Time
	EndTime   time.Time
	Status    SaleStatus
	Items     []SaleItem
	CreatedAt time.Time
}

// IsOpenAt сообщает, принимает ли распродажа заказы в момент now.
// Конец окна проверяется по времени, а не только по статусу: между тиками
// планировщика распродажа может оставаться ACTIVE после EndTime.
func (s *Sale) IsOpenAt(now time.Time) bool {
	if s.Status != SaleStatusActive {
		return false
	}
	return !now.Before(s.StartTime) && now.Before(s.EndTime)
}

// SaleItem описывает позицию распродажи: товар, выделенный объём и цену.
type SaleItem struct {
	ID             uuid.UUID
	SaleID         uuid.UUID
	ProductID      uuid.UUID
	AllocatedStock int
	SoldCount      int
	SalePrice      decimal.Decimal
}

// Available возвращает количество единиц, доступных к продаже.
func (i *SaleItem) Available() int {
	return i.AllocatedStock - i.SoldCount
}

// Unsold возвращает невыкупленную часть выделенного объёма.
func (i *SaleItem) Unsold() int {
	return i.Available()
}

// Order описывает заказ пользователя на позицию распродажи.
type Order struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	ProductID    uuid.UUID
	SaleItemID   uuid.UUID
	SoldPrice    decimal.Decimal
	SoldQuantity int
	Status       OrderStatus
	// StockReleased выставляется, когда проданные единицы заказа возвращены в позицию.
	StockReleased bool
	CreatedAt     time.Time
}

// Total возвращает сумму заказа.
func (o *Order) Total() decimal.Decimal {
	return o.SoldPrice.Mul(decimal.NewFromInt(int64(o.SoldQuantity)))
}

// SaleFilter задаёт условия выборки распродаж.
type SaleFilter struct {
	Status   *SaleStatus
	ActiveAt *time.Time
}

// OrderFilter задаёт условия выборки заказов.
type OrderFilter struct {
	Status     *OrderStatus
	UserID     *uuid.UUID
	SaleItemID *uuid.UUID
	From       *time.Time
	To         *time.Time
	Limit      int
}
