// Package repository содержит реализации хранилища сервиса флеш-распродаж.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

// Store описывает операции над данными. Изменения счётчиков выполняются одним
// условным обновлением в хранилище, без отдельного чтения перед записью.
type Store interface {
	CreateProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error)
	// ReserveProductStock увеличивает reservedCount, если это не превысит физический остаток.
	ReserveProductStock(ctx context.Context, productID uuid.UUID, qty int) error
	// ReleaseProductStock уменьшает reservedCount.
	ReleaseProductStock(ctx context.Context, productID uuid.UUID, qty int) error
	// DecrementPhysicalStock списывает единицы товара окончательно: уменьшает и остаток, и резерв.
	DecrementPhysicalStock(ctx context.Context, productID uuid.UUID, qty int) error

	CreateSale(ctx context.Context, s *model.Sale) error
	GetSale(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.Sale, error)
	ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error)
	UpdateSale(ctx context.Context, s *model.Sale) error
	// SetSaleStatus меняет статус, только если текущий статус равен from.
	SetSaleStatus(ctx context.Context, id uuid.UUID, from, to model.SaleStatus) (bool, error)
	DeleteSale(ctx context.Context, id uuid.UUID) error
	// ListSalesDue возвращает распродажи в статусе status, чей срок (начало для DRAFT,
	// окончание для ACTIVE) наступил к моменту now.
	ListSalesDue(ctx context.Context, status model.SaleStatus, now time.Time) ([]uuid.UUID, error)

	GetSaleItem(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.SaleItem, error)
	AddSaleItem(ctx context.Context, it *model.SaleItem) error
	UpdateSaleItem(ctx context.Context, it *model.SaleItem) error
	DeleteSaleItem(ctx context.Context, id uuid.UUID) error
	// TryIncrementSold увеличивает soldCount, только если распродажа активна и
	// soldCount+qty не превышает allocatedStock. false означает проигранную гонку.
	TryIncrementSold(ctx context.Context, itemID uuid.UUID, qty int) (bool, error)
	// DecrementSold уменьшает soldCount на qty.
	DecrementSold(ctx context.Context, itemID uuid.UUID, qty int) error

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	// UpdateOrderStatus меняет статус, только если текущий статус равен from.
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to model.OrderStatus) (bool, error)
	// MarkStockReleased отмечает возврат проданных единиц заказа. false означает,
	// что возврат уже был выполнен.
	MarkStockReleased(ctx context.Context, id uuid.UUID) (bool, error)
	// ListStalledOrders возвращает заказы в статусе status, созданные раньше before,
	// у которых нет недоставленных сообщений outbox и нет сообщений новее before.
	ListStalledOrders(ctx context.Context, status model.OrderStatus, before time.Time, limit int) ([]model.Order, error)

	EnqueueMessage(ctx context.Context, m model.OutboxMessage) error
	// ClaimMessages захватывает готовые к публикации сообщения и переводит их в PROCESSING.
	ClaimMessages(ctx context.Context, limit int, now, staleBefore time.Time) ([]model.OutboxMessage, error)
	MarkMessageSent(ctx context.Context, id uuid.UUID) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, reason string, nextAttempt *time.Time, dead bool) error
}

// Transactor выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
type Transactor interface {
	InTx(ctx context.Context, fn func(s Store) error) error
}

// Repository объединяет хранилище и управление транзакциями.
type Repository interface {
	Store
	Transactor
	Close() error
}
