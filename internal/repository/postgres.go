package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier покрывает общие методы пула и транзакции pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pgStore
	pool *pgxpool.Pool
}

// pgStore реализует Store поверх пула или открытой транзакции.
type pgStore struct {
	q querier
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pgStore: pgStore{q: pool}, pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// InTx выполняет fn в транзакции. Конфликты сериализации и взаимоблокировки повторяются.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(s Store) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgStore{q: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func duplicateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", model.ErrDuplicateEntity, pgErr.ConstraintName)
	}
	return nil
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// CreateProduct сохраняет товар каталога.
func (s *pgStore) CreateProduct(ctx context.Context, p *model.Product) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO products (id, name, description, total_physical_stock, reserved_count, base_price)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		p.ID, p.Name, p.Description, p.TotalPhysicalStock, p.ReservedCount, p.BasePrice,
	).Scan(&p.CreatedAt)
	if err != nil {
		if dupErr := duplicateError(err); dupErr != nil {
			return dupErr
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// GetProduct возвращает товар по идентификатору.
func (s *pgStore) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var p model.Product
	err := s.q.QueryRow(ctx,
		`SELECT id, name, description, total_physical_stock, reserved_count, base_price, created_at
		 FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.TotalPhysicalStock, &p.ReservedCount, &p.BasePrice, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (s *pgStore) productExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check product: %w", err)
	}
	return exists, nil
}

// ReserveProductStock увеличивает резерв товара одним условным обновлением.
func (s *pgStore) ReserveProductStock(ctx context.Context, productID uuid.UUID, qty int) error {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE products SET reserved_count = reserved_count + $2
		 WHERE id = $1 AND reserved_count + $2 <= total_physical_stock`,
		productID, qty,
	)
	if err != nil {
		return fmt.Errorf("reserve product stock: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	exists, err := s.productExists(ctx, productID)
	if err != nil {
		return err
	}
	if !exists {
		return model.ErrProductNotFound
	}
	return model.ErrInsufficientResources
}

// ReleaseProductStock возвращает единицы из резерва товара.
func (s *pgStore) ReleaseProductStock(ctx context.Context, productID uuid.UUID, qty int) error {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE products SET reserved_count = reserved_count - $2
		 WHERE id = $1 AND reserved_count >= $2`,
		productID, qty,
	)
	if err != nil {
		return fmt.Errorf("release product stock: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: release %d units of product %s", model.ErrStockOperationFailed, qty, productID)
	}
	return nil
}

// DecrementPhysicalStock окончательно списывает единицы товара при отгрузке.
func (s *pgStore) DecrementPhysicalStock(ctx context.Context, productID uuid.UUID, qty int) error {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE products
		 SET total_physical_stock = total_physical_stock - $2, reserved_count = reserved_count - $2
		 WHERE id = $1 AND reserved_count >= $2 AND total_physical_stock >= $2`,
		productID, qty,
	)
	if err != nil {
		return fmt.Errorf("%w: decrement physical stock: %w", model.ErrStockOperationFailed, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: decrement %d units of product %s", model.ErrStockOperationFailed, qty, productID)
	}
	return nil
}

// CreateSale сохраняет распродажу вместе с позициями.
func (s *pgStore) CreateSale(ctx context.Context, sale *model.Sale) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO sales (id, title, start_time, end_time, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		sale.ID, sale.Title, sale.StartTime, sale.EndTime, string(sale.Status),
	).Scan(&sale.CreatedAt)
	if err != nil {
		if dupErr := duplicateError(err); dupErr != nil {
			return dupErr
		}
		return fmt.Errorf("insert sale: %w", err)
	}

	for i := range sale.Items {
		if err := s.AddSaleItem(ctx, &sale.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

const saleColumns = `id, title, start_time, end_time, status, created_at`

func scanSale(row pgx.Row) (*model.Sale, error) {
	var (
		sale   model.Sale
		status string
	)
	if err := row.Scan(&sale.ID, &sale.Title, &sale.StartTime, &sale.EndTime, &status, &sale.CreatedAt); err != nil {
		return nil, err
	}
	sale.Status = model.SaleStatus(status)
	return &sale, nil
}

// GetSale возвращает распродажу с позициями. При forUpdate строки блокируются до конца транзакции.
func (s *pgStore) GetSale(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.Sale, error) {
	sale, err := scanSale(s.q.QueryRow(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1`+lockClause(forUpdate), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSaleNotFound
		}
		return nil, fmt.Errorf("get sale: %w", err)
	}

	items, err := s.listSaleItems(ctx, id, forUpdate)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	return sale, nil
}

const itemColumns = `id, sale_id, product_id, allocated_stock, sold_count, sale_price`

func scanItem(row pgx.Row) (*model.SaleItem, error) {
	var it model.SaleItem
	if err := row.Scan(&it.ID, &it.SaleID, &it.ProductID, &it.AllocatedStock, &it.SoldCount, &it.SalePrice); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *pgStore) listSaleItems(ctx context.Context, saleID uuid.UUID, forUpdate bool) ([]model.SaleItem, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+itemColumns+` FROM sale_items WHERE sale_id = $1 ORDER BY seq`+lockClause(forUpdate),
		saleID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sale items: %w", err)
	}
	defer rows.Close()

	var items []model.SaleItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale item: %w", err)
		}
		items = append(items, *it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ListSales возвращает распродажи без позиций, отсортированные по началу.
func (s *pgStore) ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ActiveAt != nil {
		args = append(args, *f.ActiveAt)
		conds = append(conds, fmt.Sprintf("start_time <= $%d AND end_time > $%d", len(args), len(args)))
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY start_time, title`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select sales: %w", err)
	}
	defer rows.Close()

	var res []model.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		res = append(res, *sale)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateSale обновляет название и окно распродажи.
func (s *pgStore) UpdateSale(ctx context.Context, sale *model.Sale) error {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE sales SET title = $2, start_time = $3, end_time = $4 WHERE id = $1`,
		sale.ID, sale.Title, sale.StartTime, sale.EndTime,
	)
	if err != nil {
		if dupErr := duplicateError(err); dupErr != nil {
			return dupErr
		}
		return fmt.Errorf("update sale: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return model.ErrSaleNotFound
	}
	return nil
}

// SetSaleStatus меняет статус распродажи с проверкой текущего статуса.
func (s *pgStore) SetSaleStatus(ctx context.Context, id uuid.UUID, from, to model.SaleStatus) (bool, error) {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE sales SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update sale status: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// DeleteSale удаляет распродажу вместе с позициями.
func (s *pgStore) DeleteSale(ctx context.Context, id uuid.UUID) error {
	cmdTag, err := s.q.Exec(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sale: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return model.ErrSaleNotFound
	}
	return nil
}

// ListSalesDue возвращает распродажи, которые пора активировать или завершить.
func (s *pgStore) ListSalesDue(ctx context.Context, status model.SaleStatus, now time.Time) ([]uuid.UUID, error) {
	column := "start_time"
	if status == model.SaleStatusActive {
		column = "end_time"
	}

	rows, err := s.q.Query(ctx,
		`SELECT id FROM sales WHERE status = $1 AND `+column+` <= $2 ORDER BY `+column,
		string(status), now,
	)
	if err != nil {
		return nil, fmt.Errorf("select due sales: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sale id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// GetSaleItem возвращает позицию распродажи.
func (s *pgStore) GetSaleItem(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.SaleItem, error) {
	it, err := scanItem(s.q.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM sale_items WHERE id = $1`+lockClause(forUpdate), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrSaleItemNotFound
		}
		return nil, fmt.Errorf("get sale item: %w", err)
	}
	return it, nil
}

// AddSaleItem сохраняет позицию распродажи.
func (s *pgStore) AddSaleItem(ctx context.Context, it *model.SaleItem) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO sale_items (id, sale_id, product_id, allocated_stock, sold_count, sale_price)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		it.ID, it.SaleID, it.ProductID, it.AllocatedStock, it.SoldCount, it.SalePrice,
	)
	if err != nil {
		if dupErr := duplicateError(err); dupErr != nil {
			return dupErr
		}
		if pgCode(err) == pgerrcode.ForeignKeyViolation {
			return model.ErrProductNotFound
		}
		return fmt.Errorf("insert sale item: %w", err)
	}
	return nil
}

// UpdateSaleItem обновляет выделенный объём и цену позиции.
func (s *pgStore) UpdateSaleItem(ctx context.Context, it *model.SaleItem) error {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE sale_items SET allocated_stock = $2, sale_price = $3 WHERE id = $1`,
		it.ID, it.AllocatedStock, it.SalePrice,
	)
	if err != nil {
		return fmt.Errorf("update sale item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return model.ErrSaleItemNotFound
	}
	return nil
}

// DeleteSaleItem удаляет позицию распродажи.
func (s *pgStore) DeleteSaleItem(ctx context.Context, id uuid.UUID) error {
	cmdTag, err := s.q.Exec(ctx, `DELETE FROM sale_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sale item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return model.ErrSaleItemNotFound
	}
	return nil
}

// TryIncrementSold атомарно увеличивает проданное количество позиции.
func (s *pgStore) TryIncrementSold(ctx context.Context, itemID uuid.UUID, qty int) (bool, error) {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE sale_items si SET sold_count = si.sold_count + $2
		 FROM sales sa
		 WHERE si.id = $1
		   AND sa.id = si.sale_id
		   AND sa.status = $3
		   AND si.sold_count + $2 <= si.allocated_stock`,
		itemID, qty, string(model.SaleStatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("increment sold count: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// DecrementSold уменьшает проданное количество позиции.
func (s *pgStore) DecrementSold(ctx context.Context, itemID uuid.UUID, qty int) error {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE sale_items SET sold_count = sold_count - $2 WHERE id = $1 AND sold_count >= $2`,
		itemID, qty,
	)
	if err != nil {
		return fmt.Errorf("%w: decrement sold count: %w", model.ErrStockOperationFailed, err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: decrement sold count of item %s by %d", model.ErrStockOperationFailed, itemID, qty)
	}
	return nil
}

const orderColumns = `id, user_id, product_id, sale_item_id, sold_price, sold_quantity, status, stock_released, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.SaleItemID, &o.SoldPrice, &o.SoldQuantity,
		&status, &o.StockReleased, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// CreateOrder сохраняет заказ.
func (s *pgStore) CreateOrder(ctx context.Context, o *model.Order) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, product_id, sale_item_id, sold_price, sold_quantity, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		o.ID, o.UserID, o.ProductID, o.SaleItemID, o.SoldPrice, o.SoldQuantity, string(o.Status),
	).Scan(&o.CreatedAt)
	if err != nil {
		if dupErr := duplicateError(err); dupErr != nil {
			return dupErr
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *pgStore) GetOrder(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`+lockClause(forUpdate), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders возвращает заказы по фильтру, новые первыми.
func (s *pgStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.SaleItemID != nil {
		add("sale_item_id = $%d", *f.SaleItemID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderStatus меняет статус заказа с проверкой текущего статуса.
func (s *pgStore) UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to model.OrderStatus) (bool, error) {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// MarkStockReleased отмечает, что проданные единицы заказа возвращены.
func (s *pgStore) MarkStockReleased(ctx context.Context, id uuid.UUID) (bool, error) {
	cmdTag, err := s.q.Exec(ctx,
		`UPDATE orders SET stock_released = TRUE WHERE id = $1 AND NOT stock_released`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark stock released: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ListStalledOrders возвращает самые старые заказы, застрявшие в статусе status.
func (s *pgStore) ListStalledOrders(ctx context.Context, status model.OrderStatus, before time.Time, limit int) ([]model.Order, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders o
		 WHERE o.status = $1 AND o.created_at < $2
		   AND NOT EXISTS (
			SELECT 1 FROM outbox m
			WHERE m.order_id = o.id
			  AND (m.status IN ($3, $4, $5) OR m.created_at >= $2)
		   )
		 ORDER BY o.created_at
		 LIMIT $6`,
		string(status), before,
		string(model.OutboxStatusPending), string(model.OutboxStatusProcessing), string(model.OutboxStatusFailed),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stalled orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// EnqueueMessage записывает сообщение конвейера в outbox.
func (s *pgStore) EnqueueMessage(ctx context.Context, m model.OutboxMessage) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO outbox (id, order_id, purpose, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.OrderID, string(m.Purpose), string(model.OutboxStatusPending), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ClaimMessages захватывает пачку сообщений. Строки, заблокированные другим
// экземпляром, пропускаются; зависшие в PROCESSING дольше staleBefore забираются повторно.
func (s *pgStore) ClaimMessages(ctx context.Context, limit int, now, staleBefore time.Time) ([]model.OutboxMessage, error) {
	rows, err := s.q.Query(ctx,
		`WITH claimed AS (
			SELECT id FROM outbox
			WHERE (status IN ($1, $2) AND (next_attempt_at IS NULL OR next_attempt_at <= $3))
			   OR (status = $4 AND locked_at <= $5)
			ORDER BY created_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET status = $4, locked_at = $3, attempts = o.attempts + 1, next_attempt_at = NULL
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING o.id, o.order_id, o.purpose, o.status, o.attempts, COALESCE(o.last_error, ''), o.created_at`,
		string(model.OutboxStatusPending), string(model.OutboxStatusFailed), now,
		string(model.OutboxStatusProcessing), staleBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxMessage
	for rows.Next() {
		var (
			m       model.OutboxMessage
			purpose string
			status  string
		)
		if err := rows.Scan(&m.ID, &m.OrderID, &purpose, &status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Purpose = model.MessagePurpose(purpose)
		m.Status = model.OutboxStatus(status)
		m.LockedAt = &now
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkMessageSent отмечает сообщение опубликованным.
func (s *pgStore) MarkMessageSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx,
		`UPDATE outbox SET status = $2, locked_at = NULL, last_error = NULL WHERE id = $1`,
		id, string(model.OutboxStatusSent),
	)
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}
	return nil
}

// MarkMessageFailed отмечает неудачную публикацию и время следующей попытки.
func (s *pgStore) MarkMessageFailed(ctx context.Context, id uuid.UUID, reason string, nextAttempt *time.Time, dead bool) error {
	status := model.OutboxStatusFailed
	if dead {
		status = model.OutboxStatusDead
	}
	_, err := s.q.Exec(ctx,
		`UPDATE outbox SET status = $2, last_error = $3, next_attempt_at = $4, locked_at = NULL WHERE id = $1`,
		id, string(status), reason, nextAttempt,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	return nil
}
