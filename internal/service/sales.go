package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/repository"
	"github.com/mmeshcher/flashsale-system/internal/validation"
)

// DefaultMinSaleDuration задаёт минимальную длительность окна распродажи.
const DefaultMinSaleDuration = 10 * time.Minute

// SaleItemInput описывает позицию новой распродажи.
type SaleItemInput struct {
	ProductID      uuid.UUID       `validate:"required"`
	AllocatedStock int             `validate:"gt=0"`
	SalePrice      decimal.Decimal `validate:"gte=0"`
}

// CreateSaleInput описывает новую распродажу.
type CreateSaleInput struct {
	Title     string          `validate:"required,max=255"`
	StartTime time.Time       `validate:"required"`
	EndTime   time.Time       `validate:"required"`
	Items     []SaleItemInput `validate:"dive"`
}

// UpdateSaleInput описывает изменение распродажи. Пустые поля не меняются.
type UpdateSaleInput struct {
	Title     *string `validate:"omitempty,min=1,max=255"`
	StartTime *time.Time
	EndTime   *time.Time
}

// UpdateItemInput описывает изменение позиции. Пустые поля не меняются.
type UpdateItemInput struct {
	AllocatedStock *int             `validate:"omitempty,gte=0"`
	SalePrice      *decimal.Decimal `validate:"omitempty,gte=0"`
}

// CreateProductInput описывает товар каталога.
type CreateProductInput struct {
	Name               string          `validate:"required,max=255"`
	Description        string          `validate:"max=4096"`
	TotalPhysicalStock int             `validate:"gte=0"`
	BasePrice          decimal.Decimal `validate:"gte=0"`
}

// SaleService управляет распродажами и выделением остатков.
type SaleService struct {
	repo        repository.Repository
	validate    *validation.Validator
	audit       Auditor
	logger      *zap.Logger
	minDuration time.Duration
	now         func() time.Time
}

// NewSaleService создаёт сервис распродаж.
func NewSaleService(repo repository.Repository, auditor Auditor, logger *zap.Logger, minDuration time.Duration) *SaleService {
	if minDuration <= 0 {
		minDuration = DefaultMinSaleDuration
	}
	return &SaleService{
		repo:        repo,
		validate:    validation.New(),
		audit:       auditor,
		logger:      logger.Named("sales"),
		minDuration: minDuration,
		now:         time.Now,
	}
}

func (s *SaleService) checkWindow(start, end time.Time) error {
	if !end.After(start) {
		return model.ErrInvalidSaleTimes
	}
	if end.Sub(start) < s.minDuration {
		return model.ErrSaleDurationTooShort
	}
	return nil
}

// CreateProduct добавляет товар в каталог.
func (s *SaleService) CreateProduct(ctx context.Context, in CreateProductInput) (*model.Product, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	p := &model.Product{
		ID:                 uuid.New(),
		Name:               in.Name,
		Description:        in.Description,
		TotalPhysicalStock: in.TotalPhysicalStock,
		BasePrice:          in.BasePrice,
	}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return nil, err
	}

	audit(ctx, s.audit, "create_product", "product", p.ID, in)
	return p, nil
}

// GetProduct возвращает товар каталога.
func (s *SaleService) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// CreateSale создаёт распродажу в статусе DRAFT и резервирует остаток под каждую позицию.
func (s *SaleService) CreateSale(ctx context.Context, in CreateSaleInput) (*model.Sale, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	if err := s.checkWindow(in.StartTime, in.EndTime); err != nil {
		return nil, err
	}

	sale := &model.Sale{
		ID:        uuid.New(),
		Title:     in.Title,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		Status:    model.SaleStatusDraft,
	}

	seen := make(map[uuid.UUID]bool, len(in.Items))
	for _, it := range in.Items {
		if seen[it.ProductID] {
			return nil, fmt.Errorf("%w: product %s listed twice", model.ErrDuplicateEntity, it.ProductID)
		}
		seen[it.ProductID] = true

		sale.Items = append(sale.Items, model.SaleItem{
			ID:             uuid.New(),
			SaleID:         sale.ID,
			ProductID:      it.ProductID,
			AllocatedStock: it.AllocatedStock,
			SalePrice:      it.SalePrice,
		})
	}

	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		for _, it := range sale.Items {
			if err := tx.ReserveProductStock(ctx, it.ProductID, it.AllocatedStock); err != nil {
				return fmt.Errorf("reserve product %s: %w", it.ProductID, err)
			}
		}
		return tx.CreateSale(ctx, sale)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale created",
		zap.String("sale_id", sale.ID.String()),
		zap.String("title", sale.Title),
		zap.Int("items", len(sale.Items)),
	)
	audit(ctx, s.audit, "create_sale", "sale", sale.ID, in)

	return sale, nil
}

// ListSales возвращает распродажи по фильтру.
func (s *SaleService) ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error) {
	return s.repo.ListSales(ctx, f)
}

// GetSale возвращает распродажу с позициями.
func (s *SaleService) GetSale(ctx context.Context, id uuid.UUID) (*model.Sale, error) {
	return s.repo.GetSale(ctx, id, false)
}

// loadDraft блокирует распродажу и проверяет, что она ещё в черновике.
func loadDraft(ctx context.Context, tx repository.Store, id uuid.UUID, op string) (*model.Sale, error) {
	sale, err := tx.GetSale(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if sale.Status != model.SaleStatusDraft {
		return nil, model.NewSaleTransitionError(sale, op, model.SaleStatusDraft)
	}
	return sale, nil
}

func findItem(sale *model.Sale, itemID uuid.UUID) (*model.SaleItem, error) {
	for i := range sale.Items {
		if sale.Items[i].ID == itemID {
			return &sale.Items[i], nil
		}
	}
	return nil, model.ErrSaleItemNotFound
}

// UpdateSale меняет название и окно распродажи в черновике.
func (s *SaleService) UpdateSale(ctx context.Context, id uuid.UUID, in UpdateSaleInput) (*model.Sale, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	var updated *model.Sale
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := loadDraft(ctx, tx, id, "update")
		if err != nil {
			return err
		}

		if in.Title != nil {
			sale.Title = *in.Title
		}
		if in.StartTime != nil {
			sale.StartTime = *in.StartTime
		}
		if in.EndTime != nil {
			sale.EndTime = *in.EndTime
		}
		if err := s.checkWindow(sale.StartTime, sale.EndTime); err != nil {
			return err
		}

		if err := tx.UpdateSale(ctx, sale); err != nil {
			return err
		}
		updated = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit(ctx, s.audit, "update_sale", "sale", id, in)
	return updated, nil
}

// AddItem добавляет позицию в распродажу-черновик и резервирует под неё остаток.
func (s *SaleService) AddItem(ctx context.Context, saleID uuid.UUID, in SaleItemInput) (*model.Sale, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	var updated *model.Sale
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := loadDraft(ctx, tx, saleID, "add item")
		if err != nil {
			return err
		}
		for _, it := range sale.Items {
			if it.ProductID == in.ProductID {
				return fmt.Errorf("%w: product %s already in sale", model.ErrDuplicateEntity, in.ProductID)
			}
		}

		if err := tx.ReserveProductStock(ctx, in.ProductID, in.AllocatedStock); err != nil {
			return fmt.Errorf("reserve product %s: %w", in.ProductID, err)
		}

		item := model.SaleItem{
			ID:             uuid.New(),
			SaleID:         saleID,
			ProductID:      in.ProductID,
			AllocatedStock: in.AllocatedStock,
			SalePrice:      in.SalePrice,
		}
		if err := tx.AddSaleItem(ctx, &item); err != nil {
			return err
		}

		sale.Items = append(sale.Items, item)
		updated = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit(ctx, s.audit, "add_sale_item", "sale", saleID, in)
	return updated, nil
}

// UpdateItem меняет выделенный объём и цену позиции. Разница объёма резервируется
// или возвращается товару.
func (s *SaleService) UpdateItem(ctx context.Context, saleID, itemID uuid.UUID, in UpdateItemInput) (*model.Sale, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}

	var updated *model.Sale
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := loadDraft(ctx, tx, saleID, "update item")
		if err != nil {
			return err
		}
		item, err := findItem(sale, itemID)
		if err != nil {
			return err
		}

		if in.AllocatedStock != nil {
			next := *in.AllocatedStock
			if next < item.SoldCount {
				return model.ErrAllocationBelowSold
			}

			switch delta := next - item.AllocatedStock; {
			case delta > 0:
				if err := tx.ReserveProductStock(ctx, item.ProductID, delta); err != nil {
					return fmt.Errorf("reserve product %s: %w", item.ProductID, err)
				}
			case delta < 0:
				if err := tx.ReleaseProductStock(ctx, item.ProductID, -delta); err != nil {
					return err
				}
			}
			item.AllocatedStock = next
		}
		if in.SalePrice != nil {
			item.SalePrice = *in.SalePrice
		}

		if err := tx.UpdateSaleItem(ctx, item); err != nil {
			return err
		}
		updated = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit(ctx, s.audit, "update_sale_item", "sale_item", itemID, in)
	return updated, nil
}

// RemoveItem удаляет позицию из распродажи-черновика и возвращает её объём товару.
func (s *SaleService) RemoveItem(ctx context.Context, saleID, itemID uuid.UUID) (*model.Sale, error) {
	var updated *model.Sale
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := loadDraft(ctx, tx, saleID, "remove item")
		if err != nil {
			return err
		}
		item, err := findItem(sale, itemID)
		if err != nil {
			return err
		}

		if err := tx.ReleaseProductStock(ctx, item.ProductID, item.AllocatedStock); err != nil {
			return err
		}
		if err := tx.DeleteSaleItem(ctx, itemID); err != nil {
			return err
		}

		items := make([]model.SaleItem, 0, len(sale.Items)-1)
		for _, it := range sale.Items {
			if it.ID != itemID {
				items = append(items, it)
			}
		}
		sale.Items = items
		updated = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	audit(ctx, s.audit, "remove_sale_item", "sale_item", itemID, nil)
	return updated, nil
}

// releaseUnsold возвращает товарам непроданный объём позиций и урезает выделение до проданного.
func releaseUnsold(ctx context.Context, tx repository.Store, sale *model.Sale) (int, error) {
	released := 0
	for i := range sale.Items {
		item := &sale.Items[i]
		unsold := item.Unsold()
		if unsold <= 0 {
			continue
		}
		if err := tx.ReleaseProductStock(ctx, item.ProductID, unsold); err != nil {
			return 0, err
		}
		item.AllocatedStock = item.SoldCount
		if err := tx.UpdateSaleItem(ctx, item); err != nil {
			return 0, err
		}
		released += unsold
	}
	return released, nil
}

// CancelSale отменяет распродажу в статусе DRAFT или ACTIVE. Непроданный объём
// возвращается товарам, уже принятые заказы не затрагиваются.
func (s *SaleService) CancelSale(ctx context.Context, id uuid.UUID) (*model.Sale, error) {
	var (
		updated  *model.Sale
		released int
	)
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := tx.GetSale(ctx, id, true)
		if err != nil {
			return err
		}
		if !model.CanTransitionSale(sale.Status, model.SaleStatusCancelled) {
			return model.NewSaleTransitionError(sale, "cancel", model.SaleStatusDraft, model.SaleStatusActive)
		}

		released, err = releaseUnsold(ctx, tx, sale)
		if err != nil {
			return err
		}

		ok, err := tx.SetSaleStatus(ctx, id, sale.Status, model.SaleStatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewSaleTransitionError(sale, "cancel", model.SaleStatusDraft, model.SaleStatusActive)
		}

		sale.Status = model.SaleStatusCancelled
		updated = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale cancelled",
		zap.String("sale_id", id.String()),
		zap.Int("released_units", released),
	)
	audit(ctx, s.audit, "cancel_sale", "sale", id, nil)

	return updated, nil
}

// DeleteSale удаляет распродажу-черновик и возвращает весь выделенный объём.
func (s *SaleService) DeleteSale(ctx context.Context, id uuid.UUID) error {
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := loadDraft(ctx, tx, id, "delete")
		if err != nil {
			return err
		}
		for _, it := range sale.Items {
			if err := tx.ReleaseProductStock(ctx, it.ProductID, it.AllocatedStock); err != nil {
				return err
			}
		}
		return tx.DeleteSale(ctx, id)
	})
	if err != nil {
		return err
	}

	audit(ctx, s.audit, "delete_sale", "sale", id, nil)
	return nil
}

// ActivateDraftSales переводит в ACTIVE черновики, чьё время начала наступило.
// Возвращает число фактически переведённых распродаж.
func (s *SaleService) ActivateDraftSales(ctx context.Context) (int, error) {
	return s.advanceDue(ctx, model.SaleStatusDraft, model.SaleStatusActive, "activate")
}

// CompleteActiveSales переводит в COMPLETED активные распродажи, чьё время окончания
// наступило, и возвращает товарам непроданный объём.
func (s *SaleService) CompleteActiveSales(ctx context.Context) (int, error) {
	return s.advanceDue(ctx, model.SaleStatusActive, model.SaleStatusCompleted, "complete")
}

func (s *SaleService) advanceDue(ctx context.Context, from, to model.SaleStatus, action string) (int, error) {
	now := s.now()

	ids, err := s.repo.ListSalesDue(ctx, from, now)
	if err != nil {
		return 0, fmt.Errorf("list due sales: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		moved, err := s.advanceOne(ctx, id, from, to, now)
		if err != nil {
			s.logger.Error("failed to advance sale",
				zap.String("sale_id", id.String()),
				zap.String("action", action),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s sale %s: %w", action, id, err))
			continue
		}
		if !moved {
			s.logger.Debug("sale already advanced, skipping",
				zap.String("sale_id", id.String()),
				zap.String("action", action),
			)
			continue
		}

		count++
		audit(ctx, s.audit, action+"_sale", "sale", id, nil)
	}

	return count, errors.Join(errs...)
}

// advanceOne повторно проверяет статус под блокировкой. Распродажа, которую
// уже перевели, пропускается без ошибки.
func (s *SaleService) advanceOne(ctx context.Context, id uuid.UUID, from, to model.SaleStatus, now time.Time) (bool, error) {
	var moved bool
	err := s.repo.InTx(ctx, func(tx repository.Store) error {
		sale, err := tx.GetSale(ctx, id, true)
		if err != nil {
			if errors.Is(err, model.ErrSaleNotFound) {
				return nil
			}
			return err
		}
		if sale.Status != from {
			return nil
		}

		due := sale.StartTime
		if from == model.SaleStatusActive {
			due = sale.EndTime
		}
		if due.After(now) {
			return nil
		}

		if to == model.SaleStatusCompleted {
			if _, err := releaseUnsold(ctx, tx, sale); err != nil {
				return err
			}
		}

		moved, err = tx.SetSaleStatus(ctx, id, from, to)
		return err
	})
	return moved, err
}
