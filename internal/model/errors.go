package model

import (
	"errors"
	"fmt"
	"strings"
)

// Категории доменных ошибок. Конкретные ошибки оборачивают одну из них,
// поэтому вызывающий код может проверять как конкретную ошибку, так и категорию.
var (
	ErrNotFound             = errors.New("not found")
	ErrPolicyViolation      = errors.New("policy violation")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrDuplicate            = errors.New("duplicate")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrStockOperationFailed = errors.New("stock operation failed")
	ErrInvalidInput         = errors.New("invalid input")
)

var (
	// ErrSaleNotFound возвращается, если распродажа не найдена.
	ErrSaleNotFound = fmt.Errorf("sale %w", ErrNotFound)
	// ErrSaleItemNotFound возвращается, если позиция распродажи не найдена.
	ErrSaleItemNotFound = fmt.Errorf("sale item %w", ErrNotFound)
	// ErrOrderNotFound возвращается, если заказ не найден или принадлежит другому пользователю.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)

	// ErrInvalidSaleTimes возвращается, если окончание распродажи не позже начала.
	ErrInvalidSaleTimes = fmt.Errorf("%w: sale end must be after start", ErrPolicyViolation)
	// ErrSaleDurationTooShort возвращается, если окно распродажи короче минимального.
	ErrSaleDurationTooShort = fmt.Errorf("%w: sale duration too short", ErrPolicyViolation)
	// ErrSaleNotActive возвращается при попытке заказа вне активного окна распродажи.
	ErrSaleNotActive = fmt.Errorf("%w: sale is not active", ErrPolicyViolation)
	// ErrAllocationBelowSold возвращается при попытке уменьшить выделенный объём ниже проданного.
	ErrAllocationBelowSold = fmt.Errorf("%w: allocated stock below sold count", ErrPolicyViolation)

	// ErrInsufficientResources возвращается, если у товара не хватает остатка для выделения.
	ErrInsufficientResources = fmt.Errorf("%w: insufficient product stock for allocation", ErrResourceExhausted)
	// ErrInsufficientStock возвращается, если в позиции распродажи не хватает единиц для заказа.
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrResourceExhausted)

	// ErrDuplicateEntity возвращается при нарушении уникальности.
	ErrDuplicateEntity = fmt.Errorf("%w entity", ErrDuplicate)
)

// TransitionError описывает отклонённый переход статуса.
type TransitionError struct {
	Entity    string
	ID        string
	Current   string
	Required  []string
	Operation string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s in status %s (requires %s)",
		e.Entity, e.ID, e.Operation, e.Current, strings.Join(e.Required, " or "))
}

// Is позволяет сравнивать ошибку с ErrInvalidTransition через errors.Is.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NewOrderTransitionError создаёт ошибку перехода для заказа.
func NewOrderTransitionError(o *Order, op string, required ...OrderStatus) *TransitionError {
	req := make([]string, 0, len(required))
	for _, s := range required {
		req = append(req, string(s))
	}
	return &TransitionError{
		Entity:    "order",
		ID:        o.ID.String(),
		Current:   string(o.Status),
		Required:  req,
		Operation: op,
	}
}

// NewSaleTransitionError создаёт ошибку для изменения распродажи в неподходящем статусе.
// Результат одновременно соответствует ErrPolicyViolation и ErrInvalidTransition.
func NewSaleTransitionError(s *Sale, op string, required ...SaleStatus) error {
	req := make([]string, 0, len(required))
	for _, st := range required {
		req = append(req, string(st))
	}
	return fmt.Errorf("%w: %w", ErrPolicyViolation, &TransitionError{
		Entity:    "sale",
		ID:        s.ID.String(),
		Current:   string(s.Status),
		Required:  req,
		Operation: op,
	})
}
