// Package handler содержит HTTP-обработчики API сервиса распродаж.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/flashsale-system/internal/middleware"
	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/service"
	"github.com/mmeshcher/flashsale-system/internal/validation"
)

// SaleService определяет операции управления распродажами, используемые HTTP-обработчиками.
type SaleService interface {
	CreateProduct(ctx context.Context, in service.CreateProductInput) (*model.Product, error)
	CreateSale(ctx context.Context, in service.CreateSaleInput) (*model.Sale, error)
	ListSales(ctx context.Context, f model.SaleFilter) ([]model.Sale, error)
	GetSale(ctx context.Context, id uuid.UUID) (*model.Sale, error)
	UpdateSale(ctx context.Context, id uuid.UUID, in service.UpdateSaleInput) (*model.Sale, error)
	AddItem(ctx context.Context, saleID uuid.UUID, in service.SaleItemInput) (*model.Sale, error)
	UpdateItem(ctx context.Context, saleID, itemID uuid.UUID, in service.UpdateItemInput) (*model.Sale, error)
	RemoveItem(ctx context.Context, saleID, itemID uuid.UUID) (*model.Sale, error)
	CancelSale(ctx context.Context, id uuid.UUID) (*model.Sale, error)
	DeleteSale(ctx context.Context, id uuid.UUID) error
}

// OrderService определяет операции с заказами, используемые HTTP-обработчиками.
type OrderService interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID, owner *uuid.UUID) (*model.Order, error)
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, to model.OrderStatus) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса распродаж.
type Handler struct {
	sales          SaleService
	orders         OrderService
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(sales SaleService, orders OrderService, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		sales:          sales,
		orders:         orders,
		logger:         logger,
		authMiddleware: auth,
	}
}

type sessionResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

// CreateSession выдаёт гостевую сессию покупателя с новым идентификатором.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := uuid.New()
	h.authMiddleware.SetAuthCookie(w, userID, middleware.RoleUser)
	writeJSON(w, http.StatusCreated, sessionResponse{
		UserID: userID,
		Token:  h.authMiddleware.IssueToken(userID, middleware.RoleUser),
	})
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusFor сопоставляет категорию доменной ошибки с кодом ответа.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPolicyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrResourceExhausted),
		errors.Is(err, model.ErrDuplicate),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrStockOperationFailed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err), zap.String("uri", r.RequestURI))
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Fields: validation.Fields(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed " + name})
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}
