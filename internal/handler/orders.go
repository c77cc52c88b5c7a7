package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/service"
)

type createOrderRequest struct {
	SaleItemID uuid.UUID `json:"sale_item_id"`
	Quantity   int       `json:"quantity"`
}

type orderStatusRequest struct {
	Status model.OrderStatus `json:"status"`
}

type orderResponse struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"user_id"`
	ProductID    uuid.UUID         `json:"product_id"`
	SaleItemID   uuid.UUID         `json:"sale_item_id"`
	SoldPrice    decimal.Decimal   `json:"sold_price"`
	SoldQuantity int               `json:"sold_quantity"`
	Total        decimal.Decimal   `json:"total"`
	Status       model.OrderStatus `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:           o.ID,
		UserID:       o.UserID,
		ProductID:    o.ProductID,
		SaleItemID:   o.SaleItemID,
		SoldPrice:    o.SoldPrice,
		SoldQuantity: o.SoldQuantity,
		Total:        o.Total(),
		Status:       o.Status,
		CreatedAt:    o.CreatedAt,
	}
}

func newOrdersResponse(orders []model.Order) []orderResponse {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}
	return resp
}

// CreateOrder принимает заказ текущего пользователя. Оплата выполняется асинхронно,
// поэтому заказ возвращается в статусе PENDING с кодом 202.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), service.CreateOrderInput{
		UserID:     userID,
		SaleItemID: req.SaleItemID,
		Quantity:   req.Quantity,
	})
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newOrderResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	f, ok := orderFilter(w, r)
	if !ok {
		return
	}
	f.UserID = &userID

	orders, err := h.orders.ListOrders(r.Context(), f)
	if err != nil {
		h.writeError(w, r, "get orders", err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newOrdersResponse(orders))
}

// GetOrder возвращает заказ текущего пользователя. Чужой заказ неотличим от отсутствующего.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id, &userID)
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// ListOrders возвращает заказы всех пользователей с фильтрами.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	f, ok := orderFilter(w, r)
	if !ok {
		return
	}
	userID, err := queryUUID(r, "user_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed user_id"})
		return
	}
	f.UserID = userID

	orders, err := h.orders.ListOrders(r.Context(), f)
	if err != nil {
		h.writeError(w, r, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrdersResponse(orders))
}

// UpdateOrderStatus выполняет административный перевод заказа в другой статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req orderStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := h.orders.UpdateOrderStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeError(w, r, "update order status", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

func orderFilter(w http.ResponseWriter, r *http.Request) (model.OrderFilter, bool) {
	var f model.OrderFilter
	bad := func(field string) (model.OrderFilter, bool) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed " + field})
		return model.OrderFilter{}, false
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.OrderStatus(raw)
		if !st.Valid() {
			return bad("status")
		}
		f.Status = &st
	}

	var err error
	if f.SaleItemID, err = queryUUID(r, "sale_item_id"); err != nil {
		return bad("sale_item_id")
	}
	if f.From, err = queryTime(r, "from"); err != nil {
		return bad("from")
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return bad("to")
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil || f.Limit < 0 {
		return bad("limit")
	}
	return f, true
}
