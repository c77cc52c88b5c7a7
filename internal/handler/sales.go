package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/flashsale-system/internal/model"
	"github.com/mmeshcher/flashsale-system/internal/service"
)

type productRequest struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	TotalPhysicalStock int             `json:"total_physical_stock"`
	BasePrice          decimal.Decimal `json:"base_price"`
}

type productResponse struct {
	ID                 uuid.UUID       `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	TotalPhysicalStock int             `json:"total_physical_stock"`
	ReservedCount      int             `json:"reserved_count"`
	BasePrice          decimal.Decimal `json:"base_price"`
	CreatedAt          time.Time       `json:"created_at"`
}

type saleItemRequest struct {
	ProductID      uuid.UUID       `json:"product_id"`
	AllocatedStock int             `json:"allocated_stock"`
	SalePrice      decimal.Decimal `json:"sale_price"`
}

type createSaleRequest struct {
	Title     string            `json:"title"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Items     []saleItemRequest `json:"items"`
}

type updateSaleRequest struct {
	Title     *string    `json:"title"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

type updateItemRequest struct {
	AllocatedStock *int             `json:"allocated_stock"`
	SalePrice      *decimal.Decimal `json:"sale_price"`
}

type saleItemResponse struct {
	ID             uuid.UUID       `json:"id"`
	ProductID      uuid.UUID       `json:"product_id"`
	AllocatedStock int             `json:"allocated_stock"`
	SoldCount      int             `json:"sold_count"`
	SalePrice      decimal.Decimal `json:"sale_price"`
}

type saleResponse struct {
	ID        uuid.UUID          `json:"id"`
	Title     string             `json:"title"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
	Status    model.SaleStatus   `json:"status"`
	Items     []saleItemResponse `json:"items,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

func (it saleItemRequest) input() service.SaleItemInput {
	return service.SaleItemInput{
		ProductID:      it.ProductID,
		AllocatedStock: it.AllocatedStock,
		SalePrice:      it.SalePrice,
	}
}

func newSaleResponse(s *model.Sale) saleResponse {
	resp := saleResponse{
		ID:        s.ID,
		Title:     s.Title,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
	}
	for _, it := range s.Items {
		resp.Items = append(resp.Items, saleItemResponse{
			ID:             it.ID,
			ProductID:      it.ProductID,
			AllocatedStock: it.AllocatedStock,
			SoldCount:      it.SoldCount,
			SalePrice:      it.SalePrice,
		})
	}
	return resp
}

// CreateProduct добавляет товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.sales.CreateProduct(r.Context(), service.CreateProductInput{
		Name:               req.Name,
		Description:        req.Description,
		TotalPhysicalStock: req.TotalPhysicalStock,
		BasePrice:          req.BasePrice,
	})
	if err != nil {
		h.writeError(w, r, "create product", err)
		return
	}

	writeJSON(w, http.StatusCreated, productResponse{
		ID:                 p.ID,
		Name:               p.Name,
		Description:        p.Description,
		TotalPhysicalStock: p.TotalPhysicalStock,
		ReservedCount:      p.ReservedCount,
		BasePrice:          p.BasePrice,
		CreatedAt:          p.CreatedAt,
	})
}

// CreateSale создаёт распродажу в статусе DRAFT и резервирует остатки позиций.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := service.CreateSaleInput{
		Title:     req.Title,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, it.input())
	}

	sale, err := h.sales.CreateSale(r.Context(), in)
	if err != nil {
		h.writeError(w, r, "create sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, newSaleResponse(sale))
}

// ListSales возвращает распродажи с фильтром по статусу и моменту активности.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	var f model.SaleFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.SaleStatus(raw)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown sale status"})
			return
		}
		f.Status = &st
	}
	activeAt, err := queryTime(r, "active_at")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed active_at"})
		return
	}
	f.ActiveAt = activeAt

	sales, err := h.sales.ListSales(r.Context(), f)
	if err != nil {
		h.writeError(w, r, "list sales", err)
		return
	}

	resp := make([]saleResponse, 0, len(sales))
	for i := range sales {
		resp = append(resp, newSaleResponse(&sales[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSale возвращает распродажу с позициями.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sale, err := h.sales.GetSale(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get sale", err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

// UpdateSale меняет название или окно распродажи в статусе DRAFT.
func (h *Handler) UpdateSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateSaleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sale, err := h.sales.UpdateSale(r.Context(), id, service.UpdateSaleInput{
		Title:     req.Title,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		h.writeError(w, r, "update sale", err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

// DeleteSale удаляет черновик распродажи.
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.sales.DeleteSale(r.Context(), id); err != nil {
		h.writeError(w, r, "delete sale", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelSale отменяет распродажу и возвращает невыкупленные остатки.
func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sale, err := h.sales.CancelSale(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "cancel sale", err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

// AddItem добавляет позицию в черновик распродажи.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req saleItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sale, err := h.sales.AddItem(r.Context(), id, req.input())
	if err != nil {
		h.writeError(w, r, "add sale item", err)
		return
	}
	writeJSON(w, http.StatusCreated, newSaleResponse(sale))
}

// UpdateItem меняет объём или цену позиции.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}
	var req updateItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sale, err := h.sales.UpdateItem(r.Context(), id, itemID, service.UpdateItemInput{
		AllocatedStock: req.AllocatedStock,
		SalePrice:      req.SalePrice,
	})
	if err != nil {
		h.writeError(w, r, "update sale item", err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

// RemoveItem удаляет позицию и возвращает её резерв товару.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}

	sale, err := h.sales.RemoveItem(r.Context(), id, itemID)
	if err != nil {
		h.writeError(w, r, "remove sale item", err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}
