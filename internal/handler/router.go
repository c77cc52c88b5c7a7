package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/flashsale-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса распродаж.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/session", h.CreateSession)

	r.Route("/api/orders", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/", h.CreateOrder)
		r.Get("/", h.GetOrders)
		r.Get("/{id}", h.GetOrder)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.RequireAdmin)

		r.Post("/products", h.CreateProduct)

		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.CreateSale)
			r.Get("/", h.ListSales)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSale)
				r.Patch("/", h.UpdateSale)
				r.Delete("/", h.DeleteSale)
				r.Post("/cancel", h.CancelSale)
				r.Post("/items", h.AddItem)
				r.Patch("/items/{itemID}", h.UpdateItem)
				r.Delete("/items/{itemID}", h.RemoveItem)
			})
		})

		r.Get("/orders", h.ListOrders)
		r.Put("/orders/{id}/status", h.UpdateOrderStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
