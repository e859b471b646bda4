// Package handler exposes the order and loyalty engine over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/account"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

// HeaderIdempotencyKey lets a client retry a checkout without placing a
// second order.
const HeaderIdempotencyKey = "Idempotency-Key"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// OrderService is the order lifecycle used by the handlers.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status order.Status) (*order.Order, error)
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	GetAccount(ctx context.Context, accountID string) (*account.Account, error)
}

// IdempotencyStore remembers which order a checkout key produced. Reserve
// returns reserved=false with an empty ID while another request holds the
// key.
type IdempotencyStore interface {
	Reserve(ctx context.Context, accountID, key string) (orderID string, reserved bool, err error)
	Complete(ctx context.Context, accountID, key, orderID string) error
	Release(ctx context.Context, accountID, key string) error
}

var _ OrderService = (*order.Service)(nil)

// Handler serves the /api routes.
type Handler struct {
	orders OrderService
	idem   IdempotencyStore
}

// NewHandler creates a Handler. idem may be nil, which disables
// Idempotency-Key support.
func NewHandler(orders OrderService, idem IdempotencyStore) *Handler {
	return &Handler{orders: orders, idem: idem}
}

// Mount registers the API under /api on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not_found", "route not found")
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		})

		r.Post("/accounts/{accountID}/orders", h.PlaceOrder)
		r.Get("/accounts/{accountID}", h.GetAccount)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Put("/orders/{orderID}/status", h.SetOrderStatus)
	})
}
