package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

// settleTimeout bounds the idempotency write after the checkout finished.
const settleTimeout = 2 * time.Second

// PlaceOrder handles POST /api/accounts/{accountID}/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "read body: "+err.Error())
		return
	}
	body, err := decodePlaceOrder(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && h.idem != nil {
		orderID, reserved, err := h.idem.Reserve(ctx, accountID, key)
		switch {
		case err != nil:
			// Checkout stays available without the cache.
			zctx.From(ctx).Warn("Reserve idempotency key", zap.Error(err))
			key = ""
		case !reserved && orderID == "":
			writeError(w, http.StatusConflict, "request_in_progress",
				"a request with this idempotency key is in progress")
			return
		case !reserved:
			o, err := h.orders.GetOrder(ctx, orderID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeOrder(w, http.StatusCreated, o)
			return
		}
	} else {
		key = ""
	}

	o, err := h.orders.PlaceOrder(ctx, order.PlaceOrderRequest{
		AccountID:     accountID,
		Items:         body.Items,
		CouponCode:    body.CouponCode,
		PaymentMethod: order.PaymentMethod(body.PaymentMethod),
		UseCredits:    body.UseCredits,
	})
	if key != "" {
		h.settleKey(r, accountID, key, o, err)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOrder(w, http.StatusCreated, o)
}

// settleKey binds the key to the new order, or frees it when the checkout
// failed so the client can retry. It outlives the request: a client that
// disconnected after commit must still be able to replay its order.
func (h *Handler) settleKey(r *http.Request, accountID, key string, o *order.Order, placeErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), settleTimeout)
	defer cancel()
	var err error
	if placeErr != nil {
		err = h.idem.Release(ctx, accountID, key)
	} else {
		err = h.idem.Complete(ctx, accountID, key, o.ID)
	}
	if err != nil {
		zctx.From(ctx).Warn("Settle idempotency key", zap.Error(err))
	}
}

// GetOrder handles GET /api/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

// SetOrderStatus handles PUT /api/orders/{orderID}/status.
func (h *Handler) SetOrderStatus(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "read body: "+err.Error())
		return
	}
	raw, err := decodeStatus(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_request", err.Error())
		return
	}
	status, err := order.ParseStatus(raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	o, err := h.orders.SetOrderStatus(r.Context(), chi.URLParam(r, "orderID"), status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}
