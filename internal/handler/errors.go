package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oolio-kart-loyalty/internal/domain/coupon"
	"github.com/xenking/oolio-kart-loyalty/internal/domain/order"
)

// classify maps a service error to an HTTP status and a stable reason.
func classify(err error) (int, string) {
	var itemErr *order.InvalidItemError
	switch {
	case errors.Is(err, order.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, order.ErrCouponAlreadyUsed):
		return http.StatusConflict, "coupon_already_used"
	case errors.Is(err, order.ErrOrderAlreadyFinal):
		return http.StatusConflict, "order_already_final"
	case errors.Is(err, order.ErrCancelNotAllowed):
		return http.StatusConflict, "cancel_not_allowed"
	case errors.Is(err, order.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, coupon.ErrCouponExpired):
		return http.StatusUnprocessableEntity, "coupon_expired"
	case errors.Is(err, coupon.ErrInvalidCoupon):
		return http.StatusUnprocessableEntity, "invalid_coupon"
	case errors.As(err, &itemErr):
		return http.StatusUnprocessableEntity, "invalid_item"
	case errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrPaymentMethodRequired),
		errors.Is(err, order.ErrInvalidStatus):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, order.ErrStorageCommit):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeServiceError responds with the mapped status. Internal details are
// logged, not returned.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classify(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal server error"
	case http.StatusServiceUnavailable:
		zctx.From(r.Context()).Warn("Storage unavailable", zap.Error(err))
		msg = "temporarily unavailable, retry the request"
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, reason, msg)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("reason", func(e *jx.Encoder) { e.Str(reason) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	writeJSON(w, status, &e)
}
