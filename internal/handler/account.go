package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetAccount handles GET /api/accounts/{accountID}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.orders.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeAccount(acc))
}
