package liquidation

import (
	"errors"
	"net/http"

	"lv-futures/internal/httputil"
	"lv-futures/internal/settlement"
)

type Handler struct {
	sweeper *Sweeper
}

func NewHandler(sweeper *Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// Sweep runs one pass on demand for external schedulers.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, settlement.ErrPriceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}
