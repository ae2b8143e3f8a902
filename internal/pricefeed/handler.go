package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"lv-futures/internal/httputil"
	"lv-futures/internal/model"
	"lv-futures/internal/settlement"

	"github.com/shopspring/decimal"
)

type AdjustmentRepository interface {
	AdjustmentSource
	RecordAdjustment(ctx context.Context, adj decimal.Decimal) (model.PriceAdjustment, error)
	ListAdjustments(ctx context.Context, limit int) ([]model.PriceAdjustment, error)
}

type Handler struct {
	oracle *Oracle
	repo   AdjustmentRepository
}

func NewHandler(oracle *Oracle, repo AdjustmentRepository) *Handler {
	return &Handler{oracle: oracle, repo: repo}
}

func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	q, err := h.oracle.Quote(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, settlement.ErrPriceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: "price unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, q)
}

type adjustmentRequest struct {
	Adjustment string `json:"adjustment"`
}

func (h *Handler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	adj, err := decimal.NewFromString(req.Adjustment)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "valid adjustment amount is required"})
		return
	}
	rec, err := h.repo.RecordAdjustment(r.Context(), adj)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	h.oracle.Invalidate()
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid limit"})
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}
	items, err := h.repo.ListAdjustments(r.Context(), limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if items == nil {
		items = []model.PriceAdjustment{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"adjustments": items})
}
