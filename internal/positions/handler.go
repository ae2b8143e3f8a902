package positions

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lv-futures/internal/httputil"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openRequest struct {
	Direction string `json:"direction"`
	Margin    string `json:"margin"`
	Leverage  int    `json:"leverage"`
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, userID string) {
	var req openRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	dir, ok := types.ParseDirection(req.Direction)
	if !ok {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "direction must be long or short"})
		return
	}
	margin, err := decimal.NewFromString(strings.TrimSpace(req.Margin))
	if err != nil || !margin.GreaterThan(decimal.Zero) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "valid margin is required"})
		return
	}
	if req.Leverage < settlement.MinLeverage || req.Leverage > settlement.MaxLeverage {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "leverage must be between 1 and 150"})
		return
	}
	p, err := h.svc.Open(r.Context(), OpenRequest{
		UserID:    userID,
		Direction: dir,
		Margin:    margin,
		Leverage:  req.Leverage,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID, positionID string) {
	res, err := h.svc.Close(r.Context(), userID, positionID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Running(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.svc.ListRunning(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, userID string) {
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "before must be RFC3339"})
			return
		}
		before = &t
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	out, err := h.svc.ListClosed(r.Context(), userID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Balances(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.svc.Balances(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

type depositRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Ref    string `json:"ref"`
}

// Deposit is an internal funding endpoint for the simulator.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	asset := types.AssetSymbol(strings.ToUpper(strings.TrimSpace(req.Asset)))
	if asset == "" {
		asset = types.AssetUSDT
	}
	if !asset.Valid() {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "asset must be USDT or BTC"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.GreaterThan(decimal.Zero) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "valid amount is required"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "user_id is required"})
		return
	}
	ref := req.Ref
	if ref == "" {
		ref = "deposit"
	}
	if err := h.svc.Deposit(r.Context(), req.UserID, asset, amount, ref); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "position not found"})
	case errors.Is(err, settlement.ErrAlreadySettled):
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "position already processed"})
	case errors.Is(err, settlement.ErrNoPriceMovement):
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "price has not moved since entry"})
	case errors.Is(err, settlement.ErrPriceUnavailable):
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "price unavailable"})
	case errors.Is(err, ErrInsufficientBalance):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "insufficient balance"})
	case errors.Is(err, settlement.ErrInvalidPosition):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
	}
}
