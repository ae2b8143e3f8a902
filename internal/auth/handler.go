package auth

import (
	"net/http"

	"lv-futures/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type meResponse struct {
	UserID string `json:"user_id"`
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, meResponse{UserID: userID})
}
