package httpserver

import (
	"net/http"

	"lv-futures/internal/auth"
	"lv-futures/internal/health"
	"lv-futures/internal/liquidation"
	"lv-futures/internal/positions"
	"lv-futures/internal/pricefeed"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterDeps struct {
	AuthHandler        *auth.Handler
	PositionsHandler   *positions.Handler
	PriceHandler       *pricefeed.Handler
	LiquidationHandler *liquidation.Handler
	HealthHandler      *health.Handler
	AuthService        *auth.Service
	InternalToken      string
	MetricsHandler     http.Handler
	WSHandler          http.Handler
	Logger             *zap.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))
	r.Use(SecurityHeaders)
	r.Use(NewRateLimiter(10, 30).Middleware)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/price", d.PriceHandler.Price)
		r.Get("/ws", d.WSHandler.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/me", withUser(d.AuthHandler.Me))
			r.Get("/balances", withUser(d.PositionsHandler.Balances))
			r.Post("/positions", withUser(d.PositionsHandler.Open))
			r.Get("/positions", withUser(d.PositionsHandler.Running))
			r.Get("/positions/history", withUser(d.PositionsHandler.History))
			r.Post("/positions/{id}/close", withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
				d.PositionsHandler.Close(w, r, userID, chi.URLParam(r, "id"))
			}))
		})
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Put("/positions/sweep", d.LiquidationHandler.Sweep)
			r.Post("/deposits", d.PositionsHandler.Deposit)
			r.Post("/price-adjustments", d.PriceHandler.RecordAdjustment)
			r.Get("/price-adjustments", d.PriceHandler.ListAdjustments)
			r.Get("/health", d.HealthHandler.Full)
			if d.MetricsHandler != nil {
				r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
			}
		})
	})
	return r
}
