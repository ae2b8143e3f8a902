package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"lv-futures/internal/auth"
	"lv-futures/internal/config"
	"lv-futures/internal/db"
	"lv-futures/internal/events"
	"lv-futures/internal/health"
	"lv-futures/internal/httpserver"
	"lv-futures/internal/liquidation"
	"lv-futures/internal/logging"
	"lv-futures/internal/memory"
	"lv-futures/internal/metrics"
	"lv-futures/internal/positions"
	"lv-futures/internal/pricefeed"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.AppMode)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pool        *pgxpool.Pool
		ledger      positions.Ledger
		adjustments pricefeed.AdjustmentRepository
	)
	switch cfg.StoreDriver {
	case "memory":
		book := memory.NewBook()
		ledger, adjustments = book, book
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		pool, err = db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			logger.Fatal("connect database", zap.Error(err))
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate database", zap.Error(err))
		}
		ledger = positions.NewStore(pool)
		adjustments = pricefeed.NewAdjustmentStore(pool)
	}

	bus := events.NewBus()
	publisher := events.Publisher(bus)
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("kafka"))
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("close kafka writer", zap.Error(err))
			}
		}()
		publisher = events.Multi(bus, kafka)
		logger.Info("publishing position events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	publisher = events.WithTimeout(publisher, cfg.PublishTimeout)

	feed := pricefeed.NewBinanceTicker(cfg.PriceFeedURL, cfg.PriceTimeout)
	oracle := pricefeed.NewOracle(feed, adjustments, pricefeed.OracleOptions{
		Symbol:        cfg.PriceSymbol,
		Timeout:       cfg.PriceTimeout,
		AdjustmentTTL: cfg.AdjustmentTTL,
	}, logger.Named("pricefeed"))

	reg := metrics.New(pool)
	positionSvc := positions.NewService(ledger, oracle, publisher, logger.Named("positions"))
	sweeper := liquidation.NewSweeper(ledger, oracle, publisher, liquidation.Options{
		Interval:       cfg.SweepInterval,
		Concurrency:    cfg.SweepConcurrency,
		PublishTimeout: cfg.PublishTimeout,
		Recorder:       reg,
	}, logger.Named("liquidation"))

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:        auth.NewHandler(authSvc),
		PositionsHandler:   positions.NewHandler(positionSvc),
		PriceHandler:       pricefeed.NewHandler(oracle, adjustments),
		LiquidationHandler: liquidation.NewHandler(sweeper),
		HealthHandler:      health.NewHandler(pool, sweeper, time.Now(), cfg.StoreDriver, cfg.HTTPAddr),
		AuthService:        authSvc,
		InternalToken:      cfg.InternalToken,
		MetricsHandler:     reg.Handler(),
		WSHandler:          httpserver.NewWSHandler(bus, authSvc, cfg.WebSocketOrigin, logger.Named("ws")),
		Logger:             logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()
	go pricefeed.RunQuotePublisher(ctx, oracle, bus, cfg.QuoteInterval, logger.Named("quotes"))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver), zap.String("mode", cfg.AppMode))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", zap.Error(err))
		stop()
	}
	<-sweepDone
	logger.Info("shutdown complete")
}
