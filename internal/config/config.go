package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr         string
	StoreDriver      string
	DBDSN            string
	JWTIssuer        string
	JWTSecret        string
	JWTTTL           time.Duration
	InternalToken    string
	WebSocketOrigin  string
	AppMode          string
	PriceFeedURL     string
	PriceSymbol      string
	PriceTimeout     time.Duration
	AdjustmentTTL    time.Duration
	SweepInterval    time.Duration
	SweepConcurrency int
	QuoteInterval    time.Duration
	PublishTimeout   time.Duration
	KafkaBrokers     []string
	KafkaTopic       string
}

// LoadDotEnv reads a .env file when present. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load() (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if c.StoreDriver == "" {
		c.StoreDriver = "postgres"
	}
	if c.StoreDriver != "postgres" && c.StoreDriver != "memory" {
		return c, errors.New("invalid STORE_DRIVER: use postgres or memory")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" && c.StoreDriver == "postgres" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	var err error
	if c.JWTTTL, err = duration("JWT_TTL", 24*time.Hour); err != nil {
		return c, err
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	c.AppMode = strings.ToLower(strings.TrimSpace(os.Getenv("APP_MODE")))
	if c.AppMode == "" {
		c.AppMode = "development"
	}
	if c.AppMode != "development" && c.AppMode != "production" {
		return c, errors.New("invalid APP_MODE: use development or production")
	}
	if c.AppMode == "production" && c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	c.PriceFeedURL = os.Getenv("PRICE_FEED_URL")
	if c.PriceFeedURL == "" {
		c.PriceFeedURL = "https://api.binance.com"
	}
	c.PriceSymbol = strings.ToUpper(strings.TrimSpace(os.Getenv("PRICE_SYMBOL")))
	if c.PriceSymbol == "" {
		c.PriceSymbol = "BTCUSDT"
	}
	if c.PriceTimeout, err = duration("PRICE_TIMEOUT", 5*time.Second); err != nil {
		return c, err
	}
	if c.AdjustmentTTL, err = duration("ADJUSTMENT_TTL", 5*time.Second); err != nil {
		return c, err
	}
	if c.SweepInterval, err = duration("SWEEP_INTERVAL", 10*time.Second); err != nil {
		return c, err
	}
	c.SweepConcurrency = 8
	if raw := strings.TrimSpace(os.Getenv("SWEEP_CONCURRENCY")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c, errors.New("invalid SWEEP_CONCURRENCY")
		}
		c.SweepConcurrency = n
	}
	if c.QuoteInterval, err = duration("QUOTE_INTERVAL", 2*time.Second); err != nil {
		return c, err
	}
	if c.PublishTimeout, err = duration("EVENT_PUBLISH_TIMEOUT", 2*time.Second); err != nil {
		return c, err
	}
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			c.KafkaBrokers = append(c.KafkaBrokers, b)
		}
	}
	c.KafkaTopic = os.Getenv("KAFKA_TOPIC")
	if c.KafkaTopic == "" {
		c.KafkaTopic = "positions.events"
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}

func duration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + err.Error())
	}
	if d <= 0 {
		return 0, errors.New("invalid " + key + ": must be positive")
	}
	return d, nil
}
