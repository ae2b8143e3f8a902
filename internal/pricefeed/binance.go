package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	BinanceAPIURL = "https://api.binance.com"
	DefaultSymbol = "BTCUSDT"
)

// BinanceTicker reads the last traded price from the public spot ticker.
type BinanceTicker struct {
	client  *http.Client
	baseURL string
}

func NewBinanceTicker(baseURL string, timeout time.Duration) *BinanceTicker {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = BinanceAPIURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BinanceTicker{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (bt *BinanceTicker) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		symbol = DefaultSymbol
	}
	reqURL := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", bt.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := bt.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("binance API error %d: %s", resp.StatusCode, body)
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse response: %w", err)
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price for %s: %q", symbol, ticker.Price)
	}
	return price, nil
}
