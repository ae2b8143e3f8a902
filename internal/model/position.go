package model

import (
	"time"

	"lv-futures/internal/types"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID         string               `json:"id"`
	UserID     string               `json:"user_id"`
	Direction  types.Direction      `json:"direction"`
	Margin     decimal.Decimal      `json:"margin"`
	Leverage   int                  `json:"leverage"`
	EntryPrice decimal.Decimal      `json:"entry_price"`
	Status     types.PositionStatus `json:"status"`
	Profit     *decimal.Decimal     `json:"profit,omitempty"`
	Loss       *decimal.Decimal     `json:"loss,omitempty"`
	Payout     *decimal.Decimal     `json:"payout,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	SettledAt  *time.Time           `json:"settled_at,omitempty"`
}

type Balance struct {
	Asset  types.AssetSymbol `json:"asset"`
	Amount decimal.Decimal   `json:"amount"`
}

type BalanceEntry struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Asset     types.AssetSymbol `json:"asset"`
	Amount    decimal.Decimal   `json:"amount"`
	EntryType types.EntryType   `json:"entry_type"`
	Ref       string            `json:"ref"`
	Sequence  int64             `json:"sequence"`
	Hash      string            `json:"hash"`
	CreatedAt time.Time         `json:"created_at"`
}

type PriceAdjustment struct {
	ID         string          `json:"id"`
	Adjustment decimal.Decimal `json:"adjustment"`
	CreatedAt  time.Time       `json:"created_at"`
}
