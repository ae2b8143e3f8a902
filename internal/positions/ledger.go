package positions

import (
	"context"
	"errors"
	"time"

	"lv-futures/internal/model"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger owns positions and the per-user USDT/BTC balances. Every balance
// mutation goes through it, and ApplySettlement changes a position and
// its owner's balance as one unit.
type Ledger interface {
	Open(ctx context.Context, p model.Position) (model.Position, error)
	Get(ctx context.Context, id string) (model.Position, error)
	// ListOpen returns RUNNING positions; an empty userID lists them system-wide.
	ListOpen(ctx context.Context, userID string) ([]model.Position, error)
	ListClosed(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Position, error)
	// ApplySettlement fails with settlement.ErrAlreadySettled, leaving
	// everything untouched, when the position is no longer RUNNING.
	ApplySettlement(ctx context.Context, id string, out settlement.Outcome) (model.Position, error)
	Balances(ctx context.Context, userID string) ([]model.Balance, error)
	Deposit(ctx context.Context, userID string, asset types.AssetSymbol, amount decimal.Decimal, ref string) error
}

// PriceSource is the part of the price oracle the position flows need.
type PriceSource interface {
	EffectivePrice(ctx context.Context) (decimal.Decimal, error)
}
