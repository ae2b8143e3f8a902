package settlement

import (
	"fmt"

	"lv-futures/internal/model"
	"lv-futures/internal/types"

	"github.com/shopspring/decimal"
)

const (
	MinLeverage = 1
	MaxLeverage = 150

	// pricePlaces is the precision both prices are rounded to before the
	// movement is computed.
	pricePlaces = 4
)

var (
	hundred   = decimal.NewFromInt(100)
	priceTick = decimal.New(1, -pricePlaces)
)

// Evaluation is the result of running the settlement formula for one
// position against one price. It carries no decision; CloseOutcome and
// LiquidationOutcome turn it into one.
type Evaluation struct {
	Position     model.Position  `json:"-"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MovementPct  decimal.Decimal `json:"movement_pct"`
	Delta        decimal.Decimal `json:"delta"`
}

// Outcome is what the ledger persists on a terminal transition.
type Outcome struct {
	Status    types.PositionStatus `json:"status"`
	Profit    *decimal.Decimal     `json:"profit,omitempty"`
	Loss      *decimal.Decimal     `json:"loss,omitempty"`
	Payout    decimal.Decimal      `json:"payout"`
	ExitPrice decimal.Decimal      `json:"exit_price"`
}

// Validate checks the shape every ledger relies on: a terminal status,
// exactly one of profit or loss, and a payout that is never negative.
func (o Outcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("%w: outcome status %q is not terminal", ErrInvalidPosition, o.Status)
	}
	if (o.Profit == nil) == (o.Loss == nil) {
		return fmt.Errorf("%w: outcome must carry exactly one of profit or loss", ErrInvalidPosition)
	}
	if o.Payout.IsNegative() {
		return fmt.Errorf("%w: negative payout %s", ErrInvalidPosition, o.Payout)
	}
	if o.Status == types.PositionStatusCancelled && !o.Payout.IsZero() {
		return fmt.Errorf("%w: liquidation cannot pay out", ErrInvalidPosition)
	}
	return nil
}

// Validate rejects position data the formula cannot be applied to.
func Validate(p model.Position) error {
	if !p.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidPosition, p.Direction)
	}
	if p.Leverage < MinLeverage || p.Leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside [%d, %d]", ErrInvalidPosition, p.Leverage, MinLeverage, MaxLeverage)
	}
	if !p.Margin.GreaterThan(decimal.Zero) {
		return fmt.Errorf("%w: margin must be positive", ErrInvalidPosition)
	}
	if !p.EntryPrice.Round(pricePlaces).GreaterThan(decimal.Zero) {
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidPosition)
	}
	return nil
}

// Evaluate computes the price movement and the leveraged delta of a
// RUNNING position at currentPrice.
func Evaluate(p model.Position, currentPrice decimal.Decimal) (Evaluation, error) {
	if p.Status != types.PositionStatusRunning {
		return Evaluation{}, fmt.Errorf("%w: status %s", ErrAlreadySettled, p.Status)
	}
	if err := Validate(p); err != nil {
		return Evaluation{}, err
	}
	current := currentPrice.Round(pricePlaces)
	if !current.GreaterThan(decimal.Zero) {
		return Evaluation{}, fmt.Errorf("%w: non-positive price %s", ErrPriceUnavailable, currentPrice)
	}
	entry := p.EntryPrice.Round(pricePlaces)
	movement := current.Sub(entry).Div(entry).Mul(hundred)
	// lev * |move%| / 100 * margin with a single division, so the only
	// rounding happens last.
	delta := decimal.NewFromInt(int64(p.Leverage)).
		Mul(current.Sub(entry).Abs()).
		Mul(p.Margin).
		Div(entry)
	return Evaluation{
		Position:     p,
		EntryPrice:   entry,
		CurrentPrice: current,
		MovementPct:  movement,
		Delta:        delta,
	}, nil
}

func (e Evaluation) Flat() bool {
	return e.MovementPct.IsZero()
}

// Winning reports whether the price moved in the position's favour.
func (e Evaluation) Winning() bool {
	switch e.Position.Direction {
	case types.DirectionLong:
		return e.MovementPct.IsPositive()
	case types.DirectionShort:
		return e.MovementPct.IsNegative()
	}
	return false
}

func (e Evaluation) Losing() bool {
	return !e.Flat() && !e.Winning()
}

// Unrealized is the signed P/L of the evaluation: positive when winning,
// negative when losing, zero when flat.
func (e Evaluation) Unrealized() decimal.Decimal {
	switch {
	case e.Flat():
		return decimal.Zero
	case e.Winning():
		return e.Delta
	default:
		return e.Delta.Neg()
	}
}

// CloseOutcome settles a voluntary close. A win returns margin plus
// profit; a loss returns what is left of the margin, never less than zero.
func CloseOutcome(e Evaluation) (Outcome, error) {
	if e.Flat() {
		return Outcome{}, ErrNoPriceMovement
	}
	out := Outcome{Status: types.PositionStatusEnded, ExitPrice: e.CurrentPrice}
	delta := e.Delta
	if e.Winning() {
		out.Profit = &delta
		out.Payout = e.Position.Margin.Add(delta)
		return out, nil
	}
	out.Loss = &delta
	out.Payout = decimal.Max(e.Position.Margin.Sub(delta), decimal.Zero)
	return out, nil
}

// LiquidationOutcome reports whether a losing position has exhausted its
// margin. The reported loss is exactly the margin and nothing is paid out.
func LiquidationOutcome(e Evaluation) (Outcome, bool) {
	if !e.Losing() {
		return Outcome{}, false
	}
	if !marginExhausted(e) {
		return Outcome{}, false
	}
	loss := e.Position.Margin
	return Outcome{
		Status:    types.PositionStatusCancelled,
		Loss:      &loss,
		Payout:    decimal.Zero,
		ExitPrice: e.CurrentPrice,
	}, true
}

// marginExhausted compares delta >= margin without division:
// lev * |current - entry| >= entry.
func marginExhausted(e Evaluation) bool {
	lev := decimal.NewFromInt(int64(e.Position.Leverage))
	return !lev.Mul(e.CurrentPrice.Sub(e.EntryPrice).Abs()).LessThan(e.EntryPrice)
}

// LiquidationPrice is the first price on the tick grid at which the
// leveraged loss reaches the margin: entry*(lev-1)/lev rounded down for a
// long, entry*(lev+1)/lev rounded up for a short. Evaluating the position at
// the returned price always liquidates it.
func LiquidationPrice(p model.Position) (decimal.Decimal, error) {
	if err := Validate(p); err != nil {
		return decimal.Zero, err
	}
	lev := decimal.NewFromInt(int64(p.Leverage))
	entry := p.EntryPrice.Round(pricePlaces)
	if p.Direction == types.DirectionLong {
		q, _ := entry.Mul(lev.Sub(decimal.NewFromInt(1))).QuoRem(lev, pricePlaces)
		return q, nil
	}
	q, r := entry.Mul(lev.Add(decimal.NewFromInt(1))).QuoRem(lev, pricePlaces)
	if !r.IsZero() {
		q = q.Add(priceTick)
	}
	return q, nil
}
