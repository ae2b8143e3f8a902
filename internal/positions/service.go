package positions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-futures/internal/events"
	"lv-futures/internal/model"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Service struct {
	ledger    Ledger
	prices    PriceSource
	publisher events.Publisher
	log       *zap.Logger
}

func NewService(ledger Ledger, prices PriceSource, publisher events.Publisher, log *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{ledger: ledger, prices: prices, publisher: publisher, log: log}
}

type OpenRequest struct {
	UserID    string
	Direction types.Direction
	Margin    decimal.Decimal
	Leverage  int
}

// CloseResult is the payout breakdown returned to the user.
type CloseResult struct {
	PositionID  string               `json:"position_id"`
	Status      types.PositionStatus `json:"status"`
	Profit      *decimal.Decimal     `json:"profit,omitempty"`
	Loss        *decimal.Decimal     `json:"loss,omitempty"`
	Payout      decimal.Decimal      `json:"payout"`
	EntryPrice  decimal.Decimal      `json:"entry_price"`
	ExitPrice   decimal.Decimal      `json:"exit_price"`
	MovementPct decimal.Decimal      `json:"movement_pct"`
}

// RunningView is a RUNNING position marked against the current price.
// The marks are omitted when no price is available.
type RunningView struct {
	model.Position
	CurrentPrice     *decimal.Decimal `json:"current_price,omitempty"`
	MovementPct      *decimal.Decimal `json:"growth,omitempty"`
	UnrealizedPnL    *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
}

func (s *Service) Open(ctx context.Context, req OpenRequest) (model.Position, error) {
	if req.UserID == "" {
		return model.Position{}, errors.New("missing user")
	}
	entry, err := s.prices.EffectivePrice(ctx)
	if err != nil {
		return model.Position{}, err
	}
	p := model.Position{
		UserID:     req.UserID,
		Direction:  req.Direction,
		Margin:     req.Margin,
		Leverage:   req.Leverage,
		EntryPrice: entry,
		Status:     types.PositionStatusRunning,
	}
	if err := settlement.Validate(p); err != nil {
		return model.Position{}, err
	}
	p, err = s.ledger.Open(ctx, p)
	if err != nil {
		return model.Position{}, err
	}
	s.log.Info("position opened",
		zap.String("position_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("direction", string(p.Direction)),
		zap.Stringer("margin", p.Margin),
		zap.Int("leverage", p.Leverage),
		zap.Stringer("entry_price", p.EntryPrice),
	)
	s.publish(ctx, events.TypePositionOpened, p)
	return p, nil
}

// Close settles a RUNNING position at the current effective price and
// credits the payout to the owner's USDT balance.
func (s *Service) Close(ctx context.Context, userID, positionID string) (CloseResult, error) {
	p, err := s.ledger.Get(ctx, positionID)
	if err != nil {
		return CloseResult{}, err
	}
	if p.UserID != userID {
		return CloseResult{}, settlement.ErrNotFound
	}
	if p.Status != types.PositionStatusRunning {
		return CloseResult{}, fmt.Errorf("%w: status %s", settlement.ErrAlreadySettled, p.Status)
	}
	price, err := s.prices.EffectivePrice(ctx)
	if err != nil {
		return CloseResult{}, err
	}
	ev, err := settlement.Evaluate(p, price)
	if err != nil {
		return CloseResult{}, err
	}
	out, err := settlement.CloseOutcome(ev)
	if err != nil {
		return CloseResult{}, err
	}
	settled, err := s.ledger.ApplySettlement(ctx, p.ID, out)
	if err != nil {
		return CloseResult{}, err
	}
	s.log.Info("position closed",
		zap.String("position_id", settled.ID),
		zap.String("user_id", settled.UserID),
		zap.Stringer("exit_price", out.ExitPrice),
		zap.Stringer("movement_pct", ev.MovementPct),
		zap.Stringer("payout", out.Payout),
	)
	s.publish(ctx, events.TypePositionClosed, settled)
	return CloseResult{
		PositionID:  settled.ID,
		Status:      settled.Status,
		Profit:      out.Profit,
		Loss:        out.Loss,
		Payout:      out.Payout,
		EntryPrice:  ev.EntryPrice,
		ExitPrice:   out.ExitPrice,
		MovementPct: ev.MovementPct,
	}, nil
}

// ListRunning marks the user's RUNNING positions against one price
// snapshot. A price outage still lists the positions, unmarked.
func (s *Service) ListRunning(ctx context.Context, userID string) ([]RunningView, error) {
	open, err := s.ledger.ListOpen(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]RunningView, 0, len(open))
	if len(open) == 0 {
		return out, nil
	}
	price, priceErr := s.prices.EffectivePrice(ctx)
	if priceErr != nil {
		s.log.Warn("listing positions without marks", zap.String("user_id", userID), zap.Error(priceErr))
	}
	for _, p := range open {
		view := RunningView{Position: p}
		if liq, err := settlement.LiquidationPrice(p); err == nil {
			view.LiquidationPrice = &liq
		}
		if priceErr == nil {
			if ev, err := settlement.Evaluate(p, price); err == nil {
				cur, pct, pnl := ev.CurrentPrice, ev.MovementPct, ev.Unrealized()
				view.CurrentPrice, view.MovementPct, view.UnrealizedPnL = &cur, &pct, &pnl
			}
		}
		out = append(out, view)
	}
	return out, nil
}

func (s *Service) ListClosed(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	out, err := s.ledger.ListClosed(ctx, userID, before, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Position{}
	}
	return out, nil
}

func (s *Service) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	return s.ledger.Balances(ctx, userID)
}

func (s *Service) Deposit(ctx context.Context, userID string, asset types.AssetSymbol, amount decimal.Decimal, ref string) error {
	if userID == "" {
		return errors.New("missing user")
	}
	return s.ledger.Deposit(ctx, userID, asset, amount, ref)
}

func (s *Service) publish(ctx context.Context, typ string, p model.Position) {
	if err := s.publisher.Publish(ctx, events.Event{Type: typ, UserID: p.UserID, Data: p}); err != nil {
		s.log.Warn("publish position event", zap.String("type", typ), zap.String("position_id", p.ID), zap.Error(err))
	}
}
