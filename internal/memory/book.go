package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lv-futures/internal/model"
	"lv-futures/internal/positions"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Book is an in-process positions.Ledger. A single mutex makes every
// operation atomic, which gives the same guarantees as the Postgres
// store's row locks.
type Book struct {
	mu          sync.Mutex
	positions   map[string]*model.Position
	balances    map[string]map[types.AssetSymbol]decimal.Decimal
	entries     []model.BalanceEntry
	adjustments []model.PriceAdjustment
	nextAdjID   int64

	// creditHook runs before a payout credit is committed and can veto the
	// whole settlement. Only tests set it.
	creditHook func(userID string, amount decimal.Decimal) error
}

func NewBook() *Book {
	return &Book{
		positions: make(map[string]*model.Position),
		balances:  make(map[string]map[types.AssetSymbol]decimal.Decimal),
	}
}

func clonePosition(p *model.Position) model.Position {
	out := *p
	if p.Profit != nil {
		v := *p.Profit
		out.Profit = &v
	}
	if p.Loss != nil {
		v := *p.Loss
		out.Loss = &v
	}
	if p.Payout != nil {
		v := *p.Payout
		out.Payout = &v
	}
	if p.SettledAt != nil {
		v := *p.SettledAt
		out.SettledAt = &v
	}
	return out
}

func (b *Book) balance(userID string, asset types.AssetSymbol) decimal.Decimal {
	return b.balances[userID][asset]
}

// setBalance must be called with mu held.
func (b *Book) setBalance(userID string, asset types.AssetSymbol, amount decimal.Decimal, delta decimal.Decimal, entryType types.EntryType, ref string) {
	if b.balances[userID] == nil {
		b.balances[userID] = make(map[types.AssetSymbol]decimal.Decimal)
	}
	b.balances[userID][asset] = amount
	prev := ""
	if n := len(b.entries); n > 0 {
		prev = b.entries[n-1].Hash
	}
	e := model.BalanceEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Asset:     asset,
		Amount:    delta,
		EntryType: entryType,
		Ref:       ref,
		Sequence:  int64(len(b.entries) + 1),
		CreatedAt: time.Now().UTC(),
	}
	e.Hash = positions.EntryHash(e.ID, userID, asset, delta, entryType, e.Sequence, prev)
	b.entries = append(b.entries, e)
}

func (b *Book) Open(ctx context.Context, p model.Position) (model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	available := b.balance(p.UserID, types.AssetUSDT)
	if available.LessThan(p.Margin) {
		return p, positions.ErrInsufficientBalance
	}
	p.ID = uuid.NewString()
	p.Status = types.PositionStatusRunning
	p.CreatedAt = time.Now().UTC()
	p.Profit, p.Loss, p.Payout, p.SettledAt = nil, nil, nil, nil
	stored := p
	b.positions[p.ID] = &stored
	b.setBalance(p.UserID, types.AssetUSDT, available.Sub(p.Margin), p.Margin.Neg(), types.EntryTypePositionOpen, "position:"+p.ID)
	return clonePosition(&stored), nil
}

func (b *Book) Get(ctx context.Context, id string) (model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return model.Position{}, settlement.ErrNotFound
	}
	return clonePosition(p), nil
}

func (b *Book) list(match func(p *model.Position) bool) []model.Position {
	var out []model.Position
	for _, p := range b.positions {
		if match(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (b *Book) ListOpen(ctx context.Context, userID string) ([]model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.list(func(p *model.Position) bool {
		return p.Status == types.PositionStatusRunning && (userID == "" || p.UserID == userID)
	}), nil
}

// ListClosed pages settled positions newest settlement first; before is a
// settled_at cursor.
func (b *Book) ListClosed(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.list(func(p *model.Position) bool {
		if p.UserID != userID || p.Status == types.PositionStatusRunning || p.SettledAt == nil {
			return false
		}
		return before == nil || p.SettledAt.Before(*before)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SettledAt.After(*out[j].SettledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Book) ApplySettlement(ctx context.Context, id string, out settlement.Outcome) (model.Position, error) {
	if err := out.Validate(); err != nil {
		return model.Position{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return model.Position{}, settlement.ErrNotFound
	}
	if p.Status != types.PositionStatusRunning {
		return clonePosition(p), fmt.Errorf("%w: status %s", settlement.ErrAlreadySettled, p.Status)
	}
	payout := out.Payout
	if payout.GreaterThan(decimal.Zero) && b.creditHook != nil {
		if err := b.creditHook(p.UserID, payout); err != nil {
			return clonePosition(p), fmt.Errorf("failed to credit payout: %w", err)
		}
	}
	settledAt := time.Now().UTC()
	p.Status = out.Status
	p.Profit, p.Loss = nil, nil
	if out.Profit != nil {
		v := *out.Profit
		p.Profit = &v
	}
	if out.Loss != nil {
		v := *out.Loss
		p.Loss = &v
	}
	p.Payout = &payout
	p.SettledAt = &settledAt
	if payout.GreaterThan(decimal.Zero) {
		b.setBalance(p.UserID, types.AssetUSDT, b.balance(p.UserID, types.AssetUSDT).Add(payout), payout, types.EntryTypePositionPayout, "position:"+p.ID)
	}
	return clonePosition(p), nil
}

func (b *Book) Balances(ctx context.Context, userID string) ([]model.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return []model.Balance{
		{Asset: types.AssetUSDT, Amount: b.balance(userID, types.AssetUSDT)},
		{Asset: types.AssetBTC, Amount: b.balance(userID, types.AssetBTC)},
	}, nil
}

func (b *Book) Deposit(ctx context.Context, userID string, asset types.AssetSymbol, amount decimal.Decimal, ref string) error {
	if !amount.GreaterThan(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	if !asset.Valid() {
		return fmt.Errorf("unsupported asset %q", asset)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setBalance(userID, asset, b.balance(userID, asset).Add(amount), amount, types.EntryTypeDeposit, ref)
	return nil
}

// Entries returns a copy of the balance audit trail.
func (b *Book) Entries() []model.BalanceEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.BalanceEntry, len(b.entries))
	copy(out, b.entries)
	return out
}
