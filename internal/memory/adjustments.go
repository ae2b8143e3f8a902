package memory

import (
	"context"
	"strconv"
	"time"

	"lv-futures/internal/model"

	"github.com/shopspring/decimal"
)

func (b *Book) CurrentAdjustment(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.adjustments) == 0 {
		return decimal.Zero, nil
	}
	return b.adjustments[len(b.adjustments)-1].Adjustment, nil
}

func (b *Book) RecordAdjustment(ctx context.Context, adj decimal.Decimal) (model.PriceAdjustment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextAdjID++
	rec := model.PriceAdjustment{
		ID:         strconv.FormatInt(b.nextAdjID, 10),
		Adjustment: adj,
		CreatedAt:  time.Now().UTC(),
	}
	b.adjustments = append(b.adjustments, rec)
	return rec, nil
}

func (b *Book) ListAdjustments(ctx context.Context, limit int) ([]model.PriceAdjustment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.PriceAdjustment, 0, limit)
	for i := len(b.adjustments) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.adjustments[i])
	}
	return out, nil
}
