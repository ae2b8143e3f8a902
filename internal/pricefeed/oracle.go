package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lv-futures/internal/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Feed interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// AdjustmentSource supplies the admin-configured offset added to the raw
// feed price.
type AdjustmentSource interface {
	CurrentAdjustment(ctx context.Context) (decimal.Decimal, error)
}

type Quote struct {
	Symbol     string          `json:"symbol"`
	Raw        decimal.Decimal `json:"raw"`
	Adjustment decimal.Decimal `json:"adjustment"`
	Effective  decimal.Decimal `json:"effective"`
	Timestamp  int64           `json:"ts"`
}

type OracleOptions struct {
	Symbol        string
	Timeout       time.Duration
	AdjustmentTTL time.Duration
}

// Oracle combines the feed price with the cached adjustment. A failure of
// either side is reported as settlement.ErrPriceUnavailable; no previous
// price is ever substituted.
type Oracle struct {
	feed        Feed
	adjustments AdjustmentSource
	symbol      string
	timeout     time.Duration
	ttl         time.Duration
	log         *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	adj       decimal.Decimal
	adjLoaded time.Time
}

func NewOracle(feed Feed, adjustments AdjustmentSource, opts OracleOptions, log *zap.Logger) *Oracle {
	if opts.Symbol == "" {
		opts.Symbol = DefaultSymbol
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Oracle{
		feed:        feed,
		adjustments: adjustments,
		symbol:      opts.Symbol,
		timeout:     opts.Timeout,
		ttl:         opts.AdjustmentTTL,
		log:         log,
		now:         time.Now,
	}
}

func (o *Oracle) EffectivePrice(ctx context.Context) (decimal.Decimal, error) {
	q, err := o.Quote(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Effective, nil
}

func (o *Oracle) Quote(ctx context.Context) (Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	raw, err := o.feed.Price(ctx, o.symbol)
	if err != nil {
		o.log.Warn("price feed unavailable", zap.String("symbol", o.symbol), zap.Error(err))
		return Quote{}, fmt.Errorf("%w: feed: %v", settlement.ErrPriceUnavailable, err)
	}
	if !raw.GreaterThan(decimal.Zero) {
		return Quote{}, fmt.Errorf("%w: feed returned %s", settlement.ErrPriceUnavailable, raw)
	}
	adj, err := o.adjustment(ctx)
	if err != nil {
		o.log.Warn("price adjustment unavailable", zap.Error(err))
		return Quote{}, fmt.Errorf("%w: adjustment: %v", settlement.ErrPriceUnavailable, err)
	}
	effective := raw.Add(adj)
	if !effective.GreaterThan(decimal.Zero) {
		return Quote{}, fmt.Errorf("%w: effective price %s is not positive", settlement.ErrPriceUnavailable, effective)
	}
	return Quote{
		Symbol:     o.symbol,
		Raw:        raw,
		Adjustment: adj,
		Effective:  effective,
		Timestamp:  o.now().UnixMilli(),
	}, nil
}

func (o *Oracle) adjustment(ctx context.Context) (decimal.Decimal, error) {
	if o.adjustments == nil {
		return decimal.Zero, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ttl > 0 && !o.adjLoaded.IsZero() && o.now().Sub(o.adjLoaded) < o.ttl {
		return o.adj, nil
	}
	adj, err := o.adjustments.CurrentAdjustment(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	o.adj = adj
	o.adjLoaded = o.now()
	return adj, nil
}

// Invalidate drops the cached adjustment so the next quote reloads it.
func (o *Oracle) Invalidate() {
	o.mu.Lock()
	o.adjLoaded = time.Time{}
	o.mu.Unlock()
}
