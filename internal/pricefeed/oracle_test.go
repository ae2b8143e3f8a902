package pricefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-futures/internal/settlement"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	price decimal.Decimal
	err   error
}

func (f *stubFeed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, f.err
}

type stubAdjustments struct {
	adj   decimal.Decimal
	err   error
	calls int
}

func (s *stubAdjustments) CurrentAdjustment(ctx context.Context) (decimal.Decimal, error) {
	s.calls++
	return s.adj, s.err
}

func TestOracle_AppliesSignedAdjustment(t *testing.T) {
	tests := []struct {
		adj  string
		want string
	}{
		{"250", "50250"},
		{"-250", "49750"},
		{"0", "50000"},
	}
	for _, tt := range tests {
		o := NewOracle(&stubFeed{price: decimal.NewFromInt(50000)}, &stubAdjustments{adj: decimal.RequireFromString(tt.adj)}, OracleOptions{}, nil)
		got, err := o.EffectivePrice(context.Background())
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "adj %s: got %s", tt.adj, got)
	}
}

func TestOracle_FeedFailureIsPriceUnavailable(t *testing.T) {
	o := NewOracle(&stubFeed{err: errors.New("dial tcp: timeout")}, &stubAdjustments{}, OracleOptions{}, nil)
	_, err := o.EffectivePrice(context.Background())
	assert.ErrorIs(t, err, settlement.ErrPriceUnavailable)
}

func TestOracle_AdjustmentFailureIsPriceUnavailable(t *testing.T) {
	o := NewOracle(&stubFeed{price: decimal.NewFromInt(50000)}, &stubAdjustments{err: errors.New("db down")}, OracleOptions{}, nil)
	_, err := o.EffectivePrice(context.Background())
	assert.ErrorIs(t, err, settlement.ErrPriceUnavailable)
}

func TestOracle_NonPositiveEffectivePrice(t *testing.T) {
	o := NewOracle(&stubFeed{price: decimal.NewFromInt(100)}, &stubAdjustments{adj: decimal.NewFromInt(-100)}, OracleOptions{}, nil)
	_, err := o.EffectivePrice(context.Background())
	assert.ErrorIs(t, err, settlement.ErrPriceUnavailable)
}

func TestOracle_NonPositiveRawPrice(t *testing.T) {
	o := NewOracle(&stubFeed{price: decimal.Zero}, &stubAdjustments{adj: decimal.NewFromInt(500)}, OracleOptions{}, nil)
	_, err := o.EffectivePrice(context.Background())
	assert.ErrorIs(t, err, settlement.ErrPriceUnavailable)
}

func TestOracle_AdjustmentCacheHonoursTTL(t *testing.T) {
	adj := &stubAdjustments{adj: decimal.NewFromInt(10)}
	o := NewOracle(&stubFeed{price: decimal.NewFromInt(50000)}, adj, OracleOptions{AdjustmentTTL: time.Minute}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	_, err := o.EffectivePrice(context.Background())
	require.NoError(t, err)
	_, err = o.EffectivePrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, adj.calls)

	now = now.Add(2 * time.Minute)
	_, err = o.EffectivePrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, adj.calls)

	o.Invalidate()
	adj.adj = decimal.NewFromInt(-5)
	got, err := o.EffectivePrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, adj.calls)
	assert.Equal(t, "49995", got.String())
}
