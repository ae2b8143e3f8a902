package positions_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"lv-futures/internal/db"
	"lv-futures/internal/model"
	"lv-futures/internal/positions"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run against a disposable Postgres database named by
// TEST_DB_DSN and are skipped otherwise.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	return pool
}

func TestStoreOpenAndSettle(t *testing.T) {
	pool := testPool(t)
	store := positions.NewStore(pool)
	ctx := context.Background()
	user := "user-" + uuid.NewString()

	require.NoError(t, store.Deposit(ctx, user, types.AssetUSDT, d("100"), "seed"))
	p, err := store.Open(ctx, model.Position{UserID: user, Direction: types.DirectionLong, Margin: d("10"), Leverage: 10, EntryPrice: d("100")})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	bals, err := store.Balances(ctx, user)
	require.NoError(t, err)
	assert.True(t, bals[0].Amount.Equal(d("90")))

	ev, err := settlement.Evaluate(p, d("105"))
	require.NoError(t, err)
	out, err := settlement.CloseOutcome(ev)
	require.NoError(t, err)
	settled, err := store.ApplySettlement(ctx, p.ID, out)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusEnded, settled.Status)

	_, err = store.ApplySettlement(ctx, p.ID, out)
	assert.ErrorIs(t, err, settlement.ErrAlreadySettled)

	bals, err = store.Balances(ctx, user)
	require.NoError(t, err)
	assert.True(t, bals[0].Amount.Equal(d("105")))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Profit)
	assert.Nil(t, got.Loss)
	assert.True(t, got.Profit.Equal(d("5")))

	closed, err := store.ListClosed(ctx, user, nil, 10)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestStoreRejectsOverdraft(t *testing.T) {
	pool := testPool(t)
	store := positions.NewStore(pool)
	ctx := context.Background()
	user := "user-" + uuid.NewString()

	_, err := store.Open(ctx, model.Position{UserID: user, Direction: types.DirectionShort, Margin: d("1"), Leverage: 2, EntryPrice: d("100")})
	assert.ErrorIs(t, err, positions.ErrInsufficientBalance)

	_, err = store.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	_, err = store.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestStoreConcurrentSettlementPaysOnce(t *testing.T) {
	pool := testPool(t)
	store := positions.NewStore(pool)
	ctx := context.Background()
	user := "user-" + uuid.NewString()

	require.NoError(t, store.Deposit(ctx, user, types.AssetUSDT, d("10"), "seed"))
	p, err := store.Open(ctx, model.Position{UserID: user, Direction: types.DirectionLong, Margin: d("10"), Leverage: 10, EntryPrice: d("100")})
	require.NoError(t, err)
	ev, err := settlement.Evaluate(p, d("110"))
	require.NoError(t, err)
	out, err := settlement.CloseOutcome(ev)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.ApplySettlement(ctx, p.ID, out)
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, settlement.ErrAlreadySettled), err)
	}
	assert.Equal(t, 1, wins)
	bals, err := store.Balances(ctx, user)
	require.NoError(t, err)
	assert.True(t, bals[0].Amount.Equal(d("20")))
}

func TestStoreListClosedOrdersBySettleTime(t *testing.T) {
	pool := testPool(t)
	store := positions.NewStore(pool)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	require.NoError(t, store.Deposit(ctx, user, types.AssetUSDT, d("100"), "seed"))

	open := func() model.Position {
		p, err := store.Open(ctx, model.Position{UserID: user, Direction: types.DirectionLong, Margin: d("10"), Leverage: 10, EntryPrice: d("100")})
		require.NoError(t, err)
		return p
	}
	settle := func(p model.Position) model.Position {
		ev, err := settlement.Evaluate(p, d("105"))
		require.NoError(t, err)
		out, err := settlement.CloseOutcome(ev)
		require.NoError(t, err)
		settled, err := store.ApplySettlement(ctx, p.ID, out)
		require.NoError(t, err)
		return settled
	}
	early := open()
	late := open()
	settle(late)
	lastSettled := settle(early)

	hist, err := store.ListClosed(ctx, user, nil, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, early.ID, hist[0].ID)
	assert.Equal(t, late.ID, hist[1].ID)

	page, err := store.ListClosed(ctx, user, lastSettled.SettledAt, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, late.ID, page[0].ID)
}
