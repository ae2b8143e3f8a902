package positions_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lv-futures/internal/events"
	"lv-futures/internal/memory"
	"lv-futures/internal/model"
	"lv-futures/internal/positions"
	"lv-futures/internal/settlement"
	"lv-futures/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPrice struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (s *stubPrice) EffectivePrice(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, s.err
}

func (s *stubPrice) set(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = decimal.RequireFromString(v)
	s.err = nil
}

func (s *stubPrice) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func usdt(t *testing.T, book *memory.Book, user string) decimal.Decimal {
	t.Helper()
	bals, err := book.Balances(context.Background(), user)
	require.NoError(t, err)
	for _, b := range bals {
		if b.Asset == types.AssetUSDT {
			return b.Amount
		}
	}
	return decimal.Zero
}

func setup(t *testing.T, price string) (*positions.Service, *memory.Book, *stubPrice, *recorder) {
	t.Helper()
	book := memory.NewBook()
	prices := &stubPrice{}
	prices.set(price)
	rec := &recorder{}
	require.NoError(t, book.Deposit(context.Background(), "alice", types.AssetUSDT, d("1000"), "seed"))
	return positions.NewService(book, prices, rec, zap.NewNop()), book, prices, rec
}

func TestOpenDebitsMarginAtEntryPrice(t *testing.T) {
	svc, book, _, rec := setup(t, "100")
	p, err := svc.Open(context.Background(), positions.OpenRequest{
		UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusRunning, p.Status)
	assert.True(t, p.EntryPrice.Equal(d("100")))
	assert.True(t, usdt(t, book, "alice").Equal(d("990")))
	assert.Equal(t, []string{events.TypePositionOpened}, rec.types())
}

func TestOpenRejectsBadInput(t *testing.T) {
	svc, book, _, _ := setup(t, "100")
	ctx := context.Background()
	cases := []positions.OpenRequest{
		{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 0},
		{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 151},
		{UserID: "alice", Direction: types.DirectionShort, Margin: d("0"), Leverage: 5},
		{UserID: "alice", Direction: "sideways", Margin: d("10"), Leverage: 5},
	}
	for _, req := range cases {
		_, err := svc.Open(ctx, req)
		assert.ErrorIs(t, err, settlement.ErrInvalidPosition)
	}
	_, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("5000"), Leverage: 2})
	assert.ErrorIs(t, err, positions.ErrInsufficientBalance)
	assert.True(t, usdt(t, book, "alice").Equal(d("1000")))
}

func TestOpenFailsWithoutPrice(t *testing.T) {
	svc, book, prices, _ := setup(t, "100")
	prices.fail(settlement.ErrPriceUnavailable)
	_, err := svc.Open(context.Background(), positions.OpenRequest{
		UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10,
	})
	assert.ErrorIs(t, err, settlement.ErrPriceUnavailable)
	assert.True(t, usdt(t, book, "alice").Equal(d("1000")))
}

func TestCloseWinningLong(t *testing.T) {
	svc, book, prices, rec := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)

	prices.set("105")
	res, err := svc.Close(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusEnded, res.Status)
	require.NotNil(t, res.Profit)
	assert.Nil(t, res.Loss)
	assert.True(t, res.Profit.Equal(d("5")))
	assert.True(t, res.Payout.Equal(d("15")))
	assert.True(t, usdt(t, book, "alice").Equal(d("1005")))
	assert.Equal(t, []string{events.TypePositionOpened, events.TypePositionClosed}, rec.types())

	closed, err := svc.ListClosed(ctx, "alice", nil, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, p.ID, closed[0].ID)
}

func TestCloseLosingShortFloorsPayout(t *testing.T) {
	svc, book, prices, _ := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionShort, Margin: d("10"), Leverage: 50})
	require.NoError(t, err)

	prices.set("103")
	res, err := svc.Close(ctx, "alice", p.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Loss)
	assert.True(t, res.Loss.Equal(d("15")))
	assert.True(t, res.Payout.IsZero())
	assert.True(t, usdt(t, book, "alice").Equal(d("990")))
}

func TestCloseFlatKeepsPositionRunning(t *testing.T) {
	svc, book, _, _ := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)

	_, err = svc.Close(ctx, "alice", p.ID)
	assert.ErrorIs(t, err, settlement.ErrNoPriceMovement)
	got, err := book.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusRunning, got.Status)
}

func TestCloseTwiceIsRejected(t *testing.T) {
	svc, book, prices, _ := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)
	prices.set("110")
	_, err = svc.Close(ctx, "alice", p.ID)
	require.NoError(t, err)
	after := usdt(t, book, "alice")

	_, err = svc.Close(ctx, "alice", p.ID)
	assert.ErrorIs(t, err, settlement.ErrAlreadySettled)
	assert.True(t, usdt(t, book, "alice").Equal(after))
}

func TestCloseOtherUsersPositionIsNotFound(t *testing.T) {
	svc, book, prices, _ := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)
	prices.set("110")

	_, err = svc.Close(ctx, "mallory", p.ID)
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	_, err = svc.Close(ctx, "alice", "no-such-id")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
	got, err := book.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusRunning, got.Status)
}

func TestCloseWithoutPriceLeavesPositionRunning(t *testing.T) {
	svc, book, prices, _ := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)
	prices.fail(errors.New("feed down"))

	_, err = svc.Close(ctx, "alice", p.ID)
	require.Error(t, err)
	got, err := book.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusRunning, got.Status)
}

// failingLedger rejects settlements the way a rolled-back transaction does:
// nothing is written.
type failingLedger struct {
	*memory.Book
	mu   sync.Mutex
	fail bool
}

func (l *failingLedger) setFail(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = v
}

func (l *failingLedger) ApplySettlement(ctx context.Context, id string, out settlement.Outcome) (model.Position, error) {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail {
		return model.Position{}, errors.New("failed to credit payout: balance store down")
	}
	return l.Book.ApplySettlement(ctx, id, out)
}

func TestCloseLeavesPositionRunningWhenSettlementFails(t *testing.T) {
	_, book, prices, rec := setup(t, "100")
	ledger := &failingLedger{Book: book}
	svc := positions.NewService(ledger, prices, rec, zap.NewNop())
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)
	entries := len(book.Entries())

	ledger.setFail(true)
	prices.set("105")
	_, err = svc.Close(ctx, "alice", p.ID)
	require.Error(t, err)

	got, err := book.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusRunning, got.Status)
	assert.Nil(t, got.Profit)
	assert.True(t, usdt(t, book, "alice").Equal(d("990")))
	assert.Len(t, book.Entries(), entries)
	assert.Equal(t, []string{events.TypePositionOpened}, rec.types())

	ledger.setFail(false)
	_, err = svc.Close(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.True(t, usdt(t, book, "alice").Equal(d("1005")))
}

// stalledPublisher only returns once the caller gives up.
type stalledPublisher struct{}

func (stalledPublisher) Publish(ctx context.Context, evt events.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCloseIsNotHeldByStalledPublisher(t *testing.T) {
	_, book, prices, _ := setup(t, "100")
	svc := positions.NewService(book, prices, events.WithTimeout(stalledPublisher{}, 20*time.Millisecond), zap.NewNop())
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)

	prices.set("105")
	start := time.Now()
	res, err := svc.Close(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.PositionStatusEnded, res.Status)
	assert.True(t, usdt(t, book, "alice").Equal(d("1005")))
}

func TestListClosedPagesBySettleTime(t *testing.T) {
	svc, _, prices, _ := setup(t, "100")
	ctx := context.Background()
	early, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	late, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionShort, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)

	prices.set("101")
	_, err = svc.Close(ctx, "alice", late.ID)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = svc.Close(ctx, "alice", early.ID)
	require.NoError(t, err)

	hist, err := svc.ListClosed(ctx, "alice", nil, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// opened first, settled last: it leads the history
	assert.Equal(t, early.ID, hist[0].ID)
	assert.Equal(t, late.ID, hist[1].ID)

	require.NotNil(t, hist[0].SettledAt)
	page, err := svc.ListClosed(ctx, "alice", hist[0].SettledAt, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, late.ID, page[0].ID)

	page, err = svc.ListClosed(ctx, "alice", nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, early.ID, page[0].ID)
}

func TestConcurrentClosesSettleOnce(t *testing.T) {
	svc, book, prices, _ := setup(t, "100")
	ctx := context.Background()
	p, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionLong, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)
	prices.set("105")

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, raced := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Close(ctx, "alice", p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, settlement.ErrAlreadySettled):
				raced++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, raced)
	assert.True(t, usdt(t, book, "alice").Equal(d("1005")))
}

func TestListRunningMarksPositions(t *testing.T) {
	svc, _, prices, _ := setup(t, "100")
	ctx := context.Background()
	_, err := svc.Open(ctx, positions.OpenRequest{UserID: "alice", Direction: types.DirectionShort, Margin: d("10"), Leverage: 10})
	require.NoError(t, err)

	prices.set("98")
	views, err := svc.ListRunning(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].UnrealizedPnL)
	assert.True(t, views[0].UnrealizedPnL.Equal(d("2")))
	assert.True(t, views[0].MovementPct.Equal(d("-2")))
	assert.True(t, views[0].LiquidationPrice.Equal(d("110")))

	prices.fail(settlement.ErrPriceUnavailable)
	views, err = svc.ListRunning(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Nil(t, views[0].CurrentPrice)
	assert.NotNil(t, views[0].LiquidationPrice)
}

func TestListRunningIsPerUser(t *testing.T) {
	svc, book, _, _ := setup(t, "100")
	ctx := context.Background()
	require.NoError(t, book.Deposit(ctx, "bob", types.AssetUSDT, d("100"), "seed"))
	_, err := svc.Open(ctx, positions.OpenRequest{UserID: "bob", Direction: types.DirectionLong, Margin: d("10"), Leverage: 2})
	require.NoError(t, err)

	views, err := svc.ListRunning(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, views)
}
