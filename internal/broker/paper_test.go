package broker

import (
	"context"
	"testing"

	"vigil/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candleEvent(close, high, low, volume float64) market.Event {
	return market.Event{
		Symbol:   "BTC/USDT",
		Interval: "1m",
		Time:     1700000000000,
		Candle: &market.Candle{
			OpenTime:  1700000000000 - 60_000,
			CloseTime: 1700000000000,
			Open:      close,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
		},
	}
}

func newTestBroker() *PaperBroker {
	return NewPaperBroker(PaperConfig{
		StartingEquity:    10_000,
		LiquidityFraction: 0.10,
		SpreadFraction:    0.001,
	})
}

func TestExecuteFullFill(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000) // fillable bound = 100

	ord := NewOrder("BTC/USDT", SideBuy, 50, 95, 110, b.Equity())
	fills, err := b.Execute(context.Background(), ev, ord)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 50.0, fills[0].Quantity)
	assert.False(t, fills[0].Partial)
	assert.InDelta(t, 100.1, fills[0].Price, 1e-9, "buys cross the synthetic spread")

	pos := b.Position()
	require.NotNil(t, pos)
	assert.Equal(t, "long", pos.Side)
	assert.Equal(t, 50.0, pos.Quantity)
	assert.Empty(t, b.WorkingOrders())
}

func TestExecutePartialFillLeavesWorkingOrder(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000) // bound 100

	ord := NewOrder("BTC/USDT", SideBuy, 250, 95, 110, b.Equity())
	fills, err := b.Execute(context.Background(), ev, ord)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 100.0, fills[0].Quantity)
	assert.True(t, fills[0].Partial)

	working := b.WorkingOrders()
	require.Len(t, working, 1)
	assert.Equal(t, ord.ClientID, working[0].ParentID)
	assert.Equal(t, 150.0, working[0].Remaining)
	assert.Equal(t, 100.0, working[0].Filled)
	assert.Equal(t, 250.0, working[0].Requested)
}

func TestExecuteDuplicateClientIDIsRejected(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)

	ord := NewOrder("BTC/USDT", SideBuy, 50, 95, 110, b.Equity())
	_, err := b.Execute(context.Background(), ev, ord)
	require.NoError(t, err)

	// Clear the position so only the idempotency guard can refuse it.
	b.position = nil
	_, err = b.Execute(context.Background(), ev, ord)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestExecuteSecondPositionIsRejected(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)

	_, err := b.Execute(context.Background(), ev, NewOrder("BTC/USDT", SideBuy, 10, 95, 110, b.Equity()))
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), ev, NewOrder("BTC/USDT", SideSell, 10, 105, 90, b.Equity()))
	assert.ErrorIs(t, err, ErrPositionOpen)
}

func TestExecuteGuards(t *testing.T) {
	b := newTestBroker()

	_, err := b.Execute(context.Background(), market.Event{}, NewOrder("BTC/USDT", SideBuy, 1, 95, 110, 0))
	assert.ErrorIs(t, err, ErrBadPrice)

	drained := NewPaperBroker(PaperConfig{StartingEquity: 0})
	_, err = drained.Execute(context.Background(), candleEvent(100, 101, 99, 10), NewOrder("BTC/USDT", SideBuy, 1, 95, 110, 0))
	assert.ErrorIs(t, err, ErrNoEquity)

	fills, err := b.Execute(context.Background(), candleEvent(100, 101, 99, 10), nil)
	assert.NoError(t, err)
	assert.Nil(t, fills)
}

func TestMaintainRetriesWorkingOrderWhileFlat(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)

	ord := NewOrder("BTC/USDT", SideBuy, 250, 95, 110, b.Equity())
	_, err := b.Execute(context.Background(), ev, ord)
	require.NoError(t, err)

	// Position still open from the first partial: the retry must wait.
	report := b.Maintain(context.Background(), candleEvent(100, 100.5, 99.5, 5000))
	assert.Empty(t, report.Fills)
	require.Len(t, b.WorkingOrders(), 1)

	// The stop-loss close frees the slot and the retry runs in that same
	// cycle, after the exit.
	report = b.Maintain(context.Background(), candleEvent(96, 97, 94, 5000))
	require.Len(t, report.Exits, 1)
	assert.Equal(t, "stop_loss", report.Exits[0].Reason)
	require.Len(t, report.Fills, 1)
	assert.Equal(t, 150.0, report.Fills[0].Quantity)
	assert.False(t, report.Fills[0].Partial)
	assert.Empty(t, b.WorkingOrders(), "fully drained working order is removed")
	require.NotNil(t, b.Position())
}

func TestCheckExitStopBeatsTarget(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)
	_, err := b.Execute(context.Background(), ev, NewOrder("BTC/USDT", SideBuy, 10, 95, 110, b.Equity()))
	require.NoError(t, err)

	// One candle spans both levels; the stop wins.
	report := b.Maintain(context.Background(), candleEvent(100, 120, 90, 1000))
	require.Len(t, report.Exits, 1)
	assert.Equal(t, "stop_loss", report.Exits[0].Reason)
	assert.Equal(t, 95.0, report.Exits[0].Price)
	assert.Negative(t, report.Exits[0].PnL)
}

func TestCheckExitShortSide(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)
	_, err := b.Execute(context.Background(), ev, NewOrder("BTC/USDT", SideSell, 10, 105, 90, b.Equity()))
	require.NoError(t, err)

	report := b.Maintain(context.Background(), candleEvent(91, 92, 89, 1000))
	require.Len(t, report.Exits, 1)
	assert.Equal(t, "take_profit", report.Exits[0].Reason)
	assert.Positive(t, report.Exits[0].PnL, "short gains as price falls")
}

func TestEquityTracksRealizedPnL(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)
	_, err := b.Execute(context.Background(), ev, NewOrder("BTC/USDT", SideBuy, 10, 95, 110, b.Equity()))
	require.NoError(t, err)

	report := b.Maintain(context.Background(), candleEvent(111, 112, 108, 1000))
	require.Len(t, report.Exits, 1)
	assert.Equal(t, "take_profit", report.Exits[0].Reason)
	assert.Greater(t, b.Equity(), 10_000.0)
}

func TestShutdownCancelsWorkingOrders(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 100) // bound 10, force a partial

	ord := NewOrder("BTC/USDT", SideBuy, 50, 95, 110, b.Equity())
	_, err := b.Execute(context.Background(), ev, ord)
	require.NoError(t, err)
	require.Len(t, b.WorkingOrders(), 1)

	cancels := b.Shutdown(context.Background())
	require.Len(t, cancels, 1)
	assert.Equal(t, ord.ClientID, cancels[0].ParentID)
	assert.Equal(t, 40.0, cancels[0].Remaining)
	assert.Empty(t, b.WorkingOrders())
}

func TestSnapshotRestorePreservesIdempotency(t *testing.T) {
	b := newTestBroker()
	ev := candleEvent(100, 101, 99, 1000)
	ord := NewOrder("BTC/USDT", SideBuy, 50, 95, 110, b.Equity())
	_, err := b.Execute(context.Background(), ev, ord)
	require.NoError(t, err)

	snap := b.Snapshot()
	require.Contains(t, snap.FilledIDs, ord.ClientID)

	restored := newTestBroker()
	restored.Restore(snap)
	assert.Equal(t, b.Equity(), restored.Equity())
	require.NotNil(t, restored.Position())

	// Same client ID after restart still refuses to double-fill.
	restored.position = nil
	_, err = restored.Execute(context.Background(), ev, ord)
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestRestoreKeepsDrainedEquity(t *testing.T) {
	b := newTestBroker()
	b.Restore(Snapshot{Equity: 0, RealizedPnL: -10_000})

	assert.Equal(t, 0.0, b.Equity())
	_, err := b.Execute(context.Background(), candleEvent(100, 101, 99, 1000),
		NewOrder("BTC/USDT", SideBuy, 1, 95, 110, 0))
	assert.ErrorIs(t, err, ErrNoEquity, "a drained account stays drained after restart")
}

func TestFillPricePrefersQuote(t *testing.T) {
	b := newTestBroker()
	ev := market.Event{
		Symbol: "BTC/USDT",
		Time:   1700000000000,
		Tick:   &market.Tick{Bid: 99.5, Ask: 100.5, Last: 100, Quantity: 1000},
	}
	assert.Equal(t, 100.5, b.fillPrice(ev, SideBuy))
	assert.Equal(t, 99.5, b.fillPrice(ev, SideSell))
}
