package analytics

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/book"
	"bookflow/models"
)

func bookWith(t *testing.T, bid, ask string) *book.Book {
	t.Helper()
	b := book.New(50)
	b.ApplySnapshot(&models.BookSnapshot{
		Bids: []models.PriceLevel{{Price: decimal.RequireFromString(bid), Size: decimal.NewFromInt(1)}},
		Asks: []models.PriceLevel{{Price: decimal.RequireFromString(ask), Size: decimal.NewFromInt(1)}},
	})
	return b
}

func TestObserveComputesSpreadAndMid(t *testing.T) {
	e := New("BTC-USD", 10)

	snap, ok := e.Observe(bookWith(t, "100", "101"))
	require.True(t, ok)

	assert.Equal(t, "BTC-USD", snap.Pair)
	assert.Equal(t, "100", snap.BestBid.String())
	assert.Equal(t, "101", snap.BestAsk.String())
	assert.Equal(t, "1", snap.Spread.String())
	assert.Equal(t, "1", snap.MaxSpread.String())
	assert.Equal(t, "100.5", snap.MidPrice.String())
	assert.Equal(t, "100.5", snap.MovingAverage.String())
}

func TestObserveSkipsWhenSideEmpty(t *testing.T) {
	e := New("BTC-USD", 10)

	empty := book.New(50)
	_, ok := e.Observe(empty)
	assert.False(t, ok)
	assert.Equal(t, 0, e.HistoryLen())

	bidsOnly := book.New(50)
	bidsOnly.ApplySnapshot(&models.BookSnapshot{
		Bids: []models.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
		Asks: []models.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	})
	bidsOnly.ApplyDelta(&models.BookDelta{Changes: []models.Change{
		{Side: models.SideSell, Price: decimal.NewFromInt(101), Size: decimal.Zero},
	}})
	_, ok = e.Observe(bidsOnly)
	assert.False(t, ok)
}

func TestMaxSpreadTracksAbsoluteValue(t *testing.T) {
	e := New("BTC-USD", 10)

	// crossed book: ask below bid gives a negative spread
	snap, ok := e.Observe(bookWith(t, "105", "100"))
	require.True(t, ok)
	assert.Equal(t, "-5", snap.Spread.String())
	assert.Equal(t, "5", snap.MaxSpread.String())

	// a smaller spread must not lower the running max
	snap, ok = e.Observe(bookWith(t, "100", "101"))
	require.True(t, ok)
	assert.Equal(t, "1", snap.Spread.String())
	assert.Equal(t, "5", snap.MaxSpread.String())
	assert.Equal(t, "5", e.MaxSpread().String())
}

func TestMovingAverageWindowIsBounded(t *testing.T) {
	e := New("BTC-USD", 10)

	// 15 observations with mid prices 1..15; the window holds the last 10
	var snap models.MetricsSnapshot
	for i := 1; i <= 15; i++ {
		price := fmt.Sprintf("%d", i) // zero spread, mid == i
		var ok bool
		snap, ok = e.Observe(bookWith(t, price, price))
		require.True(t, ok)
	}

	// mean of 6..15
	assert.Equal(t, 10, e.HistoryLen())
	assert.Equal(t, "10.5", snap.MovingAverage.String())

	e.Observe(bookWith(t, "16", "16"))
	last, ok := e.Observe(bookWith(t, "17", "17"))
	require.True(t, ok)
	// window now holds 8..17, mean 12.5
	assert.Equal(t, "12.5", last.MovingAverage.String())
}

func TestMovingAverageBeforeWindowFills(t *testing.T) {
	e := New("BTC-USD", 10)

	e.Observe(bookWith(t, "100", "100"))
	snap, ok := e.Observe(bookWith(t, "102", "102"))
	require.True(t, ok)

	// average of the 2 mids available so far
	assert.Equal(t, "101", snap.MovingAverage.String())
	assert.Equal(t, 2, e.HistoryLen())
}

func TestResetDropsAccumulatedState(t *testing.T) {
	e := New("BTC-USD", 10)
	e.Observe(bookWith(t, "100", "110"))
	require.Equal(t, "10", e.MaxSpread().String())
	require.Equal(t, 1, e.HistoryLen())

	e.Reset()

	assert.Equal(t, 0, e.HistoryLen())
	assert.True(t, e.MaxSpread().IsZero())

	snap, ok := e.Observe(bookWith(t, "100", "101"))
	require.True(t, ok)
	assert.Equal(t, "1", snap.MaxSpread.String())
	assert.Equal(t, "100.5", snap.MovingAverage.String())
}

func TestNewFallsBackToDefaultPeriod(t *testing.T) {
	e := New("BTC-USD", 0)
	for i := 0; i < DefaultPeriod+5; i++ {
		e.Observe(bookWith(t, "100", "101"))
	}
	assert.Equal(t, DefaultPeriod, e.HistoryLen())
}
