// Package analytics derives streaming indicators from book state. The
// engine is invoked after every successful snapshot or delta apply and
// shares the feed manager's single thread of control.
package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"bookflow/book"
	"bookflow/models"
)

// DefaultPeriod is the mid-price moving average window.
const DefaultPeriod = 10

var two = decimal.NewFromInt(2)

// Engine tracks the running max spread and a bounded mid-price history
// for one book lifetime. Reset discards both when the connection is
// torn down.
type Engine struct {
	pair      string
	period    int
	history   []decimal.Decimal
	maxSpread decimal.Decimal
}

// New creates an engine with the given moving average period. A
// non-positive period falls back to DefaultPeriod.
func New(pair string, period int) *Engine {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Engine{pair: pair, period: period}
}

// Observe recomputes the indicators from the current book state. When
// either side is empty the spread and mid price are undefined, nothing
// is recorded and ok is false.
func (e *Engine) Observe(b *book.Book) (models.MetricsSnapshot, bool) {
	bestBid, ok := b.BestBid()
	if !ok {
		return models.MetricsSnapshot{}, false
	}
	bestAsk, ok := b.BestAsk()
	if !ok {
		return models.MetricsSnapshot{}, false
	}

	spread := bestAsk.Price.Sub(bestBid.Price)
	if abs := spread.Abs(); abs.GreaterThan(e.maxSpread) {
		e.maxSpread = abs
	}

	mid := bestBid.Price.Add(bestAsk.Price).Div(two)
	e.history = append(e.history, mid)
	if len(e.history) > e.period {
		e.history = e.history[1:]
	}

	return models.MetricsSnapshot{
		Pair:          e.pair,
		BestBid:       bestBid.Price,
		BestAsk:       bestAsk.Price,
		Spread:        spread,
		MaxSpread:     e.maxSpread,
		MidPrice:      mid,
		MovingAverage: decimal.Avg(e.history[0], e.history[1:]...),
		Timestamp:     time.Now(),
	}, true
}

// MaxSpread returns the running maximum of absolute spread values seen
// during this book lifetime.
func (e *Engine) MaxSpread() decimal.Decimal {
	return e.maxSpread
}

// HistoryLen reports how many mid prices are currently in the window.
func (e *Engine) HistoryLen() int {
	return len(e.history)
}

// Reset drops all accumulated state. Called on reconnect so a stale
// book never leaks into the next connection's indicators.
func (e *Engine) Reset() {
	e.history = nil
	e.maxSpread = decimal.Zero
}
