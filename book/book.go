// Package book holds the in-memory mirror of the top price levels for
// a single trading pair. A Book is created fresh for every connection
// attempt, fully replaced by the first snapshot and then mutated by
// deltas in strict receipt order. All mutation happens on the feed
// manager's receive loop, so the store itself carries no locking.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

// DefaultDepth bounds each side to the level2_50 channel's 50 levels.
const DefaultDepth = 50

// Book keeps both sides sorted with the best price at index 0: bids
// descending, asks ascending. Price keys are unique within a side and
// no stored level has size <= 0.
type Book struct {
	depth int
	bids  []models.PriceLevel
	asks  []models.PriceLevel
}

// New creates an empty book bounded to depth levels per side. A
// non-positive depth falls back to DefaultDepth.
func New(depth int) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Book{depth: depth}
}

// Depth returns the configured per-side level bound.
func (b *Book) Depth() int {
	return b.depth
}

// ApplySnapshot replaces both sides atomically. Zero-size entries are
// dropped during load and each side is truncated to the depth levels
// closest to the top of the book.
func (b *Book) ApplySnapshot(snapshot *models.BookSnapshot) {
	bids := loadSide(snapshot.Bids, func(i, j decimal.Decimal) bool { return i.GreaterThan(j) })
	asks := loadSide(snapshot.Asks, func(i, j decimal.Decimal) bool { return i.LessThan(j) })

	if len(bids) > b.depth {
		bids = bids[:b.depth]
	}
	if len(asks) > b.depth {
		asks = asks[:b.depth]
	}

	b.bids = bids
	b.asks = asks
}

// ApplyDelta processes changes in the exact order received: a change
// with size > 0 upserts the level, size zero removes it. When a side
// ends up over the depth bound the levels farthest from that side's
// best price are evicted.
func (b *Book) ApplyDelta(delta *models.BookDelta) {
	for _, change := range delta.Changes {
		switch change.Side {
		case models.SideBuy:
			b.bids = applyChange(b.bids, change, bidBefore)
		case models.SideSell:
			b.asks = applyChange(b.asks, change, askBefore)
		}
	}

	if len(b.bids) > b.depth {
		b.bids = b.bids[:b.depth]
	}
	if len(b.asks) > b.depth {
		b.asks = b.asks[:b.depth]
	}
}

// BestBid returns the highest-priced buy level, if the side is
// non-empty.
func (b *Book) BestBid() (models.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest-priced sell level, if the side is
// non-empty.
func (b *Book) BestAsk() (models.PriceLevel, bool) {
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Bids returns a copy of the bid side, best first.
func (b *Book) Bids() []models.PriceLevel {
	out := make([]models.PriceLevel, len(b.bids))
	copy(out, b.bids)
	return out
}

// Asks returns a copy of the ask side, best first.
func (b *Book) Asks() []models.PriceLevel {
	out := make([]models.PriceLevel, len(b.asks))
	copy(out, b.asks)
	return out
}

// bidBefore orders bids descending so the best bid sits at index 0.
func bidBefore(a, b decimal.Decimal) bool { return a.GreaterThan(b) }

// askBefore orders asks ascending so the best ask sits at index 0.
func askBefore(a, b decimal.Decimal) bool { return a.LessThan(b) }

func loadSide(levels []models.PriceLevel, before func(a, b decimal.Decimal) bool) []models.PriceLevel {
	side := make([]models.PriceLevel, 0, len(levels))
	seen := make(map[string]int, len(levels))
	for _, level := range levels {
		if level.Size.Sign() <= 0 {
			continue
		}
		// last entry for a duplicated price wins
		if i, ok := seen[level.Price.String()]; ok {
			side[i] = level
			continue
		}
		seen[level.Price.String()] = len(side)
		side = append(side, level)
	}
	sort.SliceStable(side, func(i, j int) bool {
		return before(side[i].Price, side[j].Price)
	})
	return side
}

// applyChange keeps the side sorted while upserting or removing a
// single level.
func applyChange(side []models.PriceLevel, change models.Change, before func(a, b decimal.Decimal) bool) []models.PriceLevel {
	idx := sort.Search(len(side), func(i int) bool {
		return !before(side[i].Price, change.Price)
	})
	exists := idx < len(side) && side[idx].Price.Equal(change.Price)

	if change.Size.Sign() == 0 {
		if exists {
			side = append(side[:idx], side[idx+1:]...)
		}
		return side
	}

	level := models.PriceLevel{Price: change.Price, Size: change.Size}
	if exists {
		side[idx] = level
		return side
	}
	side = append(side, models.PriceLevel{})
	copy(side[idx+1:], side[idx:])
	side[idx] = level
	return side
}
