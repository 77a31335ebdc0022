package models

import (
	"github.com/shopspring/decimal"
)

// Side of the book a change applies to.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is one of the two wire values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PriceLevel is the aggregate resting size at a price. A stored level
// always has price > 0 and size > 0; size zero on the wire means the
// level is gone.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Change is a single parsed l2update instruction: upsert the level at
// Price, or remove it when Size is zero.
type Change struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a parsed, validated snapshot message ready to be
// loaded into the book store.
type BookSnapshot struct {
	ProductID string       `json:"product_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// BookDelta is a parsed, validated l2update message. Changes keep
// exact wire order; later changes for the same price override earlier
// ones within the batch.
type BookDelta struct {
	ProductID string   `json:"product_id"`
	Changes   []Change `json:"changes"`
}
