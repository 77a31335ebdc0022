package mockfeed

import (
	"math/rand"
	"sort"
	"strconv"
	"time"

	"bookflow/models"
)

// Price bands mirror a BTC-like book: bid and ask ranges overlap a
// little so crossed or negative spreads occasionally exercise the
// client's abs() handling.
const (
	bidPriceLow  = 30000.0
	bidPriceHigh = 42000.0
	askPriceLow  = 41000.0
	askPriceHigh = 50000.0
	sizeLow      = 0.1
	sizeHigh     = 5.0
)

// Generator produces wire messages with random values but a shape
// that always satisfies the client-side validator.
type Generator struct {
	pair        string
	levels      int
	updateCount int
	rnd         *rand.Rand
}

func NewGenerator(pair string, levels, updateCount int) *Generator {
	if levels <= 0 {
		levels = 50
	}
	if updateCount <= 0 {
		updateCount = 50
	}
	return &Generator{
		pair:        pair,
		levels:      levels,
		updateCount: updateCount,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Ack builds the subscription acknowledgement with the null
// account_ids field the real feed sends.
func (g *Generator) Ack() models.SubscriptionAck {
	return models.SubscriptionAck{
		Type: models.MessageTypeSubscriptions,
		Channels: []models.AckChannel{
			{Name: models.ChannelLevel2, ProductIDs: []string{g.pair}, AccountIDs: nil},
		},
	}
}

// Snapshot builds a full book with the configured number of levels per
// side, bids sorted descending and asks ascending.
func (g *Generator) Snapshot() models.SnapshotMessage {
	return models.SnapshotMessage{
		Type:      models.MessageTypeSnapshot,
		ProductID: g.pair,
		Bids:      g.side(bidPriceLow, bidPriceHigh, true),
		Asks:      g.side(askPriceLow, askPriceHigh, false),
	}
}

// Update builds an l2update batch with exactly the configured number
// of changes.
func (g *Generator) Update() models.L2UpdateMessage {
	changes := make([][]string, g.updateCount)
	for i := range changes {
		side := string(models.SideBuy)
		if g.rnd.Intn(2) == 1 {
			side = string(models.SideSell)
		}
		changes[i] = []string{
			side,
			formatValue(g.uniform(bidPriceLow, askPriceHigh)),
			formatValue(g.uniform(sizeLow, sizeHigh)),
		}
	}
	return models.L2UpdateMessage{
		Type:      models.MessageTypeL2Update,
		ProductID: g.pair,
		Changes:   changes,
	}
}

func (g *Generator) side(low, high float64, descending bool) [][]string {
	prices := make([]float64, g.levels)
	for i := range prices {
		prices[i] = g.uniform(low, high)
	}
	sort.Float64s(prices)
	if descending {
		for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
			prices[i], prices[j] = prices[j], prices[i]
		}
	}

	levels := make([][]string, g.levels)
	for i, price := range prices {
		levels[i] = []string{formatValue(price), formatValue(g.uniform(sizeLow, sizeHigh))}
	}
	return levels
}

func (g *Generator) uniform(low, high float64) float64 {
	return low + g.rnd.Float64()*(high-low)
}

// formatValue rounds to two decimals, matching the exchange's tick
// formatting and guaranteeing a positive numeric string.
func formatValue(v float64) string {
	if v < 0.01 {
		v = 0.01
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
