package matching

import (
	"encoding/binary"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/tulipex/tulipcore/internal/market"
)

// SimulatedMatcher is a stand-in matching backend: instead of crossing a
// real book it fills incoming orders against a synthetic counterparty,
// with every decision drawn from a generator seeded by the order's
// simulation seed. Identical input orders therefore always produce
// identical fills, which keeps downstream consumers exercised without a
// live market.
type SimulatedMatcher struct {
	// MaxChunks bounds how many partial fills one order is split into.
	MaxChunks int
}

// NewSimulatedMatcher creates a simulator splitting fills into at most
// four chunks.
func NewSimulatedMatcher() *SimulatedMatcher {
	return &SimulatedMatcher{MaxChunks: 4}
}

func seedFrom(o *market.Order) int64 {
	seed := o.SimulationSeed
	if seed == "" {
		seed = o.IdempotencyHash
	}
	if seed == "" {
		seed = o.ID.String()
	}
	var b [8]byte
	copy(b[:], seed)
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Match fills the order completely at its own limit price in a seeded
// number of chunks. The synthetic counterparty takes the opposite side.
func (m *SimulatedMatcher) Match(taker *market.Order, seq uint64, region string) ([]market.Trade, []*market.Order) {
	rng := rand.New(rand.NewSource(seedFrom(taker)))

	chunks := 1 + rng.Intn(m.MaxChunks)
	remaining := taker.Remaining()
	per := remaining.Div(decimal.NewFromInt(int64(chunks))).Round(8)
	if !per.IsPositive() {
		// Quantities below the chunk resolution fill in one piece rather
		// than as a run of zero-quantity trades.
		per = remaining
	}

	var trades []market.Trade
	for i := 0; i < chunks && taker.Remaining().IsPositive(); i++ {
		qty := per
		if i == chunks-1 || qty.GreaterThan(taker.Remaining()) {
			qty = taker.Remaining()
		}
		counterparty := market.DeterministicTradeID(taker.ID, taker.ID, seq, 1000+i)

		buyID, sellID := taker.ID, counterparty
		if taker.Side == market.SideSell {
			buyID, sellID = counterparty, taker.ID
		}
		trades = append(trades, market.Trade{
			ID:          market.DeterministicTradeID(taker.ID, counterparty, seq, i),
			Symbol:      taker.Symbol,
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Price:       taker.Price,
			Quantity:    qty,
			ExecutedAt:  taker.AcceptedAt,
			Region:      region,
		})
		taker.FilledQuantity = taker.FilledQuantity.Add(qty)
	}

	taker.Status = market.StatusFilled
	return trades, []*market.Order{taker}
}
