// Package matching owns the per-shard order book and the event-driven
// matching engine. One consumer goroutine performs all book mutation;
// the book carries a read-write lock so the HTTP and websocket layers
// can snapshot depth concurrently with matching.
package matching

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/tulipex/tulipcore/internal/market"
)

// PriceLevel holds the resting orders at one price, FIFO by acceptance.
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*market.Order
}

// AggregateQuantity sums the unfilled quantity at this level.
func (l *PriceLevel) AggregateQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// DepthLevel is one row of a book snapshot.
type DepthLevel struct {
	Price             decimal.Decimal `json:"price"`
	AggregateQuantity decimal.Decimal `json:"aggregateQuantity"`
}

// Book is the in-memory order book for one symbol shard. Bids iterate
// best (highest) price first, asks best (lowest) first. Mutation stays
// on the shard's consumer goroutine; the lock exists for readers
// snapshotting the book from other goroutines.
type Book struct {
	Symbol string

	mu   sync.RWMutex
	bids *btree.BTreeG[*PriceLevel]
	asks *btree.BTreeG[*PriceLevel]
	byID map[uuid.UUID]*market.Order
}

// NewBook creates an empty book for the symbol.
func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids: btree.NewBTreeG[*PriceLevel](func(a, b *PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewBTreeG[*PriceLevel](func(a, b *PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
		byID: make(map[uuid.UUID]*market.Order),
	}
}

func (b *Book) sideTree(side string) *btree.BTreeG[*PriceLevel] {
	if side == market.SideBuy {
		return b.bids
	}
	return b.asks
}

// Rest places an order on the book. Orders arrive in acceptedAt order
// within a shard, so appending preserves time priority.
func (b *Book) Rest(o *market.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rest(o)
}

func (b *Book) rest(o *market.Order) {
	tree := b.sideTree(o.Side)
	probe := &PriceLevel{Price: o.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = &PriceLevel{Price: o.Price}
		tree.Set(level)
	}
	level.orders = append(level.orders, o)
	b.byID[o.ID] = o
}

// Remove takes an order off the book. Returns the order and whether it
// was resting.
func (b *Book) Remove(id uuid.UUID) (*market.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	delete(b.byID, id)

	tree := b.sideTree(o.Side)
	level, ok := tree.Get(&PriceLevel{Price: o.Price})
	if !ok {
		return o, true
	}
	for i, resting := range level.orders {
		if resting.ID == id {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			break
		}
	}
	if len(level.orders) == 0 {
		tree.Delete(level)
	}
	return o, true
}

// Get returns a resting order by ID.
func (b *Book) Get(id uuid.UUID) (*market.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[id]
	return o, ok
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// BestBid returns the price of the highest bid level.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.bids.Min()
	if !ok {
		return decimal.Decimal{}, false
	}
	return level.Price, true
}

// BestAsk returns the price of the lowest ask level.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	level, ok := b.asks.Min()
	if !ok {
		return decimal.Decimal{}, false
	}
	return level.Price, true
}

// Depth returns up to n levels per side, best first.
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	collect := func(tree *btree.BTreeG[*PriceLevel]) []DepthLevel {
		out := make([]DepthLevel, 0, n)
		tree.Scan(func(level *PriceLevel) bool {
			out = append(out, DepthLevel{
				Price:             level.Price,
				AggregateQuantity: level.AggregateQuantity(),
			})
			return len(out) < n
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// crosses reports whether the taker's limit crosses the maker level.
func crosses(taker *market.Order, makerPrice decimal.Decimal) bool {
	if taker.Side == market.SideBuy {
		return taker.Price.GreaterThanOrEqual(makerPrice)
	}
	return taker.Price.LessThanOrEqual(makerPrice)
}

// Match applies the incoming order against the book: best price first,
// FIFO within a level, trade price always the resting order's. The taker
// and affected makers are mutated in place; makers reaching FILLED are
// removed from the book. An unmatched GTC remainder rests; an IOC
// remainder is cancelled. Returns the trades and every order whose state
// changed, in a deterministic sequence.
func (b *Book) Match(taker *market.Order, seq uint64, region string) ([]market.Trade, []*market.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var trades []market.Trade
	var touched []*market.Order
	fillIndex := 0

	opposite := b.asks
	if taker.Side == market.SideSell {
		opposite = b.bids
	}

	for taker.Remaining().IsPositive() {
		level, ok := opposite.Min()
		if !ok || !crosses(taker, level.Price) {
			break
		}

		maker := level.orders[0]
		qty := decimal.Min(taker.Remaining(), maker.Remaining())

		trades = append(trades, market.Trade{
			ID:          market.DeterministicTradeID(taker.ID, maker.ID, seq, fillIndex),
			Symbol:      b.Symbol,
			BuyOrderID:  buySide(taker, maker),
			SellOrderID: sellSide(taker, maker),
			Price:       maker.Price,
			Quantity:    qty,
			ExecutedAt:  taker.AcceptedAt,
			Region:      region,
		})
		fillIndex++

		maker.FilledQuantity = maker.FilledQuantity.Add(qty)
		taker.FilledQuantity = taker.FilledQuantity.Add(qty)

		if maker.Remaining().IsZero() {
			maker.Status = market.StatusFilled
			level.orders = level.orders[1:]
			delete(b.byID, maker.ID)
			if len(level.orders) == 0 {
				opposite.Delete(level)
			}
		} else {
			maker.Status = market.StatusPartiallyFilled
		}
		touched = append(touched, maker)
	}

	switch {
	case taker.Remaining().IsZero():
		taker.Status = market.StatusFilled
	case taker.TimeInForce == market.TimeInForceIOC:
		// IOC never rests: whatever could not match is cancelled.
		taker.Status = market.StatusCancelled
	case taker.FilledQuantity.IsPositive():
		taker.Status = market.StatusPartiallyFilled
		b.rest(taker)
	default:
		taker.Status = market.StatusOpen
		b.rest(taker)
	}
	touched = append(touched, taker)

	return trades, touched
}

func buySide(a, b *market.Order) uuid.UUID {
	if a.Side == market.SideBuy {
		return a.ID
	}
	return b.ID
}

func sellSide(a, b *market.Order) uuid.UUID {
	if a.Side == market.SideSell {
		return a.ID
	}
	return b.ID
}
