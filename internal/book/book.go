// Package book is the in-memory per-instrument price-level index (spec §9
// REDESIGN FLAG): resting orders live here, keyed by price level with FIFO
// queues inside each level, so the matching loop walks memory instead of
// re-scanning the orders table on every submission. One Book exists per
// ticker and is owned exclusively by that instrument's matching goroutine.
package book

import "sort"

// Level is a price level with a FIFO queue of resting orders.
type Level struct {
	Price  int64
	Orders []*Entry
}

// TotalQty sums the remaining quantity resting at this level.
func (l *Level) TotalQty() int64 {
	var t int64
	for _, e := range l.Orders {
		t += e.Remaining
	}
	return t
}

// Entry is a resting order tracked by the book. It mirrors the subset of
// domain.Order the matching loop needs to mutate without round-tripping
// through the Store on every partial fill.
type Entry struct {
	OrderID   string
	UserID    string
	Direction string // "BUY" or "SELL"
	Price     int64
	Remaining int64
}

// Match is a candidate fill against a resting order, produced without
// mutating the book — the caller applies it only after the settlement
// transaction it belongs to commits.
type Match struct {
	Entry     *Entry
	FillQty   int64
	FillPrice int64
}

// Book is an in-memory limit order book for a single instrument.
type Book struct {
	bids      map[int64]*Level
	asks      map[int64]*Level
	bidPrices []int64 // sorted descending: best bid first
	askPrices []int64 // sorted ascending: best ask first
	index     map[string]*Entry
}

func New() *Book {
	return &Book{
		bids:  make(map[int64]*Level),
		asks:  make(map[int64]*Level),
		index: make(map[string]*Entry),
	}
}

// ── Queries ──────────────────────────────────────────

func (b *Book) BestBid() (int64, bool) {
	if len(b.bidPrices) == 0 {
		return 0, false
	}
	return b.bidPrices[0], true
}

func (b *Book) BestAsk() (int64, bool) {
	if len(b.askPrices) == 0 {
		return 0, false
	}
	return b.askPrices[0], true
}

func (b *Book) Size() int { return len(b.index) }

func (b *Book) Get(orderID string) (*Entry, bool) {
	e, ok := b.index[orderID]
	return e, ok
}

// Snapshot returns the top depth price levels on each side, aggregated.
func (b *Book) Snapshot(depth int) (bids, asks []BookLevel) {
	for i := 0; i < len(b.bidPrices) && i < depth; i++ {
		p := b.bidPrices[i]
		bids = append(bids, BookLevel{Price: p, Qty: b.bids[p].TotalQty()})
	}
	for i := 0; i < len(b.askPrices) && i < depth; i++ {
		p := b.askPrices[i]
		asks = append(asks, BookLevel{Price: p, Qty: b.asks[p].TotalQty()})
	}
	if bids == nil {
		bids = []BookLevel{}
	}
	if asks == nil {
		asks = []BookLevel{}
	}
	return
}

// BookLevel is one aggregated price level, shaped for domain.L2Snapshot.
type BookLevel struct {
	Price int64
	Qty   int64
}

// ── Add / Remove ─────────────────────────────────────

// Add inserts a resting order. No-op if the order ID is already present.
func (b *Book) Add(e *Entry) {
	if _, exists := b.index[e.OrderID]; exists {
		return
	}
	b.index[e.OrderID] = e
	if e.Direction == "BUY" {
		b.addToSide(b.bids, &b.bidPrices, e, false) // desc
	} else {
		b.addToSide(b.asks, &b.askPrices, e, true) // asc
	}
}

// Remove evicts an order and returns it, or nil if it wasn't resting.
func (b *Book) Remove(orderID string) *Entry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	if e.Direction == "BUY" {
		b.removeFromSide(b.bids, &b.bidPrices, e)
	} else {
		b.removeFromSide(b.asks, &b.askPrices, e)
	}
	return e
}

// ── Matching ─────────────────────────────────────────

// FindMatches walks the opposite side in price-time priority and returns
// candidate fills without mutating the book or the matched entries. price
// is nil for a MARKET order (no price bound, walks until maxQty is
// exhausted or the side runs dry); non-nil for a LIMIT order, which stops
// walking once the next level would cross past its limit.
func (b *Book) FindMatches(direction string, price *int64, maxQty int64) []Match {
	var matches []Match
	rem := maxQty

	if direction == "BUY" {
		for _, askPrice := range b.askPrices {
			if rem <= 0 {
				break
			}
			if price != nil && askPrice > *price {
				break
			}
			for _, entry := range b.asks[askPrice].Orders {
				if rem <= 0 {
					break
				}
				fq := minInt64(rem, entry.Remaining)
				matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: askPrice})
				rem -= fq
			}
		}
		return matches
	}

	for _, bidPrice := range b.bidPrices {
		if rem <= 0 {
			break
		}
		if price != nil && bidPrice < *price {
			break
		}
		for _, entry := range b.bids[bidPrice].Orders {
			if rem <= 0 {
				break
			}
			fq := minInt64(rem, entry.Remaining)
			matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: bidPrice})
			rem -= fq
		}
	}
	return matches
}

// ApplyFill reduces a resting order's remaining quantity, evicting it from
// the book once it is fully filled. Returns the remaining quantity.
func (b *Book) ApplyFill(orderID string, fillQty int64) int64 {
	e := b.index[orderID]
	if e == nil {
		return 0
	}
	e.Remaining -= fillQty
	if e.Remaining <= 0 {
		b.Remove(orderID)
		return 0
	}
	return e.Remaining
}

// ── Internals ────────────────────────────────────────

func (b *Book) addToSide(m map[int64]*Level, prices *[]int64, e *Entry, asc bool) {
	level, ok := m[e.Price]
	if !ok {
		level = &Level{Price: e.Price}
		m[e.Price] = level
		*prices = append(*prices, e.Price)
		if asc {
			sort.Slice(*prices, func(i, j int) bool { return (*prices)[i] < (*prices)[j] })
		} else {
			sort.Slice(*prices, func(i, j int) bool { return (*prices)[i] > (*prices)[j] })
		}
	}
	level.Orders = append(level.Orders, e)
}

func (b *Book) removeFromSide(m map[int64]*Level, prices *[]int64, e *Entry) {
	level, ok := m[e.Price]
	if !ok {
		return
	}
	for i, o := range level.Orders {
		if o.OrderID == e.OrderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		delete(m, e.Price)
		for i, p := range *prices {
			if p == e.Price {
				*prices = append((*prices)[:i], (*prices)[i+1:]...)
				break
			}
		}
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
