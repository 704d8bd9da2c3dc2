package engine

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/HaoWen46/OrderBook/internal/models"
)

const btreeDegree = 32

// RestingOrder is the book's lightweight view of one OPEN limit order. The
// database row stays authoritative; the book carries only what matching and
// snapshots read, referenced by order id.
type RestingOrder struct {
	ID        int64
	UserID    int64
	Side      models.OrderSide
	Price     decimal.Decimal
	Remaining int64
}

// priceLevel queues the resting orders at one price, FIFO. Orders are
// appended in id order, which equals arrival order within a symbol because
// ids are allocated under the symbol lock.
type priceLevel struct {
	price  decimal.Decimal
	orders []*RestingOrder
}

// Less orders levels by ascending price inside the btree.
func (l *priceLevel) Less(other btree.Item) bool {
	return l.price.LessThan(other.(*priceLevel).price)
}

func (l *priceLevel) totalQuantity() int64 {
	var total int64
	for _, o := range l.orders {
		total += o.Remaining
	}
	return total
}

func (l *priceLevel) removeOrder(id int64) {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return
		}
	}
}

// bookSide is one side of the book. desc marks the bid side, whose best
// price is the tree maximum; the ask side's best is the minimum.
type bookSide struct {
	tree *btree.BTree
	desc bool
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), desc: desc}
}

func (s *bookSide) level(price decimal.Decimal) *priceLevel {
	item := s.tree.Get(&priceLevel{price: price})
	if item == nil {
		return nil
	}
	return item.(*priceLevel)
}

func (s *bookSide) getOrCreate(price decimal.Decimal) *priceLevel {
	if l := s.level(price); l != nil {
		return l
	}
	l := &priceLevel{price: price}
	s.tree.ReplaceOrInsert(l)
	return l
}

func (s *bookSide) best() *priceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*priceLevel)
}

// iterate walks levels in priority order: descending price for bids,
// ascending for asks. fn returns false to stop.
func (s *bookSide) iterate(fn func(*priceLevel) bool) {
	wrap := func(item btree.Item) bool { return fn(item.(*priceLevel)) }
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

// OrderBook indexes one symbol's OPEN limit orders on both sides. Writers
// hold the symbol lock and mutate only after their transaction commits;
// snapshot readers take the read lock.
type OrderBook struct {
	symbolID int64
	bids     *bookSide
	asks     *bookSide
	orders   map[int64]*RestingOrder
	mutex    sync.RWMutex
}

// NewOrderBook creates an empty book for one symbol.
func NewOrderBook(symbolID int64) *OrderBook {
	return &OrderBook{
		symbolID: symbolID,
		bids:     newBookSide(true),
		asks:     newBookSide(false),
		orders:   make(map[int64]*RestingOrder),
	}
}

func (b *OrderBook) sideFor(side models.OrderSide) *bookSide {
	if side == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds an OPEN limit order to its side of the book.
func (b *OrderBook) Insert(o *RestingOrder) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, exists := b.orders[o.ID]; exists {
		return
	}
	level := b.sideFor(o.Side).getOrCreate(o.Price)
	level.orders = append(level.orders, o)
	b.orders[o.ID] = o
}

// Decrement reduces a resting order's remaining quantity, removing the
// order once it reaches zero.
func (b *OrderBook) Decrement(id int64, qty int64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return
	}
	o.Remaining -= qty
	if o.Remaining <= 0 {
		b.removeLocked(o)
	}
}

// Remove deletes a resting order outright, dropping its level when empty.
func (b *OrderBook) Remove(id int64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if o, ok := b.orders[id]; ok {
		b.removeLocked(o)
	}
}

func (b *OrderBook) removeLocked(o *RestingOrder) {
	side := b.sideFor(o.Side)
	if level := side.level(o.Price); level != nil {
		level.removeOrder(o.ID)
		if len(level.orders) == 0 {
			side.tree.Delete(level)
		}
	}
	delete(b.orders, o.ID)
}

// BestBid returns the highest resting buy price, if any.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if l := b.bids.best(); l != nil {
		return l.price, true
	}
	return decimal.Decimal{}, false
}

// BestAsk returns the lowest resting sell price, if any.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if l := b.asks.best(); l != nil {
		return l.price, true
	}
	return decimal.Decimal{}, false
}

// IterMatching yields, in priority order, the resting orders on the
// opposite side that an incoming order with the given side and price bound
// could cross: asks with price <= bound for a buy, bids with price >= bound
// for a sell, FIFO within a level. A nil bound (market order) yields the
// whole opposite side. fn returns false to stop. Iteration never mutates
// the book; it is the sole source of price-time priority.
func (b *OrderBook) IterMatching(takerSide models.OrderSide, bound *decimal.Decimal, fn func(*RestingOrder) bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	var opposite *bookSide
	if takerSide == models.OrderSideBuy {
		opposite = b.asks
	} else {
		opposite = b.bids
	}

	opposite.iterate(func(level *priceLevel) bool {
		if bound != nil {
			if takerSide == models.OrderSideBuy && level.price.GreaterThan(*bound) {
				return false
			}
			if takerSide == models.OrderSideSell && level.price.LessThan(*bound) {
				return false
			}
		}
		for _, o := range level.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

// BidLevels returns the aggregated buy side, highest price first.
func (b *OrderBook) BidLevels() []models.BookLevel {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	levels := make([]models.BookLevel, 0, b.bids.tree.Len())
	b.bids.iterate(func(l *priceLevel) bool {
		levels = append(levels, models.BookLevel{Price: l.price, Quantity: l.totalQuantity()})
		return true
	})
	return levels
}

// AskLevels returns the aggregated sell side, lowest price first.
func (b *OrderBook) AskLevels() []models.BookLevel {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	levels := make([]models.BookLevel, 0, b.asks.tree.Len())
	b.asks.iterate(func(l *priceLevel) bool {
		levels = append(levels, models.BookLevel{Price: l.price, Quantity: l.totalQuantity()})
		return true
	})
	return levels
}

// Size returns the number of resting orders across both sides.
func (b *OrderBook) Size() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.orders)
}
