package engine

import (
	"github.com/shopspring/decimal"

	"github.com/HaoWen46/OrderBook/internal/models"
)

// Fill is one proposed execution against a resting maker order. The price
// is always the maker's resting price.
type Fill struct {
	Maker    *RestingOrder
	Price    decimal.Decimal
	Quantity int64
}

// MatchResult is the outcome of reducing one incoming order against a book
// snapshot: the ordered fills plus the quantity left unmatched.
type MatchResult struct {
	Fills    []Fill
	Residual int64
}

// FilledQuantity sums the quantity across all fills.
func (r *MatchResult) FilledQuantity() int64 {
	var total int64
	for _, f := range r.Fills {
		total += f.Quantity
	}
	return total
}

// LastFillPrice returns the execution price of the final fill, which the
// coordinator stamps as the symbol's last trade price.
func (r *MatchResult) LastFillPrice() (decimal.Decimal, bool) {
	if len(r.Fills) == 0 {
		return decimal.Decimal{}, false
	}
	return r.Fills[len(r.Fills)-1].Price, true
}

// Matcher reduces an incoming order against the book's priority iteration.
// It never mutates the book and never consults user identity; a user's own
// resting orders are matched like anyone else's and settled neutral by the
// coordinator's reconciliation.
type Matcher struct{}

// NewMatcher returns a new Matcher instance.
func NewMatcher() *Matcher { return &Matcher{} }

// Match produces the ordered fills for an incoming order and the residual
// quantity. availableCash bounds market buys: iteration stops before the
// first fill whose cost would exceed the budget left. Limit orders are
// bounded by their price through the book's iteration; with crossing limits
// rejected at validation they produce no fills and simply rest.
func (m *Matcher) Match(order *models.Order, book *OrderBook, availableCash decimal.Decimal) *MatchResult {
	result := &MatchResult{Residual: order.RemainingQuantity}
	if result.Residual <= 0 {
		return result
	}

	marketBuy := order.Side == models.OrderSideBuy && order.Type == models.OrderTypeMarket
	budget := availableCash

	var bound *decimal.Decimal
	if order.Type == models.OrderTypeLimit {
		bound = order.Price
	}

	book.IterMatching(order.Side, bound, func(maker *RestingOrder) bool {
		qty := result.Residual
		if maker.Remaining < qty {
			qty = maker.Remaining
		}

		if marketBuy {
			cost := maker.Price.Mul(decimal.NewFromInt(qty))
			if cost.GreaterThan(budget) {
				return false
			}
			budget = budget.Sub(cost)
		}

		result.Fills = append(result.Fills, Fill{Maker: maker, Price: maker.Price, Quantity: qty})
		result.Residual -= qty
		return result.Residual > 0
	})

	return result
}
