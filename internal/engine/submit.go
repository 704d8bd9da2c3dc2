package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/HaoWen46/OrderBook/internal/models"
)

// submission carries one accepted order through the transaction and out to
// the post-commit book mutations.
type submission struct {
	order  *models.Order
	symbol *models.Symbol
	result *MatchResult
}

// SubmitOrder runs one order submission end to end: validation, cash or
// collateral reservation, book insertion for limits, matching, settlement,
// reconciliation of reserved cash, price stamping and zero-position cleanup,
// all inside one transaction under the symbol lock. The in-memory book is
// touched only after commit.
func (e *Engine) SubmitOrder(userID int64, req *models.CreateOrderRequest) (*models.CreateOrderResponse, error) {
	if err := validateOrderRequest(req); err != nil {
		e.metrics.RecordOrderRejected(string(err.Kind))
		return nil, err
	}

	symbolMutex := e.getSymbolMutex(req.SymbolID)
	symbolMutex.Lock()
	defer symbolMutex.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	sub, err := e.submitTx(tx, userID, req)
	if err != nil {
		tx.Rollback()
		if engineErr, ok := err.(*Error); ok {
			e.metrics.RecordOrderRejected(string(engineErr.Kind))
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.applyToBook(sub)

	e.metrics.RecordOrderAccepted(sub.symbol.Ticker, string(sub.order.Side), string(sub.order.Type))
	for _, fill := range sub.result.Fills {
		e.metrics.RecordTrade(sub.symbol.Ticker, fill.Quantity)
	}
	e.logger.Info("order accepted",
		zap.Int64("order_id", sub.order.ID),
		zap.Int64("user_id", userID),
		zap.String("symbol", sub.symbol.Ticker),
		zap.String("side", string(sub.order.Side)),
		zap.String("type", string(sub.order.Type)),
		zap.Int("fills", len(sub.result.Fills)),
		zap.Int64("residual", sub.result.Residual))

	return submissionResponse(sub.order, sub.result), nil
}

// validateOrderRequest normalizes side and type in place and rejects
// malformed submissions before any state is touched.
func validateOrderRequest(req *models.CreateOrderRequest) *Error {
	req.Side = models.OrderSide(strings.ToLower(strings.TrimSpace(string(req.Side))))
	req.Type = models.OrderType(strings.ToLower(strings.TrimSpace(string(req.Type))))

	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return errInvalidf("side must be %q or %q", models.OrderSideBuy, models.OrderSideSell)
	}
	if req.Type != models.OrderTypeLimit && req.Type != models.OrderTypeMarket {
		return errInvalidf("type must be %q or %q", models.OrderTypeLimit, models.OrderTypeMarket)
	}
	if req.Quantity < 1 {
		return errInvalidf("quantity must be at least 1")
	}
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Price == nil {
			return errInvalidf("price is required for limit orders")
		}
		if !req.Price.IsPositive() {
			return errInvalidf("price must be positive")
		}
		if !req.Price.Equal(req.Price.Round(2)) {
			return errInvalidf("price must have at most two decimal places")
		}
	case models.OrderTypeMarket:
		if req.Price != nil {
			return errInvalidf("market orders must not carry a price")
		}
	}
	return nil
}

func (e *Engine) submitTx(tx *sql.Tx, userID int64, req *models.CreateOrderRequest) (*submission, error) {
	symbol, err := e.getSymbolTx(tx, req.SymbolID)
	if err != nil {
		return nil, err
	}
	user, err := e.getUserTx(tx, userID)
	if err != nil {
		return nil, err
	}
	position, err := e.getPosition(tx, userID, symbol.ID)
	if err != nil {
		return nil, err
	}
	book := e.getOrderBook(symbol.ID)

	// Cross-prevention: a limit order that would execute immediately is
	// rejected rather than matched, which keeps best bid < best ask at rest.
	if req.Type == models.OrderTypeLimit {
		if req.Side == models.OrderSideBuy {
			if ask, ok := book.BestAsk(); ok && req.Price.GreaterThanOrEqual(ask) {
				return nil, ErrCrossesBook
			}
		} else {
			if bid, ok := book.BestBid(); ok && req.Price.LessThanOrEqual(bid) {
				return nil, ErrCrossesBook
			}
		}
	}

	// Short overhang: the part of a sell not covered by the current
	// position. It is bounded by the float and collateralized in cash.
	var overhang int64
	if req.Side == models.OrderSideSell {
		owned := position
		if owned < 0 {
			owned = 0
		}
		if req.Quantity > owned {
			overhang = req.Quantity - owned
		}
		if overhang > symbol.OutstandingShares {
			return nil, ErrInsufficientShares
		}
	}

	// Reservation. The cash precondition and the debit are one conditional
	// statement. Market sells are checked against the reference price but
	// reserve nothing; market buys are bounded per fill by the matcher.
	switch {
	case req.Side == models.OrderSideBuy && req.Type == models.OrderTypeLimit:
		cost := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		if err := e.reserveCash(tx, userID, cost); err != nil {
			return nil, err
		}
	case req.Side == models.OrderSideSell && overhang > 0:
		if req.Type == models.OrderTypeLimit {
			collateral := req.Price.Mul(decimal.NewFromInt(overhang))
			if err := e.reserveCash(tx, userID, collateral); err != nil {
				return nil, err
			}
		} else if ref, ok := marketSellReference(symbol, book); ok {
			need := ref.Mul(decimal.NewFromInt(overhang))
			if user.CashBalance.LessThan(need) {
				return nil, ErrInsufficientFunds
			}
		}
	}

	now := time.Now()
	order := &models.Order{
		UserID:            userID,
		SymbolID:          symbol.ID,
		Side:              req.Side,
		Type:              req.Type,
		Price:             req.Price,
		InitialQuantity:   req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            models.OrderStatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Type == models.OrderTypeLimit {
		order.ShortReserved = overhang
		// Ids are allocated under the symbol lock, so id order equals
		// arrival order and carries the time half of price-time priority.
		res, err := tx.Stmt(e.insertOrderStmt).Exec(
			order.UserID, order.SymbolID, order.Side, order.Type, order.Price,
			order.InitialQuantity, order.RemainingQuantity, order.ShortReserved,
			order.Status, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert order: %w", err)
		}
		order.ID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get order id: %w", err)
		}
	}

	result := e.matcher.Match(order, book, user.CashBalance)
	if req.Type == models.OrderTypeMarket && len(result.Fills) == 0 {
		return nil, ErrNoLiquidity
	}

	if err := e.settleFills(tx, order, result, now); err != nil {
		return nil, err
	}

	// Residual handling. A limit keeps resting OPEN at its reduced
	// remaining; market leftovers are dropped, never persisted.
	if req.Type == models.OrderTypeLimit {
		order.RemainingQuantity = result.Residual
		if result.Residual == 0 {
			order.Status = models.OrderStatusFilled
		}
		if len(result.Fills) > 0 {
			if err := e.updateOrderTx(tx, order.ID, order.RemainingQuantity, order.Status); err != nil {
				return nil, err
			}
		}
	}

	if err := e.stampPrices(tx, symbol, result); err != nil {
		return nil, err
	}
	if len(result.Fills) > 0 {
		if err := e.cleanupZeroPositions(tx, symbol.ID); err != nil {
			return nil, err
		}
	}

	return &submission{order: order, symbol: symbol, result: result}, nil
}

// marketSellReference is the price a market sell's short overhang is
// checked against: the last trade price, or the best bid before any trade
// has printed. Without either, the book has no bids and matching will
// report NO_LIQUIDITY.
func marketSellReference(symbol *models.Symbol, book *OrderBook) (decimal.Decimal, bool) {
	if symbol.LastPrice != nil {
		return *symbol.LastPrice, true
	}
	if bid, ok := book.BestBid(); ok {
		return bid, true
	}
	return decimal.Decimal{}, false
}

// settleFills applies the matcher's proposed fills in order: trade record,
// maker decrement, share transfer, cash transfer, and the reconciliation
// refund for buy-side reservations.
func (e *Engine) settleFills(tx *sql.Tx, order *models.Order, result *MatchResult, now time.Time) error {
	takerCost := decimal.Zero

	for _, fill := range result.Fills {
		maker := fill.Maker
		amount := fill.Price.Mul(decimal.NewFromInt(fill.Quantity))

		var buyOrderID, sellOrderID *int64
		var buyUserID, sellUserID int64
		if order.Side == models.OrderSideBuy {
			buyUserID, sellUserID = order.UserID, maker.UserID
			sellOrderID = &maker.ID
			if order.ID != 0 {
				buyOrderID = &order.ID
			}
		} else {
			buyUserID, sellUserID = maker.UserID, order.UserID
			buyOrderID = &maker.ID
			if order.ID != 0 {
				sellOrderID = &order.ID
			}
		}

		_, err := tx.Stmt(e.insertTradeStmt).Exec(
			order.SymbolID, buyOrderID, sellOrderID, buyUserID, sellUserID,
			fill.Price, fill.Quantity, order.Side, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}

		makerRemaining := maker.Remaining - fill.Quantity
		makerStatus := models.OrderStatusOpen
		if makerRemaining == 0 {
			makerStatus = models.OrderStatusFilled
		}
		if err := e.updateOrderTx(tx, maker.ID, makerRemaining, makerStatus); err != nil {
			return err
		}

		if err := e.adjustPosition(tx, buyUserID, order.SymbolID, fill.Quantity); err != nil {
			return err
		}
		if err := e.adjustPosition(tx, sellUserID, order.SymbolID, -fill.Quantity); err != nil {
			return err
		}

		// The seller is always paid the full trade amount; a shorting
		// seller's collateral stays consumed against the open short.
		if err := e.creditCash(tx, sellUserID, amount); err != nil {
			return err
		}

		if order.Side == models.OrderSideBuy {
			takerCost = takerCost.Add(amount)
		} else {
			// Reconciliation: the maker bought at its own reserved limit
			// price, so any difference between reservation and execution
			// goes back to the buyer. When the buyer and seller are the
			// same user this is what makes the self-trade cash-neutral
			// together with the seller credit above.
			over := maker.Price.Sub(fill.Price).Mul(decimal.NewFromInt(fill.Quantity))
			if over.IsPositive() {
				if err := e.creditCash(tx, buyUserID, over); err != nil {
					return err
				}
			}
		}
	}

	// A market buy pays its whole cost once. The matcher bounded the fills
	// by the balance read in this transaction; the conditional debit guards
	// against a concurrent cross-symbol spend.
	if order.Side == models.OrderSideBuy && order.Type == models.OrderTypeMarket && takerCost.IsPositive() {
		if err := e.reserveCash(tx, order.UserID, takerCost); err != nil {
			return err
		}
	}
	return nil
}

// stampPrices records the last executed fill as the symbol's last trade
// price and shifts the prior one into previous_price, falling back to the
// fill price itself before the first trade.
func (e *Engine) stampPrices(tx *sql.Tx, symbol *models.Symbol, result *MatchResult) error {
	last, ok := result.LastFillPrice()
	if !ok {
		return nil
	}
	previous := last
	if symbol.LastPrice != nil {
		previous = *symbol.LastPrice
	}
	if _, err := tx.Stmt(e.updatePricesStmt).Exec(last, previous, symbol.ID); err != nil {
		return fmt.Errorf("failed to stamp prices: %w", err)
	}
	symbol.LastPrice = &last
	symbol.PreviousPrice = &previous
	return nil
}

// applyToBook mutates the in-memory book after the transaction committed:
// the new limit order starts resting and every maker is decremented.
func (e *Engine) applyToBook(sub *submission) {
	book := e.getOrderBook(sub.symbol.ID)
	if sub.order.Type == models.OrderTypeLimit && sub.order.Status == models.OrderStatusOpen {
		book.Insert(&RestingOrder{
			ID:        sub.order.ID,
			UserID:    sub.order.UserID,
			Side:      sub.order.Side,
			Price:     *sub.order.Price,
			Remaining: sub.order.RemainingQuantity,
		})
	}
	for _, fill := range sub.result.Fills {
		book.Decrement(fill.Maker.ID, fill.Quantity)
	}
}

func submissionResponse(order *models.Order, result *MatchResult) *models.CreateOrderResponse {
	trades := make([]models.TradeExecution, len(result.Fills))
	for i, fill := range result.Fills {
		trades[i] = models.TradeExecution{Price: fill.Price, Quantity: fill.Quantity}
	}

	status := models.SubmissionOpen
	switch {
	case result.Residual == 0:
		status = models.SubmissionFilled
	case len(result.Fills) > 0:
		status = models.SubmissionPartial
	}

	return &models.CreateOrderResponse{OrderStatus: status, TradesExecuted: trades}
}
