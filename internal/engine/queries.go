package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/HaoWen46/OrderBook/internal/models"
)

// recentTradesLimit is how far back the public trade feed reaches.
const recentTradesLimit = 20

// BookSnapshot returns the public view of one symbol's book: aggregated
// price levels on both sides plus the last price and its direction.
func (e *Engine) BookSnapshot(symbolID int64) (*models.BookSnapshot, error) {
	symbol, err := e.GetSymbol(symbolID)
	if err != nil {
		return nil, err
	}
	book := e.getOrderBook(symbolID)

	return &models.BookSnapshot{
		Symbol:         symbol.Ticker,
		LastPrice:      symbol.LastPrice,
		PriceDirection: priceDirection(symbol.LastPrice, symbol.PreviousPrice),
		BuyOrders:      book.BidLevels(),
		SellOrders:     book.AskLevels(),
	}, nil
}

// priceDirection compares the last two trade prices. Before two trades have
// printed there is nothing to compare and the direction reads as unchanged.
func priceDirection(last, previous *decimal.Decimal) models.PriceDirection {
	if last == nil || previous == nil {
		return models.PriceSame
	}
	switch last.Cmp(*previous) {
	case 1:
		return models.PriceUp
	case -1:
		return models.PriceDown
	default:
		return models.PriceSame
	}
}

// RecentTrades returns the latest executions for a symbol, newest first.
func (e *Engine) RecentTrades(symbolID int64) ([]models.TradeView, error) {
	if _, err := e.GetSymbol(symbolID); err != nil {
		return nil, err
	}

	rows, err := e.db.Query(`
		SELECT price, quantity, taker_side, executed_at
		FROM trades
		WHERE symbol_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?
	`, symbolID, recentTradesLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := []models.TradeView{}
	for rows.Next() {
		var t models.TradeView
		if err := rows.Scan(&t.Price, &t.Quantity, &t.TakerSide, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}
