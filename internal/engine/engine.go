package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/HaoWen46/OrderBook/internal/metrics"
	"github.com/HaoWen46/OrderBook/internal/models"
)

// Engine is the order coordinator. It serializes submissions, cancellations
// and float changes per symbol, runs every state mutation inside one MySQL
// transaction, and mutates the in-memory books only after commit, so clients
// observe each operation as atomic: rejected with no state change, or
// committed with its trade list.
type Engine struct {
	db      *sql.DB
	logger  *zap.Logger
	metrics *metrics.Collector
	matcher *Matcher

	orderBooks    map[int64]*OrderBook
	symbolMutexes map[int64]*sync.Mutex
	globalMutex   sync.RWMutex

	// Prepared statements for the submission and cancellation hot paths.
	insertOrderStmt    *sql.Stmt
	updateOrderStmt    *sql.Stmt
	selectOrderStmt    *sql.Stmt
	insertTradeStmt    *sql.Stmt
	selectSymbolStmt   *sql.Stmt
	updatePricesStmt   *sql.Stmt
	reserveCashStmt    *sql.Stmt
	creditCashStmt     *sql.Stmt
	adjustPositionStmt *sql.Stmt
	selectPositionStmt *sql.Stmt
	cleanPositionsStmt *sql.Stmt
	selectUserStmt     *sql.Stmt
}

// NewEngine constructs an Engine and prepares its SQL statements. A nil
// logger or collector is replaced by a no-op so tests stay quiet.
func NewEngine(db *sql.DB, logger *zap.Logger, collector *metrics.Collector) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:            db,
		logger:        logger,
		metrics:       collector,
		matcher:       NewMatcher(),
		orderBooks:    make(map[int64]*OrderBook),
		symbolMutexes: make(map[int64]*sync.Mutex),
	}

	if err := e.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare SQL statements: %w", err)
	}
	return e, nil
}

// prepareStatements prepares commonly used SQL statements.
func (e *Engine) prepareStatements() error {
	statements := []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&e.insertOrderStmt, `
			INSERT INTO orders (
				user_id, symbol_id, side, type, price,
				initial_quantity, remaining_quantity, short_reserved,
				status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`},
		{&e.updateOrderStmt, `
			UPDATE orders
			SET remaining_quantity = ?, status = ?, updated_at = ?
			WHERE id = ?
		`},
		{&e.selectOrderStmt, `
			SELECT id, user_id, symbol_id, side, type, price,
			       initial_quantity, remaining_quantity, short_reserved,
			       status, created_at, updated_at
			FROM orders
			WHERE id = ?
		`},
		{&e.insertTradeStmt, `
			INSERT INTO trades (
				symbol_id, buy_order_id, sell_order_id, buy_user_id, sell_user_id,
				price, quantity, taker_side, executed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`},
		{&e.selectSymbolStmt, `
			SELECT id, ticker, outstanding_shares, last_price, previous_price
			FROM symbols
			WHERE id = ?
		`},
		{&e.updatePricesStmt, `
			UPDATE symbols SET last_price = ?, previous_price = ? WHERE id = ?
		`},
		{&e.reserveCashStmt, `
			UPDATE users SET cash_balance = cash_balance - ?
			WHERE id = ? AND cash_balance >= ?
		`},
		{&e.creditCashStmt, `
			UPDATE users SET cash_balance = cash_balance + ? WHERE id = ?
		`},
		{&e.adjustPositionStmt, `
			INSERT INTO positions (user_id, symbol_id, quantity) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE quantity = quantity + VALUES(quantity)
		`},
		{&e.selectPositionStmt, `
			SELECT quantity FROM positions WHERE user_id = ? AND symbol_id = ?
		`},
		{&e.cleanPositionsStmt, `
			DELETE FROM positions WHERE symbol_id = ? AND quantity = 0
		`},
		{&e.selectUserStmt, `
			SELECT id, username, role, cash_balance, created_at
			FROM users
			WHERE id = ?
		`},
	}

	for _, s := range statements {
		stmt, err := e.db.Prepare(s.query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*s.stmt = stmt
	}
	return nil
}

// Close releases prepared statements held by the engine.
func (e *Engine) Close() error {
	stmts := []*sql.Stmt{
		e.insertOrderStmt,
		e.updateOrderStmt,
		e.selectOrderStmt,
		e.insertTradeStmt,
		e.selectSymbolStmt,
		e.updatePricesStmt,
		e.reserveCashStmt,
		e.creditCashStmt,
		e.adjustPositionStmt,
		e.selectPositionStmt,
		e.cleanPositionsStmt,
		e.selectUserStmt,
	}
	for _, s := range stmts {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

// getSymbolMutex returns the per-symbol mutex, creating it if necessary.
// Every write for a symbol runs under this lock; cross-symbol operations
// proceed in parallel.
func (e *Engine) getSymbolMutex(symbolID int64) *sync.Mutex {
	e.globalMutex.RLock()
	mtx, ok := e.symbolMutexes[symbolID]
	e.globalMutex.RUnlock()

	if !ok {
		e.globalMutex.Lock()
		if mtx, ok = e.symbolMutexes[symbolID]; !ok {
			mtx = &sync.Mutex{}
			e.symbolMutexes[symbolID] = mtx
		}
		e.globalMutex.Unlock()
	}
	return mtx
}

// getOrderBook returns the in-memory book for a symbol, creating it if
// necessary.
func (e *Engine) getOrderBook(symbolID int64) *OrderBook {
	e.globalMutex.RLock()
	ob, ok := e.orderBooks[symbolID]
	e.globalMutex.RUnlock()

	if !ok {
		e.globalMutex.Lock()
		if ob, ok = e.orderBooks[symbolID]; !ok {
			ob = NewOrderBook(symbolID)
			e.orderBooks[symbolID] = ob
		}
		e.globalMutex.Unlock()
	}
	return ob
}

// dropSymbolState removes the book and mutex of a deleted symbol. Callers
// hold the symbol mutex, so no submission is in flight.
func (e *Engine) dropSymbolState(symbolID int64) {
	e.globalMutex.Lock()
	delete(e.orderBooks, symbolID)
	delete(e.symbolMutexes, symbolID)
	e.globalMutex.Unlock()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var price decimal.NullDecimal

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.SymbolID,
		&order.Side,
		&order.Type,
		&price,
		&order.InitialQuantity,
		&order.RemainingQuantity,
		&order.ShortReserved,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownOrder
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if price.Valid {
		order.Price = &price.Decimal
	}
	return &order, nil
}

func (e *Engine) getOrderTx(tx *sql.Tx, orderID int64) (*models.Order, error) {
	return scanOrder(tx.Stmt(e.selectOrderStmt).QueryRow(orderID))
}

func (e *Engine) getOrderByID(orderID int64) (*models.Order, error) {
	return scanOrder(e.selectOrderStmt.QueryRow(orderID))
}

// GetOrder fetches an order on behalf of its owner. A missing order and an
// order owned by someone else look the same to the caller.
func (e *Engine) GetOrder(userID, orderID int64) (*models.Order, error) {
	order, err := e.getOrderByID(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrUnknownOrder
	}
	return order, nil
}

// updateOrderTx rewrites an order's remaining quantity and status.
func (e *Engine) updateOrderTx(tx *sql.Tx, orderID, remaining int64, status models.OrderStatus) error {
	if _, err := tx.Stmt(e.updateOrderStmt).Exec(remaining, status, time.Now(), orderID); err != nil {
		return fmt.Errorf("failed to update order %d: %w", orderID, err)
	}
	return nil
}

// CancelOrder cancels an OPEN order on behalf of its owner, releasing the
// buy reservation or the remaining short collateral. Cancellation is final
// and idempotent: a second cancel, a cancel of a closed order, and a cancel
// of someone else's order all report the order as not found or closed.
func (e *Engine) CancelOrder(userID, orderID int64) (*models.Order, error) {
	// Pre-read to learn the symbol; the authoritative status check happens
	// again inside the transaction under the symbol lock.
	order, err := e.getOrderByID(orderID)
	if err != nil {
		return nil, err
	}

	symbolMutex := e.getSymbolMutex(order.SymbolID)
	symbolMutex.Lock()
	defer symbolMutex.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	order, err = e.cancelTx(tx, userID, orderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.getOrderBook(order.SymbolID).Remove(order.ID)
	e.metrics.RecordCancellation()
	e.logger.Info("order cancelled",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("symbol_id", order.SymbolID))

	return order, nil
}

func (e *Engine) cancelTx(tx *sql.Tx, userID, orderID int64) (*models.Order, error) {
	order, err := e.getOrderTx(tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusOpen || order.UserID != userID {
		return nil, ErrUnknownOrder
	}

	refund := cancelRefund(order)
	if refund.IsPositive() {
		if err := e.creditCash(tx, order.UserID, refund); err != nil {
			return nil, err
		}
	}

	if err := e.updateOrderTx(tx, order.ID, 0, models.OrderStatusCancelled); err != nil {
		return nil, err
	}

	order.RemainingQuantity = 0
	order.Status = models.OrderStatusCancelled
	return order, nil
}

// cancelRefund is the cash released when an OPEN order is cancelled: the
// full reservation price x remaining for buys; for sells, price x
// min(remaining, short_reserved), since fills consume the covered quantity
// before they start consuming collateral.
func cancelRefund(order *models.Order) decimal.Decimal {
	if order.Price == nil {
		return decimal.Zero
	}
	if order.Side == models.OrderSideBuy {
		return order.Price.Mul(decimal.NewFromInt(order.RemainingQuantity))
	}
	reserved := order.ShortReserved
	if order.RemainingQuantity < reserved {
		reserved = order.RemainingQuantity
	}
	return order.Price.Mul(decimal.NewFromInt(reserved))
}

// CancelAllForUser cancels every OPEN order a user has, symbol by symbol,
// releasing the reservations. Used when an account is deleted. Orders that
// close concurrently are skipped.
func (e *Engine) CancelAllForUser(userID int64) error {
	rows, err := e.db.Query(
		`SELECT id FROM orders WHERE user_id = ? AND status = 'open' ORDER BY id`, userID)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating orders: %w", err)
	}

	for _, id := range ids {
		if _, err := e.CancelOrder(userID, id); err != nil {
			if errors.Is(err, ErrUnknownOrder) {
				continue
			}
			return err
		}
	}
	return nil
}

// LoadOpenOrders rebuilds every in-memory book from the OPEN limit orders
// on disk. Call during startup before the server listens.
func (e *Engine) LoadOpenOrders() error {
	rows, err := e.db.Query(`
		SELECT id, user_id, symbol_id, side, price, remaining_quantity
		FROM orders
		WHERE status = 'open' AND type = 'limit'
		ORDER BY symbol_id ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var (
			id, userID, symbolID, remaining int64
			side                            models.OrderSide
			price                           decimal.Decimal
		)
		if err := rows.Scan(&id, &userID, &symbolID, &side, &price, &remaining); err != nil {
			return fmt.Errorf("failed to scan order: %w", err)
		}
		e.getOrderBook(symbolID).Insert(&RestingOrder{
			ID:        id,
			UserID:    userID,
			Side:      side,
			Price:     price,
			Remaining: remaining,
		})
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating orders: %w", err)
	}

	e.logger.Info("order books restored", zap.Int("orders", loaded))
	return nil
}
