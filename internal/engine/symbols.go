package engine

import (
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/HaoWen46/OrderBook/internal/models"
)

// MaxMintPerCall caps how many shares one mint call may add to the float.
const MaxMintPerCall = 1_000_000

func scanSymbol(row rowScanner) (*models.Symbol, error) {
	var symbol models.Symbol
	var last, previous decimal.NullDecimal

	err := row.Scan(&symbol.ID, &symbol.Ticker, &symbol.OutstandingShares, &last, &previous)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownSymbol
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan symbol: %w", err)
	}
	if last.Valid {
		symbol.LastPrice = &last.Decimal
	}
	if previous.Valid {
		symbol.PreviousPrice = &previous.Decimal
	}
	return &symbol, nil
}

func (e *Engine) getSymbolTx(tx *sql.Tx, symbolID int64) (*models.Symbol, error) {
	return scanSymbol(tx.Stmt(e.selectSymbolStmt).QueryRow(symbolID))
}

// GetSymbol fetches one symbol by id.
func (e *Engine) GetSymbol(symbolID int64) (*models.Symbol, error) {
	return scanSymbol(e.selectSymbolStmt.QueryRow(symbolID))
}

// ListSymbols returns every tradable symbol, oldest listing first.
func (e *Engine) ListSymbols() ([]models.Symbol, error) {
	rows, err := e.db.Query(`
		SELECT id, ticker, outstanding_shares, last_price, previous_price
		FROM symbols
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	symbols := []models.Symbol{}
	for rows.Next() {
		symbol, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, *symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return symbols, nil
}

func requireManager(actor *models.User) error {
	if actor.Role != models.RoleManager {
		return ErrPermissionDenied
	}
	return nil
}

func isDuplicateKey(err error) bool {
	mysqlErr, ok := err.(*mysql.MySQLError)
	return ok && mysqlErr.Number == 1062
}

func validTicker(ticker string) bool {
	if len(ticker) < 1 || len(ticker) > 16 {
		return false
	}
	for _, r := range ticker {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// CreateSymbol lists a new instrument with an empty float and no trade
// history. Manager only.
func (e *Engine) CreateSymbol(actor *models.User, ticker string) (*models.Symbol, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	if !validTicker(ticker) {
		return nil, errInvalidf("ticker must be 1-16 uppercase letters or digits")
	}

	res, err := e.db.Exec(`INSERT INTO symbols (ticker) VALUES (?)`, ticker)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, errInvalidf("ticker %s already exists", ticker)
		}
		return nil, fmt.Errorf("failed to insert symbol: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol id: %w", err)
	}

	e.logger.Info("symbol created",
		zap.Int64("symbol_id", id),
		zap.String("ticker", ticker),
		zap.Int64("manager_id", actor.ID))

	return &models.Symbol{ID: id, Ticker: ticker}, nil
}

// DeleteSymbol delists an instrument. Refused while any OPEN order or
// non-zero position references it; otherwise the row, its order and trade
// history, and the in-memory book all go.
func (e *Engine) DeleteSymbol(actor *models.User, symbolID int64) error {
	if err := requireManager(actor); err != nil {
		return err
	}

	symbolMutex := e.getSymbolMutex(symbolID)
	symbolMutex.Lock()
	defer symbolMutex.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := e.deleteSymbolTx(tx, symbolID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.dropSymbolState(symbolID)
	e.logger.Info("symbol deleted",
		zap.Int64("symbol_id", symbolID),
		zap.Int64("manager_id", actor.ID))
	return nil
}

func (e *Engine) deleteSymbolTx(tx *sql.Tx, symbolID int64) error {
	if _, err := e.getSymbolTx(tx, symbolID); err != nil {
		return err
	}

	var openOrders int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE symbol_id = ? AND status = 'open'`, symbolID,
	).Scan(&openOrders)
	if err != nil {
		return fmt.Errorf("failed to count open orders: %w", err)
	}

	var livePositions int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM positions WHERE symbol_id = ? AND quantity != 0`, symbolID,
	).Scan(&livePositions)
	if err != nil {
		return fmt.Errorf("failed to count positions: %w", err)
	}

	if openOrders > 0 || livePositions > 0 {
		return ErrSymbolInUse
	}

	if _, err := tx.Exec(`DELETE FROM symbols WHERE id = ?`, symbolID); err != nil {
		return fmt.Errorf("failed to delete symbol: %w", err)
	}
	return nil
}

// Mint adds shares to the float and credits them to the invoking manager's
// position. Capped per call.
func (e *Engine) Mint(actor *models.User, symbolID, quantity int64) (*models.Symbol, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	if quantity < 1 || quantity > MaxMintPerCall {
		return nil, errInvalidf("mint quantity must be between 1 and %d", MaxMintPerCall)
	}

	symbolMutex := e.getSymbolMutex(symbolID)
	symbolMutex.Lock()
	defer symbolMutex.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	symbol, err := e.mintTx(tx, actor.ID, symbolID, quantity)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.logger.Info("shares minted",
		zap.Int64("symbol_id", symbolID),
		zap.Int64("quantity", quantity),
		zap.Int64("manager_id", actor.ID),
		zap.Int64("outstanding", symbol.OutstandingShares))
	return symbol, nil
}

func (e *Engine) mintTx(tx *sql.Tx, managerID, symbolID, quantity int64) (*models.Symbol, error) {
	if _, err := e.getSymbolTx(tx, symbolID); err != nil {
		return nil, err
	}

	_, err := tx.Exec(
		`UPDATE symbols SET outstanding_shares = outstanding_shares + ? WHERE id = ?`,
		quantity, symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mint shares: %w", err)
	}
	if err := e.adjustPosition(tx, managerID, symbolID, quantity); err != nil {
		return nil, err
	}
	return e.getSymbolTx(tx, symbolID)
}

// Burn removes shares the invoking manager owns from the float. Refused
// when the float or the manager's own position is smaller than the burn.
func (e *Engine) Burn(actor *models.User, symbolID, quantity int64) (*models.Symbol, error) {
	if err := requireManager(actor); err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, errInvalidf("burn quantity must be at least 1")
	}

	symbolMutex := e.getSymbolMutex(symbolID)
	symbolMutex.Lock()
	defer symbolMutex.Unlock()

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	symbol, err := e.burnTx(tx, actor.ID, symbolID, quantity)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.logger.Info("shares burned",
		zap.Int64("symbol_id", symbolID),
		zap.Int64("quantity", quantity),
		zap.Int64("manager_id", actor.ID),
		zap.Int64("outstanding", symbol.OutstandingShares))
	return symbol, nil
}

func (e *Engine) burnTx(tx *sql.Tx, managerID, symbolID, quantity int64) (*models.Symbol, error) {
	if _, err := e.getSymbolTx(tx, symbolID); err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE symbols SET outstanding_shares = outstanding_shares - ?
		 WHERE id = ? AND outstanding_shares >= ?`,
		quantity, symbolID, quantity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to burn shares: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to burn shares: %w", err)
	}
	if affected == 0 {
		return nil, ErrInsufficientShares
	}

	// The burned shares must come out of the manager's own holdings.
	res, err = tx.Exec(
		`UPDATE positions SET quantity = quantity - ?
		 WHERE user_id = ? AND symbol_id = ? AND quantity >= ?`,
		quantity, managerID, symbolID, quantity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to debit position: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to debit position: %w", err)
	}
	if affected == 0 {
		return nil, ErrInsufficientShares
	}

	if err := e.cleanupZeroPositions(tx, symbolID); err != nil {
		return nil, err
	}
	return e.getSymbolTx(tx, symbolID)
}
