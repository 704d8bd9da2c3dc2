package engine

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/HaoWen46/OrderBook/internal/models"
)

// Ledger operations. Every cash or position write is a single conditional
// statement, so transactions serialized by different symbol locks can touch
// the same user row without driving a balance negative.

// reserveCash atomically verifies balance >= amount and deducts it.
func (e *Engine) reserveCash(tx *sql.Tx, userID int64, amount decimal.Decimal) error {
	res, err := tx.Stmt(e.reserveCashStmt).Exec(amount, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to reserve cash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reserve cash: %w", err)
	}
	if affected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// creditCash unconditionally adds amount to the user's balance.
func (e *Engine) creditCash(tx *sql.Tx, userID int64, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if _, err := tx.Stmt(e.creditCashStmt).Exec(amount, userID); err != nil {
		return fmt.Errorf("failed to credit cash: %w", err)
	}
	return nil
}

// adjustPosition applies a signed share delta, creating the row when absent.
// Rows that settle to zero are swept by cleanupZeroPositions.
func (e *Engine) adjustPosition(tx *sql.Tx, userID, symbolID, delta int64) error {
	if delta == 0 {
		return nil
	}
	if _, err := tx.Stmt(e.adjustPositionStmt).Exec(userID, symbolID, delta); err != nil {
		return fmt.Errorf("failed to adjust position: %w", err)
	}
	return nil
}

// getPosition reads the signed position, defaulting to 0 without a row.
func (e *Engine) getPosition(tx *sql.Tx, userID, symbolID int64) (int64, error) {
	var qty int64
	err := tx.Stmt(e.selectPositionStmt).QueryRow(userID, symbolID).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}
	return qty, nil
}

// cleanupZeroPositions removes position rows that settled to zero for the
// symbol; a zero row is semantically absent.
func (e *Engine) cleanupZeroPositions(tx *sql.Tx, symbolID int64) error {
	if _, err := tx.Stmt(e.cleanPositionsStmt).Exec(symbolID); err != nil {
		return fmt.Errorf("failed to clean up positions: %w", err)
	}
	return nil
}

func scanUser(row interface{ Scan(dest ...any) error }) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Role, &user.CashBalance, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}

// getUserTx reads a user inside the submission transaction.
func (e *Engine) getUserTx(tx *sql.Tx, userID int64) (*models.User, error) {
	return scanUser(tx.Stmt(e.selectUserStmt).QueryRow(userID))
}

// GetUser fetches a user by id.
func (e *Engine) GetUser(userID int64) (*models.User, error) {
	return scanUser(e.selectUserStmt.QueryRow(userID))
}
