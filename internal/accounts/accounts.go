// Package accounts owns user registration, session tokens, profiles, and
// account deletion. The matching engine stays identity-agnostic; everything
// user-facing about identity lives here.
package accounts

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/HaoWen46/OrderBook/internal/engine"
	"github.com/HaoWen46/OrderBook/internal/models"
)

// Service implements account CRUD and bearer-token sessions on top of the
// same database the engine settles against.
type Service struct {
	db              *sql.DB
	engine          *engine.Engine
	logger          *zap.Logger
	startingBalance decimal.Decimal
}

// NewService builds the account service. startingBalance is the cash every
// new registration begins with.
func NewService(db *sql.DB, eng *engine.Engine, logger *zap.Logger, startingBalance decimal.Decimal) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:              db,
		engine:          eng,
		logger:          logger,
		startingBalance: startingBalance,
	}
}

func validUsername(username string) bool {
	if len(username) < 3 || len(username) > 32 {
		return false
	}
	for _, r := range username {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

func isDuplicateKey(err error) bool {
	mysqlErr, ok := err.(*mysql.MySQLError)
	return ok && mysqlErr.Number == 1062
}

func scanUser(row interface{ Scan(dest ...any) error }) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Role, &user.CashBalance, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, engine.ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &user, nil
}

// Register creates a trading account with the starting balance.
func (s *Service) Register(username, password string) (*models.User, error) {
	if !validUsername(username) {
		return nil, &engine.Error{
			Kind:    engine.KindInvalidInput,
			Message: "username must be 3-32 letters, digits or underscores",
		}
	}
	if len(password) < 8 {
		return nil, &engine.Error{
			Kind:    engine.KindInvalidInput,
			Message: "password must be at least 8 characters",
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, role, cash_balance) VALUES (?, ?, 'user', ?)`,
		username, string(hash), s.startingBalance,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, &engine.Error{Kind: engine.KindInvalidInput, Message: "username already taken"}
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}

	s.logger.Info("user registered", zap.Int64("user_id", id), zap.String("username", username))
	return s.getUser(id)
}

func (s *Service) getUser(userID int64) (*models.User, error) {
	return scanUser(s.db.QueryRow(
		`SELECT id, username, role, cash_balance, created_at FROM users WHERE id = ?`, userID))
}

// Login verifies the credentials and mints a bearer token for the session.
func (s *Service) Login(username, password string) (string, error) {
	var userID int64
	var hash string
	err := s.db.QueryRow(
		`SELECT id, password_hash FROM users WHERE username = ?`, username,
	).Scan(&userID, &hash)
	if err == sql.ErrNoRows {
		return "", engine.ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("failed to read user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", engine.ErrUnauthenticated
	}

	token := uuid.NewString()
	if _, err := s.db.Exec(
		`INSERT INTO sessions (token, user_id) VALUES (?, ?)`, token, userID,
	); err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}

	s.logger.Info("user logged in", zap.Int64("user_id", userID))
	return token, nil
}

// Authenticate resolves a bearer token to its account.
func (s *Service) Authenticate(token string) (*models.User, error) {
	if token == "" {
		return nil, engine.ErrUnauthenticated
	}
	user, err := scanUser(s.db.QueryRow(`
		SELECT u.id, u.username, u.role, u.cash_balance, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token = ?
	`, token))
	if errors.Is(err, engine.ErrUnknownUser) {
		return nil, engine.ErrUnauthenticated
	}
	return user, err
}

// Logout discards the session. Idempotent.
func (s *Service) Logout(token string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Profile returns the account with its holdings joined to their tickers.
func (s *Service) Profile(userID int64) (*models.Profile, error) {
	user, err := s.getUser(userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT p.symbol_id, sym.ticker, p.quantity
		FROM positions p
		JOIN symbols sym ON sym.id = p.symbol_id
		WHERE p.user_id = ?
		ORDER BY p.symbol_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := []models.ProfilePosition{}
	for rows.Next() {
		var p models.ProfilePosition
		if err := rows.Scan(&p.SymbolID, &p.Symbol, &p.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return &models.Profile{
		ID:          user.ID,
		Username:    user.Username,
		Role:        user.Role,
		CashBalance: user.CashBalance,
		Positions:   positions,
	}, nil
}

// Delete removes an account: its open orders are cancelled first so every
// reservation is released, then the row goes, cascading positions and
// sessions and nulling the account out of trade history. The last remaining
// manager cannot be deleted.
func (s *Service) Delete(user *models.User) error {
	// Check before touching any orders, so a refused delete changes nothing.
	// The count is re-taken under lock below; this one only keeps a doomed
	// delete from cancelling the manager's open orders first.
	if user.Role == models.RoleManager {
		var managers int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM users WHERE role = 'manager'`,
		).Scan(&managers); err != nil {
			return fmt.Errorf("failed to count managers: %w", err)
		}
		if managers <= 1 {
			return engine.ErrLastManager
		}
	}

	if err := s.engine.CancelAllForUser(user.ID); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if user.Role == models.RoleManager {
		// Lock the manager rows so two managers cannot delete themselves
		// concurrently and leave the exchange unmanaged.
		var managers int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM users WHERE role = 'manager' FOR UPDATE`,
		).Scan(&managers)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to count managers: %w", err)
		}
		if managers <= 1 {
			tx.Rollback()
			return engine.ErrLastManager
		}
	}

	if _, err := tx.Exec(`DELETE FROM users WHERE id = ?`, user.ID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("user deleted", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return nil
}

// EnsureManager bootstraps the first manager account. It does nothing when
// any manager already exists, so a redeploy never resets credentials.
func (s *Service) EnsureManager(username, password string) error {
	var managers int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM users WHERE role = 'manager'`,
	).Scan(&managers); err != nil {
		return fmt.Errorf("failed to count managers: %w", err)
	}
	if managers > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO users (username, password_hash, role, cash_balance) VALUES (?, ?, 'manager', ?)`,
		username, string(hash), s.startingBalance,
	); err != nil {
		return fmt.Errorf("failed to insert manager: %w", err)
	}

	s.logger.Info("bootstrap manager created", zap.String("username", username))
	return nil
}
