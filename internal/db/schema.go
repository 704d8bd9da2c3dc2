package db

import (
	"database/sql"
	"fmt"
)

// schemaStatements creates every table the exchange persists. Statements are
// idempotent and ordered so foreign keys resolve. Trades keep nullable
// references: order ids are null for market takers, user ids are nulled when
// an account is deleted.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password_hash VARCHAR(100) NOT NULL,
		role ENUM('user','manager') NOT NULL DEFAULT 'user',
		cash_balance DECIMAL(18,2) NOT NULL DEFAULT 0.00,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS symbols (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		ticker VARCHAR(16) NOT NULL UNIQUE,
		outstanding_shares BIGINT NOT NULL DEFAULT 0,
		last_price DECIMAL(18,2) NULL,
		previous_price DECIMAL(18,2) NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS positions (
		user_id BIGINT NOT NULL,
		symbol_id BIGINT NOT NULL,
		quantity BIGINT NOT NULL,
		PRIMARY KEY (user_id, symbol_id),
		CONSTRAINT fk_positions_user FOREIGN KEY (user_id)
			REFERENCES users(id) ON DELETE CASCADE,
		CONSTRAINT fk_positions_symbol FOREIGN KEY (symbol_id)
			REFERENCES symbols(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		symbol_id BIGINT NOT NULL,
		side ENUM('buy','sell') NOT NULL,
		type ENUM('limit','market') NOT NULL,
		price DECIMAL(18,2) NULL,
		initial_quantity BIGINT NOT NULL,
		remaining_quantity BIGINT NOT NULL,
		short_reserved BIGINT NOT NULL DEFAULT 0,
		status ENUM('open','filled','cancelled') NOT NULL DEFAULT 'open',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		KEY idx_orders_symbol_status (symbol_id, status),
		KEY idx_orders_user_status (user_id, status),
		CONSTRAINT fk_orders_user FOREIGN KEY (user_id)
			REFERENCES users(id) ON DELETE CASCADE,
		CONSTRAINT fk_orders_symbol FOREIGN KEY (symbol_id)
			REFERENCES symbols(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS trades (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		symbol_id BIGINT NOT NULL,
		buy_order_id BIGINT NULL,
		sell_order_id BIGINT NULL,
		buy_user_id BIGINT NULL,
		sell_user_id BIGINT NULL,
		price DECIMAL(18,2) NOT NULL,
		quantity BIGINT NOT NULL,
		taker_side ENUM('buy','sell') NOT NULL,
		executed_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		KEY idx_trades_symbol_time (symbol_id, executed_at),
		CONSTRAINT fk_trades_symbol FOREIGN KEY (symbol_id)
			REFERENCES symbols(id) ON DELETE CASCADE,
		CONSTRAINT fk_trades_buy_order FOREIGN KEY (buy_order_id)
			REFERENCES orders(id) ON DELETE SET NULL,
		CONSTRAINT fk_trades_sell_order FOREIGN KEY (sell_order_id)
			REFERENCES orders(id) ON DELETE SET NULL,
		CONSTRAINT fk_trades_buy_user FOREIGN KEY (buy_user_id)
			REFERENCES users(id) ON DELETE SET NULL,
		CONSTRAINT fk_trades_sell_user FOREIGN KEY (sell_user_id)
			REFERENCES users(id) ON DELETE SET NULL
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS sessions (
		token CHAR(36) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT fk_sessions_user FOREIGN KEY (user_id)
			REFERENCES users(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
}

// ApplySchema creates any missing tables. Safe to run on every startup.
func ApplySchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
