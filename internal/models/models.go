package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order (buy or sell)
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of an order (limit or market)
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus represents the current status of an order
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// UserRole separates ordinary traders from managers, who control
// symbol lifecycle and the outstanding float.
type UserRole string

const (
	RoleUser    UserRole = "user"
	RoleManager UserRole = "manager"
)

// PriceDirection describes how the last trade price moved relative to the
// one before it.
type PriceDirection string

const (
	PriceUp   PriceDirection = "up"
	PriceDown PriceDirection = "down"
	PriceSame PriceDirection = "same"
)

// User is an account holding cash and per-symbol positions.
type User struct {
	ID           int64           `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Role         UserRole        `json:"role" db:"role"`
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Symbol is a tradable instrument with its outstanding float and the last
// two trade prices (either may be absent before the first trades).
type Symbol struct {
	ID                int64            `json:"id" db:"id"`
	Ticker            string           `json:"ticker" db:"ticker"`
	OutstandingShares int64            `json:"outstanding_shares" db:"outstanding_shares"`
	LastPrice         *decimal.Decimal `json:"last_price" db:"last_price"`
	PreviousPrice     *decimal.Decimal `json:"previous_price" db:"previous_price"`
}

// Position is a signed per-(user, symbol) share count. Negative quantity is
// a short position. Rows that settle to zero are deleted.
type Position struct {
	UserID   int64 `json:"user_id" db:"user_id"`
	SymbolID int64 `json:"symbol_id" db:"symbol_id"`
	Quantity int64 `json:"quantity" db:"quantity"`
}

// Order represents an order in the matching engine. Only limit orders are
// persisted; market orders live inside a single submission and never
// receive an id. ShortReserved is the collateralized short overhang fixed
// at submission time for sell limits.
type Order struct {
	ID                int64            `json:"id" db:"id"`
	UserID            int64            `json:"user_id" db:"user_id"`
	SymbolID          int64            `json:"symbol_id" db:"symbol_id"`
	Side              OrderSide        `json:"side" db:"side"`
	Type              OrderType        `json:"type" db:"type"`
	Price             *decimal.Decimal `json:"price,omitempty" db:"price"`
	InitialQuantity   int64            `json:"initial_quantity" db:"initial_quantity"`
	RemainingQuantity int64            `json:"remaining_quantity" db:"remaining_quantity"`
	ShortReserved     int64            `json:"short_reserved" db:"short_reserved"`
	Status            OrderStatus      `json:"status" db:"status"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of one execution. Order ids are nil on the
// side that was a market taker; user ids are nulled when the account is
// later deleted.
type Trade struct {
	ID          int64           `json:"id" db:"id"`
	SymbolID    int64           `json:"symbol_id" db:"symbol_id"`
	BuyOrderID  *int64          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID *int64          `json:"sell_order_id" db:"sell_order_id"`
	BuyUserID   *int64          `json:"buy_user_id" db:"buy_user_id"`
	SellUserID  *int64          `json:"sell_user_id" db:"sell_user_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	TakerSide   OrderSide       `json:"taker_side" db:"taker_side"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// CreateOrderRequest represents the JSON payload for submitting an order
type CreateOrderRequest struct {
	SymbolID int64            `json:"symbol_id"`
	Side     OrderSide        `json:"side"`
	Type     OrderType        `json:"type"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity int64            `json:"quantity"`
}

// TradeExecution is one fill reported back to the submitter.
type TradeExecution struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// Submission outcomes reported back to the caller.
const (
	SubmissionFilled  = "FILLED"
	SubmissionPartial = "PARTIAL"
	SubmissionOpen    = "OPEN"
)

// CreateOrderResponse represents the response after submitting an order.
// OrderStatus is FILLED, PARTIAL or OPEN.
type CreateOrderResponse struct {
	OrderStatus    string           `json:"orderStatus"`
	TradesExecuted []TradeExecution `json:"tradesExecuted"`
}

// BookLevel is one aggregated price level of a book snapshot.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// BookSnapshot is the public view of one symbol's book.
type BookSnapshot struct {
	Symbol         string           `json:"symbol"`
	LastPrice      *decimal.Decimal `json:"lastPrice"`
	PriceDirection PriceDirection   `json:"priceDirection"`
	BuyOrders      []BookLevel      `json:"buyOrders"`
	SellOrders     []BookLevel      `json:"sellOrders"`
}

// TradeView is one row of the recent-trades feed.
type TradeView struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	TakerSide OrderSide       `json:"taker_side"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProfilePosition is one holding inside a user profile.
type ProfilePosition struct {
	SymbolID int64  `json:"symbol_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// Profile is the authenticated view of an account.
type Profile struct {
	ID          int64             `json:"id"`
	Username    string            `json:"username"`
	Role        UserRole          `json:"role"`
	CashBalance decimal.Decimal   `json:"cash_balance"`
	Positions   []ProfilePosition `json:"positions"`
}

// RegisterRequest is the payload for account creation.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the payload for session creation.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token for subsequent requests.
type LoginResponse struct {
	Token string `json:"token"`
}

// CreateSymbolRequest is the manager payload for listing a new instrument.
type CreateSymbolRequest struct {
	Ticker string `json:"ticker"`
}

// QuantityRequest is the manager payload for mint and burn.
type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

// MessageResponse is the generic human-readable outcome envelope. Non-2xx
// responses reuse the same shape.
type MessageResponse struct {
	Message string `json:"message"`
}
