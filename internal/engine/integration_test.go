package engine

import (
	"database/sql"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HaoWen46/OrderBook/internal/db"
	"github.com/HaoWen46/OrderBook/internal/models"
)

// Integration tests run against a real MySQL database and are skipped when
// DB_DSN is unset. Plain DSNs must carry parseTime=true; mysql:// URIs get
// it automatically.

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("DB_DSN") == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}
	database, err := db.Connect()
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplySchema(database), "failed to apply schema")
	resetExchange(t, database)
	return database
}

// resetExchange wipes every table in foreign-key order so each test starts
// from an empty exchange.
func resetExchange(t *testing.T, database *sql.DB) {
	t.Helper()
	for _, table := range []string{"trades", "orders", "positions", "sessions", "users", "symbols"} {
		_, err := database.Exec("DELETE FROM " + table)
		require.NoError(t, err, "failed to reset table %s", table)
	}
}

func newTestEngine(t *testing.T, database *sql.DB) *Engine {
	t.Helper()
	eng, err := NewEngine(database, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func createTestUser(t *testing.T, database *sql.DB, username string, role models.UserRole, cash string) int64 {
	t.Helper()
	res, err := database.Exec(
		`INSERT INTO users (username, password_hash, role, cash_balance) VALUES (?, 'test-hash', ?, ?)`,
		username, string(role), cash,
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func createTestSymbol(t *testing.T, database *sql.DB, ticker string, outstanding int64) int64 {
	t.Helper()
	res, err := database.Exec(
		`INSERT INTO symbols (ticker, outstanding_shares) VALUES (?, ?)`, ticker, outstanding)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func setTestPosition(t *testing.T, database *sql.DB, userID, symbolID, qty int64) {
	t.Helper()
	_, err := database.Exec(
		`INSERT INTO positions (user_id, symbol_id, quantity) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE quantity = VALUES(quantity)`, userID, symbolID, qty)
	require.NoError(t, err)
}

func setTestLastPrice(t *testing.T, database *sql.DB, symbolID int64, price string) {
	t.Helper()
	_, err := database.Exec(`UPDATE symbols SET last_price = ? WHERE id = ?`, price, symbolID)
	require.NoError(t, err)
}

// seedExchange builds the state most scenarios start from: two traders with
// 10,000 cash each and one symbol whose 100 outstanding shares all sit with
// the first trader. No trades have printed yet.
func seedExchange(t *testing.T, database *sql.DB) (eng *Engine, u1, u2, symbolID int64) {
	t.Helper()
	u1 = createTestUser(t, database, "trader_one", models.RoleUser, "10000.00")
	u2 = createTestUser(t, database, "trader_two", models.RoleUser, "10000.00")
	symbolID = createTestSymbol(t, database, "ACME", 100)
	setTestPosition(t, database, u1, symbolID, 100)
	eng = newTestEngine(t, database)
	return eng, u1, u2, symbolID
}

func limitReq(symbolID int64, side models.OrderSide, price string, qty int64) *models.CreateOrderRequest {
	p := decimal.RequireFromString(price)
	return &models.CreateOrderRequest{
		SymbolID: symbolID,
		Side:     side,
		Type:     models.OrderTypeLimit,
		Price:    &p,
		Quantity: qty,
	}
}

func marketReq(symbolID int64, side models.OrderSide, qty int64) *models.CreateOrderRequest {
	return &models.CreateOrderRequest{
		SymbolID: symbolID,
		Side:     side,
		Type:     models.OrderTypeMarket,
		Quantity: qty,
	}
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "expected %s, got %s", want, got)
}

func cashOf(t *testing.T, database *sql.DB, userID int64) decimal.Decimal {
	t.Helper()
	var cash decimal.Decimal
	err := database.QueryRow(`SELECT cash_balance FROM users WHERE id = ?`, userID).Scan(&cash)
	require.NoError(t, err)
	return cash
}

func requireCash(t *testing.T, database *sql.DB, userID int64, want string) {
	t.Helper()
	got := cashOf(t, database, userID)
	require.True(t, got.Equal(decimal.RequireFromString(want)), "expected cash %s, got %s", want, got)
}

// positionOf mirrors the engine's view: a missing row reads as zero.
func positionOf(t *testing.T, database *sql.DB, userID, symbolID int64) int64 {
	t.Helper()
	var qty int64
	err := database.QueryRow(
		`SELECT quantity FROM positions WHERE user_id = ? AND symbol_id = ?`, userID, symbolID).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0
	}
	require.NoError(t, err)
	return qty
}

func sumPositionsOf(t *testing.T, database *sql.DB, symbolID int64) int64 {
	t.Helper()
	var sum int64
	err := database.QueryRow(
		`SELECT COALESCE(SUM(quantity), 0) FROM positions WHERE symbol_id = ?`, symbolID).Scan(&sum)
	require.NoError(t, err)
	return sum
}

func openOrdersOf(t *testing.T, database *sql.DB, symbolID int64) int {
	t.Helper()
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE symbol_id = ? AND status = 'open'`, symbolID).Scan(&count)
	require.NoError(t, err)
	return count
}

func lastOrderIDOf(t *testing.T, database *sql.DB, userID int64) int64 {
	t.Helper()
	var id int64
	err := database.QueryRow(
		`SELECT id FROM orders WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID).Scan(&id)
	require.NoError(t, err)
	return id
}

type orderRow struct {
	UserID    int64
	Remaining int64
	Status    models.OrderStatus
	Short     int64
}

func orderRowOf(t *testing.T, database *sql.DB, orderID int64) orderRow {
	t.Helper()
	var row orderRow
	err := database.QueryRow(
		`SELECT user_id, remaining_quantity, status, short_reserved FROM orders WHERE id = ?`, orderID).
		Scan(&row.UserID, &row.Remaining, &row.Status, &row.Short)
	require.NoError(t, err)
	return row
}

type tradeRow struct {
	BuyOrderID  *int64
	SellOrderID *int64
	BuyUserID   *int64
	SellUserID  *int64
	Price       decimal.Decimal
	Quantity    int64
	TakerSide   models.OrderSide
}

func tradesOf(t *testing.T, database *sql.DB, symbolID int64) []tradeRow {
	t.Helper()
	rows, err := database.Query(`
		SELECT buy_order_id, sell_order_id, buy_user_id, sell_user_id, price, quantity, taker_side
		FROM trades
		WHERE symbol_id = ?
		ORDER BY id ASC
	`, symbolID)
	require.NoError(t, err)
	defer rows.Close()

	var trades []tradeRow
	for rows.Next() {
		var tr tradeRow
		require.NoError(t, rows.Scan(
			&tr.BuyOrderID, &tr.SellOrderID, &tr.BuyUserID, &tr.SellUserID,
			&tr.Price, &tr.Quantity, &tr.TakerSide))
		trades = append(trades, tr)
	}
	require.NoError(t, rows.Err())
	return trades
}

// TestCrossingLimitRejected: a limit order that would execute immediately is
// refused outright with no state change; the caller is told to resubmit as a
// market order. This keeps best bid strictly below best ask at rest.
func TestCrossingLimitRejected(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 10))
	require.NoError(t, err)

	// At the ask.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "100.00", 5))
	require.ErrorIs(t, err, ErrCrossesBook)

	// Above the ask.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "120.00", 4))
	require.ErrorIs(t, err, ErrCrossesBook)

	// Symmetric for a sell at or below the best bid.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "95.00", 5))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "95.00", 5))
	require.ErrorIs(t, err, ErrCrossesBook)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "94.00", 5))
	require.ErrorIs(t, err, ErrCrossesBook)

	// Rejections left nothing behind: one resting order per trader, the
	// buyer's reservation for the accepted bid, no trades.
	assert.Equal(t, 2, openOrdersOf(t, database, symbolID))
	assert.Equal(t, 2, eng.getOrderBook(symbolID).Size())
	requireCash(t, database, u1, "10000.00")
	requireCash(t, database, u2, "9525.00")
	assert.Empty(t, tradesOf(t, database, symbolID))
}

// TestMarketBuyFillsAtMakerPrice: the taker executes at the resting price,
// cash and shares move by exactly opposite amounts, and the symbol's last
// price is stamped.
func TestMarketBuyFillsAtMakerPrice(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 10))
	require.NoError(t, err)
	makerID := lastOrderIDOf(t, database, u1)

	resp, err := eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 4))
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFilled, resp.OrderStatus)
	require.Len(t, resp.TradesExecuted, 1)
	requireDec(t, "100.00", resp.TradesExecuted[0].Price)
	assert.Equal(t, int64(4), resp.TradesExecuted[0].Quantity)

	requireCash(t, database, u1, "10400.00")
	requireCash(t, database, u2, "9600.00")
	assert.Equal(t, int64(96), positionOf(t, database, u1, symbolID))
	assert.Equal(t, int64(4), positionOf(t, database, u2, symbolID))

	// The maker rests at its reduced remaining quantity.
	maker := orderRowOf(t, database, makerID)
	assert.Equal(t, int64(6), maker.Remaining)
	assert.Equal(t, models.OrderStatusOpen, maker.Status)

	// The trade carries the maker's order id; the market taker has none.
	trades := tradesOf(t, database, symbolID)
	require.Len(t, trades, 1)
	assert.Nil(t, trades[0].BuyOrderID)
	require.NotNil(t, trades[0].SellOrderID)
	assert.Equal(t, makerID, *trades[0].SellOrderID)
	assert.Equal(t, models.OrderSideBuy, trades[0].TakerSide)

	symbol, err := eng.GetSymbol(symbolID)
	require.NoError(t, err)
	require.NotNil(t, symbol.LastPrice)
	requireDec(t, "100.00", *symbol.LastPrice)
}

// TestPartialMarketFill: a market buy walks the asks, stops when the book is
// exhausted, and the unfilled remainder is dropped rather than rested.
func TestPartialMarketFill(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 3))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "101.00", 3))
	require.NoError(t, err)

	resp, err := eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPartial, resp.OrderStatus)
	require.Len(t, resp.TradesExecuted, 2)
	requireDec(t, "100.00", resp.TradesExecuted[0].Price)
	assert.Equal(t, int64(3), resp.TradesExecuted[0].Quantity)
	requireDec(t, "101.00", resp.TradesExecuted[1].Price)
	assert.Equal(t, int64(3), resp.TradesExecuted[1].Quantity)

	requireCash(t, database, u2, "9397.00")
	requireCash(t, database, u1, "10603.00")
	assert.Equal(t, int64(94), positionOf(t, database, u1, symbolID))
	assert.Equal(t, int64(6), positionOf(t, database, u2, symbolID))

	// The market remainder neither rests nor persists.
	var u2Orders int
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE user_id = ?`, u2).Scan(&u2Orders))
	assert.Equal(t, 0, u2Orders)
	assert.Equal(t, 0, eng.getOrderBook(symbolID).Size())

	// Both fills happened in one submission, so last and previous price are
	// stamped from the same batch.
	snapshot, err := eng.BookSnapshot(symbolID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.LastPrice)
	requireDec(t, "101.00", *snapshot.LastPrice)
	assert.Equal(t, models.PriceSame, snapshot.PriceDirection)
	assert.Empty(t, snapshot.BuyOrders)
	assert.Empty(t, snapshot.SellOrders)
}

// TestSelfTradeNeutrality: a marketable order crossing the same user's
// resting limit produces a real trade and price stamp but zero net cash and
// zero net position change for that user.
func TestSelfTradeNeutrality(t *testing.T) {
	database := testDB(t)
	eng, u1, _, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideBuy, "90.00", 5))
	require.NoError(t, err)
	makerID := lastOrderIDOf(t, database, u1)
	requireCash(t, database, u1, "9550.00") // reservation held while resting

	resp, err := eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideSell, 5))
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFilled, resp.OrderStatus)
	require.Len(t, resp.TradesExecuted, 1)
	requireDec(t, "90.00", resp.TradesExecuted[0].Price)
	assert.Equal(t, int64(5), resp.TradesExecuted[0].Quantity)

	// The taker leg and the maker leg cancel exactly.
	requireCash(t, database, u1, "10000.00")
	assert.Equal(t, int64(100), positionOf(t, database, u1, symbolID))

	maker := orderRowOf(t, database, makerID)
	assert.Equal(t, models.OrderStatusFilled, maker.Status)
	assert.Equal(t, int64(0), maker.Remaining)

	trades := tradesOf(t, database, symbolID)
	require.Len(t, trades, 1)
	require.NotNil(t, trades[0].BuyUserID)
	require.NotNil(t, trades[0].SellUserID)
	assert.Equal(t, *trades[0].BuyUserID, *trades[0].SellUserID)
	assert.Equal(t, models.OrderSideSell, trades[0].TakerSide)

	symbol, err := eng.GetSymbol(symbolID)
	require.NoError(t, err)
	require.NotNil(t, symbol.LastPrice)
	requireDec(t, "90.00", *symbol.LastPrice)
}

// TestShortSaleCollateralLifecycle: an uncovered sell reserves collateral at
// its own limit price, cancellation releases exactly that reservation, and a
// second cancel reports the order as already closed.
func TestShortSaleCollateralLifecycle(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)
	setTestLastPrice(t, database, symbolID, "100.00")

	_, err := eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideSell, "120.00", 5))
	require.NoError(t, err)
	orderID := lastOrderIDOf(t, database, u2)
	requireCash(t, database, u2, "9400.00") // 120 x 5 held as short collateral
	assert.Equal(t, int64(5), orderRowOf(t, database, orderID).Short)

	// Cancellation by a non-owner reads the same as a missing order.
	_, err = eng.CancelOrder(u1, orderID)
	require.ErrorIs(t, err, ErrUnknownOrder)
	requireCash(t, database, u2, "9400.00")

	cancelled, err := eng.CancelOrder(u2, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(0), cancelled.RemainingQuantity)
	requireCash(t, database, u2, "10000.00")
	assert.Equal(t, 0, eng.getOrderBook(symbolID).Size())

	// Cancellation is final and idempotent.
	_, err = eng.CancelOrder(u2, orderID)
	require.ErrorIs(t, err, ErrUnknownOrder)
	requireCash(t, database, u2, "10000.00")
}

// TestShortMakerFill: filling a resting short moves the trade amount between
// the two traders symmetrically, consumes the filled slice of collateral,
// and leaves the signed sum of positions equal to the outstanding float.
func TestShortMakerFill(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideSell, "120.00", 5))
	require.NoError(t, err)
	orderID := lastOrderIDOf(t, database, u2)
	requireCash(t, database, u2, "9400.00")

	// Across the fill itself the two cash deltas are exact opposites.
	resp, err := eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideBuy, 2))
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionFilled, resp.OrderStatus)
	requireCash(t, database, u1, "9760.00")  // -240
	requireCash(t, database, u2, "9640.00")  // +240 proceeds
	assert.Equal(t, int64(102), positionOf(t, database, u1, symbolID))
	assert.Equal(t, int64(-2), positionOf(t, database, u2, symbolID))
	assert.Equal(t, int64(100), sumPositionsOf(t, database, symbolID))

	// Cancelling the remainder releases collateral only for the still
	// unfilled short quantity; the filled slice stays consumed against the
	// open short position.
	_, err = eng.CancelOrder(u2, orderID)
	require.NoError(t, err)
	requireCash(t, database, u2, "10000.00") // 9400 + 240 + 360
	assert.Equal(t, int64(-2), positionOf(t, database, u2, symbolID))
}

// TestBuyerNetCashIndependentOfFillOrder: however a resting buy gets filled
// and whenever it is cancelled, the buyer's net cash equals the sum of the
// fill amounts and nothing else.
func TestBuyerNetCashIndependentOfFillOrder(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "90.00", 10))
	require.NoError(t, err)
	orderID := lastOrderIDOf(t, database, u2)
	requireCash(t, database, u2, "9100.00")

	_, err = eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideSell, 3))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideSell, 4))
	require.NoError(t, err)

	maker := orderRowOf(t, database, orderID)
	assert.Equal(t, int64(3), maker.Remaining)
	assert.Equal(t, models.OrderStatusOpen, maker.Status)

	_, err = eng.CancelOrder(u2, orderID)
	require.NoError(t, err)

	// Net: -900 reserved, +270 released, 7 shares bought at 90.
	requireCash(t, database, u2, "9370.00")
	assert.Equal(t, int64(7), positionOf(t, database, u2, symbolID))
	requireCash(t, database, u1, "10630.00")
	assert.Equal(t, int64(93), positionOf(t, database, u1, symbolID))
	assert.Equal(t, int64(100), sumPositionsOf(t, database, symbolID))
}

// TestPriceTimePriorityAmongEqualPrices: equally priced makers fill in
// submission order, and the trade records carry the maker ids in that order.
func TestPriceTimePriorityAmongEqualPrices(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 3))
	require.NoError(t, err)
	firstID := lastOrderIDOf(t, database, u1)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 5))
	require.NoError(t, err)
	secondID := lastOrderIDOf(t, database, u1)
	require.Greater(t, secondID, firstID)

	resp, err := eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 4))
	require.NoError(t, err)
	require.Len(t, resp.TradesExecuted, 2)

	trades := tradesOf(t, database, symbolID)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[0].SellOrderID)
	require.NotNil(t, trades[1].SellOrderID)
	assert.Equal(t, firstID, *trades[0].SellOrderID)
	assert.Equal(t, int64(3), trades[0].Quantity)
	assert.Equal(t, secondID, *trades[1].SellOrderID)
	assert.Equal(t, int64(1), trades[1].Quantity)

	assert.Equal(t, models.OrderStatusFilled, orderRowOf(t, database, firstID).Status)
	second := orderRowOf(t, database, secondID)
	assert.Equal(t, models.OrderStatusOpen, second.Status)
	assert.Equal(t, int64(4), second.Remaining)
}

// TestMarketOrderRequiresLiquidity: a market order that cannot produce a
// single fill is rejected without any state change.
func TestMarketOrderRequiresLiquidity(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 5))
	require.ErrorIs(t, err, ErrNoLiquidity)

	_, err = eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideSell, 5))
	require.ErrorIs(t, err, ErrNoLiquidity)

	// An ask the buyer cannot afford even one fill of counts as no liquidity
	// for the whole submission.
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "5000.00", 3))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 3))
	require.ErrorIs(t, err, ErrNoLiquidity)

	requireCash(t, database, u1, "10000.00")
	requireCash(t, database, u2, "10000.00")
	assert.Empty(t, tradesOf(t, database, symbolID))

	var marketOrders int
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE type = 'market'`).Scan(&marketOrders))
	assert.Equal(t, 0, marketOrders)
}

// TestReservationPreconditions covers the rejections raised before anything
// is written: unknown references, cash checks, and the outstanding-float
// bound on short overhang.
func TestReservationPreconditions(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u2, limitReq(9999, models.OrderSideBuy, "10.00", 1))
	require.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = eng.SubmitOrder(987654, limitReq(symbolID, models.OrderSideBuy, "10.00", 1))
	require.ErrorIs(t, err, ErrUnknownUser)

	// Buy reservation: 200 x 100.00 needs 20,000.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "100.00", 200))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Short overhang beyond the float: u2 owns nothing, 150 > 100.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideSell, "10.00", 150))
	require.ErrorIs(t, err, ErrInsufficientShares)

	// Short collateral the seller cannot cover: 100 x 150.00 needs 15,000.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideSell, "150.00", 100))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Market sells check the overhang against the last trade price.
	setTestLastPrice(t, database, symbolID, "200.00")
	_, err = eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideSell, 90))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// A covered sell is bounded by neither check.
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "150.00", 100))
	require.NoError(t, err)
	requireCash(t, database, u1, "10000.00")

	requireCash(t, database, u2, "10000.00")
	assert.Equal(t, 1, openOrdersOf(t, database, symbolID))
}

// TestRecentTradesNewestFirst: the public feed returns executions newest
// first.
func TestRecentTradesNewestFirst(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 50))
	require.NoError(t, err)
	for qty := int64(1); qty <= 4; qty++ {
		_, err = eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, qty))
		require.NoError(t, err)
	}

	feed, err := eng.RecentTrades(symbolID)
	require.NoError(t, err)
	require.Len(t, feed, 4)
	for i, wantQty := range []int64{4, 3, 2, 1} {
		assert.Equal(t, wantQty, feed[i].Quantity, "feed position %d", i)
		requireDec(t, "100.00", feed[i].Price)
		assert.Equal(t, models.OrderSideBuy, feed[i].TakerSide)
	}

	_, err = eng.RecentTrades(9999)
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

// TestBookSnapshotAggregatesLevels: the public book view aggregates resting
// quantity per price level, bids descending and asks ascending.
func TestBookSnapshotAggregatesLevels(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "98.00", 2))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "99.00", 3))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "99.00", 1))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "101.00", 4))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "103.00", 2))
	require.NoError(t, err)

	snapshot, err := eng.BookSnapshot(symbolID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", snapshot.Symbol)
	assert.Nil(t, snapshot.LastPrice)
	assert.Equal(t, models.PriceSame, snapshot.PriceDirection)

	require.Len(t, snapshot.BuyOrders, 2)
	requireDec(t, "99.00", snapshot.BuyOrders[0].Price)
	assert.Equal(t, int64(4), snapshot.BuyOrders[0].Quantity)
	requireDec(t, "98.00", snapshot.BuyOrders[1].Price)
	assert.Equal(t, int64(2), snapshot.BuyOrders[1].Quantity)

	require.Len(t, snapshot.SellOrders, 2)
	requireDec(t, "101.00", snapshot.SellOrders[0].Price)
	assert.Equal(t, int64(4), snapshot.SellOrders[0].Quantity)
	requireDec(t, "103.00", snapshot.SellOrders[1].Price)
	assert.Equal(t, int64(2), snapshot.SellOrders[1].Quantity)

	_, err = eng.BookSnapshot(9999)
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

// TestPriceDirectionTracksLastTwoTrades: consecutive fills at different
// prices move the direction up and down.
func TestPriceDirectionTracksLastTwoTrades(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 2))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "105.00", 2))
	require.NoError(t, err)

	_, err = eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 2))
	require.NoError(t, err)
	snapshot, err := eng.BookSnapshot(symbolID)
	require.NoError(t, err)
	assert.Equal(t, models.PriceSame, snapshot.PriceDirection)

	_, err = eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 2))
	require.NoError(t, err)
	snapshot, err = eng.BookSnapshot(symbolID)
	require.NoError(t, err)
	assert.Equal(t, models.PriceUp, snapshot.PriceDirection)
	requireDec(t, "105.00", *snapshot.LastPrice)

	// A buy resting below the last price, hit by a market sell, turns the
	// direction down.
	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "95.00", 1))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideSell, 1))
	require.NoError(t, err)
	snapshot, err = eng.BookSnapshot(symbolID)
	require.NoError(t, err)
	assert.Equal(t, models.PriceDown, snapshot.PriceDirection)
	requireDec(t, "95.00", *snapshot.LastPrice)
}

// TestStartupRecovery: a fresh engine rebuilds the in-memory books from the
// open orders on disk, preserving price-time priority.
func TestStartupRecovery(t *testing.T) {
	database := testDB(t)
	eng1, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng1.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "101.00", 10))
	require.NoError(t, err)
	firstAsk := lastOrderIDOf(t, database, u1)
	_, err = eng1.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "101.00", 5))
	require.NoError(t, err)
	secondAsk := lastOrderIDOf(t, database, u1)
	_, err = eng1.SubmitOrder(u2, limitReq(symbolID, models.OrderSideBuy, "99.00", 4))
	require.NoError(t, err)

	// A second engine over the same database starts with empty books.
	eng2 := newTestEngine(t, database)
	require.NoError(t, eng2.LoadOpenOrders())

	book := eng2.getOrderBook(symbolID)
	assert.Equal(t, 3, book.Size())
	bid, ok := book.BestBid()
	require.True(t, ok)
	requireDec(t, "99.00", bid)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	requireDec(t, "101.00", ask)

	snapshot, err := eng2.BookSnapshot(symbolID)
	require.NoError(t, err)
	require.Len(t, snapshot.SellOrders, 1)
	assert.Equal(t, int64(15), snapshot.SellOrders[0].Quantity)
	require.Len(t, snapshot.BuyOrders, 1)
	assert.Equal(t, int64(4), snapshot.BuyOrders[0].Quantity)

	// FIFO within the restored level: the earlier ask fills first.
	resp, err := eng2.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 11))
	require.NoError(t, err)
	require.Len(t, resp.TradesExecuted, 2)

	trades := tradesOf(t, database, symbolID)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[0].SellOrderID)
	assert.Equal(t, firstAsk, *trades[0].SellOrderID)
	assert.Equal(t, int64(10), trades[0].Quantity)
	require.NotNil(t, trades[1].SellOrderID)
	assert.Equal(t, secondAsk, *trades[1].SellOrderID)
	assert.Equal(t, int64(1), trades[1].Quantity)
	assert.Equal(t, int64(4), orderRowOf(t, database, secondAsk).Remaining)
}

// TestConcurrentSubmissionsAcrossSymbols: submissions against different
// symbols proceed in parallel while per-symbol serialization keeps every
// reservation exact.
func TestConcurrentSubmissionsAcrossSymbols(t *testing.T) {
	database := testDB(t)

	const workers = 4
	const bidsPerSymbol = 5

	traders := make([]int64, workers)
	for w := range traders {
		traders[w] = createTestUser(t, database, "concurrent_"+string(rune('a'+w)), models.RoleUser, "10000.00")
	}
	symbolA := createTestSymbol(t, database, "AAA", 0)
	symbolB := createTestSymbol(t, database, "BBB", 0)
	eng := newTestEngine(t, database)

	var wg sync.WaitGroup
	errs := make(chan error, workers*bidsPerSymbol*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < bidsPerSymbol; i++ {
				// Distinct cent prices per trader and slot, 1.01 .. 4.05.
				price := decimal.New(int64((w+1)*100+i+1), -2)
				for _, symbolID := range []int64{symbolA, symbolB} {
					_, err := eng.SubmitOrder(traders[w], &models.CreateOrderRequest{
						SymbolID: symbolID,
						Side:     models.OrderSideBuy,
						Type:     models.OrderTypeLimit,
						Price:    &price,
						Quantity: 1,
					})
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err, "concurrent submission failed")
	}

	assert.Equal(t, workers*bidsPerSymbol, openOrdersOf(t, database, symbolA))
	assert.Equal(t, workers*bidsPerSymbol, openOrdersOf(t, database, symbolB))
	assert.Equal(t, workers*bidsPerSymbol, eng.getOrderBook(symbolA).Size())
	assert.Equal(t, workers*bidsPerSymbol, eng.getOrderBook(symbolB).Size())

	// Every accepted bid debited exactly its own reservation, twice (one per
	// symbol).
	for w := 0; w < workers; w++ {
		expected := decimal.RequireFromString("10000.00")
		for i := 0; i < bidsPerSymbol; i++ {
			price := decimal.New(int64((w+1)*100+i+1), -2)
			expected = expected.Sub(price).Sub(price)
		}
		got := cashOf(t, database, traders[w])
		assert.True(t, got.Equal(expected), "trader %d: expected cash %s, got %s", w, expected, got)
	}
}

// TestRandomizedSubmissionsKeepInvariants drives a deterministic random mix
// of submissions from two traders and checks, after every step, that the
// book never rests crossed, the signed sum of positions stays equal to the
// outstanding float, and no balance goes negative.
func TestRandomizedSubmissionsKeepInvariants(t *testing.T) {
	database := testDB(t)

	u1 := createTestUser(t, database, "random_one", models.RoleUser, "1000000.00")
	u2 := createTestUser(t, database, "random_two", models.RoleUser, "1000000.00")
	symbolID := createTestSymbol(t, database, "RAND", 2000)
	setTestPosition(t, database, u1, symbolID, 1200)
	setTestPosition(t, database, u2, symbolID, 800)
	eng := newTestEngine(t, database)

	rng := rand.New(rand.NewSource(7))
	traders := []int64{u1, u2}
	sides := []models.OrderSide{models.OrderSideBuy, models.OrderSideSell}

	for i := 0; i < 120; i++ {
		trader := traders[rng.Intn(2)]
		side := sides[rng.Intn(2)]
		qty := int64(rng.Intn(5) + 1)

		var err error
		if rng.Intn(4) == 0 {
			_, err = eng.SubmitOrder(trader, marketReq(symbolID, side, qty))
		} else {
			// Cent prices between 90.00 and 110.00 in 50-cent steps.
			price := decimal.New(9000+int64(rng.Intn(41))*50, -2)
			req := &models.CreateOrderRequest{
				SymbolID: symbolID,
				Side:     side,
				Type:     models.OrderTypeLimit,
				Price:    &price,
				Quantity: qty,
			}
			_, err = eng.SubmitOrder(trader, req)
		}
		if err != nil {
			// Rejections must come from the taxonomy, never from a storage
			// or invariant failure.
			var engineErr *Error
			require.ErrorAs(t, err, &engineErr, "step %d: unexpected error %v", i, err)
			require.NotEqual(t, KindInternal, engineErr.Kind, "step %d: internal failure", i)
		}

		book := eng.getOrderBook(symbolID)
		bid, haveBid := book.BestBid()
		ask, haveAsk := book.BestAsk()
		if haveBid && haveAsk {
			require.True(t, bid.LessThan(ask),
				"step %d: book rests crossed: bid %s >= ask %s", i, bid, ask)
		}
		require.Equal(t, int64(2000), sumPositionsOf(t, database, symbolID),
			"step %d: shares not conserved", i)
		for _, trader := range traders {
			require.False(t, cashOf(t, database, trader).IsNegative(),
				"step %d: negative balance", i)
		}
	}

	// Cancelling everything releases all reservations and leaves the books
	// empty with shares still conserved.
	require.NoError(t, eng.CancelAllForUser(u1))
	require.NoError(t, eng.CancelAllForUser(u2))
	assert.Equal(t, 0, eng.getOrderBook(symbolID).Size())
	assert.Equal(t, 0, openOrdersOf(t, database, symbolID))
	assert.Equal(t, int64(2000), sumPositionsOf(t, database, symbolID))
}

// TestZeroPositionRowsRemoved: a position that settles back to zero
// disappears rather than lingering as an empty row.
func TestZeroPositionRowsRemoved(t *testing.T) {
	database := testDB(t)
	eng, u1, u2, symbolID := seedExchange(t, database)

	_, err := eng.SubmitOrder(u1, limitReq(symbolID, models.OrderSideSell, "100.00", 4))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u2, marketReq(symbolID, models.OrderSideBuy, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), positionOf(t, database, u2, symbolID))

	_, err = eng.SubmitOrder(u2, limitReq(symbolID, models.OrderSideSell, "101.00", 4))
	require.NoError(t, err)
	_, err = eng.SubmitOrder(u1, marketReq(symbolID, models.OrderSideBuy, 4))
	require.NoError(t, err)

	var rows int
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM positions WHERE user_id = ? AND symbol_id = ?`, u2, symbolID).Scan(&rows))
	assert.Equal(t, 0, rows, "zero position row should be deleted")
	assert.Equal(t, int64(100), positionOf(t, database, u1, symbolID))
}
