package db

import (
	"context"
	"fmt"

	"github.com/xtrntr/venue/internal/ledger"
	"github.com/xtrntr/venue/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// helpers serve plain reads and transactional reads.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool     *pgxpool.Pool
	lockRows bool
}

// Option configures a DB.
type Option func(*DB)

// WithoutRowLocks disables FOR UPDATE clauses. Only safe for single-writer
// backends, e.g. a test database nothing else touches.
func WithoutRowLocks() Option {
	return func(db *DB) { db.lockRows = false }
}

// New initializes a new database connection pool.
func New(ctx context.Context, connString string, opts ...Option) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db := &DB{Pool: pool, lockRows: true}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// forUpdate returns the lock clause appended to queries that must take an
// exclusive row lock before mutating.
func (db *DB) forUpdate() string {
	if db.lockRows {
		return " FOR UPDATE"
	}
	return ""
}

const userColumns = "id, name, email, password_hash, balance::text, created_at"

func scanUser(row pgx.Row) (*models.User, error) {
	user := &models.User{}
	var balance string
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &balance, &user.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	user.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}
	return user, nil
}

// CreateUser inserts a new user with a starting balance.
func (db *DB) CreateUser(ctx context.Context, name, email, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (name, email, password_hash, balance) VALUES ($1, $2, $3, $4) RETURNING "+userColumns,
		name, email, passwordHash, ledger.MoneyString(balance)))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by ID.
func (db *DB) GetUser(ctx context.Context, q Querier, userID int64) (*models.User, error) {
	user, err := scanUser(q.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserForUpdate locks a user row exclusively and returns its latest
// committed state.
func (db *DB) GetUserForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (*models.User, error) {
	user, err := scanUser(tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1"+db.forUpdate(), userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

// SetUserBalance writes a user's balance. Caller must hold the row lock.
func (db *DB) SetUserBalance(ctx context.Context, tx pgx.Tx, userID int64, balance decimal.Decimal) error {
	_, err := tx.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2",
		ledger.MoneyString(balance), userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

const assetColumns = "id, user_id, symbol, amount::text, locked_amount::text, updated_at"

func scanAsset(row pgx.Row) (*models.Asset, error) {
	asset := &models.Asset{}
	var amount, locked string
	if err := row.Scan(&asset.ID, &asset.UserID, &asset.Symbol, &amount, &locked, &asset.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if asset.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	if asset.LockedAmount, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("failed to parse locked amount: %w", err)
	}
	return asset, nil
}

// CreateAsset inserts a zeroed asset row for a (user, symbol) pair.
func (db *DB) CreateAsset(ctx context.Context, q Querier, userID int64, symbol string, amount, locked decimal.Decimal) (*models.Asset, error) {
	asset, err := scanAsset(q.QueryRow(ctx,
		"INSERT INTO assets (user_id, symbol, amount, locked_amount) VALUES ($1, $2, $3, $4) RETURNING "+assetColumns,
		userID, symbol, ledger.QuantityString(amount), ledger.QuantityString(locked)))
	if err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	return asset, nil
}

// GetAssetForUpdate locks the asset row for (user, symbol). Returns
// (nil, nil) when the user holds nothing under that symbol.
func (db *DB) GetAssetForUpdate(ctx context.Context, tx pgx.Tx, userID int64, symbol string) (*models.Asset, error) {
	asset, err := scanAsset(tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2"+db.forUpdate(),
		userID, symbol))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock asset: %w", err)
	}
	return asset, nil
}

// SetAssetAmounts writes an asset row's free and locked quantities. Caller
// must hold the row lock.
func (db *DB) SetAssetAmounts(ctx context.Context, tx pgx.Tx, assetID int64, amount, locked decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		"UPDATE assets SET amount = $1, locked_amount = $2, updated_at = NOW() WHERE id = $3",
		ledger.QuantityString(amount), ledger.QuantityString(locked), assetID)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return nil
}

// GetUserAssets retrieves all asset rows for a user.
func (db *DB) GetUserAssets(ctx context.Context, q Querier, userID int64) ([]models.Asset, error) {
	rows, err := q.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	return assets, rows.Err()
}

const orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, reserved_value::text, filled_at, created_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	order := &models.Order{}
	var price, amount, reserved string
	if err := row.Scan(&order.ID, &order.UserID, &order.Symbol, &order.Side, &price,
		&amount, &order.Status, &reserved, &order.FilledAt, &order.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if order.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}
	if order.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	if order.ReservedValue, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("failed to parse reserved value: %w", err)
	}
	return order, nil
}

// CreateOrder inserts a new OPEN order.
func (db *DB) CreateOrder(ctx context.Context, q Querier, order *models.Order) (*models.Order, error) {
	created, err := scanOrder(q.QueryRow(ctx,
		"INSERT INTO orders (user_id, symbol, side, price, amount, status, reserved_value) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+orderColumns,
		order.UserID, order.Symbol, order.Side, ledger.MoneyString(order.Price),
		ledger.QuantityString(order.Amount), order.Status, ledger.MoneyString(order.ReservedValue)))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// GetOrder retrieves an order by ID.
func (db *DB) GetOrder(ctx context.Context, q Querier, orderID int64) (*models.Order, error) {
	order, err := scanOrder(q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetOrderForUpdate locks an order row exclusively and returns its latest
// committed state. This lock is the serialization point between matching
// and cancellation.
func (db *DB) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (*models.Order, error) {
	order, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1"+db.forUpdate(), orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return order, nil
}

// FindCounterOrderForUpdate locks and returns the best-priced open order on
// the opposite side of the book that an order of the given side/symbol/price
// could execute against: lowest-priced sell for a buy, highest-priced buy
// for a sell, ties broken by earliest creation. Returns (nil, nil) when the
// book has no compatible order.
func (db *DB) FindCounterOrderForUpdate(ctx context.Context, tx pgx.Tx, order *models.Order) (*models.Order, error) {
	comparison := "price <= $4 ORDER BY price ASC"
	if order.Side == models.SideSell {
		comparison = "price >= $4 ORDER BY price DESC"
	}

	counter, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE symbol = $1 AND side = $2 AND status = $3 AND id <> $5 AND "+
			comparison+", created_at ASC LIMIT 1"+db.forUpdate(),
		order.Symbol, order.Side.Opposite(), models.StatusOpen,
		ledger.MoneyString(order.Price), order.ID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find counter order: %w", err)
	}
	return counter, nil
}

// FillOrder transitions an order to FILLED. For buy orders, reservedValue
// rewrites the reservation to the cash actually consumed.
func (db *DB) FillOrder(ctx context.Context, tx pgx.Tx, orderID int64, reservedValue *decimal.Decimal) error {
	var err error
	if reservedValue != nil {
		_, err = tx.Exec(ctx,
			"UPDATE orders SET status = $1, filled_at = NOW(), reserved_value = $2 WHERE id = $3",
			models.StatusFilled, ledger.MoneyString(*reservedValue), orderID)
	} else {
		_, err = tx.Exec(ctx,
			"UPDATE orders SET status = $1, filled_at = NOW() WHERE id = $2",
			models.StatusFilled, orderID)
	}
	if err != nil {
		return fmt.Errorf("failed to fill order: %w", err)
	}
	return nil
}

// CancelOrder transitions an order to CANCELLED. Caller must hold the row
// lock and have verified the order is still open.
func (db *DB) CancelOrder(ctx context.Context, tx pgx.Tx, orderID int64) error {
	_, err := tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2",
		models.StatusCancelled, orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// OrderFilter narrows ListUserOrders. Zero values mean no filtering.
type OrderFilter struct {
	Symbol string
	Side   models.Side
	Status models.Status
}

// ListUserOrders retrieves a user's orders, newest first, optionally
// filtered by symbol, side and status.
func (db *DB) ListUserOrders(ctx context.Context, userID int64, filter OrderFilter) ([]models.Order, error) {
	sql := "SELECT " + orderColumns + " FROM orders WHERE user_id = $1"
	args := []any{userID}

	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		sql += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if filter.Side != "" {
		args = append(args, filter.Side)
		sql += fmt.Sprintf(" AND side = $%d", len(args))
	}
	if filter.Status != 0 {
		args = append(args, filter.Status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	sql += " ORDER BY created_at DESC"

	return db.queryOrders(ctx, sql, args...)
}

// ListOpenOrders retrieves one side of a symbol's open book in display
// priority: buys highest price first, sells lowest price first, ties by
// earliest creation.
func (db *DB) ListOpenOrders(ctx context.Context, symbol string, side models.Side) ([]models.Order, error) {
	direction := "DESC"
	if side == models.SideSell {
		direction = "ASC"
	}
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE symbol = $1 AND side = $2 AND status = $3 ORDER BY price "+
			direction+", created_at ASC",
		symbol, side, models.StatusOpen)
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

const tradeColumns = "id, buy_order_id, sell_order_id, symbol, price::text, amount::text, total_value::text, fee::text, executed_at"

func scanTrade(row pgx.Row) (*models.Trade, error) {
	trade := &models.Trade{}
	var price, amount, total, fee string
	if err := row.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.Symbol,
		&price, &amount, &total, &fee, &trade.ExecutedAt); err != nil {
		return nil, err
	}
	var err error
	if trade.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}
	if trade.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	if trade.TotalValue, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("failed to parse total value: %w", err)
	}
	if trade.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse fee: %w", err)
	}
	return trade, nil
}

// CreateTrade inserts a settlement record.
func (db *DB) CreateTrade(ctx context.Context, tx pgx.Tx, trade *models.Trade) (*models.Trade, error) {
	created, err := scanTrade(tx.QueryRow(ctx,
		"INSERT INTO trades (buy_order_id, sell_order_id, symbol, price, amount, total_value, fee) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+tradeColumns,
		trade.BuyOrderID, trade.SellOrderID, trade.Symbol, ledger.MoneyString(trade.Price),
		ledger.QuantityString(trade.Amount), ledger.MoneyString(trade.TotalValue),
		ledger.MoneyString(trade.Fee)))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return created, nil
}

// GetUserTrades retrieves all trades a user participated in, newest first.
func (db *DB) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT t.id, t.buy_order_id, t.sell_order_id, t.symbol, t.price::text, t.amount::text, t.total_value::text, t.fee::text, t.executed_at "+
			"FROM trades t JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id "+
			"WHERE o.user_id = $1 ORDER BY t.executed_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}
