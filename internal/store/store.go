// Package store is the durable, transactional persistence layer: users,
// instruments, orders, trades and balances behind one Postgres
// connection pool, migrated with golang-migrate.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"

	"spotmatch/internal/domain"
)

// Store wraps the database handle. Every mutating operation below takes
// an explicit *sql.Tx: callers own transaction boundaries so a whole
// order submission commits or rolls back as one unit (spec §5).
type Store struct {
	DB *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "open", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "ping", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "begin tx", err)
	}
	return tx, nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*domain.User, error) {
	u := &domain.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, role, api_key, created_at FROM users WHERE api_key=$1`, apiKey,
	).Scan(&u.ID, &u.Name, &u.Role, &u.APIKey, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, "user")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get user", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, role, api_key, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.APIKey, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, "user")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get user", err)
	}
	return u, nil
}

// ── Instruments ──────────────────────────────────────

func (s *Store) GetInstrument(ctx context.Context, ticker string) (*domain.Instrument, error) {
	i := &domain.Instrument{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT ticker, name, type, created_at FROM instruments WHERE ticker=$1`, ticker,
	).Scan(&i.Ticker, &i.Name, &i.Type, &i.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindInstrumentNotFound, ticker)
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get instrument", err)
	}
	return i, nil
}

func (s *Store) ListInstruments(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT ticker, name, type, created_at FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list instruments", err)
	}
	defer rows.Close()
	var out []domain.Instrument
	for rows.Next() {
		var i domain.Instrument
		if err := rows.Scan(&i.Ticker, &i.Name, &i.Type, &i.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ── Balances ─────────────────────────────────────────

// GetBalanceForUpdate reads a balance row with FOR UPDATE semantics, the
// lock the Matching Engine relies on during admission funds checks. A
// missing row reads as amount zero (balances are created lazily on first
// credit) rather than NotFound.
func (s *Store) GetBalanceForUpdate(tx *sql.Tx, userID, ticker string) (int64, error) {
	var amount int64
	err := tx.QueryRow(
		`SELECT amount FROM balances WHERE user_id=$1 AND ticker=$2 FOR UPDATE`, userID, ticker,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, domain.WrapError(domain.KindStoreUnavailable, "get balance for update", err)
	}
	return amount, nil
}

func (s *Store) GetBalance(ctx context.Context, userID, ticker string) (int64, error) {
	var amount int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user_id=$1 AND ticker=$2`, userID, ticker,
	).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, domain.WrapError(domain.KindStoreUnavailable, "get balance", err)
	}
	return amount, nil
}

func (s *Store) ListBalances(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT ticker, amount FROM balances WHERE user_id=$1`, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list balances", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var ticker string
		var amount int64
		if err := rows.Scan(&ticker, &amount); err != nil {
			return nil, err
		}
		out[ticker] = amount
	}
	return out, rows.Err()
}

// UpsertBalanceDelta is the atomic upsert primitive §4.1 requires: it
// increments amount by delta (inserting a zero-based row first if none
// exists) and refreshes updated_at, in one statement.
func UpsertBalanceDelta(tx *sql.Tx, userID, ticker string, delta int64) error {
	_, err := tx.Exec(
		`INSERT INTO balances (user_id, ticker, amount, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, ticker)
		 DO UPDATE SET amount = balances.amount + $3, updated_at = now()`,
		userID, ticker, delta,
	)
	if err != nil {
		return domain.WrapError(domain.KindConflict, "upsert balance", err)
	}
	return nil
}

// ── Orders ───────────────────────────────────────────

func InsertOrder(tx *sql.Tx, o *domain.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (id, user_id, ticker, direction, qty, price, order_type, status, filled, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.UserID, o.Ticker, o.Direction, o.Qty, o.Price, o.Type, o.Status, o.Filled, o.Timestamp,
	)
	if err != nil {
		return domain.WrapError(domain.KindConflict, "insert order", err)
	}
	return nil
}

// UpdateOrderFill conditionally updates an order's filled/status, scoped
// to the row still being Open — the guard a concurrent cancel races
// against.
func UpdateOrderFill(tx *sql.Tx, orderID string, filled int64, status domain.OrderStatus) error {
	res, err := tx.Exec(
		`UPDATE orders SET filled=$1, status=$2 WHERE id=$3 AND status IN ($4,$5)`,
		filled, status, orderID, domain.StatusNew, domain.StatusPartiallyExecuted,
	)
	if err != nil {
		return domain.WrapError(domain.KindConflict, "update order fill", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewError(domain.KindConflict, "order no longer open")
	}
	return nil
}

// CancelOrderTx flips status to CANCELLED iff the order is owned by
// userID and still open, returning whether it did.
func CancelOrderTx(tx *sql.Tx, orderID, userID string) (bool, error) {
	res, err := tx.Exec(
		`UPDATE orders SET status=$1 WHERE id=$2 AND user_id=$3 AND status IN ($4,$5)`,
		domain.StatusCancelled, orderID, userID, domain.StatusNew, domain.StatusPartiallyExecuted,
	)
	if err != nil {
		return false, domain.WrapError(domain.KindConflict, "cancel order", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, ticker, direction, qty, price, order_type, status, filled, timestamp
		 FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (s *Store) GetOrderTx(tx *sql.Tx, id string) (*domain.Order, error) {
	row := tx.QueryRow(
		`SELECT id, user_id, ticker, direction, qty, price, order_type, status, filled, timestamp
		 FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	o := &domain.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Qty, &o.Price, &o.Type, &o.Status, &o.Filled, &o.Timestamp)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.KindNotFound, "order")
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get order", err)
	}
	return o, nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, ticker, direction, qty, price, order_type, status, filled, timestamp
		 FROM orders WHERE user_id=$1 ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list orders", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListRestingOrders returns LIMIT orders resting on one side of the book
// for ticker, ordered best-price-first then by insertion time — the
// order the Matching Engine and the in-memory book rebuild rely on.
func (s *Store) ListRestingOrders(ctx context.Context, ticker string, dir domain.Direction) ([]domain.Order, error) {
	order := "price ASC"
	if dir == domain.Buy {
		order = "price DESC"
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, ticker, direction, qty, price, order_type, status, filled, timestamp
		 FROM orders
		 WHERE ticker=$1 AND direction=$2 AND order_type=$3 AND status IN ($4,$5)
		 ORDER BY `+order+`, timestamp ASC`,
		ticker, dir, domain.Limit, domain.StatusNew, domain.StatusPartiallyExecuted)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list resting orders", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Qty, &o.Price, &o.Type, &o.Status, &o.Filled, &o.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ── Trades ───────────────────────────────────────────

func InsertTrade(tx *sql.Tx, t *domain.Trade) (int64, error) {
	var id int64
	err := tx.QueryRow(
		`INSERT INTO transactions (ticker, amount, price, buyer_id, seller_id, timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		t.Ticker, t.Amount, t.Price, t.BuyerID, t.SellerID, t.Timestamp,
	).Scan(&id)
	if err != nil {
		return 0, domain.WrapError(domain.KindConflict, "insert trade", err)
	}
	return id, nil
}

func (s *Store) ListTrades(ctx context.Context, ticker string, limit int) ([]domain.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, ticker, amount, price, buyer_id, seller_id, timestamp
		 FROM transactions WHERE ticker=$1 ORDER BY timestamp DESC, id DESC LIMIT $2`, ticker, limit)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list trades", err)
	}
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.ID, &t.Ticker, &t.Amount, &t.Price, &t.BuyerID, &t.SellerID, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IsSerializationFailure reports whether err is a Postgres deadlock or
// serialization-failure error (SQLSTATE 40P01 / 40001) — the ledger's
// signal to retry (spec §4.2).
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40P01" || pqErr.Code == "40001"
	}
	return false
}
