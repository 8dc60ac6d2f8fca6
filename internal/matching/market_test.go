package matching

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spotmatch/internal/book"
	"spotmatch/internal/domain"
	"spotmatch/internal/ledger"
	"spotmatch/internal/store"
)

var mockTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*MarketEngine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	eng := &MarketEngine{
		ticker: "AAPL",
		book:   book.New(),
		cmdCh:  make(chan command, 1),
		store:  &store.Store{DB: db},
		ledger: ledger.New(),
		log:    zerolog.Nop(),
	}
	return eng, mock, func() { db.Close() }
}

func TestProcessOrderRejectsZeroQty(t *testing.T) {
	eng, _, closeDB := newTestEngine(t)
	defer closeDB()

	_, _, err := eng.processOrder("u1", domain.OrderSpec{Ticker: "AAPL", Direction: domain.Buy, Qty: 0, Type: domain.Market})
	require.Error(t, err)
	require.Equal(t, domain.KindInvalidOrder, domain.KindOf(err))
}

func TestProcessOrderRejectsLimitWithoutPrice(t *testing.T) {
	eng, _, closeDB := newTestEngine(t)
	defer closeDB()

	_, _, err := eng.processOrder("u1", domain.OrderSpec{Ticker: "AAPL", Direction: domain.Buy, Qty: 1, Type: domain.Limit})
	require.Error(t, err)
	require.Equal(t, domain.KindInvalidOrder, domain.KindOf(err))
}

func TestProcessOrderRejectsMarketWithPrice(t *testing.T) {
	eng, _, closeDB := newTestEngine(t)
	defer closeDB()

	price := int64(10)
	_, _, err := eng.processOrder("u1", domain.OrderSpec{Ticker: "AAPL", Direction: domain.Buy, Qty: 1, Price: &price, Type: domain.Market})
	require.Error(t, err)
	require.Equal(t, domain.KindInvalidOrder, domain.KindOf(err))
}

func TestProcessOrderRejectsInsufficientFunds(t *testing.T) {
	eng, mock, closeDB := newTestEngine(t)
	defer closeDB()

	price := int64(100)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(50)))
	mock.ExpectQuery("SELECT amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(0)))
	mock.ExpectRollback()

	_, _, err := eng.processOrder("u1", domain.OrderSpec{
		Ticker: "AAPL", Direction: domain.Buy, Qty: 1, Price: &price, Type: domain.Limit,
	})
	require.Error(t, err)
	require.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessOrderRejectsInsufficientAsset(t *testing.T) {
	eng, mock, closeDB := newTestEngine(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(0)))
	mock.ExpectQuery("SELECT amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(0)))
	mock.ExpectRollback()

	_, _, err := eng.processOrder("u1", domain.OrderSpec{
		Ticker: "AAPL", Direction: domain.Sell, Qty: 5, Type: domain.Market,
	})
	require.Error(t, err)
	require.Equal(t, domain.KindInsufficientAsset, domain.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestMarketBuyMatchesRestingSell exercises the full settlement path: a
// MARKET BUY matches one resting SELL at the maker's price, the maker order
// moves to EXECUTED, the new taker order moves to EXECUTED, and all four
// balance deltas are upserted before commit.
func TestMarketBuyMatchesRestingSell(t *testing.T) {
	eng, mock, closeDB := newTestEngine(t)
	defer closeDB()

	eng.book.Add(&book.Entry{OrderID: "maker-1", UserID: "seller", Direction: "SELL", Price: 10, Remaining: 5})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(1000))) // buyer RUB
	mock.ExpectQuery("SELECT amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(int64(0))) // buyer AAPL

	mock.ExpectQuery("SELECT id, user_id, ticker, direction, qty, price, order_type, status, filled, timestamp").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "ticker", "direction", "qty", "price", "order_type", "status", "filled", "timestamp"}).
			AddRow("maker-1", "seller", "AAPL", "SELL", int64(5), int64(10), "LIMIT", "NEW", int64(0), mockTime))
	mock.ExpectExec("UPDATE orders SET filled").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))

	for i := 0; i < 4; i++ {
		mock.ExpectExec("INSERT INTO balances").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	mock.ExpectCommit()

	order, trades, err := eng.processOrder("buyer", domain.OrderSpec{
		Ticker: "AAPL", Direction: domain.Buy, Qty: 5, Type: domain.Market,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusExecuted, order.Status)
	require.Equal(t, int64(5), order.Filled)
	require.Len(t, trades, 1)
	require.Equal(t, int64(10), trades[0].Price)
	require.Equal(t, "buyer", trades[0].BuyerID)
	require.Equal(t, "seller", trades[0].SellerID)
	require.Equal(t, 0, eng.book.Size()) // maker fully filled, evicted
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelOrderFlipsStatusAndRemovesFromBook(t *testing.T) {
	eng, mock, closeDB := newTestEngine(t)
	defer closeDB()

	eng.book.Add(&book.Entry{OrderID: "o1", UserID: "u1", Direction: "BUY", Price: 10, Remaining: 5})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := eng.cancelOrder("o1", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, eng.book.Size())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelOrderNotFoundReturnsFalse(t *testing.T) {
	eng, mock, closeDB := newTestEngine(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orders SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := eng.cancelOrder("missing", "u1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
