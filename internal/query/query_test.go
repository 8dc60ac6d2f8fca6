package query

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spotmatch/internal/ledger"
	"spotmatch/internal/matching"
	"spotmatch/internal/store"
)

func TestOrderBookWithNoEngineReturnsEmptySnapshot(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := &store.Store{DB: db}
	mgr := matching.NewManager(st, ledger.New(), zerolog.Nop())
	s := New(st, mgr)

	snap := s.OrderBook("UNKNOWN", 0)
	require.Empty(t, snap.BidLevels)
	require.Empty(t, snap.AskLevels)
}

func TestBalancesDelegatesToStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT ticker, amount FROM balances").
		WillReturnRows(sqlmock.NewRows([]string{"ticker", "amount"}).
			AddRow("RUB", int64(1000)).
			AddRow("AAPL", int64(5)))

	st := &store.Store{DB: db}
	s := New(st, matching.NewManager(st, ledger.New(), zerolog.Nop()))

	balances, err := s.Balances(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"RUB": 1000, "AAPL": 5}, balances)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionsDefaultsDepth(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, ticker, amount, price, buyer_id, seller_id, timestamp").
		WithArgs("AAPL", defaultDepth).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ticker", "amount", "price", "buyer_id", "seller_id", "timestamp"}))

	st := &store.Store{DB: db}
	s := New(st, matching.NewManager(st, ledger.New(), zerolog.Nop()))

	trades, err := s.Transactions(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.NoError(t, mock.ExpectationsWereMet())
}
