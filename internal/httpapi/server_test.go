package httpapi

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"spotmatch/internal/ledger"
	"spotmatch/internal/matching"
	"spotmatch/internal/query"
	"spotmatch/internal/store"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	st := &store.Store{DB: db}
	mgr := matching.NewManager(st, ledger.New(), zerolog.Nop())
	q := query.New(st, mgr)
	return NewServer(st, mgr, q), mock, db
}

func TestHealthEndpointNoAuth(t *testing.T) {
	s, _, db := newTestServer(t)
	defer db.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestMissingAPIKeyRejected(t *testing.T) {
	s, _, db := newTestServer(t)
	defer db.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnknownAPIKeyRejected(t *testing.T) {
	s, mock, db := newTestServer(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, role, api_key, created_at FROM users").
		WithArgs("bogus").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	req.Header.Set("X-API-Key", "bogus")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidAPIKeyReachesBalances(t *testing.T) {
	s, mock, db := newTestServer(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT id, name, role, api_key, created_at FROM users").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "role", "api_key", "created_at"}).
			AddRow("u1", "alice", "USER", "key-1", now))
	mock.ExpectQuery("SELECT ticker, amount FROM balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"ticker", "amount"}).AddRow("RUB", int64(500)))

	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	req.Header.Set("X-API-Key", "key-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "RUB")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitOrderRejectsBadJSON(t *testing.T) {
	s, mock, db := newTestServer(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT id, name, role, api_key, created_at FROM users").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "role", "api_key", "created_at"}).
			AddRow("u1", "alice", "USER", "key-1", now))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader("not json"))
	req.Header.Set("X-API-Key", "key-1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderBookRequiresAuth(t *testing.T) {
	s, _, db := newTestServer(t)
	defer db.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/orderbook/AAPL", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}
