// Package httpapi is the thin HTTP glue over the Matching Engine and Query
// Surface — out of core scope per spec, kept only as the chi-routed
// adapter the teacher's own api.Server plays for its engine.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"spotmatch/internal/domain"
	"spotmatch/internal/matching"
	"spotmatch/internal/query"
	"spotmatch/internal/store"
)

type Server struct {
	store   *store.Store
	manager *matching.Manager
	query   *query.Surface
}

func NewServer(st *store.Store, mgr *matching.Manager, q *query.Surface) *Server {
	return &Server{store: st, manager: mgr, query: q}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/v1/orders", s.submitOrder)
		r.Delete("/v1/orders/{id}", s.cancelOrder)
		r.Get("/v1/orders/{id}", s.getOrder)
		r.Get("/v1/orders", s.listOrders)
		r.Get("/v1/orderbook/{ticker}", s.orderBook)
		r.Get("/v1/balances", s.balances)
		r.Get("/v1/instruments/{ticker}/trades", s.trades)
	})

	return r
}

// ── Auth ─────────────────────────────────────────────
//
// The core's authentication contract is a stateless API-key lookup (spec
// §1, §6): no login flow, no password, no issued token. This middleware is
// therefore a lookup, not an auth service.

type ctxKey string

const ctxUser ctxKey = "user"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			jsonErr(w, http.StatusUnauthorized, "missing X-API-Key")
			return
		}
		user, err := s.store.GetUserByAPIKey(r.Context(), apiKey)
		if err != nil {
			jsonErr(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) *domain.User {
	u, _ := r.Context().Value(ctxUser).(*domain.User)
	return u
}

// ── Orders ───────────────────────────────────────────

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	var req struct {
		Ticker    string `json:"ticker"`
		Direction string `json:"direction"`
		Qty       int64  `json:"qty"`
		Price     *int64 `json:"price,omitempty"`
		Type      string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	spec := domain.OrderSpec{
		Ticker:    req.Ticker,
		Direction: domain.Direction(req.Direction),
		Qty:       req.Qty,
		Price:     req.Price,
		Type:      domain.OrderType(req.Type),
	}

	order, trades, err := s.manager.Submit(r.Context(), user.ID, spec)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, map[string]any{"order": order, "trades": trades})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	id := chi.URLParam(r, "id")

	ok, err := s.manager.Cancel(r.Context(), id, user.ID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, map[string]bool{"cancelled": ok})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := s.query.Order(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, order)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	orders, err := s.query.ListOrders(r.Context(), user.ID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	json200(w, orders)
}

// ── Market data ──────────────────────────────────────

func (s *Server) orderBook(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	limit := intQueryParam(r, "limit", 0)
	json200(w, s.query.OrderBook(ticker, limit))
}

func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	balances, err := s.query.Balances(r.Context(), user.ID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	json200(w, balances)
}

func (s *Server) trades(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	limit := intQueryParam(r, "limit", 0)
	trades, err := s.query.Transactions(r.Context(), ticker, limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	json200(w, trades)
}

// ── Helpers ──────────────────────────────────────────

func intQueryParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeDomainErr maps a domain.Error Kind to an HTTP status code.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch domain.KindOf(err) {
	case domain.KindInstrumentNotFound, domain.KindNotFound:
		jsonErr(w, http.StatusNotFound, err.Error())
	case domain.KindInsufficientFunds, domain.KindInsufficientAsset, domain.KindInvalidOrder:
		jsonErr(w, http.StatusBadRequest, err.Error())
	case domain.KindConflict:
		jsonErr(w, http.StatusConflict, err.Error())
	case domain.KindStoreUnavailable:
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		jsonErr(w, http.StatusInternalServerError, err.Error())
	}
}
