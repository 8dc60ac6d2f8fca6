// Package query is the read-only Query Surface (spec §4.5): a plain Go
// package with no HTTP dependency, so the HTTP glue and any future RPC
// surface are both thin adapters over the same calls exercised directly
// by tests.
package query

import (
	"context"

	"spotmatch/internal/domain"
	"spotmatch/internal/matching"
	"spotmatch/internal/store"
)

const defaultDepth = 20

// Surface answers read-only queries against a consistent snapshot: book
// levels come from the live in-memory index (via the Matching Manager),
// everything else is a direct Store read.
type Surface struct {
	store   *store.Store
	manager *matching.Manager
}

func New(st *store.Store, mgr *matching.Manager) *Surface {
	return &Surface{store: st, manager: mgr}
}

// OrderBook returns the top limit levels on each side of ticker's book.
// limit <= 0 falls back to a default depth.
func (s *Surface) OrderBook(ticker string, limit int) domain.L2Snapshot {
	if limit <= 0 {
		limit = defaultDepth
	}
	return s.manager.Snapshot(ticker, limit)
}

func (s *Surface) Order(ctx context.Context, id string) (*domain.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *Surface) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID)
}

func (s *Surface) Balances(ctx context.Context, userID string) (map[string]int64, error) {
	return s.store.ListBalances(ctx, userID)
}

// Transactions returns the most recent limit trades for ticker, newest
// first.
func (s *Surface) Transactions(ctx context.Context, ticker string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = defaultDepth
	}
	return s.store.ListTrades(ctx, ticker, limit)
}
