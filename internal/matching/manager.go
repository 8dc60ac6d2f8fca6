// Package matching is the Matching Engine (spec §4.4): one goroutine per
// instrument owns that instrument's in-memory book and processes
// submit/cancel requests serially through a command channel, generalizing
// the teacher's per-market engine to an arbitrary set of tickers.
package matching

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"spotmatch/internal/domain"
	"spotmatch/internal/ledger"
	"spotmatch/internal/store"
)

// Manager owns one MarketEngine per ticker and routes submit/cancel calls
// to the right one.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*MarketEngine
	store   *store.Store
	ledger  *ledger.Ledger
	log     zerolog.Logger
	running *atomic.Int64 // count of live engines, exposed as a health gauge
}

func NewManager(st *store.Store, lg *ledger.Ledger, log zerolog.Logger) *Manager {
	return &Manager{
		engines: make(map[string]*MarketEngine),
		store:   st,
		ledger:  lg,
		log:     log,
		running: atomic.NewInt64(0),
	}
}

// Boot starts one engine per known instrument, rehydrating each book from
// the Store's resting orders.
func (m *Manager) Boot(ctx context.Context) error {
	instruments, err := m.store.ListInstruments(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instruments {
		if inst.Ticker == domain.QuoteTicker {
			continue // the quote asset itself is never a tradable instrument
		}
		if err := m.Start(ctx, inst.Ticker); err != nil {
			return fmt.Errorf("boot %s: %w", inst.Ticker, err)
		}
	}
	m.log.Info().Int("engines", len(m.engines)).Msg("matching engines booted")
	return nil
}

// Start idempotently spins up the engine for ticker, loading its resting
// orders from the Store. Safe to call when an admin collaborator registers
// a new instrument at runtime.
func (m *Manager) Start(ctx context.Context, ticker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[ticker]; ok {
		return nil
	}
	eng, err := newMarketEngine(ctx, ticker, m.store, m.ledger, m.log)
	if err != nil {
		return err
	}
	m.engines[ticker] = eng
	m.running.Inc()
	go eng.run(context.Background())
	return nil
}

func (m *Manager) engine(ticker string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[ticker]
}

// RunningEngines reports the number of live per-instrument engines.
func (m *Manager) RunningEngines() int64 { return m.running.Load() }

// Submit routes an order to its instrument's engine, starting one lazily
// if the instrument is known but not yet booted.
func (m *Manager) Submit(ctx context.Context, userID string, spec domain.OrderSpec) (*domain.Order, []domain.Trade, error) {
	eng := m.engine(spec.Ticker)
	if eng == nil {
		if _, err := m.store.GetInstrument(ctx, spec.Ticker); err != nil {
			return nil, nil, err
		}
		if err := m.Start(ctx, spec.Ticker); err != nil {
			return nil, nil, err
		}
		eng = m.engine(spec.Ticker)
	}
	return eng.Submit(userID, spec)
}

// Cancel routes a cancel request to the order's instrument engine.
func (m *Manager) Cancel(ctx context.Context, orderID, userID string) (bool, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	eng := m.engine(order.Ticker)
	if eng == nil {
		return false, domain.NewError(domain.KindNotFound, "no engine for ticker "+order.Ticker)
	}
	return eng.Cancel(orderID, userID)
}

// Snapshot returns the L2 book for ticker, truncated to depth levels.
func (m *Manager) Snapshot(ticker string, depth int) domain.L2Snapshot {
	eng := m.engine(ticker)
	if eng == nil {
		return domain.L2Snapshot{BidLevels: []domain.BookLevel{}, AskLevels: []domain.BookLevel{}}
	}
	return eng.snapshot(depth)
}
