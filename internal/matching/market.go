package matching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"spotmatch/internal/book"
	"spotmatch/internal/domain"
	"spotmatch/internal/ledger"
	"spotmatch/internal/store"
)

var (
	errInvalidTicker      = errors.New("ticker must not be empty")
	errInvalidDirection   = errors.New("direction must be BUY or SELL")
	errInvalidType        = errors.New("type must be LIMIT or MARKET")
	errInvalidQty         = errors.New("qty must be > 0")
	errLimitNeedsPrice    = errors.New("LIMIT order requires price > 0")
	errMarketForbidsPrice = errors.New("MARKET order must not carry a price")
)

// MarketEngine owns one instrument's in-memory book and processes every
// submit/cancel against it on a single goroutine, so two submissions for
// the same ticker never race the book or each other's matching pass.
type MarketEngine struct {
	ticker string
	book   *book.Book
	cmdCh  chan command
	store  *store.Store
	ledger *ledger.Ledger
	log    zerolog.Logger
}

func newMarketEngine(ctx context.Context, ticker string, st *store.Store, lg *ledger.Ledger, log zerolog.Logger) (*MarketEngine, error) {
	b := book.New()

	for _, dir := range []domain.Direction{domain.Buy, domain.Sell} {
		resting, err := st.ListRestingOrders(ctx, ticker, dir)
		if err != nil {
			return nil, err
		}
		for _, o := range resting {
			if o.Price == nil {
				continue
			}
			b.Add(&book.Entry{
				OrderID:   o.ID,
				UserID:    o.UserID,
				Direction: string(o.Direction),
				Price:     *o.Price,
				Remaining: o.Remaining(),
			})
		}
	}

	log.Info().Str("ticker", ticker).Int("resting", b.Size()).Msg("market engine loaded")
	return &MarketEngine{
		ticker: ticker,
		book:   b,
		cmdCh:  make(chan command, 64),
		store:  st,
		ledger: lg,
		log:    log,
	}, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *MarketEngine) snapshot(depth int) domain.L2Snapshot {
	result := make(chan domain.L2Snapshot, 1)
	e.cmdCh <- snapshotCmd{depth: depth, ch: result}
	return <-result
}

// ── Commands ─────────────────────────────────────────
//
// Every book read or mutation runs inside the engine's own goroutine via
// this channel, generalizing the teacher's placeCmd/cancelCmd pair to the
// spot-exchange submit/cancel/snapshot surface.

type command interface{ exec(e *MarketEngine) }

type submitResult struct {
	order  *domain.Order
	trades []domain.Trade
	err    error
}

type submitCmd struct {
	userID string
	spec   domain.OrderSpec
	ch     chan<- submitResult
}

type cancelResult struct {
	ok  bool
	err error
}

type cancelCmd struct {
	orderID string
	userID  string
	ch      chan<- cancelResult
}

type snapshotCmd struct {
	depth int
	ch    chan<- domain.L2Snapshot
}

func (c submitCmd) exec(e *MarketEngine) {
	order, trades, err := e.processOrder(c.userID, c.spec)
	c.ch <- submitResult{order: order, trades: trades, err: err}
}

func (c cancelCmd) exec(e *MarketEngine) {
	ok, err := e.cancelOrder(c.orderID, c.userID)
	c.ch <- cancelResult{ok: ok, err: err}
}

func (c snapshotCmd) exec(e *MarketEngine) {
	bids, asks := e.book.Snapshot(c.depth)
	c.ch <- domain.L2Snapshot{BidLevels: toDomainLevels(bids), AskLevels: toDomainLevels(asks)}
}

func toDomainLevels(levels []book.BookLevel) []domain.BookLevel {
	out := make([]domain.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = domain.BookLevel{Price: l.Price, Qty: l.Qty}
	}
	return out
}

// Submit sends a submit command to the engine goroutine and waits for it.
func (e *MarketEngine) Submit(userID string, spec domain.OrderSpec) (*domain.Order, []domain.Trade, error) {
	ch := make(chan submitResult, 1)
	e.cmdCh <- submitCmd{userID: userID, spec: spec, ch: ch}
	r := <-ch
	return r.order, r.trades, r.err
}

// Cancel sends a cancel command to the engine goroutine and waits for it.
func (e *MarketEngine) Cancel(orderID, userID string) (bool, error) {
	ch := make(chan cancelResult, 1)
	e.cmdCh <- cancelCmd{orderID: orderID, userID: userID, ch: ch}
	r := <-ch
	return r.ok, r.err
}

// ── Process Order (spec §4.4) ────────────────────────

// validateSpec collects every admission-check failure rather than
// stopping at the first, so a caller gets the full reason in one error.
func validateSpec(spec domain.OrderSpec) error {
	var result *multierror.Error
	if spec.Ticker == "" {
		result = multierror.Append(result, errInvalidTicker)
	}
	if spec.Direction != domain.Buy && spec.Direction != domain.Sell {
		result = multierror.Append(result, errInvalidDirection)
	}
	if spec.Type != domain.Limit && spec.Type != domain.Market {
		result = multierror.Append(result, errInvalidType)
	}
	if spec.Qty <= 0 {
		result = multierror.Append(result, errInvalidQty)
	}
	if spec.Type == domain.Limit && (spec.Price == nil || *spec.Price <= 0) {
		result = multierror.Append(result, errLimitNeedsPrice)
	}
	if spec.Type == domain.Market && spec.Price != nil {
		result = multierror.Append(result, errMarketForbidsPrice)
	}
	return result.ErrorOrNil()
}

func (e *MarketEngine) processOrder(userID string, spec domain.OrderSpec) (*domain.Order, []domain.Trade, error) {
	if err := validateSpec(spec); err != nil {
		return nil, nil, domain.WrapError(domain.KindInvalidOrder, "submit order", err)
	}

	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rubBalance, err := e.store.GetBalanceForUpdate(tx, userID, domain.QuoteTicker)
	if err != nil {
		return nil, nil, err
	}
	assetBalance, err := e.store.GetBalanceForUpdate(tx, userID, spec.Ticker)
	if err != nil {
		return nil, nil, err
	}

	if spec.Direction == domain.Buy {
		required := spec.Qty // MARKET floor: qty * 1
		if spec.Type == domain.Limit {
			required = spec.Qty * *spec.Price
		}
		if rubBalance < required {
			return nil, nil, domain.NewError(domain.KindInsufficientFunds, "insufficient RUB balance")
		}
	} else {
		if assetBalance < spec.Qty {
			return nil, nil, domain.NewError(domain.KindInsufficientAsset, "insufficient "+spec.Ticker+" balance")
		}
	}

	matches := e.book.FindMatches(string(spec.Direction), spec.Price, spec.Qty)

	order := &domain.Order{
		ID:        uuid.New().String(),
		UserID:    userID,
		Ticker:    spec.Ticker,
		Direction: spec.Direction,
		Qty:       spec.Qty,
		Price:     spec.Price,
		Type:      spec.Type,
		Status:    domain.StatusNew,
		Timestamp: time.Now(),
	}

	var changes []ledger.Change
	var trades []domain.Trade

	for _, m := range matches {
		fillQty := m.FillQty
		fillPrice := m.FillPrice

		makerOrder, err := e.store.GetOrderTx(tx, m.Entry.OrderID)
		if err != nil {
			return nil, nil, err
		}
		makerFilled := makerOrder.Filled + fillQty
		makerStatus := domain.StatusPartiallyExecuted
		if makerFilled == makerOrder.Qty {
			makerStatus = domain.StatusExecuted
		}
		if err := store.UpdateOrderFill(tx, m.Entry.OrderID, makerFilled, makerStatus); err != nil {
			return nil, nil, err
		}
		e.book.ApplyFill(m.Entry.OrderID, fillQty)

		var buyerID, sellerID string
		if spec.Direction == domain.Buy {
			buyerID, sellerID = userID, m.Entry.UserID
		} else {
			buyerID, sellerID = m.Entry.UserID, userID
		}

		trade := &domain.Trade{
			Ticker:    spec.Ticker,
			Amount:    fillQty,
			Price:     fillPrice,
			BuyerID:   buyerID,
			SellerID:  sellerID,
			Timestamp: time.Now(),
		}
		tradeID, err := store.InsertTrade(tx, trade)
		if err != nil {
			return nil, nil, err
		}
		trade.ID = tradeID
		trades = append(trades, *trade)

		cash := fillQty * fillPrice
		changes = append(changes,
			ledger.Change{UserID: buyerID, Ticker: spec.Ticker, Delta: fillQty},
			ledger.Change{UserID: buyerID, Ticker: domain.QuoteTicker, Delta: -cash},
			ledger.Change{UserID: sellerID, Ticker: spec.Ticker, Delta: -fillQty},
			ledger.Change{UserID: sellerID, Ticker: domain.QuoteTicker, Delta: cash},
		)

		order.Filled += fillQty
	}

	switch {
	case order.Filled == order.Qty:
		order.Status = domain.StatusExecuted
	case order.Filled > 0 && spec.Type == domain.Limit:
		order.Status = domain.StatusPartiallyExecuted
	case order.Filled > 0 && spec.Type == domain.Market:
		order.Status = domain.StatusPartiallyExecuted // I-O5: remainder discarded, not re-entered
	case spec.Type == domain.Market:
		order.Status = domain.StatusCancelled
	default:
		order.Status = domain.StatusNew
	}

	if err := store.InsertOrder(tx, order); err != nil {
		return nil, nil, err
	}

	if len(changes) > 0 {
		if err := e.ledger.Apply(tx, changes, store.UpsertBalanceDelta, store.IsSerializationFailure); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	if order.Status == domain.StatusNew || order.Status == domain.StatusPartiallyExecuted {
		if order.Type == domain.Limit && order.Remaining() > 0 {
			e.book.Add(&book.Entry{
				OrderID:   order.ID,
				UserID:    userID,
				Direction: string(spec.Direction),
				Price:     *spec.Price,
				Remaining: order.Remaining(),
			})
		}
	}

	return order, trades, nil
}

// ── Cancel (spec §4.4) ────────────────────────────────

func (e *MarketEngine) cancelOrder(orderID, userID string) (bool, error) {
	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := store.CancelOrderTx(tx, orderID, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.book.Remove(orderID)
	return true, nil
}
