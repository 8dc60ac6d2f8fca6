// Package domain holds the core types of the matching engine: users,
// instruments, balances, orders and trades, plus the error taxonomy the
// rest of the engine returns.
package domain

import "time"

// QuoteTicker is the reserved quote asset every trade settles in.
const QuoteTicker = "RUB"

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// Open reports whether the order can still receive fills.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyExecuted
}

// User is an exchange participant. Created and deleted only by the admin
// collaborator (out of scope); the core treats rows as immutable except
// for the fields it never touches.
type User struct {
	ID        string
	Name      string
	Role      Role
	APIKey    string
	CreatedAt time.Time
}

// Instrument is a tradable ticker. The reserved ticker QuoteTicker is the
// quote asset every trade settles in.
type Instrument struct {
	Ticker    string
	Name      string
	Type      string
	CreatedAt time.Time
}

// Balance is the (user, ticker) -> amount row. Rows are created lazily on
// first credit; I-B1 requires amount >= 0 at every committed state.
type Balance struct {
	UserID    string
	Ticker    string
	Amount    int64
	UpdatedAt time.Time
}

// Order is a resting or terminal buy/sell request.
//
// Invariants (spec I-O1..I-O6):
//   - Filled <= Qty
//   - Status == EXECUTED iff Filled == Qty
//   - Status == PARTIALLY_EXECUTED implies 0 < Filled < Qty
//   - Status == NEW implies Filled == 0
//   - MARKET orders never rest: they terminate EXECUTED, PARTIALLY_EXECUTED
//     or CANCELLED after one matching pass
//   - Status is monotonic: NEW -> PARTIALLY_EXECUTED -> {EXECUTED, CANCELLED}
type Order struct {
	ID        string
	UserID    string
	Ticker    string
	Direction Direction
	Qty       int64
	Price     *int64 // nil for MARKET, required for LIMIT
	Type      OrderType
	Status    OrderStatus
	Filled    int64
	Timestamp time.Time
}

// Remaining is the quantity still eligible to match.
func (o *Order) Remaining() int64 { return o.Qty - o.Filled }

// Trade is an immutable fill record.
type Trade struct {
	ID        int64
	Ticker    string
	Amount    int64
	Price     int64
	BuyerID   string
	SellerID  string
	Timestamp time.Time
}

// BookLevel is one aggregated price level of the L2 snapshot.
type BookLevel struct {
	Price int64
	Qty   int64
}

// L2Snapshot is the order book aggregated by price level.
type L2Snapshot struct {
	BidLevels []BookLevel
	AskLevels []BookLevel
}

// OrderSpec is the caller-supplied shape of a new order (spec §4.4).
type OrderSpec struct {
	Ticker    string
	Direction Direction
	Qty       int64
	Price     *int64 // required for LIMIT, forbidden for MARKET
	Type      OrderType
}
