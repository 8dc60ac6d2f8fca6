// Package ledger applies balance deltas produced by a trade settlement:
// collapse, sort into a deterministic acquisition order, and upsert with
// bounded jittered-backoff retry on conflict (spec §4.2).
package ledger

import (
	"database/sql"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/atomic"

	"spotmatch/internal/domain"
)

// Change is a single signed balance delta for one (user, ticker).
type Change struct {
	UserID string
	Ticker string
	Delta  int64
}

// UpsertFunc performs the atomic balance upsert inside tx. Store.UpsertBalanceDelta
// satisfies this; tests substitute a fake that doesn't touch a real *sql.Tx.
type UpsertFunc func(tx *sql.Tx, userID, ticker string, delta int64) error

// RetryableFunc reports whether err should be retried.
type RetryableFunc func(err error) bool

const (
	defaultMaxRetries = 3
	backoffMin        = 10 * time.Millisecond
	backoffMax        = 100 * time.Millisecond
)

// Ledger is the process-wide single writer for balance mutations. The
// reference design serializes trade-settlement critical sections behind
// one coarse lock; cross-process safety comes entirely from the Store's
// row locks plus the deterministic key ordering Collapse produces.
// Implementers may drop the lock if the Store gives serializable
// isolation — the external contract (Apply) is unchanged either way.
type Ledger struct {
	mu         chan struct{} // 1-buffered: acts as a trylock-free mutex
	maxRetries int
	retries    *atomic.Int64
	sleep      func(time.Duration)
	jitter     func() float64
}

func New() *Ledger {
	l := &Ledger{
		mu:         make(chan struct{}, 1),
		maxRetries: defaultMaxRetries,
		retries:    atomic.NewInt64(0),
		sleep:      time.Sleep,
		jitter:     rand.Float64,
	}
	l.mu <- struct{}{}
	return l
}

// RetryCount returns the number of retries performed across this
// ledger's lifetime, exposed as an in-process health gauge.
func (l *Ledger) RetryCount() int64 { return l.retries.Load() }

// SetMaxRetries overrides the bounded retry count (spec §4.2 step 4,
// default 3). n <= 0 is ignored.
func (l *Ledger) SetMaxRetries(n int) {
	if n > 0 {
		l.maxRetries = n
	}
}

// Collapse sums deltas by (user_id, ticker) and drops zero-sum entries,
// then sorts by the lexicographic key (user_id, ticker) to impose the
// global resource acquisition order (spec §4.2 step 2).
func Collapse(changes []Change) []Change {
	sums := make(map[[2]string]int64, len(changes))
	order := make([][2]string, 0, len(changes))
	for _, c := range changes {
		key := [2]string{c.UserID, c.Ticker}
		if _, ok := sums[key]; !ok {
			order = append(order, key)
		}
		sums[key] += c.Delta
	}
	out := make([]Change, 0, len(order))
	for _, key := range order {
		delta := sums[key]
		if delta == 0 {
			continue
		}
		out = append(out, Change{UserID: key[0], Ticker: key[1], Delta: delta})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out
}

// Apply collapses changes, then issues the upsert for each in
// deterministic order, retrying transient conflicts with exponential
// backoff and jitter. It does not itself verify non-negativity — the
// caller (Matching Engine admission) is responsible for that before
// commit, per spec §4.2 step 4.
func (l *Ledger) Apply(tx *sql.Tx, changes []Change, upsert UpsertFunc, retryable RetryableFunc) error {
	<-l.mu
	defer func() { l.mu <- struct{}{} }()

	for _, c := range Collapse(changes) {
		if err := l.applyOne(tx, c, upsert, retryable); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) applyOne(tx *sql.Tx, c Change, upsert UpsertFunc, retryable RetryableFunc) error {
	var lastErr error
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		err := upsert(tx, c.UserID, c.Ticker, c.Delta)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable == nil || !retryable(err) {
			return err
		}
		if attempt == l.maxRetries-1 {
			break
		}
		l.retries.Inc()
		delay := time.Duration(float64(backoffMin) + l.jitter()*float64(backoffMax-backoffMin))
		delay *= 1 << attempt
		l.sleep(delay)
	}
	return domain.WrapError(domain.KindConflict, "balance upsert retries exhausted", lastErr)
}
