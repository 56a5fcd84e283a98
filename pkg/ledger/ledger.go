// Package ledger is the only path that mutates an item's stock.
//
// Every mutation reads the current stock of the item in its shop, computes
// the next value, writes it with a compare-and-set against the value it read
// and then appends one history row with the exact change applied. A lost
// compare-and-set is retried from a fresh read, so concurrent writers never
// overwrite each other's effect on the counter.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/metrics"
	"github.com/rubiojr/shopsync/pkg/model"
)

// Store is the persistence the ledger needs. storage.Store implements it.
type Store interface {
	Stock(ctx context.Context, shopID, itemID string) (int64, error)
	CompareAndSetStock(ctx context.Context, shopID, itemID string, expected, next int64) (bool, error)
	AppendHistory(ctx context.Context, entry model.StockHistoryEntry) error
	// Movements sums history changes per item over rows with one of reasons.
	Movements(ctx context.Context, shopID string, reasons ...string) (map[string]int64, error)
}

// Mode decides what happens when a deduction would go below zero.
type Mode int

const (
	// Strict rejects the mutation with *InsufficientStockError.
	Strict Mode = iota
	// Clamp writes zero and records the change actually applied.
	Clamp
)

// OrderPolicy selects the Mode used for order fulfillment. Manual
// adjustments are always Strict.
type OrderPolicy string

const (
	PolicyReject OrderPolicy = "reject"
	PolicyClamp  OrderPolicy = "clamp"
)

func (p OrderPolicy) mode() Mode {
	if p == PolicyClamp {
		return Clamp
	}
	return Strict
}

const defaultCASRetries = 5

// Adjustment is one stock mutation request.
type Adjustment struct {
	ItemID  string `json:"itemId"`
	ShopID  string `json:"shopId"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
	ActorID string `json:"actorId"`
}

// Result describes an applied mutation.
type Result struct {
	ItemID         string `json:"itemId"`
	PreviousStock  int64  `json:"previousStock"`
	NewStock       int64  `json:"newStock"`
	HistoryEntryID string `json:"historyEntryId"`
	// Shortfall is how many units a clamped order line could not deduct.
	Shortfall int64 `json:"shortfall,omitempty"`
}

// Change is the delta actually written.
func (r Result) Change() int64 { return r.NewStock - r.PreviousStock }

type Options struct {
	// CASRetries bounds how many times a lost compare-and-set is retried.
	CASRetries  int
	OrderPolicy OrderPolicy
	Metrics     *metrics.Registry
	Now         func() time.Time
	NewID       func() string
}

type Ledger struct {
	store   Store
	retries int
	policy  atomic.Value // OrderPolicy
	metrics *metrics.Registry
	logger  *log.Logger
	now     func() time.Time
	newID   func() string
	// held for the whole of RestockReturn
	returnMu sync.Mutex
}

func New(store Store, opts Options) *Ledger {
	if opts.CASRetries <= 0 {
		opts.CASRetries = defaultCASRetries
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	l := &Ledger{
		store:   store,
		retries: opts.CASRetries,
		metrics: metrics.OrNew(opts.Metrics),
		logger:  log.ForService("ledger"),
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if opts.OrderPolicy == "" {
		opts.OrderPolicy = PolicyReject
	}
	if err := l.SetOrderPolicy(opts.OrderPolicy); err != nil {
		l.logger.Warnf("%v, using %s", err, PolicyReject)
		l.policy.Store(PolicyReject)
	}
	return l
}

// SetOrderPolicy changes the order fulfillment policy. Safe to call while
// orders are being fulfilled; each order uses the policy read at its start.
func (l *Ledger) SetOrderPolicy(p OrderPolicy) error {
	switch p {
	case PolicyReject, PolicyClamp:
		l.policy.Store(p)
		return nil
	default:
		return fmt.Errorf("%w: unknown order policy %q", ErrInvalidAdjustment, p)
	}
}

func (l *Ledger) OrderPolicy() OrderPolicy {
	return l.policy.Load().(OrderPolicy)
}

// Adjust applies a relative change. Deductions below zero are rejected.
func (l *Ledger) Adjust(ctx context.Context, adj Adjustment) (Result, error) {
	if err := validate(adj.ShopID, adj.ItemID, adj.Reason); err != nil {
		return Result{}, err
	}
	if adj.Delta == 0 {
		return Result{}, fmt.Errorf("%w: zero delta for item %s", ErrInvalidAdjustment, adj.ItemID)
	}
	return l.mutate(ctx, adj.ShopID, adj.ItemID, adj.Reason, adj.ActorID, func(current int64) (int64, error) {
		return next(adj, current, Strict)
	})
}

// SetStock sets an absolute stock value, recorded as the difference from the
// value it replaced. Setting the current value writes nothing and returns a
// Result without a history entry.
func (l *Ledger) SetStock(ctx context.Context, shopID, itemID string, stock int64, reason, actorID string) (Result, error) {
	if err := validate(shopID, itemID, reason); err != nil {
		return Result{}, err
	}
	if stock < 0 {
		return Result{}, fmt.Errorf("%w: negative stock %d for item %s", ErrInvalidAdjustment, stock, itemID)
	}
	return l.mutate(ctx, shopID, itemID, reason, actorID, func(int64) (int64, error) {
		return stock, nil
	})
}

func validate(shopID, itemID, reason string) error {
	switch {
	case shopID == "":
		return fmt.Errorf("%w: missing shop id", ErrInvalidAdjustment)
	case itemID == "":
		return fmt.Errorf("%w: missing item id", ErrInvalidAdjustment)
	case reason == "":
		return fmt.Errorf("%w: missing reason", ErrInvalidAdjustment)
	}
	return nil
}

func next(adj Adjustment, current int64, mode Mode) (int64, error) {
	n := current + adj.Delta
	if n >= 0 {
		return n, nil
	}
	if mode == Clamp {
		return 0, nil
	}
	return 0, &InsufficientStockError{ItemID: adj.ItemID, ShopID: adj.ShopID, Current: current, Delta: adj.Delta}
}

func (l *Ledger) mutate(ctx context.Context, shopID, itemID, reason, actorID string, compute func(int64) (int64, error)) (Result, error) {
	start := time.Now()
	defer func() { l.metrics.LedgerLatencySec.Observe(time.Since(start).Seconds()) }()

	for attempt := 0; attempt <= l.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		current, err := l.store.Stock(ctx, shopID, itemID)
		if errors.Is(err, model.ErrNotFound) {
			l.metrics.LedgerAdjustments.WithLabelValues("not_found").Inc()
			return Result{}, fmt.Errorf("%w: %w", ErrItemNotFound, err)
		}
		if err != nil {
			l.metrics.LedgerAdjustments.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("reading stock of %s: %w", itemID, err)
		}

		n, err := compute(current)
		if err != nil {
			l.metrics.LedgerAdjustments.WithLabelValues("rejected").Inc()
			return Result{}, err
		}
		if n == current {
			l.metrics.LedgerAdjustments.WithLabelValues("unchanged").Inc()
			return Result{ItemID: itemID, PreviousStock: current, NewStock: n}, nil
		}

		ok, err := l.store.CompareAndSetStock(ctx, shopID, itemID, current, n)
		if err != nil {
			l.metrics.LedgerAdjustments.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("writing stock of %s: %w", itemID, err)
		}
		if !ok {
			l.metrics.LedgerConflicts.Inc()
			l.logger.Debugf("stock of %s/%s changed under us (attempt %d), retrying", shopID, itemID, attempt+1)
			continue
		}

		res := Result{ItemID: itemID, PreviousStock: current, NewStock: n}
		entry := model.StockHistoryEntry{
			ID:        l.newID(),
			ItemID:    itemID,
			ShopID:    shopID,
			Change:    n - current,
			NewStock:  n,
			Reason:    reason,
			ChangedBy: actorID,
			Timestamp: l.now(),
		}
		if err := l.store.AppendHistory(ctx, entry); err != nil {
			l.metrics.LedgerAdjustments.WithLabelValues("unaudited").Inc()
			l.logger.Errorf("stock of %s/%s set to %d but history append failed: %v", shopID, itemID, n, err)
			return res, fmt.Errorf("%w: %v", ErrHistoryNotRecorded, err)
		}
		res.HistoryEntryID = entry.ID

		l.metrics.LedgerAdjustments.WithLabelValues("applied").Inc()
		l.logger.Debugf("%s/%s %d -> %d (%s by %s)", shopID, itemID, current, n, reason, actorID)
		return res, nil
	}

	l.metrics.LedgerAdjustments.WithLabelValues("conflict").Inc()
	return Result{}, fmt.Errorf("%w: item %s in shop %s after %d attempts", ErrConcurrentWrite, itemID, shopID, l.retries+1)
}
