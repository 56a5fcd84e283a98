package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rubiojr/shopsync/pkg/model"
)

// OrderReason is the history reason of a deduction made for an order.
func OrderReason(orderID string) string { return "Order #" + orderID }

// ReturnReason is the history reason of a restock made for a returned order.
func ReturnReason(orderID string) string { return "Return #" + orderID }

func rollbackReason(reason string) string { return reason + " rollback" }

// FulfillOrder deducts every line of the order, one mutation per line.
//
// Under PolicyReject a line that cannot be fully served fails the order and
// lines already deducted are put back with compensating history rows, so
// stock ends where it started. Under PolicyClamp short lines are deducted
// down to zero, the missing units are reported in Result.Shortfall and the
// order proceeds.
func (l *Ledger) FulfillOrder(ctx context.Context, order model.Order) ([]Result, error) {
	if order.ID == "" || order.ShopID == "" {
		return nil, fmt.Errorf("%w: order needs an id and a shop", ErrInvalidAdjustment)
	}
	for _, line := range order.Lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: order %s has line %q with quantity %d",
				ErrInvalidAdjustment, order.ID, line.ProductID, line.Quantity)
		}
	}

	mode := l.OrderPolicy().mode()
	reason := OrderReason(order.ID)
	results := make([]Result, 0, len(order.Lines))

	for _, line := range order.Lines {
		adj := Adjustment{
			ItemID:  line.ProductID,
			ShopID:  order.ShopID,
			Delta:   -line.Quantity,
			Reason:  reason,
			ActorID: order.CreatedBy,
		}
		res, err := l.mutate(ctx, adj.ShopID, adj.ItemID, reason, adj.ActorID, func(current int64) (int64, error) {
			return next(adj, current, mode)
		})
		if err != nil && !errors.Is(err, ErrHistoryNotRecorded) {
			if rerr := l.compensate(ctx, order.ShopID, rollbackReason(reason), order.CreatedBy, results); rerr != nil {
				return nil, errors.Join(fmt.Errorf("order %s: %w", order.ID, err), rerr)
			}
			return nil, fmt.Errorf("order %s: %w", order.ID, err)
		}
		if short := res.Change() - adj.Delta; short > 0 {
			res.Shortfall = short
			l.logger.Warnf("order %s: item %s short by %d, clamped to zero", order.ID, line.ProductID, short)
		}
		results = append(results, res)
	}
	return results, nil
}

// compensate reverts applied mutations, newest first, with reason rows.
func (l *Ledger) compensate(ctx context.Context, shopID, reason, actorID string, applied []Result) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		res := applied[i]
		if res.Change() == 0 {
			continue
		}
		_, err := l.mutate(ctx, shopID, res.ItemID, reason, actorID, func(current int64) (int64, error) {
			n := current - res.Change()
			if n < 0 {
				return 0, &InsufficientStockError{ItemID: res.ItemID, ShopID: shopID, Current: current, Delta: -res.Change()}
			}
			return n, nil
		})
		if err != nil && !errors.Is(err, ErrHistoryNotRecorded) {
			l.logger.Errorf("%s: reverting item %s failed: %v", reason, res.ItemID, err)
			errs = append(errs, fmt.Errorf("rollback of item %s: %w", res.ItemID, err))
		}
	}
	return errors.Join(errs...)
}

// Returnable reports, per product of the order, how many units the order
// deducted and have not been returned yet. It is read from the stock
// history, so clamped lines only count what was actually taken.
func (l *Ledger) Returnable(ctx context.Context, order model.Order) (map[string]int64, error) {
	sold, err := l.store.Movements(ctx, order.ShopID, OrderReason(order.ID), rollbackReason(OrderReason(order.ID)))
	if err != nil {
		return nil, err
	}
	returned, err := l.store.Movements(ctx, order.ShopID, ReturnReason(order.ID), rollbackReason(ReturnReason(order.ID)))
	if err != nil {
		return nil, err
	}
	left := make(map[string]int64, len(order.Lines))
	for _, line := range order.Lines {
		left[line.ProductID] = max(0, -sold[line.ProductID]-returned[line.ProductID])
	}
	return left, nil
}

// RestockReturn puts units of an order back into stock. Empty lines return
// everything still returnable.
//
// Every line is checked against Returnable before stock is touched. A line
// that fails while restocking reverts the lines already applied, so a
// failed return can be retried.
func (l *Ledger) RestockReturn(ctx context.Context, order model.Order, lines []model.OrderLine, actorID string) ([]Result, error) {
	l.returnMu.Lock()
	defer l.returnMu.Unlock()

	left, err := l.Returnable(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", order.ID, err)
	}
	if len(lines) == 0 {
		seen := map[string]bool{}
		for _, line := range order.Lines {
			if q := left[line.ProductID]; q > 0 && !seen[line.ProductID] {
				seen[line.ProductID] = true
				lines = append(lines, model.OrderLine{ProductID: line.ProductID, Quantity: q})
			}
		}
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: order %s has nothing left to return", ErrNotReturnable, order.ID)
		}
	}

	want := map[string]int64{}
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: return line %q with quantity %d", ErrInvalidAdjustment, line.ProductID, line.Quantity)
		}
		want[line.ProductID] += line.Quantity
	}
	for product, q := range want {
		avail, ok := left[product]
		if !ok {
			return nil, fmt.Errorf("%w: product %s is not part of order %s", ErrNotReturnable, product, order.ID)
		}
		if q > avail {
			return nil, fmt.Errorf("%w: %d of %s requested, %d left to return from order %s",
				ErrNotReturnable, q, product, avail, order.ID)
		}
	}

	reason := ReturnReason(order.ID)
	results := make([]Result, 0, len(lines))
	for _, line := range lines {
		res, err := l.mutate(ctx, order.ShopID, line.ProductID, reason, actorID, func(current int64) (int64, error) {
			return current + line.Quantity, nil
		})
		if err != nil && !errors.Is(err, ErrHistoryNotRecorded) {
			if rerr := l.compensate(ctx, order.ShopID, rollbackReason(reason), actorID, results); rerr != nil {
				return nil, errors.Join(fmt.Errorf("return of order %s: %w", order.ID, err), rerr)
			}
			return nil, fmt.Errorf("return of order %s: %w", order.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}
