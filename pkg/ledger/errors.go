package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock matches any *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrItemNotFound is returned when the item does not exist in the given shop.
	ErrItemNotFound = errors.New("item not found")
	// ErrConcurrentWrite is returned when the compare-and-set kept losing
	// against other writers for every allowed retry.
	ErrConcurrentWrite = errors.New("concurrent stock write")
	// ErrHistoryNotRecorded is returned when the stock was written but the
	// audit row could not be appended.
	ErrHistoryNotRecorded = errors.New("stock history not recorded")
	ErrInvalidAdjustment  = errors.New("invalid adjustment")
	// ErrNotReturnable is returned when a return names a product the order
	// did not deduct, or more units than are left to return.
	ErrNotReturnable = errors.New("not returnable")
)

// InsufficientStockError reports a deduction that would take stock below
// zero. Stock is left untouched when it is returned.
type InsufficientStockError struct {
	ItemID  string
	ShopID  string
	Current int64
	Delta   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s in shop %s: current %d, requested change %d",
		e.ItemID, e.ShopID, e.Current, e.Delta)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
