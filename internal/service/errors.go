package service

import (
	"errors"
	"fmt"
)

var (
	ErrSessionCreationFailed  = errors.New("cart session creation failed")
	ErrSessionExpired         = errors.New("cart session expired")
	ErrSessionNotFound        = errors.New("cart session not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrBelowMinimumOrder      = errors.New("quantity below minimum order")
	ErrAboveMaximumOrder      = errors.New("quantity above maximum order")
	ErrProductUnavailable     = errors.New("product unavailable")
	ErrInvalidQuantity        = errors.New("quantity must be greater than 0")
	ErrItemNotFound           = errors.New("item not found in cart")
	ErrRemoteUnavailable      = errors.New("cart remote unavailable")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrMalformedEvent         = errors.New("malformed change event")
	ErrInvalidProductID       = errors.New("product id is required")
)

// InsufficientStockError carries the numbers the UI needs for an inline message.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%v: product %s requested %d, available %d", ErrInsufficientStock, e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type BelowMinimumOrderError struct {
	ProductID string
	Requested int
	Minimum   int
}

func (e *BelowMinimumOrderError) Error() string {
	return fmt.Sprintf("%v: product %s requested %d, minimum %d", ErrBelowMinimumOrder, e.ProductID, e.Requested, e.Minimum)
}

func (e *BelowMinimumOrderError) Is(target error) bool {
	return target == ErrBelowMinimumOrder
}

type AboveMaximumOrderError struct {
	ProductID string
	Requested int
	Maximum   int
}

func (e *AboveMaximumOrderError) Error() string {
	return fmt.Sprintf("%v: product %s requested %d, maximum %d", ErrAboveMaximumOrder, e.ProductID, e.Requested, e.Maximum)
}

func (e *AboveMaximumOrderError) Is(target error) bool {
	return target == ErrAboveMaximumOrder
}

// IsValidationError reports whether err is a stock/quantity rule rejection
// that the caller should render inline rather than retry.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrBelowMinimumOrder) ||
		errors.Is(err, ErrAboveMaximumOrder) ||
		errors.Is(err, ErrProductUnavailable) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidProductID)
}

// IsRetryable reports whether the same call may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrSessionCreationFailed)
}

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrBelowMinimumOrder):
		return "below_minimum_order"
	case errors.Is(err, ErrAboveMaximumOrder):
		return "above_maximum_order"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidProductID):
		return "invalid_product_id"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, ErrSessionCreationFailed):
		return "session_creation_failed"
	case errors.Is(err, ErrRemoteUnavailable):
		return "remote_unavailable"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	default:
		return "internal"
	}
}
