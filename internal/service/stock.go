package service

import "github.com/fjod/go_cart/cart-engine/internal/domain"

// ValidateStock decides whether requested (an absolute quantity) is admissible
// for the product described by snap. It never clamps; the caller resubmits.
// Only the snapshot is consulted, fresher stock is the caller's business.
func ValidateStock(productID string, requested int, snap domain.ProductSnapshot) error {
	if requested <= 0 {
		return ErrInvalidQuantity
	}
	if !snap.Available {
		return ErrProductUnavailable
	}

	minOrder := snap.MinOrder
	if minOrder <= 0 {
		minOrder = 1
	}
	if requested < minOrder {
		return &BelowMinimumOrderError{ProductID: productID, Requested: requested, Minimum: minOrder}
	}

	if requested > snap.Stock {
		available := snap.Stock
		if available < 0 {
			available = 0
		}
		return &InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
	}

	// unset max defaults to stock, which was checked above
	if snap.MaxOrder > 0 && requested > snap.MaxOrder {
		return &AboveMaximumOrderError{ProductID: productID, Requested: requested, Maximum: snap.MaxOrder}
	}

	return nil
}
