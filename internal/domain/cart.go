package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session is a time-bounded handle grouping a client's in-progress cart items.
type Session struct {
	ID        string    `json:"session_id" bson:"_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// IsExpiredAt reports whether the session is past its expiry at the given instant
func (s Session) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ProductSnapshot is a denormalized copy of catalog data, may go stale.
type ProductSnapshot struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	MinOrder  int             `json:"min_order"`
	MaxOrder  int             `json:"max_order"`
	Available bool            `json:"available"`
}

// CartItem is one line of the local ledger
type CartItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Snapshot  ProductSnapshot `json:"snapshot"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineTotal returns quantity x unit price
func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemRow is the remote store's representation of a cart item.
// Version grows on every write to (SessionID, ProductID), deletes included.
type ItemRow struct {
	SessionID string          `json:"session_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Snapshot  ProductSnapshot `json:"snapshot"`
	Version   int64           `json:"version"`
	Deleted   bool            `json:"deleted"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ToItem converts a remote row into a ledger line
func (r ItemRow) ToItem() CartItem {
	return CartItem{
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		UnitPrice: r.UnitPrice,
		Snapshot:  r.Snapshot,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}
