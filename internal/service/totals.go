package service

import (
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Totals is derived from the ledger and never stored.
// ItemCount is total units; LineCount is distinct products.
type Totals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	ItemCount int             `json:"item_count"`
	LineCount int             `json:"line_count"`
}

func ComputeTotals(items []domain.CartItem) Totals {
	t := Totals{Subtotal: decimal.Zero}
	for _, item := range items {
		t.Subtotal = t.Subtotal.Add(item.LineTotal())
		t.ItemCount += item.Quantity
	}
	t.LineCount = len(items)
	return t
}

// totalsCache memoizes Totals on the ledger version.
type totalsCache struct {
	valid   bool
	version uint64
	totals  Totals
}

func (c *totalsCache) get(l *Ledger) Totals {
	if c.valid && c.version == l.Version() {
		return c.totals
	}
	c.totals = ComputeTotals(l.Items())
	c.version = l.Version()
	c.valid = true
	return c.totals
}
