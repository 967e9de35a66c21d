package service

import "github.com/fjod/go_cart/cart-engine/internal/domain"

// Ledger is the local view of cart contents: one line per product, in
// insertion order, quantity always > 0. It also remembers the last remote
// version applied per product (deletes included) so stale events can be
// recognised. Ledger is not safe for concurrent use; CartService guards it.
type Ledger struct {
	items   map[string]*domain.CartItem
	order   []string
	applied map[string]int64
	version uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		items:   make(map[string]*domain.CartItem),
		applied: make(map[string]int64),
	}
}

func (l *Ledger) Get(productID string) (domain.CartItem, bool) {
	item, ok := l.items[productID]
	if !ok {
		return domain.CartItem{}, false
	}
	return *item, true
}

// Put inserts or replaces the line for item.ProductID. A non-positive
// quantity removes the line instead.
func (l *Ledger) Put(item domain.CartItem) {
	if item.Quantity <= 0 {
		l.Delete(item.ProductID)
		return
	}
	if existing, ok := l.items[item.ProductID]; ok {
		*existing = item
	} else {
		stored := item
		l.items[item.ProductID] = &stored
		l.order = append(l.order, item.ProductID)
	}
	l.version++
}

// Delete removes the line and reports whether it was present.
func (l *Ledger) Delete(productID string) bool {
	if _, ok := l.items[productID]; !ok {
		return false
	}
	delete(l.items, productID)
	for i, id := range l.order {
		if id == productID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.version++
	return true
}

// Clear drops every line but keeps applied versions, so events that predate
// the clear still lose.
func (l *Ledger) Clear() {
	if len(l.items) == 0 {
		return
	}
	l.items = make(map[string]*domain.CartItem)
	l.order = nil
	l.version++
}

// Reset forgets everything, used when the session itself is replaced.
func (l *Ledger) Reset() {
	l.items = make(map[string]*domain.CartItem)
	l.order = nil
	l.applied = make(map[string]int64)
	l.version++
}

func (l *Ledger) Items() []domain.CartItem {
	out := make([]domain.CartItem, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.items[id])
	}
	return out
}

func (l *Ledger) Len() int {
	return len(l.order)
}

// Version increases on every change of contents; totals are memoized on it.
func (l *Ledger) Version() uint64 {
	return l.version
}

func (l *Ledger) AppliedVersion(productID string) int64 {
	return l.applied[productID]
}

// MarkApplied records v as seen for productID. Versions never go backwards.
func (l *Ledger) MarkApplied(productID string, v int64) {
	if v > l.applied[productID] {
		l.applied[productID] = v
	}
}
