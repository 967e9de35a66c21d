package service

import (
	"fmt"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeIgnored
	OutcomeDeferred
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Reconciler merges remote change events into a Ledger. The remote side is
// authoritative, but an event only wins when its version is newer than the
// last one applied for that product. Events for a product with a local
// mutation in flight are held back until the mutation settles.
// Reconciler is not safe for concurrent use; CartService guards it.
type Reconciler struct {
	ledger   *Ledger
	inflight map[string]int
	deferred map[string][]domain.ChangeEvent
}

func NewReconciler(ledger *Ledger) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		inflight: make(map[string]int),
		deferred: make(map[string][]domain.ChangeEvent),
	}
}

// Apply merges ev into the ledger of sessionID.
// A non-nil error is diagnostic only and never reaches callers of the cart.
func (r *Reconciler) Apply(sessionID string, ev domain.ChangeEvent) (Outcome, error) {
	if sessionID == "" || ev.SessionID != sessionID {
		return OutcomeIgnored, nil
	}
	productID := ev.Row.ProductID
	if productID == "" || !ev.Type.Valid() {
		return OutcomeDiscarded, fmt.Errorf("%w: event %q type %q product %q", ErrMalformedEvent, ev.ID, ev.Type, productID)
	}

	if r.inflight[productID] > 0 {
		r.deferred[productID] = append(r.deferred[productID], ev)
		return OutcomeDeferred, nil
	}

	applied := r.ledger.AppliedVersion(productID)
	if ev.Row.Version <= applied {
		return OutcomeDiscarded, fmt.Errorf("%w: product %s version %d, applied %d", ErrReconciliationConflict, productID, ev.Row.Version, applied)
	}

	if ev.Type == domain.EventDelete || ev.Row.Deleted || ev.Row.Quantity <= 0 {
		r.ledger.Delete(productID)
	} else {
		r.ledger.Put(ev.Row.ToItem())
	}
	r.ledger.MarkApplied(productID, ev.Row.Version)
	return OutcomeApplied, nil
}

// Hold marks a local mutation for productID as in flight.
func (r *Reconciler) Hold(productID string) {
	r.inflight[productID]++
}

// Release ends one in-flight mutation and, once none remain, hands back the
// events deferred meanwhile in arrival order for the caller to re-apply.
func (r *Reconciler) Release(productID string) []domain.ChangeEvent {
	if r.inflight[productID] > 1 {
		r.inflight[productID]--
		return nil
	}
	delete(r.inflight, productID)
	events := r.deferred[productID]
	delete(r.deferred, productID)
	return events
}

// Pending returns the number of events waiting behind in-flight mutations.
func (r *Reconciler) Pending() int {
	n := 0
	for _, evs := range r.deferred {
		n += len(evs)
	}
	return n
}

// DropDeferred forgets deferred events, used when the session is replaced.
func (r *Reconciler) DropDeferred() {
	r.deferred = make(map[string][]domain.ChangeEvent)
}
