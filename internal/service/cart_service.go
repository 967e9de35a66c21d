package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	CallTimeout time.Duration
	Now         func() time.Time
}

// CartView is a consistent read of the cart taken under one lock.
type CartView struct {
	SessionID string            `json:"session_id,omitempty"`
	Items     []domain.CartItem `json:"items"`
	Totals    Totals            `json:"totals"`
}

// CartService is the cart engine of one client context. Local mutations are
// applied to the ledger optimistically, persisted remotely, then confirmed
// with the remote version or rolled back. Remote change events are merged
// through ApplyRemoteEvent.
type CartService struct {
	sessions *SessionStore
	remote   Remote
	timeout  time.Duration
	now      func() time.Time
	sfg      singleflight.Group // stock refreshes per product

	// mutateMu serializes local mutations and is held across remote calls.
	mutateMu sync.Mutex

	// mu guards the fields below and is never held across I/O.
	mu          sync.Mutex
	ledger      *Ledger
	reconciler  *Reconciler
	totals      totalsCache
	sessionID   string
	resetNotice bool
}

func NewCartService(sessions *SessionStore, remote Remote, opts Options) *CartService {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ledger := NewLedger()
	s := &CartService{
		sessions:   sessions,
		remote:     remote,
		timeout:    opts.CallTimeout,
		now:        opts.Now,
		ledger:     ledger,
		reconciler: NewReconciler(ledger),
	}
	if cur, ok := sessions.Current(); ok {
		s.sessionID = cur.ID
	}
	sessions.OnChange(s.onSessionChange)
	return s
}

func (s *CartService) onSessionChange(change SessionChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Previous != nil {
		s.ledger.Reset()
		s.reconciler.DropDeferred()
	}
	if change.Reason == ReasonExpired {
		s.resetNotice = true
	}
	s.sessionID = ""
	if change.Current != nil {
		s.sessionID = change.Current.ID
	}
}

func (s *CartService) Sessions() *SessionStore {
	return s.sessions
}

// AddItem adds quantity units of productID. An existing line accumulates and
// keeps the unit price captured when it was first added.
func (s *CartService) AddItem(ctx context.Context, productID string, quantity int, snap domain.ProductSnapshot) (domain.CartItem, error) {
	if productID == "" {
		return domain.CartItem{}, ErrInvalidProductID
	}
	if quantity <= 0 {
		return domain.CartItem{}, ErrInvalidQuantity
	}
	if snap.ProductID == "" {
		snap.ProductID = productID
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	session, err := s.sessions.EnsureSession(ctx)
	if err != nil {
		return domain.CartItem{}, err
	}

	s.mu.Lock()
	prev, existed := s.ledger.Get(productID)
	next := domain.CartItem{
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: snap.Price,
		Snapshot:  snap,
		UpdatedAt: s.now(),
	}
	if existed {
		next.Quantity += prev.Quantity
		next.UnitPrice = prev.UnitPrice
		next.Version = prev.Version
	}
	if errValidate := ValidateStock(productID, next.Quantity, snap); errValidate != nil {
		s.mu.Unlock()
		rejected(ctx, "add", productID, errValidate)
		return domain.CartItem{}, errValidate
	}
	s.ledger.Put(next)
	s.reconciler.Hold(productID)
	s.mu.Unlock()

	row, err := s.upsert(ctx, session.ID, next)
	s.settle(ctx, "add", session.ID, productID, prev, existed, row, err)
	if err != nil {
		return domain.CartItem{}, err
	}
	return row.ToItem(), nil
}

// UpdateQuantity sets an absolute quantity. A quantity <= 0 removes the line.
func (s *CartService) UpdateQuantity(ctx context.Context, productID string, quantity int) (domain.CartItem, error) {
	if productID == "" {
		return domain.CartItem{}, ErrInvalidProductID
	}
	if quantity <= 0 {
		return domain.CartItem{}, s.RemoveItem(ctx, productID)
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	session, err := s.sessions.EnsureSession(ctx)
	if err != nil {
		return domain.CartItem{}, err
	}

	s.mu.Lock()
	prev, existed := s.ledger.Get(productID)
	if !existed {
		s.mu.Unlock()
		return domain.CartItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, productID)
	}
	if errValidate := ValidateStock(productID, quantity, prev.Snapshot); errValidate != nil {
		s.mu.Unlock()
		rejected(ctx, "update", productID, errValidate)
		return domain.CartItem{}, errValidate
	}
	next := prev
	next.Quantity = quantity
	next.UpdatedAt = s.now()
	s.ledger.Put(next)
	s.reconciler.Hold(productID)
	s.mu.Unlock()

	row, err := s.upsert(ctx, session.ID, next)
	s.settle(ctx, "update", session.ID, productID, prev, true, row, err)
	if err != nil {
		return domain.CartItem{}, err
	}
	return row.ToItem(), nil
}

// RemoveItem deletes the line for productID. Removing an absent product is a
// no-op and makes no remote call.
func (s *CartService) RemoveItem(ctx context.Context, productID string) error {
	if productID == "" {
		return ErrInvalidProductID
	}

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	s.mu.Lock()
	_, present := s.ledger.Get(productID)
	s.mu.Unlock()
	if !present {
		return nil
	}

	session, err := s.sessions.EnsureSession(ctx)
	if err != nil {
		return err
	}
	return s.removeLocked(ctx, session.ID, productID)
}

// removeLocked expects mutateMu to be held.
func (s *CartService) removeLocked(ctx context.Context, sessionID, productID string) error {
	s.mu.Lock()
	prev, existed := s.ledger.Get(productID)
	if !existed {
		s.mu.Unlock()
		return nil
	}
	s.ledger.Delete(productID)
	s.reconciler.Hold(productID)
	s.mu.Unlock()

	row, err := s.delete(ctx, sessionID, productID)
	s.settle(ctx, "remove", sessionID, productID, prev, true, row, err)
	return err
}

// Clear deletes every line remotely and then supersedes the session. If a
// remote delete fails the lines not yet removed stay in place and the call
// can be retried.
func (s *CartService) Clear(ctx context.Context) error {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	if cur, ok := s.sessions.Current(); ok && !s.sessions.IsExpired(cur) {
		s.mu.Lock()
		items := s.ledger.Items()
		s.mu.Unlock()

		for _, item := range items {
			if err := s.removeLocked(ctx, cur.ID, item.ProductID); err != nil {
				return err
			}
		}
	}

	s.sessions.Reset(ctx, ReasonCleared)
	s.clearLedger()
	return nil
}

// Logout forgets the local cart and the persisted session pointer. Remote
// rows are left to expire with their session.
func (s *CartService) Logout(ctx context.Context) {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	s.sessions.Reset(ctx, ReasonLogout)
	s.clearLedger()
}

func (s *CartService) clearLedger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Clear()
	s.reconciler.DropDeferred()
}

// Resume loads the remote rows of the current session into the ledger.
// Rows older than what the ledger has already applied are skipped.
func (s *CartService) Resume(ctx context.Context) error {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	cur, ok := s.sessions.Current()
	if !ok || s.sessions.IsExpired(cur) {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	rows, err := s.remote.ListItems(callCtx, cur.ID)
	cancel()
	if err != nil {
		return remoteError("list items", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != cur.ID {
		return nil
	}
	for _, row := range rows {
		if row.Version <= s.ledger.AppliedVersion(row.ProductID) {
			continue
		}
		if row.Deleted || row.Quantity <= 0 {
			s.ledger.Delete(row.ProductID)
		} else {
			s.ledger.Put(row.ToItem())
		}
		s.ledger.MarkApplied(row.ProductID, row.Version)
	}
	logger.Ctx(ctx).Debug().Str("session_id", cur.ID).Int("rows", len(rows)).Msg("cart resumed")
	return nil
}

// RefreshStock fetches a fresh product snapshot and stores it on the line
// for productID, if any. Concurrent refreshes of one product share a call.
func (s *CartService) RefreshStock(ctx context.Context, productID string) (domain.ProductSnapshot, error) {
	if productID == "" {
		return domain.ProductSnapshot{}, ErrInvalidProductID
	}

	v, err, _ := s.sfg.Do(productID, func() (interface{}, error) {
		// detached from the caller; other waiters share this call
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		snap, errGet := s.remote.GetProductStock(callCtx, productID)
		if errGet != nil {
			if errors.Is(errGet, ErrProductUnavailable) {
				return nil, errGet
			}
			return nil, remoteError("get product stock", errGet)
		}
		return snap, nil
	})
	if err != nil {
		return domain.ProductSnapshot{}, err
	}
	snap := v.(domain.ProductSnapshot)

	s.mu.Lock()
	if item, ok := s.ledger.Get(productID); ok {
		item.Snapshot = snap
		s.ledger.Put(item)
	}
	s.mu.Unlock()
	return snap, nil
}

// ApplyRemoteEvent merges a change event from the remote feed. It never
// blocks on I/O and never fails; rejected events are logged and counted.
func (s *CartService) ApplyRemoteEvent(ev domain.ChangeEvent) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ev)
}

func (s *CartService) applyLocked(ev domain.ChangeEvent) Outcome {
	outcome, err := s.reconciler.Apply(s.sessionID, ev)
	switch outcome {
	case OutcomeApplied:
		metrics.RemoteEventsApplied.WithLabelValues(string(ev.Type)).Inc()
		logger.Debug().
			Str("session_id", ev.SessionID).
			Str("product_id", ev.Row.ProductID).
			Int64("version", ev.Row.Version).
			Str("type", string(ev.Type)).
			Msg("remote event applied")
	case OutcomeDeferred:
		metrics.RemoteEventsDeferred.Inc()
	case OutcomeDiscarded:
		if errors.Is(err, ErrMalformedEvent) {
			metrics.RemoteEventsDiscarded.WithLabelValues("malformed").Inc()
			logger.Warn().Err(err).Msg("remote event dropped")
		} else {
			metrics.RemoteEventsDiscarded.WithLabelValues("stale").Inc()
			logger.Debug().Err(err).Str("event_id", ev.ID).Msg("remote event discarded")
		}
	}
	return outcome
}

// settle confirms or rolls back an optimistic mutation of productID and
// replays the events deferred while it was in flight.
func (s *CartService) settle(ctx context.Context, op, sessionID, productID string, prev domain.CartItem, existed bool, row domain.ItemRow, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deferred := s.reconciler.Release(productID)
	if s.sessionID != sessionID {
		return
	}

	if err != nil {
		if existed {
			s.ledger.Put(prev)
		} else {
			s.ledger.Delete(productID)
		}
		metrics.MutationsRolledBack.WithLabelValues(op).Inc()
		logger.Ctx(ctx).Warn().Err(err).
			Str("session_id", sessionID).
			Str("product_id", productID).
			Str("op", op).
			Msg("cart mutation rolled back")
	} else {
		if row.Deleted || row.Quantity <= 0 {
			s.ledger.Delete(productID)
		} else {
			s.ledger.Put(row.ToItem())
		}
		s.ledger.MarkApplied(productID, row.Version)
	}

	for _, ev := range deferred {
		s.applyLocked(ev)
	}
}

func (s *CartService) upsert(ctx context.Context, sessionID string, item domain.CartItem) (domain.ItemRow, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.remote.UpsertItem(callCtx, domain.ItemRow{
		SessionID: sessionID,
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
		Snapshot:  item.Snapshot,
		UpdatedAt: item.UpdatedAt,
	})
	if err != nil {
		return domain.ItemRow{}, remoteError("upsert item", err)
	}
	return row, nil
}

func (s *CartService) delete(ctx context.Context, sessionID, productID string) (domain.ItemRow, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.remote.DeleteItem(callCtx, sessionID, productID)
	if errors.Is(err, ErrItemNotFound) {
		return domain.ItemRow{SessionID: sessionID, ProductID: productID, Deleted: true}, nil
	}
	if err != nil {
		return domain.ItemRow{}, remoteError("delete item", err)
	}
	return row, nil
}

// busy reports whether a local mutation is in flight.
func (s *CartService) busy() bool {
	if !s.mutateMu.TryLock() {
		return true
	}
	s.mutateMu.Unlock()
	return false
}

func (s *CartService) Get(productID string) (domain.CartItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Get(productID)
}

// Items returns the lines in insertion order.
func (s *CartService) Items() []domain.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Items()
}

func (s *CartService) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals.get(s.ledger)
}

func (s *CartService) View() CartView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CartView{
		SessionID: s.sessionID,
		Items:     s.ledger.Items(),
		Totals:    s.totals.get(s.ledger),
	}
}

// SessionID returns the session the ledger belongs to, empty when none.
func (s *CartService) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Version returns the ledger version, which changes with every content change.
func (s *CartService) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Version()
}

// ResetNotice returns ErrSessionExpired once after an expired session was
// replaced, so the host can tell the user a fresh cart was started.
func (s *CartService) ResetNotice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resetNotice {
		return nil
	}
	s.resetNotice = false
	return ErrSessionExpired
}

func remoteError(op string, err error) error {
	if errors.Is(err, ErrRemoteUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteUnavailable, err)
}

func rejected(ctx context.Context, op, productID string, err error) {
	metrics.ValidationRejections.WithLabelValues(ErrorCode(err)).Inc()
	logger.Ctx(ctx).Debug().Err(err).Str("product_id", productID).Str("op", op).Msg("cart mutation rejected")
}
