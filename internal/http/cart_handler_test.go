package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/cache"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	m        sync.Mutex
	seq      int
	rows     map[string]domain.ItemRow
	stock    map[string]domain.ProductSnapshot
	writeErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows: make(map[string]domain.ItemRow),
		stock: map[string]domain.ProductSnapshot{
			"tomato": {ProductID: "tomato", Name: "Tomato", Price: decimal.RequireFromString("2.00"), Stock: 5, MinOrder: 1, Available: true},
			"potato": {ProductID: "potato", Name: "Potato", Price: decimal.RequireFromString("1.20"), Stock: 250, MinOrder: 5, MaxOrder: 50, Available: true},
			"saffron": {ProductID: "saffron", Name: "Saffron", Price: decimal.RequireFromString("9.99"), Stock: 3, Available: false},
		},
	}
}

func (f *fakeRemote) CreateSession(_ context.Context, ttl time.Duration) (domain.Session, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.seq++
	now := time.Now()
	return domain.Session{ID: fmt.Sprintf("session-%d", f.seq), CreatedAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (f *fakeRemote) GetSession(_ context.Context, id string) (domain.Session, error) {
	return domain.Session{}, service.ErrSessionNotFound
}

func (f *fakeRemote) ListItems(context.Context, string) ([]domain.ItemRow, error) {
	return nil, nil
}

func (f *fakeRemote) UpsertItem(_ context.Context, row domain.ItemRow) (domain.ItemRow, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.writeErr != nil {
		return domain.ItemRow{}, f.writeErr
	}
	key := row.SessionID + "/" + row.ProductID
	row.Version = f.rows[key].Version + 1
	f.rows[key] = row
	return row, nil
}

func (f *fakeRemote) DeleteItem(_ context.Context, sessionID, productID string) (domain.ItemRow, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.writeErr != nil {
		return domain.ItemRow{}, f.writeErr
	}
	key := sessionID + "/" + productID
	row, ok := f.rows[key]
	if !ok || row.Deleted {
		return domain.ItemRow{}, service.ErrItemNotFound
	}
	row.Version++
	row.Deleted = true
	row.Quantity = 0
	f.rows[key] = row
	return row, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

func (f *fakeRemote) Subscribe(context.Context, string, func(domain.ChangeEvent)) (service.Subscription, error) {
	return noopSubscription{}, nil
}

func (f *fakeRemote) GetProductStock(_ context.Context, productID string) (domain.ProductSnapshot, error) {
	f.m.Lock()
	defer f.m.Unlock()
	snap, ok := f.stock[productID]
	if !ok {
		return domain.ProductSnapshot{}, service.ErrProductUnavailable
	}
	return snap, nil
}

func (f *fakeRemote) setWriteErr(err error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.writeErr = err
}

func setupRouter(t *testing.T) (http.Handler, *fakeRemote) {
	remote := newFakeRemote()
	registry := service.NewRegistry(context.Background(), remote, cache.NewMemorySessionCache(), service.RegistryConfig{
		SessionTTL:  time.Hour,
		CallTimeout: time.Second,
	})
	t.Cleanup(registry.Close)
	return NewRouter(registry, newFakeProducts(), 5*time.Second), remote
}

func do(t *testing.T, h http.Handler, method, path, clientID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if clientID != "" {
		req.Header.Set("X-Client-ID", clientID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) CartResponse {
	var resp CartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestGetCart_Empty(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/api/v1/cart", "alice", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeCart(t, rec)
	assert.Empty(t, resp.Items)
	assert.Equal(t, 0, resp.Totals.ItemCount)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGetCart_MissingClientID(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/api/v1/cart", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Code)
}

func TestAddItem_AccumulatesAndTotals(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 3})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeCart(t, rec)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 5, resp.Items[0].Quantity)
	assert.Equal(t, "10", resp.Totals.Subtotal.String())
	assert.NotEmpty(t, resp.SessionID)

	// other clients have their own cart
	rec = do(t, h, http.MethodGet, "/api/v1/cart", "bob", nil)
	assert.Empty(t, decodeCart(t, rec).Items)
}

func TestAddItem_InsufficientStock(t *testing.T) {
	h, _ := setupRouter(t)

	do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 5})
	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "insufficient_stock", resp.Code)
	require.NotNil(t, resp.Requested)
	require.NotNil(t, resp.Available)
	assert.Equal(t, 6, *resp.Requested)
	assert.Equal(t, 5, *resp.Available)
}

func TestAddItem_BelowMinimum(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "potato", Quantity: 2})

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "below_minimum_order", resp.Code)
	require.NotNil(t, resp.Minimum)
	assert.Equal(t, 5, *resp.Minimum)
}

func TestAddItem_Unavailable(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "saffron", Quantity: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "product_unavailable", decodeError(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "unknown", Quantity: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAddItem_InvalidRequest(t *testing.T) {
	h, _ := setupRouter(t)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"zero quantity", AddItemRequestDTO{ProductID: "tomato", Quantity: 0}, "invalid_quantity"},
		{"negative quantity", AddItemRequestDTO{ProductID: "tomato", Quantity: -1}, "invalid_quantity"},
		{"missing product", AddItemRequestDTO{Quantity: 1}, "invalid_product_id"},
		{"not json", "{", "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestUpdateQuantity(t *testing.T) {
	h, _ := setupRouter(t)
	do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})

	rec := do(t, h, http.MethodPut, "/api/v1/cart/items/tomato", "alice", UpdateQuantityRequestDTO{Quantity: 4})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeCart(t, rec)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, 4, resp.Items[0].Quantity)

	rec = do(t, h, http.MethodPut, "/api/v1/cart/items/tomato", "alice", UpdateQuantityRequestDTO{Quantity: 9})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/cart/items/tomato", "alice", UpdateQuantityRequestDTO{Quantity: 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Items)
}

func TestUpdateQuantity_NotInCart(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodPut, "/api/v1/cart/items/tomato", "alice", UpdateQuantityRequestDTO{Quantity: 2})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "item_not_found", decodeError(t, rec).Code)
}

func TestRemoveItem_Idempotent(t *testing.T) {
	h, _ := setupRouter(t)
	do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodDelete, "/api/v1/cart/items/tomato", "alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decodeCart(t, rec).Items)
	}
}

func TestClearCart_StartsNewSession(t *testing.T) {
	h, _ := setupRouter(t)
	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})
	first := decodeCart(t, rec).SessionID

	rec = do(t, h, http.MethodDelete, "/api/v1/cart", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Items)

	rec = do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEqual(t, first, decodeCart(t, rec).SessionID)
}

func TestRemoteFailure_ServiceUnavailable(t *testing.T) {
	h, remote := setupRouter(t)
	remote.setWriteErr(errors.New("connection refused"))

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "remote_unavailable", decodeError(t, rec).Code)

	// rolled back
	rec = do(t, h, http.MethodGet, "/api/v1/cart", "alice", nil)
	assert.Empty(t, decodeCart(t, rec).Items)
}

func TestRefreshItem(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items/potato/refresh", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap domain.ProductSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, 250, snap.Stock)
	assert.Equal(t, 50, snap.MaxOrder)
}

func TestLogout(t *testing.T) {
	h, _ := setupRouter(t)
	do(t, h, http.MethodPost, "/api/v1/cart/items", "alice", AddItemRequestDTO{ProductID: "tomato", Quantity: 1})

	rec := do(t, h, http.MethodPost, "/api/v1/cart/logout", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/cart", "alice", nil)
	resp := decodeCart(t, rec)
	assert.Empty(t, resp.Items)
	assert.Empty(t, resp.SessionID)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	do(t, h, http.MethodGet, "/api/v1/cart", "alice", nil)
	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cart_http_request_duration_seconds")
}

func TestHandleServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&service.AboveMaximumOrderError{ProductID: "potato", Requested: 60, Maximum: 50}, http.StatusConflict, "above_maximum_order"},
		{service.ErrInvalidQuantity, http.StatusBadRequest, "invalid_quantity"},
		{fmt.Errorf("x: %w", service.ErrItemNotFound), http.StatusNotFound, "item_not_found"},
		{fmt.Errorf("%w: boom", service.ErrSessionCreationFailed), http.StatusServiceUnavailable, "session_creation_failed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handleServiceError(context.Background(), rec, tt.err)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, tt.code, decodeError(t, rec).Code)
	}
}
