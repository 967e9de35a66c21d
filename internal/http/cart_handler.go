package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/service"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Carts resolves the cart of a client, restoring it on first use.
type Carts interface {
	Get(ctx context.Context, clientID string) (*service.CartService, error)
}

type CartHandler struct {
	carts    Carts
	timeout  time.Duration
	validate *validator.Validate
}

func NewCartHandler(carts Carts, timeout time.Duration) *CartHandler {
	return &CartHandler{
		carts:    carts,
		timeout:  timeout,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type AddItemRequestDTO struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"gt=0,lte=999"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity" validate:"gte=0,lte=999"` // 0 removes the line
}

// CartResponse is the cart view plus a one-time notice when an expired
// session was replaced by the request.
type CartResponse struct {
	service.CartView
	Notice string `json:"notice,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Requested *int   `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
	Minimum   *int   `json:"minimum,omitempty"`
	Maximum   *int   `json:"maximum,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}
	respondCart(w, http.StatusOK, cart)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}

	// validation always runs against a fresh snapshot
	snap, err := cart.RefreshStock(ctx, req.ProductID)
	if err != nil {
		handleServiceError(ctx, w, err)
		return
	}
	if _, err = cart.AddItem(ctx, req.ProductID, req.Quantity, snap); err != nil {
		handleServiceError(ctx, w, err)
		return
	}

	respondCart(w, http.StatusCreated, cart)
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}

	if req.Quantity > 0 {
		if _, present := cart.Get(productID); present {
			if _, err := cart.RefreshStock(ctx, productID); err != nil {
				handleServiceError(ctx, w, err)
				return
			}
		}
	}
	if _, err := cart.UpdateQuantity(ctx, productID, req.Quantity); err != nil {
		handleServiceError(ctx, w, err)
		return
	}

	respondCart(w, http.StatusOK, cart)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}
	if err := cart.RemoveItem(ctx, productID); err != nil {
		handleServiceError(ctx, w, err)
		return
	}

	respondCart(w, http.StatusOK, cart)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}
	if err := cart.Clear(ctx); err != nil {
		handleServiceError(ctx, w, err)
		return
	}

	respondCart(w, http.StatusOK, cart)
}

func (h *CartHandler) RefreshItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}

	snap, err := cart.RefreshStock(ctx, productID)
	if err != nil {
		handleServiceError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *CartHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, ok := h.cart(ctx, w)
	if !ok {
		return
	}
	cart.Logout(ctx)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) cart(ctx context.Context, w http.ResponseWriter) (*service.CartService, bool) {
	cart, err := h.carts.Get(ctx, ClientIDFromContext(ctx))
	if err != nil {
		handleServiceError(ctx, w, err)
		return nil, false
	}
	return cart, true
}

func respondCart(w http.ResponseWriter, status int, cart *service.CartService) {
	resp := CartResponse{CartView: cart.View()}
	if notice := cart.ResetNotice(); notice != nil {
		resp.Notice = service.ErrorCode(notice)
	}
	if resp.Items == nil {
		resp.Items = []domain.CartItem{}
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func respondValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	fe := verrs[0]
	code := "invalid_request"
	switch fe.Field() {
	case "Quantity":
		code = "invalid_quantity"
	case "ProductID":
		code = "invalid_product_id"
	}
	respondJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   fe.Error(),
		Code:    code,
		Details: fe.Tag(),
	})
}

// handleServiceError maps engine errors to HTTP status codes.
func handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	code := service.ErrorCode(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var (
		stockErr *service.InsufficientStockError
		minErr   *service.BelowMinimumOrderError
		maxErr   *service.AboveMaximumOrderError
	)
	switch {
	case errors.As(err, &stockErr):
		resp.ProductID = stockErr.ProductID
		resp.Requested = &stockErr.Requested
		resp.Available = &stockErr.Available
	case errors.As(err, &minErr):
		resp.ProductID = minErr.ProductID
		resp.Requested = &minErr.Requested
		resp.Minimum = &minErr.Minimum
	case errors.As(err, &maxErr):
		resp.ProductID = maxErr.ProductID
		resp.Requested = &maxErr.Requested
		resp.Maximum = &maxErr.Maximum
	}

	var status int
	switch {
	case errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, service.ErrBelowMinimumOrder),
		errors.Is(err, service.ErrAboveMaximumOrder),
		errors.Is(err, service.ErrProductUnavailable):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrInvalidProductID):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRemoteUnavailable), errors.Is(err, service.ErrSessionCreationFailed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		resp.Code = "timeout"
	default:
		status = http.StatusInternalServerError
		resp.Code = "internal_error"
		resp.Error = "internal server error"
	}

	if status >= http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Int("status", status).Msg("cart request failed")
	}
	respondJSON(w, status, resp)
}
