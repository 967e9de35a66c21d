package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/catalog"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Products is the catalog surface behind the product endpoints.
type Products interface {
	ListProducts(ctx context.Context) ([]domain.ProductSnapshot, error)
	UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error
	SetStock(ctx context.Context, productID string, stock int) error
}

type ProductHandler struct {
	products Products
	timeout  time.Duration
	validate *validator.Validate
}

func NewProductHandler(products Products, timeout time.Duration) *ProductHandler {
	return &ProductHandler{
		products: products,
		timeout:  timeout,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type ProductsResponse struct {
	Products []domain.ProductSnapshot `json:"products"`
}

type UpsertProductRequestDTO struct {
	Name      string          `json:"name" validate:"required,max=255"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock" validate:"gte=0"`
	MinOrder  int             `json:"min_order" validate:"gte=0"`
	MaxOrder  int             `json:"max_order" validate:"gte=0"` // 0 means no cap
	Available bool            `json:"available"`
}

type SetStockRequestDTO struct {
	Stock int `json:"stock" validate:"gte=0"`
}

func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	products, err := h.products.ListProducts(ctx)
	if err != nil {
		handleCatalogError(ctx, w, err)
		return
	}
	if products == nil {
		products = []domain.ProductSnapshot{}
	}
	respondJSON(w, http.StatusOK, &ProductsResponse{Products: products})
}

func (h *ProductHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	var req UpsertProductRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}
	if req.Price.IsNegative() {
		respondError(w, http.StatusBadRequest, "invalid_request", "price must not be negative")
		return
	}
	if req.MaxOrder > 0 && req.MaxOrder < req.MinOrder {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_order must not be below min_order")
		return
	}

	p := domain.ProductSnapshot{
		ProductID: productID,
		Name:      req.Name,
		Price:     req.Price,
		Stock:     req.Stock,
		MinOrder:  req.MinOrder,
		MaxOrder:  req.MaxOrder,
		Available: req.Available,
	}
	if err := h.products.UpsertProduct(ctx, p); err != nil {
		handleCatalogError(ctx, w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *ProductHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	var req SetStockRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	if err := h.products.SetStock(ctx, productID, req.Stock); err != nil {
		handleCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "catalog did not respond in time")
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("catalog request failed")
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
