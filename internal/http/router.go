package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter wires the cart and product APIs, health and metrics endpoints.
func NewRouter(carts Carts, products Products, requestTimeout time.Duration) http.Handler {
	cartHandler := NewCartHandler(carts, requestTimeout)
	productHandler := NewProductHandler(products, requestTimeout)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(AccessLogMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Use(ClientIDMiddleware)
			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/logout", cartHandler.Logout)
			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{product_id}", cartHandler.UpdateQuantity)
			r.Delete("/items/{product_id}", cartHandler.RemoveItem)
			r.Post("/items/{product_id}/refresh", cartHandler.RefreshItem)
		})
		r.Route("/products", func(r chi.Router) {
			r.Get("/", productHandler.List)
			r.Put("/{product_id}", productHandler.Upsert)
			r.Put("/{product_id}/stock", productHandler.SetStock)
		})
	})

	return otelhttp.NewHandler(r, "cartd")
}
