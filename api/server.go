/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  logrus line per request, tagged with the request id
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the storefront

ROUTE GROUPS:
  /api/users/{id}/*     Balance, redeem, draw, pity, receipts
  /api/catalog/*        Items and prize pool
  /api/receipts         Fulfillment feed
  /api/admin/*          Grants, reconcile, audit (X-Admin-ID)
  /healthz              Liveness and store ping

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins are the local storefront dev servers.
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader, adminHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Post("/redeem", h.Redeem)
			r.Post("/draw", h.Draw)
			r.Post("/pity", h.ClaimPity)
			r.Get("/receipts", h.ListReceipts)
		})

		// Catalog routes
		r.Route("/catalog", func(r chi.Router) {
			r.Get("/items", h.ListItems)
			r.Get("/prizes", h.ListPrizes)
		})

		// Fulfillment feed
		r.Get("/receipts", h.ReceiptFeed)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/grants", h.CreateGrant)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/audit/{id}", h.AuditBalance)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
