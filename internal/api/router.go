/**
 * @description
 * This file sets up the HTTP router for the ledger-service. Transfer
 * execution and account provisioning are service-to-service routes behind
 * the internal API key; the read and reporting endpoints serve end users
 * behind bearer-token auth.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: HTTP routing and standard middleware.
 * - prometheus/client_golang: the /metrics scrape endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LedgerRoutes creates and returns the router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, internalAPIKey, jwksURL, jwtIssuer string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Service-to-service routes.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/transfers", h.TransferHandler)
		r.Post("/internal/accounts", h.CreateAccountHandler)
		r.Get("/accounts/{accountID}", h.GetAccountHandler)
	})

	// Read and reporting routes.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(jwksURL, jwtIssuer))

		r.Get("/transfers", h.ListTransfersHandler)
		r.Get("/transfers/{idempotencyKey}", h.GetTransferHandler)
		r.Get("/accounts/{accountID}/summary", h.AccountSummaryHandler)
	})

	return r
}
