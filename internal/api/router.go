/**
 * @description
 * This file sets up the HTTP router for the custody service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies the internal API-key middleware to everything except the health
 * check.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CustodyRoutes creates and returns the router for the custody service.
func CustodyRoutes(h *CustodyHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Everything else requires the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		// Account provisioning and views
		r.Post("/accounts/{identity}", h.GetOrCreateAccountHandler)
		r.Get("/accounts/{identity}/balance", h.BalanceHandler)
		r.Get("/accounts/{identity}/deposit-address", h.DepositAddressHandler)
		r.Post("/accounts/{identity}/deposit-address", h.NewDepositAddressHandler)
		r.Get("/accounts/{identity}/deposit-qr", h.DepositQRHandler)
		r.Get("/accounts/{identity}/transfers", h.TransferHistoryHandler)
		r.Get("/accounts/{identity}/addresses", h.AddressesHandler)
		r.Get("/accounts/{identity}/tip-address", h.GetTipAddressHandler)
		r.Put("/accounts/{identity}/tip-address", h.SetTipAddressHandler)
		r.Delete("/accounts/{identity}/tip-address", h.ClearTipAddressHandler)

		// Disbursements
		r.Post("/withdrawals", h.PrepareWithdrawalHandler)
		r.Post("/withdrawals/{id}/confirm", h.ConfirmWithdrawalHandler)
		r.Delete("/withdrawals/{id}", h.CancelWithdrawalHandler)
		r.Post("/tips", h.TipHandler)
		r.Post("/rains", h.RainHandler)

		// Activity feed and chain lookups
		r.Post("/activity", h.RecordActivityHandler)
		r.Get("/transactions/{txid}", h.LookupTransactionHandler)
	})

	return r
}
