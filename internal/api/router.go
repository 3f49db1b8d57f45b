/**
 * @description
 * This file sets up the HTTP router for the settlement service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies the authentication middleware for each caller class: sibling
 * services use the internal API key, platform admins use JWTs.
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

// NewRouter assembles the service's full HTTP surface: the health probe at
// the root, where the platform's probes expect it, and the settlement API
// mounted under /settlement.
func NewRouter(h *SettlementHandlers, internalAPIKey, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Mount("/settlement", SettlementRoutes(h, internalAPIKey, jwksURL))
	return r
}

// SettlementRoutes creates and returns the settlement API router.
func SettlementRoutes(h *SettlementHandlers, internalAPIKey, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Internal endpoints called by the order, returns and store services.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/escrow/allocate", h.AllocateEscrowHandler)
		r.Post("/escrow/{escrowID}/eligible", h.MarkEscrowEligibleHandler)
		r.Get("/escrow/sub-order/{subOrderID}", h.GetEscrowBySubOrderHandler)
		r.Get("/escrow/store/{storeID}", h.ListStoreEscrowHandler)

		r.Post("/refunds/full", h.FullRefundHandler)
		r.Post("/refunds/partial", h.PartialRefundHandler)
		r.Get("/refunds/sub-order/{subOrderID}", h.ListRefundsBySubOrderHandler)
		r.Get("/refunds/{refundID}", h.GetRefundHandler)

		r.Get("/stores/{storeID}/eligible-balance", h.GetEligibleBalanceHandler)
		r.Put("/stores/{storeID}/payout-settings", h.UpsertStorePayoutSettingsHandler)
		r.Post("/payouts", h.CreatePayoutHandler)
		r.Post("/payouts/sweep", h.PayoutSweepHandler)
		r.Get("/payouts/{payoutID}", h.GetPayoutHandler)
		r.Post("/payouts/{payoutID}/process", h.ProcessPayoutHandler)
	})

	// Admin endpoints for commission rule management and reporting.
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(jwksURL))

		r.Post("/commission-rules", h.CreateCommissionRuleHandler)
		r.Get("/commission-rules", h.ListCommissionRulesHandler)
		r.Get("/commission-rules/{ruleID}", h.GetCommissionRuleHandler)
		r.Put("/commission-rules/{ruleID}", h.UpdateCommissionRuleHandler)
		r.Delete("/commission-rules/{ruleID}", h.DeactivateCommissionRuleHandler)

		r.Get("/commission-transactions", h.ListCommissionLedgerHandler)
		r.Get("/refunds/sub-order/{subOrderID}/reconciliation", h.ReconcileRefundsHandler)
		r.Get("/escrow/store/{storeID}", h.ListStoreEscrowHandler)
		r.Get("/escrow/{escrowID}/commission-transactions", h.GetEscrowCommissionLedgerHandler)

		r.Get("/payouts", h.ListPayoutsHandler)
		r.Post("/payouts/{payoutID}/process", h.ProcessPayoutHandler)
	})

	return r
}
