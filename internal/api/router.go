/**
 * @description
 * This file sets up the HTTP router for the credit-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for chi.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CreditRoutes creates and returns a new router for the credit service.
func CreditRoutes(h *CreditHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// All credit operations are service-to-service calls.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Route("/credits/{accountID}", func(r chi.Router) {
			r.Get("/", h.BalanceSummaryHandler)
			r.Get("/audit", h.AuditTrailHandler)
			r.Post("/decrease", h.DecreaseHandler)
			r.Post("/increase", h.IncreaseHandler)
			r.Post("/registration-bonus", h.RegistrationBonusHandler)
		})

		r.Get("/invites/validate", h.ValidateInviteCodeHandler)
		r.Post("/invites/process", h.ProcessInviteHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/credits/{accountID}/adjust", h.AdminAdjustHandler)
			r.Post("/credits/batch-adjust", h.BatchAdjustHandler)
			r.Get("/settings", h.GetSettingsHandler)
			r.Put("/settings", h.UpdateSettingsHandler)
		})
	})

	return r
}
