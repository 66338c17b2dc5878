/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the ops tooling frontend.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns the router for the ledger service. Every
// functional route sits behind the internal API key; only the health check is
// open.
func NewRouter(h *Handlers, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", internalKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		// Messaging gateway webhook.
		r.Post("/webhook/messages", h.WebhookMessageHandler)

		// Ops endpoints for internal tooling.
		r.Route("/ops", func(r chi.Router) {
			r.Get("/emails/unmatched", h.ListUnmatchedEmailsHandler)
			r.Post("/emails/{id}/assign", h.AssignEmailHandler)
			r.Get("/redemptions/stuck", h.ListStuckRedemptionsHandler)
			r.Post("/groups/{ref}/adjust", h.ManualAdjustHandler)
			r.Get("/groups/{ref}/ledger", h.LedgerHistoryHandler)
		})
	})

	return r
}
