package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-auctions/internal/observability"
	"github.com/robertarktes/ticket-auctions/internal/rateLimit"
)

// SetupRouter wires the listing API. rl may be nil to disable rate limiting.
func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(TracingMiddleware)
	r.Use(IdentityMiddleware)
	if rl != nil {
		r.Use(RateLimitMiddleware(rl))
	}

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1/listings", func(r chi.Router) {
		r.Use(IdempotencyMiddleware)
		r.Get("/", h.ListListings)
		r.Get("/{listingID}", h.GetListing)
		r.Post("/{listingID}/tickets/{ticketID}/bids", h.PlaceBid)
		r.Put("/{listingID}/selection", h.SelectTicket)
		r.Delete("/{listingID}/selection", h.ClearSelection)
		r.Post("/{listingID}/purchase", h.Purchase)
		r.Post("/{listingID}/tickets", h.PostTicket)
	})

	return r
}
