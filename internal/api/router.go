package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Arke-Institute/arke-organizer-service/internal/stats"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// usage and limiter may be nil to disable stats and rate limiting.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc OrganizeService, mgr BatchManager, usage *stats.Collector, authEnabled bool, token string, limiter *RateLimiter, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc, mgr, usage)

	r := chi.NewRouter()
	r.Use(RateLimitMiddleware(limiter))
	r.Use(AuthMiddleware(authEnabled, token))

	// Synchronous organization.
	r.Post("/organize", h.Organize)

	// Asynchronous batches.
	r.Post("/process", h.Process)
	r.Get("/status/{batchID}/{chunkID}", h.Status)

	// Usage counters.
	r.Get("/stats", h.Stats)

	// SSE progress stream (protected by the same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
