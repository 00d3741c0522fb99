package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/enzyme/linkpreview/internal/handler"
	"github.com/enzyme/linkpreview/internal/ratelimit"
)

// NewRouter creates a new HTTP router with all routes registered. A nil
// limiter disables rate limiting.
func NewRouter(h *handler.Handler, limiter *ratelimit.Limiter, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			ExposedHeaders: []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         86400,
		}))
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(ratelimit.Middleware(limiter))
			}
			r.Post("/previews", h.CreatePreview)
		})
		r.Get("/previews/{id}", h.GetPreview)
		r.Get("/image-proxy/{token}", h.ProxyImage)
		r.Get("/quota", h.GetQuota)
	})

	return otelhttp.NewHandler(r, "linkpreview")
}
