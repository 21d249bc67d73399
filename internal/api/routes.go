package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/softban/internal/pkg/httputil"
	"github.com/ignite/softban/internal/service/softban"
)

// Deps are the collaborators the router wires together.
type Deps struct {
	Blocks         BlockChecker
	Records        softban.Reader
	Sessions       CacheStore // optional
	Relay          *Relay     // optional; nil leaves /v1/attempts unmounted
	Health         *HealthChecker
	Identity       IdentityResolver
	AllowedOrigins []string
	// AdminToken guards /admin. Empty leaves /admin unmounted.
	AdminToken string
}

// SetupRoutes configures all routes.
func SetupRoutes(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", d.Identity.Header},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if d.Health != nil {
		r.Get("/health", d.Health.HandleHealth)
		r.Get("/health/live", d.Health.HandleLiveness)
		r.Get("/health/ready", d.Health.HandleReadiness)
	}

	if d.AdminToken != "" {
		admin := NewAdminHandler(d.Records)
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdminToken(d.AdminToken))
			r.Get("/blocks", admin.ListBlocks)
			r.Get("/blocks/{id}", admin.GetBlock)
		})
	}

	guard := NewGuard(d.Blocks, d.Sessions, d.Identity)
	r.Route("/v1", func(r chi.Router) {
		r.Use(guard.Middleware)
		r.Get("/status", handleStatus)
		if d.Relay != nil {
			r.Post("/attempts", d.Relay.HandleAttempt)
		}
	})

	return r
}

// handleStatus reports the caller's identity; reaching it means the caller is
// not blocked.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	httputil.OK(w, map[string]interface{}{
		"actor":     actor.ID,
		"anonymous": actor.Anonymous(),
		"blocked":   false,
	})
}
