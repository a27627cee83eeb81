/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP from proxy headers (rate limit subject)
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend

AUTHENTICATION:
  Bearer JWTs resolved by the identity provider. Routes are public,
  optional-auth (contributions: guests allowed) or auth-required.

FALLBACKS:
  Unknown routes answer 404 with the list of available routes; a known
  route with the wrong method answers 405. Both use the envelope.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: RequireAuth / OptionalAuth
  - cmd/server/main.go: Server startup
*/
package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/ratelimit"
)

// Options configure the router.
type Options struct {
	AllowedOrigins []string
	// Limiter throttles POST /api/contributions; nil disables it.
	Limiter            ratelimit.Limiter
	ContributionLimit  int
	ContributionWindow time.Duration
	// UploadsDir, when set, is served under /uploads/.
	UploadsDir string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: !containsWildcard(origins),
	}))

	limitContributions := ratelimit.Middleware(opts.Limiter, ratelimit.Rule{
		Scope:  "contributions",
		Limit:  opts.ContributionLimit,
		Window: opts.ContributionWindow,
		Subject: func(r *http.Request) string {
			if user := userFrom(r); user != "" {
				return "user:" + string(user)
			}
			return "ip:" + ratelimit.ClientIP(r)
		},
		Reject: func(w http.ResponseWriter, r *http.Request, retryAfter int) {
			writeJSON(w, http.StatusTooManyRequests, Envelope{
				Error: fmt.Sprintf("too many contributions, retry in %ds", retryAfter),
				Code:  "RateLimited",
			})
		},
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)

		// Auth routes
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.With(h.RequireAuth).Get("/me", h.Me)
			r.With(h.RequireAuth).Put("/preferences", h.UpdatePreferences)
		})

		// Campaign routes
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.With(h.RequireAuth).Post("/", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.With(h.RequireAuth).Put("/{id}", h.UpdateCampaign)
			r.With(h.RequireAuth).Delete("/{id}", h.DeleteCampaign)
			r.Get("/{id}/contributions", h.ListCampaignContributions)
			r.Get("/{id}/qr", h.CampaignQR)
			r.Get("/{id}/duplicate-check", h.DuplicateCheck)
		})
		r.With(h.RequireAuth).Get("/me/campaigns", h.MyCampaigns)

		// Contribution routes
		r.Route("/contributions", func(r chi.Router) {
			r.With(h.OptionalAuth, limitContributions).Post("/", h.CreateContribution)
			r.Get("/{id}", h.GetContribution)
			r.With(h.RequireAuth).Put("/{id}/repay", h.MarkRepaid)
			r.Post("/{id}/verify", h.VerifyGateway)
			r.With(h.OptionalAuth).Post("/{id}/verify-screenshot", h.VerifyScreenshot)
			r.With(h.RequireAuth).Post("/{id}/review", h.ReviewContribution)
			r.With(h.RequireAuth).Post("/{id}/repayments", h.SubmitRepayment)
			r.Get("/{id}/repayments", h.ListRepayments)
		})

		// Repayment routes
		r.Route("/repayments", func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/{id}/verify", h.VerifyRepayment)
			r.Post("/{id}/reject", h.RejectRepayment)
		})

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}", h.GetUser)
			r.With(h.OptionalAuth).Get("/{id}/contributions", h.ListUserContributions)
		})
	})

	if opts.UploadsDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(opts.UploadsDir))))
	}

	routes := listRoutes(r)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, Envelope{
			Error: "route not found",
			Code:  string(ledger.KindNotFound),
			Data:  map[string][]string{"availableRoutes": routes},
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, Envelope{
			Error: fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path),
			Code:  "MethodNotAllowed",
		})
	})

	return r
}

func listRoutes(r chi.Routes) []string {
	var routes []string
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if strings.HasPrefix(route, "/api") {
			routes = append(routes, method+" "+strings.TrimSuffix(route, "/"))
		}
		return nil
	})
	sort.Strings(routes)
	return routes
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
