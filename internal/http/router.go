package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/driverdesk/server/internal/auth"
	"github.com/driverdesk/server/internal/http/handlers"
	"github.com/driverdesk/server/internal/middleware"
	"github.com/driverdesk/server/internal/repo"
)

// Deps are the handlers and collaborators the router wires together
type Deps struct {
	Auth    *handlers.AuthHandler
	Drivers *handlers.DriverHandler
	Otp     *handlers.OtpHandler
	Bulk    *handlers.BulkHandler
	Audit   *handlers.AuditHandler
	Health  http.Handler
	Metrics http.Handler

	JWT    *auth.JWTService
	Admins repo.AdminRepo

	// LoginLimiter is keyed by client address; OtpLimiter by driver and channel
	LoginLimiter *middleware.RateLimiter
	OtpLimiter   *middleware.RateLimiter
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", d.Health.ServeHTTP)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.With(middleware.RateLimit(d.LoginLimiter, middleware.IPKey)).Post("/auth/login", d.Auth.HandleLogin)

	// Protected routes (require a valid admin JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(d.JWT, d.Admins))

		r.Route("/drivers", func(r chi.Router) {
			r.Post("/", d.Drivers.HandleCreate)
			r.Get("/", d.Drivers.HandleList)
			r.Post("/bulk", d.Bulk.HandleExecute)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", d.Drivers.HandleGet)
				r.Post("/kyc", d.Drivers.HandleCompleteKyc)
				r.Get("/audit", d.Audit.HandleList)

				r.Route("/otp/{channel}", func(r chi.Router) {
					r.With(middleware.RateLimit(d.OtpLimiter, middleware.DriverChannelKey("issue"))).Post("/", d.Otp.HandleIssue)
					r.With(middleware.RateLimit(d.OtpLimiter, middleware.DriverChannelKey("issue"))).Post("/redispatch", d.Otp.HandleRedispatch)
					r.With(middleware.RateLimit(d.OtpLimiter, middleware.DriverChannelKey("verify"))).Post("/verify", d.Otp.HandleVerify)
				})
			})
		})
	})

	return r
}
