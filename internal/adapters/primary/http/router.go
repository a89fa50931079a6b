package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/auth"
)

// RouterConfig carries the cross-cutting dependencies of the router.
type RouterConfig struct {
	Logger   *slog.Logger
	Sessions *auth.SessionManager
	Tokens   *auth.TokenManager

	CSRFKey        []byte
	CSRFSecure     bool
	TrustedOrigins []string
	AllowedOrigins []string

	// Optional limiters; nil disables them.
	RateLimiter    *mw.RateLimiter
	PublishLimiter *mw.RateLimitByKey
}

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Stream    *StreamHandler
	Control   *ControlHandler
	WebSocket *WebSocketHandler
	Publish   *PublishHandler
	Health    *HealthHandler
}

// NewRouter mounts the health probes and the stream API.
func NewRouter(cfg RouterConfig, h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(mw.RecoveryLogger(cfg.Logger))

	if h.Health != nil {
		h.Health.RegisterRoutes(r)
	}

	r.Route("/api/v1/streams", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.CSRFHeader, mw.RequestIDHeader},
			ExposedHeaders:   []string{mw.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		// Browser-facing routes: cookie or bearer identity, CSRF for cookies.
		r.Group(func(r chi.Router) {
			if cfg.RateLimiter != nil {
				r.Use(cfg.RateLimiter.Middleware)
			}
			r.Use(mw.Authenticate(cfg.Sessions, cfg.Tokens))
			r.Use(mw.CSRF(mw.CSRFConfig{
				Key:            cfg.CSRFKey,
				Secure:         cfg.CSRFSecure,
				TrustedOrigins: cfg.TrustedOrigins,
				Skip:           mw.IsBearer,
			}))

			r.Get("/{namespace}", h.Stream.ServeHTTP)
			r.Get("/{namespace}/ws", h.WebSocket.ServeHTTP)
			r.Post("/{namespace}/connections/{connectionID}/messages", h.Control.ServeHTTP)
		})

		// Backend publishers authenticate with a scoped token.
		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(cfg.Tokens))
			r.Use(mw.RequireScope(auth.ScopePublish))
			if cfg.PublishLimiter != nil {
				r.Use(cfg.PublishLimiter.Middleware(mw.ClaimsSubject))
			}

			r.Post("/{namespace}/publish", h.Publish.ServeHTTP)
		})
	})

	return r
}
