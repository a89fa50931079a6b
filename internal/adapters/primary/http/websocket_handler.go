package http

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/realtime"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// WebSocketHandler handles WebSocket connection upgrades
type WebSocketHandler struct {
	namespaces   *realtime.Namespaces
	errorHandler *ErrorHandler
	upgrader     websocket.Upgrader
	wsConfig     realtime.WSConfig
	logger       *slog.Logger
}

// WebSocketConfig holds configuration for the WebSocket handler
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	IsDevelopment   bool
	Transport       realtime.WSConfig
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	namespaces *realtime.Namespaces,
	errorHandler *ErrorHandler,
	cfg WebSocketConfig,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		namespaces:   namespaces,
		errorHandler: errorHandler,
		wsConfig:     cfg.Transport,
		logger:       logger.With("component", "websocket_handler"),
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg WebSocketConfig) func(r *http.Request) bool {
	allowedOrigins := cfg.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		if originAllowed(parsedOrigin.Host, allowedOrigins) {
			return true
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// originAllowed matches host against exact entries and "*.example.com"
// wildcard subdomains.
func originAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(a, "*.") {
			suffix := a[1:] // Remove the "*", keep ".example.com"
			if strings.HasSuffix(host, suffix) || host == a[2:] {
				return true
			}
		} else if host == a {
			return true
		}
	}
	return false
}

// ServeHTTP handles GET /api/v1/streams/{namespace}/ws. Control messages
// travel over the socket, so no CSRF token is issued.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	b, err := h.namespaces.Get(namespace)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	principal, ok := mw.PrincipalFromContext(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return
	}

	c, err := b.Attach(principal.Identity, realtime.AttachOptions{})
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket attach refused", "namespace", namespace, "error", err)
		if errors.Is(err, apperrors.ErrShuttingDown) {
			w.Header().Set("Retry-After", "1")
		}
		h.errorHandler.Handle(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		b.Detach(c)
		h.logger.WarnContext(r.Context(), "failed to upgrade websocket connection", "error", err)
		return
	}

	ctx := logging.WithNamespace(logging.WithConnectionID(r.Context(), c.ID), namespace)
	h.logger.InfoContext(ctx, "websocket connection established", "remote_addr", r.RemoteAddr)

	err = realtime.ServeWebSocket(ctx, b, c, conn, h.wsConfig)
	if err != nil && !errors.Is(err, apperrors.ErrConnectionClosed) {
		h.logger.WarnContext(ctx, "websocket connection failed", "error", err, "dropped", c.Dropped())
		return
	}
	h.logger.InfoContext(ctx, "websocket connection closed", "dropped", c.Dropped())
}
