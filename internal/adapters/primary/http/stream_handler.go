package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/csrf"

	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/realtime"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// StreamHandler serves the server-sent event stream of a namespace.
type StreamHandler struct {
	namespaces   *realtime.Namespaces
	errorHandler *ErrorHandler
	writeWait    time.Duration
	logger       *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(
	namespaces *realtime.Namespaces,
	errorHandler *ErrorHandler,
	writeWait time.Duration,
	logger *slog.Logger,
) *StreamHandler {
	return &StreamHandler{
		namespaces:   namespaces,
		errorHandler: errorHandler,
		writeWait:    writeWait,
		logger:       logger.With("component", "stream_handler"),
	}
}

// ServeHTTP handles GET /api/v1/streams/{namespace}. The response stays open
// until the client leaves, the connection is evicted or the server shuts down.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	// Control messages from a cookie session must echo this token.
	var csrfToken string
	if principal.Source == mw.SourceSession {
		csrfToken = csrf.Token(r)
	}

	// Attach before any header is written so a refusal is a plain error
	// response rather than an empty 200 stream.
	c, err := b.Attach(principal.Identity, realtime.AttachOptions{CSRFToken: csrfToken})
	if err != nil {
		h.logger.WarnContext(r.Context(), "stream attach refused", "namespace", namespace, "error", err)
		if errors.Is(err, apperrors.ErrShuttingDown) {
			w.Header().Set("Retry-After", "1")
		}
		h.errorHandler.Handle(w, r, err)
		return
	}

	transport, err := realtime.NewSSETransport(w, h.writeWait)
	if err != nil {
		b.Detach(c)
		h.errorHandler.Handle(w, r, apperrors.NewInternalError(err))
		return
	}

	ctx := logging.WithNamespace(logging.WithConnectionID(r.Context(), c.ID), namespace)
	h.logger.InfoContext(ctx, "stream opened", "source", principal.Source)

	err = c.Serve(ctx, transport)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "stream closed by client", "dropped", c.Dropped())
	case errors.Is(err, apperrors.ErrConnectionClosed):
		h.logger.InfoContext(ctx, "stream closed by server", "dropped", c.Dropped())
	default:
		h.logger.WarnContext(ctx, "stream failed", "error", err, "dropped", c.Dropped())
	}
}
