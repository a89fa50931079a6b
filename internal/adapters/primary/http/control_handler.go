package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/realtime"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// MaxControlBodyBytes bounds a single control message.
const MaxControlBodyBytes = 4096

// ControlHandler accepts join and leave messages for an open SSE stream.
type ControlHandler struct {
	namespaces   *realtime.Namespaces
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// ControlResponse acknowledges receipt of a control message. The outcome of a
// join arrives on the stream itself.
type ControlResponse struct {
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`
}

// NewControlHandler creates a new control handler
func NewControlHandler(namespaces *realtime.Namespaces, errorHandler *ErrorHandler, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		namespaces:   namespaces,
		errorHandler: errorHandler,
		logger:       logger.With("component", "control_handler"),
	}
}

// ServeHTTP handles POST /api/v1/streams/{namespace}/connections/{connectionID}/messages
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, err := h.namespaces.Get(chi.URLParam(r, "namespace"))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	principal, ok := mw.PrincipalFromContext(r.Context())
	if !ok {
		h.errorHandler.Handle(w, r, apperrors.ErrUnauthorized)
		return
	}

	c, err := b.Lookup(chi.URLParam(r, "connectionID"))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	// Another user's connection is reported as absent.
	if c.Identity.UserID != principal.Identity.UserID {
		h.errorHandler.Handle(w, r, apperrors.ErrConnectionNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxControlBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorHandler.Handle(w, r, &apperrors.AppError{
				Err:        err,
				Message:    "Control message too large",
				Code:       "PAYLOAD_TOO_LARGE",
				StatusCode: http.StatusRequestEntityTooLarge,
			})
			return
		}
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Could not read request body"))
		return
	}

	ctx := logging.WithConnectionID(r.Context(), c.ID)
	if HandleError(w, r.WithContext(ctx), b.HandleControl(ctx, c, body), h.errorHandler) {
		return
	}

	WriteJSON(w, http.StatusAccepted, ControlResponse{ConnectionID: c.ID, Status: "accepted"})
}
