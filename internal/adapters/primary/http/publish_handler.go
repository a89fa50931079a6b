package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

const maxPublishBodyBytes = 64 << 10

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Types the server emits itself and publishers may not forge.
var reservedEventTypes = map[string]bool{
	eventstream.TypeReady:     true,
	eventstream.TypeHeartbeat: true,
	eventstream.TypeError:     true,
}

// PublishHandler lets trusted backends inject events into a namespace.
type PublishHandler struct {
	namespaces   *realtime.Namespaces
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// PublishRequest is the body of a publish call.
type PublishRequest struct {
	Room    string          `json:"room"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PublishResponse reports how many subscribers were queued the event.
type PublishResponse struct {
	Room        domain.RoomID    `json:"room"`
	Type        domain.EventType `json:"type"`
	Subscribers int              `json:"subscribers"`
}

// NewPublishHandler creates a new publish handler
func NewPublishHandler(namespaces *realtime.Namespaces, errorHandler *ErrorHandler, logger *slog.Logger) *PublishHandler {
	return &PublishHandler{
		namespaces:   namespaces,
		errorHandler: errorHandler,
		logger:       logger.With("component", "publish_handler"),
	}
}

// ServeHTTP handles POST /api/v1/streams/{namespace}/publish
func (h *PublishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, err := h.namespaces.Get(chi.URLParam(r, "namespace"))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	req, err := validation.DecodeStrict[PublishRequest](w, r, maxPublishBodyBytes)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	room, err := validatePublishRequest(req)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	event, err := domain.NewEvent(room.ID(), domain.EventType(req.Type), payload)
	if err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Payload must be valid JSON"))
		return
	}

	n := b.PublishEvent(event)
	h.logger.InfoContext(r.Context(), "event published",
		"namespace", b.Namespace(),
		"room", event.Room,
		"type", event.Type,
		"subscribers", n,
	)

	WriteAccepted(w, PublishResponse{Room: event.Room, Type: event.Type, Subscribers: n})
}

func validatePublishRequest(req *PublishRequest) (domain.Room, error) {
	v := validation.NewValidator()

	room := v.Room("room", req.Room)
	v.Required("type", req.Type).
		Matches("type", req.Type, eventTypePattern, "Must be lower_snake_case and at most 64 characters").
		Custom("type", !reservedEventTypes[req.Type] && !strings.HasPrefix(req.Type, eventstream.JoinedPrefix),
			"Is reserved for the stream protocol").
		JSON("payload", req.Payload)

	if err := v.Err(); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}
