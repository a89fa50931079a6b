package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
	"github.com/lorrc/service-desk-realtime/pkg/eventstream"
)

// Error codes carried by protocol error events.
const (
	CodeForbidden   = "forbidden"
	CodeUnavailable = "unavailable"
	CodeRateLimited = "rate_limited"
)

// Protocol applies join/leave control messages to the registry. Every join is
// authorized at the moment it is requested; nothing is cached.
type Protocol struct {
	registry   *Registry
	authorizer ports.RoomAuthorizer
	logger     *slog.Logger
}

// NewProtocol creates a protocol handler bound to registry.
func NewProtocol(registry *Registry, authorizer ports.RoomAuthorizer, logger *slog.Logger) *Protocol {
	return &Protocol{
		registry:   registry,
		authorizer: authorizer,
		logger:     logger.With("component", "subscription_protocol"),
	}
}

// HandleRaw decodes and applies a control message. Malformed input returns an
// error wrapping apperrors.ErrMalformedMessage and leaves the connection as it
// was.
func (p *Protocol) HandleRaw(ctx context.Context, c *Connection, raw []byte) error {
	var msg eventstream.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.logger.WarnContext(ctx, "failed to unmarshal control message",
			"connection_id", c.ID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedMessage, err)
	}
	return p.Handle(ctx, c, msg)
}

// Handle applies msg for connection c.
//
// A rejected join is reported to the peer as an error event and is not an
// error here: the connection stays open. Errors are returned only for
// malformed or rate limited messages. Leaves always succeed.
func (p *Protocol) Handle(ctx context.Context, c *Connection, msg eventstream.ControlMessage) error {
	c.Touch()

	if c.Closed() {
		return apperrors.ErrConnectionClosed
	}

	// Leaves are never rate limited so a peer can always shed rooms.
	verb, scope, ok := msg.Action()
	if verb != "leave" && !c.limiter.Allow() {
		p.reject(ctx, c, "", "", "too many control messages", CodeRateLimited)
		return apperrors.ErrRateLimited
	}

	if !ok {
		p.logger.WarnContext(ctx, "unknown control message type",
			"connection_id", c.ID,
			"type", msg.Type,
		)
		return fmt.Errorf("%w: type %q", apperrors.ErrMalformedMessage, msg.Type)
	}

	room, err := resolveRoom(c.Identity, scope, msg.Payload)
	if err != nil {
		p.logger.WarnContext(ctx, "invalid control message",
			"connection_id", c.ID,
			"type", msg.Type,
			"error", err,
		)
		return fmt.Errorf("%w: %w", apperrors.ErrMalformedMessage, err)
	}
	roomID := room.ID()

	if verb == "leave" {
		p.registry.Leave(c, roomID)
		return nil
	}

	if err := p.authorizer.CanJoin(ctx, c.Identity, room); err != nil {
		if errors.Is(err, apperrors.ErrForbidden) {
			p.logger.InfoContext(ctx, "join rejected",
				"connection_id", c.ID,
				"user_id", c.Identity.UserID.String(),
				"room", roomID,
				"reason", err,
			)
			p.reject(ctx, c, scope, roomID, fmt.Sprintf("not allowed to join %s", roomID), CodeForbidden)
			return nil
		}

		p.logger.ErrorContext(ctx, "authorization check failed",
			"connection_id", c.ID,
			"room", roomID,
			"error", err,
		)
		p.reject(ctx, c, scope, roomID, "authorization is temporarily unavailable", CodeUnavailable)
		return nil
	}

	p.registry.Join(c, roomID)
	if err := c.Send(domain.JoinedEvent(scope), domain.JoinAck{Scope: scope, Room: roomID}); err != nil {
		p.logger.DebugContext(ctx, "failed to queue join ack", "connection_id", c.ID, "error", err)
	}
	return nil
}

func (p *Protocol) reject(ctx context.Context, c *Connection, scope string, room domain.RoomID, message, code string) {
	err := c.Send(domain.EventError, domain.JoinRejection{
		Scope:   scope,
		Room:    room,
		Message: message,
		Code:    code,
	})
	if err != nil {
		p.logger.DebugContext(ctx, "failed to queue error event", "connection_id", c.ID, "error", err)
	}
}

// resolveRoom maps a client scope and its parameters to a validated room.
// The tech scope always resolves to the caller's own user room.
func resolveRoom(identity domain.Identity, scope string, payload json.RawMessage) (domain.Room, error) {
	var raw string

	switch scope {
	case eventstream.ScopeTicket:
		var params eventstream.TicketParams
		if err := decodeParams(payload, &params); err != nil {
			return domain.Room{}, err
		}
		raw = domain.TicketRoom(params.TicketID).String()

	case eventstream.ScopeTech:
		raw = domain.UserRoom(identity.UserID).String()

	case eventstream.ScopeTeam:
		var params eventstream.TeamParams
		if err := decodeParams(payload, &params); err != nil {
			return domain.Room{}, err
		}
		raw = domain.TeamRoom(params.Area).String()

	case eventstream.ScopeAdmin:
		raw = domain.RoomAdmin.String()

	case eventstream.ScopeDept:
		var params eventstream.DeptParams
		if err := decodeParams(payload, &params); err != nil {
			return domain.Room{}, err
		}
		raw = domain.DepartmentRoom(params.DepartmentID).String()

	case eventstream.ScopeDay:
		var params eventstream.DayParams
		if err := decodeParams(payload, &params); err != nil {
			return domain.Room{}, err
		}
		raw = string(domain.ScopeDay) + ":" + params.OwnerID + ":" + params.Day

	default:
		return domain.Room{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownScope, scope)
	}

	return domain.ParseRoomID(raw)
}

func decodeParams(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
