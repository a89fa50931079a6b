package ports

import (
	"context"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

// EventPublisher is the only call domain services make into the real-time
// layer. Publish is best effort and never fails the caller.
type EventPublisher interface {
	Publish(room domain.RoomID, eventType domain.EventType, payload any)
}

// RoomAuthorizer decides whether an identity may join a room. It returns nil
// when allowed, apperrors.ErrForbidden when denied, or another error when the
// decision could not be made.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, identity domain.Identity, room domain.Room) error
}
