package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

// AccessRepository is the read-only directory the room authorizer consults.
// Implementations must return apperrors.ErrUserNotFound or
// apperrors.ErrTicketNotFound when the entity does not exist.
type AccessRepository interface {
	GetUserAccess(ctx context.Context, userID uuid.UUID) (*domain.UserAccess, error)
	GetTicketAccess(ctx context.Context, ticketID int64) (*domain.TicketAccess, error)
}
