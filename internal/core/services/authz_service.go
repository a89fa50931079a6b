package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// AuthorizationService decides room entitlements. Every call hits the
// repository so role changes take effect on the next join.
type AuthorizationService struct {
	accessRepo ports.AccessRepository
}

// Ensure implementation matches the interface.
var _ ports.RoomAuthorizer = (*AuthorizationService)(nil)

// NewAuthorizationService creates a new service for room authorization.
func NewAuthorizationService(accessRepo ports.AccessRepository) *AuthorizationService {
	return &AuthorizationService{
		accessRepo: accessRepo,
	}
}

// CanJoin checks whether identity is entitled to room.
func (s *AuthorizationService) CanJoin(ctx context.Context, identity domain.Identity, room domain.Room) error {
	// Rooms that need no directory lookup.
	switch room.Scope {
	case domain.ScopeAll:
		return nil
	case domain.ScopeUser:
		if room.UserID != identity.UserID {
			return apperrors.ErrForbidden
		}
	}

	user, err := s.accessRepo.GetUserAccess(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return apperrors.ErrForbidden
		}
		return fmt.Errorf("load user access: %w", err)
	}
	if !user.IsActive {
		return fmt.Errorf("%w: %w", apperrors.ErrForbidden, apperrors.ErrUserInactive)
	}

	switch room.Scope {
	case domain.ScopeUser:
		return nil

	case domain.ScopeAdmin:
		return allowIf(user.IsAdmin())

	case domain.ScopeTeam:
		return allowIf(user.IsAdmin() || user.InArea(room.Area))

	case domain.ScopeTicket:
		return s.canJoinTicket(ctx, user, room.TicketID)

	case domain.ScopeDepartment:
		if user.IsAdmin() {
			return nil
		}
		return allowIf(user.HasRole(domain.RoleCoordinator) && user.InDepartment(room.DepartmentID))

	case domain.ScopeDay:
		return s.canJoinDay(ctx, user, room)
	}

	return apperrors.ErrUnknownScope
}

func (s *AuthorizationService) canJoinTicket(ctx context.Context, user *domain.UserAccess, ticketID int64) error {
	ticket, err := s.accessRepo.GetTicketAccess(ctx, ticketID)
	if err != nil {
		// Do not leak whether the ticket exists.
		if errors.Is(err, apperrors.ErrTicketNotFound) {
			return apperrors.ErrForbidden
		}
		return fmt.Errorf("load ticket access: %w", err)
	}

	if ticket.IsOwnedBy(user.UserID) || ticket.IsAssignedTo(user.UserID) {
		return nil
	}
	return allowIf(user.IsAdmin() || user.AdministersArea(ticket.Area))
}

func (s *AuthorizationService) canJoinDay(ctx context.Context, user *domain.UserAccess, room domain.Room) error {
	if room.UserID == user.UserID || user.IsAdmin() {
		return nil
	}
	if !user.HasRole(domain.RoleCoordinator) {
		return apperrors.ErrForbidden
	}

	owner, err := s.accessRepo.GetUserAccess(ctx, room.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return apperrors.ErrForbidden
		}
		return fmt.Errorf("load schedule owner access: %w", err)
	}
	return allowIf(user.SharesDepartment(owner))
}

func allowIf(ok bool) error {
	if ok {
		return nil
	}
	return apperrors.ErrForbidden
}
