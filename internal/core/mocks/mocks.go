package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// MockAccessRepository is a mock implementation of ports.AccessRepository
type MockAccessRepository struct {
	mock.Mock
}

var _ ports.AccessRepository = (*MockAccessRepository)(nil)

func NewMockAccessRepository() *MockAccessRepository {
	return &MockAccessRepository{}
}

func (m *MockAccessRepository) GetUserAccess(ctx context.Context, userID uuid.UUID) (*domain.UserAccess, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserAccess), args.Error(1)
}

func (m *MockAccessRepository) GetTicketAccess(ctx context.Context, ticketID int64) (*domain.TicketAccess, error) {
	args := m.Called(ctx, ticketID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TicketAccess), args.Error(1)
}

// MockRoomAuthorizer is a mock implementation of ports.RoomAuthorizer
type MockRoomAuthorizer struct {
	mock.Mock
}

var _ ports.RoomAuthorizer = (*MockRoomAuthorizer)(nil)

func NewMockRoomAuthorizer() *MockRoomAuthorizer {
	return &MockRoomAuthorizer{}
}

func (m *MockRoomAuthorizer) CanJoin(ctx context.Context, identity domain.Identity, room domain.Room) error {
	args := m.Called(ctx, identity, room)
	return args.Error(0)
}
