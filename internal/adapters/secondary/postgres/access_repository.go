package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// AccessRepository reads the user and ticket directory the room authorizer
// consults. It never writes.
type AccessRepository struct {
	pool *pgxpool.Pool
	tx   *TransactionManager
}

// Ensure implementation matches the interface.
var _ ports.AccessRepository = (*AccessRepository)(nil)

// NewAccessRepository creates a new repository for access lookups.
func NewAccessRepository(pool *pgxpool.Pool) ports.AccessRepository {
	return &AccessRepository{pool: pool, tx: NewTransactionManager(pool)}
}

type areaMembership struct {
	Area    string
	IsAdmin bool
}

// GetUserAccess loads a user's roles, areas and departments.
func (r *AccessRepository) GetUserAccess(ctx context.Context, userID uuid.UUID) (*domain.UserAccess, error) {
	access := &domain.UserAccess{UserID: userID}
	id := pgtype.UUID{Bytes: userID, Valid: true}

	err := r.tx.WithReadOnlyTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT is_active FROM users WHERE id = $1`, id).Scan(&access.IsActive)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrUserNotFound
			}
			return fmt.Errorf("query user: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, id)
		if err != nil {
			return fmt.Errorf("query roles: %w", err)
		}
		access.Roles, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scan roles: %w", err)
		}

		rows, err = tx.Query(ctx, `SELECT area, is_admin FROM area_members WHERE user_id = $1 ORDER BY area`, id)
		if err != nil {
			return fmt.Errorf("query areas: %w", err)
		}
		areas, err := pgx.CollectRows(rows, pgx.RowToStructByPos[areaMembership])
		if err != nil {
			return fmt.Errorf("scan areas: %w", err)
		}
		for _, m := range areas {
			access.Areas = append(access.Areas, m.Area)
			if m.IsAdmin {
				access.AdminAreas = append(access.AdminAreas, m.Area)
			}
		}

		rows, err = tx.Query(ctx, `SELECT department_id FROM department_members WHERE user_id = $1 ORDER BY department_id`, id)
		if err != nil {
			return fmt.Errorf("query departments: %w", err)
		}
		access.DepartmentIDs, err = pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("scan departments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return access, nil
}

// GetTicketAccess loads who may watch a ticket.
func (r *AccessRepository) GetTicketAccess(ctx context.Context, ticketID int64) (*domain.TicketAccess, error) {
	var (
		requester pgtype.UUID
		assignee  pgtype.UUID
		access    = &domain.TicketAccess{TicketID: ticketID}
	)

	err := r.pool.QueryRow(ctx,
		`SELECT requester_id, assignee_id, area FROM tickets WHERE id = $1`,
		ticketID,
	).Scan(&requester, &assignee, &access.Area)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTicketNotFound
		}
		return nil, fmt.Errorf("query ticket: %w", err)
	}

	access.RequesterID = uuid.UUID(requester.Bytes)
	if assignee.Valid {
		assigneeID := uuid.UUID(assignee.Bytes)
		access.AssigneeID = &assigneeID
	}
	return access, nil
}
