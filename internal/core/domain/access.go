package domain

import (
	"slices"

	"github.com/google/uuid"
)

// Roles understood by the room authorizer.
const (
	RoleAdmin       = "admin"
	RoleCoordinator = "coordinator"
	RoleAgent       = "agent"
)

// Identity is the authenticated principal behind a connection. It carries no
// roles: entitlements are looked up on every join.
type Identity struct {
	UserID uuid.UUID
}

// UserAccess is the authorization view of a user at one point in time.
type UserAccess struct {
	UserID        uuid.UUID
	IsActive      bool
	Roles         []string
	Areas         []string
	AdminAreas    []string
	DepartmentIDs []int64
}

// HasRole reports whether the user holds role.
func (u *UserAccess) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// IsAdmin reports whether the user holds the global admin role.
func (u *UserAccess) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// InArea reports membership of a functional area.
func (u *UserAccess) InArea(area string) bool {
	return slices.Contains(u.Areas, area) || slices.Contains(u.AdminAreas, area)
}

// AdministersArea reports area-admin rights.
func (u *UserAccess) AdministersArea(area string) bool {
	return slices.Contains(u.AdminAreas, area)
}

// InDepartment reports department membership.
func (u *UserAccess) InDepartment(departmentID int64) bool {
	return slices.Contains(u.DepartmentIDs, departmentID)
}

// SharesDepartment reports whether two users have a department in common.
func (u *UserAccess) SharesDepartment(other *UserAccess) bool {
	for _, id := range u.DepartmentIDs {
		if other.InDepartment(id) {
			return true
		}
	}
	return false
}

// TicketAccess is the subset of a ticket needed to decide who may watch it.
type TicketAccess struct {
	TicketID    int64
	RequesterID uuid.UUID
	AssigneeID  *uuid.UUID
	Area        string
}

// IsOwnedBy checks if the user is the requester.
func (t *TicketAccess) IsOwnedBy(userID uuid.UUID) bool {
	return t.RequesterID == userID
}

// IsAssignedTo checks if the user is the assignee.
func (t *TicketAccess) IsAssignedTo(userID uuid.UUID) bool {
	return t.AssigneeID != nil && *t.AssigneeID == userID
}
