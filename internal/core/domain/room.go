package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

// RoomScope identifies the kind of audience a room addresses.
type RoomScope string

const (
	ScopeUser       RoomScope = "user"
	ScopeTicket     RoomScope = "ticket"
	ScopeTeam       RoomScope = "team"
	ScopeAdmin      RoomScope = "admin"
	ScopeDepartment RoomScope = "department"
	ScopeDay        RoomScope = "day"
	ScopeAll        RoomScope = "all"
)

// DayLayout is the ISO date format used in day rooms.
const DayLayout = "2006-01-02"

var areaNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// RoomID is a structured room key such as "ticket:77" or "day:{owner}:2024-05-01".
// Construct it with the helpers below or ParseRoomID; never from raw client input.
type RoomID string

const (
	// RoomAdmin is the global firehose for privileged roles.
	RoomAdmin RoomID = "admin"
	// RoomAll is joined by every connection when it opens.
	RoomAll RoomID = "all"
)

// UserRoom addresses one person.
func UserRoom(userID uuid.UUID) RoomID {
	return RoomID(string(ScopeUser) + ":" + userID.String())
}

// TicketRoom addresses one work item.
func TicketRoom(ticketID int64) RoomID {
	return RoomID(string(ScopeTicket) + ":" + strconv.FormatInt(ticketID, 10))
}

// TeamRoom addresses a functional area such as "support".
func TeamRoom(area string) RoomID {
	return RoomID(string(ScopeTeam) + ":" + area)
}

// DepartmentRoom addresses an organizational unit.
func DepartmentRoom(departmentID int64) RoomID {
	return RoomID(string(ScopeDepartment) + ":" + strconv.FormatInt(departmentID, 10))
}

// DayRoom addresses one day of one owner's schedule.
func DayRoom(ownerID uuid.UUID, day time.Time) RoomID {
	return RoomID(string(ScopeDay) + ":" + ownerID.String() + ":" + day.Format(DayLayout))
}

func (r RoomID) String() string {
	return string(r)
}

// Room is the parsed form of a RoomID.
type Room struct {
	Scope        RoomScope
	UserID       uuid.UUID
	TicketID     int64
	Area         string
	DepartmentID int64
	Day          time.Time
}

// ID renders the room back into its key form.
func (r Room) ID() RoomID {
	switch r.Scope {
	case ScopeUser:
		return UserRoom(r.UserID)
	case ScopeTicket:
		return TicketRoom(r.TicketID)
	case ScopeTeam:
		return TeamRoom(r.Area)
	case ScopeDepartment:
		return DepartmentRoom(r.DepartmentID)
	case ScopeDay:
		return DayRoom(r.UserID, r.Day)
	case ScopeAdmin:
		return RoomAdmin
	case ScopeAll:
		return RoomAll
	default:
		return ""
	}
}

// ParseRoomID validates a room key and returns its parsed form.
func ParseRoomID(raw string) (Room, error) {
	scope, rest, _ := strings.Cut(raw, ":")

	switch RoomScope(scope) {
	case ScopeAdmin, ScopeAll:
		if rest != "" || strings.Contains(raw, ":") {
			return Room{}, invalidRoom(raw, "unexpected qualifier")
		}
		return Room{Scope: RoomScope(scope)}, nil

	case ScopeUser:
		id, err := uuid.Parse(rest)
		if err != nil {
			return Room{}, invalidRoom(raw, "user id must be a uuid")
		}
		return Room{Scope: ScopeUser, UserID: id}, nil

	case ScopeTicket:
		id, err := parsePositiveID(rest)
		if err != nil {
			return Room{}, invalidRoom(raw, "ticket id must be a positive integer")
		}
		return Room{Scope: ScopeTicket, TicketID: id}, nil

	case ScopeTeam:
		if err := ValidateAreaName(rest); err != nil {
			return Room{}, invalidRoom(raw, err.Error())
		}
		return Room{Scope: ScopeTeam, Area: rest}, nil

	case ScopeDepartment:
		id, err := parsePositiveID(rest)
		if err != nil {
			return Room{}, invalidRoom(raw, "department id must be a positive integer")
		}
		return Room{Scope: ScopeDepartment, DepartmentID: id}, nil

	case ScopeDay:
		owner, date, ok := strings.Cut(rest, ":")
		if !ok {
			return Room{}, invalidRoom(raw, "expected day:{owner}:{date}")
		}
		ownerID, err := uuid.Parse(owner)
		if err != nil {
			return Room{}, invalidRoom(raw, "owner id must be a uuid")
		}
		day, err := ParseDay(date)
		if err != nil {
			return Room{}, invalidRoom(raw, err.Error())
		}
		return Room{Scope: ScopeDay, UserID: ownerID, Day: day}, nil
	}

	return Room{}, invalidRoom(raw, "unknown scope")
}

// ValidateAreaName checks a functional area name.
func ValidateAreaName(area string) error {
	if !areaNamePattern.MatchString(area) {
		return fmt.Errorf("area %q must match %s", area, areaNamePattern.String())
	}
	return nil
}

// ParseDay parses a YYYY-MM-DD date in UTC.
func ParseDay(s string) (time.Time, error) {
	day, err := time.ParseInLocation(DayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("day %q must be formatted as %s", s, DayLayout)
	}
	return day, nil
}

func parsePositiveID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id %d is not positive", id)
	}
	return id, nil
}

func invalidRoom(raw, reason string) error {
	return fmt.Errorf("%w: %q: %s", apperrors.ErrInvalidRoom, raw, reason)
}
