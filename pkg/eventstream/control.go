package eventstream

import (
	"encoding/json"
	"strings"
)

// Control message types sent by clients.
const (
	JoinPrefix  = "join_"
	LeavePrefix = "leave_"

	ScopeTicket = "ticket"
	ScopeTech   = "tech"
	ScopeTeam   = "team"
	ScopeAdmin  = "admin"
	ScopeDept   = "dept"
	ScopeDay    = "day"
)

// ControlMessage is a join or leave request.
type ControlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Action splits Type into its verb ("join" or "leave") and scope.
func (m ControlMessage) Action() (verb, scope string, ok bool) {
	switch {
	case strings.HasPrefix(m.Type, JoinPrefix):
		return "join", strings.TrimPrefix(m.Type, JoinPrefix), true
	case strings.HasPrefix(m.Type, LeavePrefix):
		return "leave", strings.TrimPrefix(m.Type, LeavePrefix), true
	}
	return "", "", false
}

// TicketParams addresses a ticket room.
type TicketParams struct {
	TicketID int64 `json:"ticket_id"`
}

// TeamParams addresses a functional area room.
type TeamParams struct {
	Area string `json:"area"`
}

// DeptParams addresses a department room.
type DeptParams struct {
	DepartmentID int64 `json:"department_id"`
}

// DayParams addresses one day of one owner's schedule.
type DayParams struct {
	OwnerID string `json:"owner_id"`
	Day     string `json:"day"`
}

// Join builds a join_<scope> message. params may be nil for scopes without
// parameters.
func Join(scope string, params any) ControlMessage {
	return newControl(JoinPrefix+scope, params)
}

// Leave builds a leave_<scope> message.
func Leave(scope string, params any) ControlMessage {
	return newControl(LeavePrefix+scope, params)
}

func newControl(msgType string, params any) ControlMessage {
	msg := ControlMessage{Type: msgType}
	if params != nil {
		// Params are plain structs of scalars; encoding cannot fail.
		msg.Payload, _ = json.Marshal(params)
	}
	return msg
}

// Envelope is the JSON frame used on the WebSocket transport, where the
// event-stream line framing is replaced by one message per event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
