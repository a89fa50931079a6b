package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types carried on the stream.
const (
	TypeReady             = "ready"
	TypeHeartbeat         = "heartbeat"
	TypeError             = "error"
	TypeNotification      = "notification"
	TypeTicketUpdated     = "ticket_updated"
	TypeAppointmentBooked = "appointment_booked"
	TypeSlotChanged       = "slot_changed"
	TypePeriodUpdated     = "period_updated"
	TypeStaticUpdate      = "static_update"

	// JoinedPrefix starts the acknowledgement of a successful join,
	// e.g. "joined_ticket".
	JoinedPrefix = "joined_"
)

// ErrInvalidPayload wraps every payload validation failure.
var ErrInvalidPayload = errors.New("eventstream: invalid payload")

// Payload is implemented by every typed event payload.
type Payload interface {
	Validate() error
}

// Ready is the first event of every stream.
type Ready struct {
	ConnectionID string   `json:"connection_id"`
	Rooms        []string `json:"rooms"`
	CSRFToken    string   `json:"csrf_token,omitempty"`
}

func (p *Ready) Validate() error {
	if p.ConnectionID == "" {
		return missing("connection_id")
	}
	return nil
}

// Heartbeat keeps intermediaries from closing an idle stream.
type Heartbeat struct {
	Time time.Time `json:"ts"`
}

func (p *Heartbeat) Validate() error { return nil }

// Error reports a rejected control message.
type Error struct {
	Scope   string `json:"scope,omitempty"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (p *Error) Validate() error {
	if p.Message == "" {
		return missing("message")
	}
	return nil
}

// Joined acknowledges a successful join.
type Joined struct {
	Scope string `json:"scope"`
	Room  string `json:"room"`
}

func (p *Joined) Validate() error {
	if p.Room == "" {
		return missing("room")
	}
	return nil
}

// Notification is a user-facing message.
type Notification struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Body    string `json:"body,omitempty"`
	Link    string `json:"link,omitempty"`
	Level   string `json:"level,omitempty"`
	Unread  int    `json:"unread,omitempty"`
	Created string `json:"created_at,omitempty"`
}

func (p *Notification) Validate() error {
	if p.Title == "" {
		return missing("title")
	}
	return nil
}

// TicketUpdated reports a ticket state change.
type TicketUpdated struct {
	TicketID   int64   `json:"ticket_id"`
	Status     string  `json:"status,omitempty"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	Area       string  `json:"area,omitempty"`
}

func (p *TicketUpdated) Validate() error {
	if p.TicketID <= 0 {
		return missing("ticket_id")
	}
	return nil
}

// AppointmentBooked reports a new booking on a schedule.
type AppointmentBooked struct {
	AppointmentID int64  `json:"appointment_id"`
	OwnerID       string `json:"owner_id"`
	Day           string `json:"day"`
	SlotID        int64  `json:"slot_id,omitempty"`
}

func (p *AppointmentBooked) Validate() error {
	switch {
	case p.AppointmentID <= 0:
		return missing("appointment_id")
	case p.OwnerID == "":
		return missing("owner_id")
	}
	return validDay(p.Day)
}

// SlotChanged reports a slot becoming available or taken.
type SlotChanged struct {
	SlotID    int64  `json:"slot_id"`
	OwnerID   string `json:"owner_id"`
	Day       string `json:"day"`
	Available bool   `json:"available"`
}

func (p *SlotChanged) Validate() error {
	if p.SlotID <= 0 {
		return missing("slot_id")
	}
	return validDay(p.Day)
}

// PeriodUpdated reports a change to a booking period.
type PeriodUpdated struct {
	PeriodID int64  `json:"period_id"`
	Active   bool   `json:"active"`
	StartsOn string `json:"starts_on,omitempty"`
	EndsOn   string `json:"ends_on,omitempty"`
}

func (p *PeriodUpdated) Validate() error {
	if p.PeriodID <= 0 {
		return missing("period_id")
	}
	return nil
}

// StaticUpdate lists assets changed by a deploy.
type StaticUpdate struct {
	Assets []string `json:"assets"`
}

func (p *StaticUpdate) Validate() error {
	if len(p.Assets) == 0 {
		return missing("assets")
	}
	return nil
}

// Message is a decoded frame. Payload holds a pointer to the typed struct for
// known types, or nil for application-defined types whose data is left in Raw.
type Message struct {
	Type    string
	Raw     json.RawMessage
	Payload Payload
}

// Decode turns a frame into a typed message, validating known payloads.
func Decode(f Frame) (Message, error) {
	msg := Message{Type: f.Event, Raw: json.RawMessage(f.Data)}
	if msg.Type == "" {
		msg.Type = "message"
	}

	payload := newPayload(msg.Type)
	if payload == nil {
		return msg, nil
	}

	if len(f.Data) == 0 {
		return msg, fmt.Errorf("%w: %s: empty data", ErrInvalidPayload, msg.Type)
	}
	if err := json.Unmarshal(f.Data, payload); err != nil {
		return msg, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, msg.Type, err)
	}
	if err := payload.Validate(); err != nil {
		return msg, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, msg.Type, err)
	}

	msg.Payload = payload
	return msg, nil
}

func newPayload(eventType string) Payload {
	switch eventType {
	case TypeReady:
		return &Ready{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeError:
		return &Error{}
	case TypeNotification:
		return &Notification{}
	case TypeTicketUpdated:
		return &TicketUpdated{}
	case TypeAppointmentBooked:
		return &AppointmentBooked{}
	case TypeSlotChanged:
		return &SlotChanged{}
	case TypePeriodUpdated:
		return &PeriodUpdated{}
	case TypeStaticUpdate:
		return &StaticUpdate{}
	}
	if strings.HasPrefix(eventType, JoinedPrefix) {
		return &Joined{}
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%s is required", field)
}

func validDay(day string) error {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return fmt.Errorf("day %q is not YYYY-MM-DD", day)
	}
	return nil
}
