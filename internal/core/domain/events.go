package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidPayload is returned when a pre-encoded payload is not valid JSON.
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// EventType names a real-time event. The set of types the browser understands
// lives in pkg/eventstream; domain code may publish any of them.
type EventType string

const (
	EventReady             EventType = "ready"
	EventHeartbeat         EventType = "heartbeat"
	EventError             EventType = "error"
	EventNotification      EventType = "notification"
	EventTicketUpdated     EventType = "ticket_updated"
	EventAppointmentBooked EventType = "appointment_booked"
	EventSlotChanged       EventType = "slot_changed"
	EventPeriodUpdated     EventType = "period_updated"
	EventStaticUpdate      EventType = "static_update"
)

// JoinedEvent returns the acknowledgement type for a successful join.
func JoinedEvent(scope string) EventType {
	return EventType("joined_" + scope)
}

// Event is an immutable fan-out unit. Payload is already-encoded JSON so every
// subscriber writes the same bytes.
type Event struct {
	Type        EventType       `json:"type"`
	Room        RoomID          `json:"room,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// NewEvent builds an event, encoding payload as JSON. A nil payload becomes
// an empty JSON object.
func NewEvent(room RoomID, eventType EventType, payload any) (Event, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:        eventType,
		Room:        room,
		Payload:     data,
		PublishedAt: time.Now().UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

// JoinAck is the payload of a joined_<scope> event.
type JoinAck struct {
	Scope string `json:"scope"`
	Room  RoomID `json:"room"`
}

// JoinRejection is the payload of an error event produced by the protocol.
type JoinRejection struct {
	Scope   string `json:"scope,omitempty"`
	Room    RoomID `json:"room,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}
