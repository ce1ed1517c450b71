// Package bus distributes room events: new messages, typing indicators,
// presence changes, and conversation-state updates. Consumers subscribe by
// event type or to the full stream; a WebSocket observer forwards events to
// connected clients.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/normanking/salon/internal/chat"
)

// EventType tags a room event flowing through the bus.
type EventType string

const (
	// EventMessage fires when a message is persisted to a room.
	EventMessage EventType = "message"

	// EventTypingStart and EventTypingStop bracket a persona composing
	// a reply.
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"

	// EventStateUpdate carries a fresh conversation-state snapshot.
	EventStateUpdate EventType = "state_update"

	// EventResponseDropped fires when an in-flight persona response is
	// cancelled or discarded before it reached the room.
	EventResponseDropped EventType = "response_dropped"
)

// Event is a single room event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// RoomID scopes the event; empty for bus-wide events.
	RoomID string `json:"room_id,omitempty"`

	// Sender context
	Sender     string `json:"sender,omitempty"`
	SenderKind string `json:"sender_kind,omitempty"`

	// Message context
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// Details carries event-specific extras, such as state snapshots.
	Details map[string]any `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType EventType, roomID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		RoomID:    roomID,
	}
}

// NewMessageEvent wraps a persisted message for broadcast.
func NewMessageEvent(m chat.Message) Event {
	e := NewEvent(EventMessage, m.RoomID)
	e.Sender = m.SenderName
	e.SenderKind = string(m.SenderKind)
	e.MessageID = m.ID
	e.Content = m.Content
	return e
}

// NewTypingEvent signals that a persona started or stopped composing.
func NewTypingEvent(roomID, persona string, typing bool) Event {
	t := EventTypingStop
	if typing {
		t = EventTypingStart
	}
	e := NewEvent(t, roomID)
	e.Sender = persona
	e.SenderKind = string(chat.SenderPersona)
	return e
}

// NewStateEvent carries the latest analysis snapshot for a room.
func NewStateEvent(roomID string, details map[string]any) Event {
	e := NewEvent(EventStateUpdate, roomID)
	e.Details = details
	return e
}

// NewDroppedEvent records a persona response that never reached the room.
func NewDroppedEvent(roomID, persona, reason string) Event {
	e := NewEvent(EventResponseDropped, roomID)
	e.Sender = persona
	e.SenderKind = string(chat.SenderPersona)
	e.Details = map[string]any{"reason": reason}
	return e
}
