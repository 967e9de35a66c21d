package domain

import "time"

// EventType is the kind of change delivered by the remote change feed
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// ChangeEvent is a row-level change notification for one cart item.
type ChangeEvent struct {
	ID         string    `json:"event_id"`
	Type       EventType `json:"event_type"`
	SessionID  string    `json:"session_id"`
	Row        ItemRow   `json:"row"`
	OccurredAt time.Time `json:"occurred_at"`
}
