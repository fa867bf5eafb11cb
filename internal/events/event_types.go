package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/CHIRANJEEVICHETAN/Eagle-Notifier-sub000/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventSessionStateChanged EventType = "session_state_changed"
	EventSessionExpired      EventType = "session_expired"
	EventPushTokenRegistered EventType = "push_token_registered"
)

// Event represents a session lifecycle event emitted by the core. UI routing
// and the push reconciler subscribe to these.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// New builds an event with a fresh ID and timestamp.
func New(eventType EventType, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// SessionStateChangedPayload payload.
type SessionStateChangedPayload struct {
	Old domain.SessionState `json:"old"`
	New domain.SessionState `json:"new"`
}

// SessionExpiredPayload payload. Emitted exactly once per terminal refresh
// failure; carries the one-time user notice.
type SessionExpiredPayload struct {
	Message string `json:"message"`
}

// PushTokenRegisteredPayload payload.
type PushTokenRegisteredPayload struct {
	Token string `json:"token"`
}
