package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/tutoring-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventUserRegistered       EventType = "user_registered"
	EventLoginSucceeded       EventType = "login_succeeded"
	EventLoginFailed          EventType = "login_failed"
	EventAccountStatusChanged EventType = "account_status_changed"
	EventLoggedOut            EventType = "logged_out"
)

// AllEventTypes lists every type the audit trail subscribes to.
var AllEventTypes = []EventType{
	EventUserRegistered,
	EventLoginSucceeded,
	EventLoginFailed,
	EventAccountStatusChanged,
	EventLoggedOut,
}

// Actor identifies who caused an event. SubjectID is empty for anonymous
// callers such as a failed login.
type Actor struct {
	SubjectID string      `json:"subject_id,omitempty"`
	Role      domain.Role `json:"role,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	SubjectID string      `json:"subject_id,omitempty"`
	Actor     Actor       `json:"actor"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent stamps an event with a fresh id and the given time.
func NewEvent(eventType EventType, subjectID string, actor Actor, at time.Time, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SubjectID: subjectID,
		Actor:     actor,
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}

// UserRegisteredPayload payload.
type UserRegisteredPayload struct {
	Role   domain.Role       `json:"role"`
	Status domain.UserStatus `json:"status"`
}

// LoginFailedPayload payload. Identifier is included as typed by the caller;
// the reason is internal and never returned to clients.
type LoginFailedPayload struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
}

// AccountStatusChangedPayload payload.
type AccountStatusChangedPayload struct {
	OldStatus domain.UserStatus `json:"old_status"`
	NewStatus domain.UserStatus `json:"new_status"`
}

// LoggedOutPayload payload.
type LoggedOutPayload struct {
	TokenID string `json:"token_id"`
}
