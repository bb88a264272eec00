// Package event defines the immutable audit records FloorLink appends to
// the persistence collaborator's error log.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Error types written to the audit log. The vocabulary mirrors what
// operators filter on; keep values stable.
const (
	TypeDeviceTimeout   = "Device Timeout"
	TypeHeartbeatFormat = "Heartbeat Format"
	TypeMessageFormat   = "Message Format"
	TypeMessageDropped  = "Message Dropped"
	TypeAuthorization   = "Authorization"
	TypeDuplicateLogin  = "Duplicate Login"
	TypeLoginFailure    = "Login Failure"
	TypeBundleConflict  = "Bundle Conflict"
	TypeBundleError     = "Bundle Error"
	TypeWorkstation     = "Workstation Status"
	TypeTransport       = "Broker Connection"
	TypeProcessing      = "Message Processing"
)

// ErrorEvent is a write-once audit record. The core never mutates or
// deletes one after creation; removal is an administrative action on the
// persistence side.
type ErrorEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	TerminalID string    `json:"terminal_id,omitempty"`
	CardID     string    `json:"card_id,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	RawPayload string    `json:"raw_payload,omitempty"`
	StackTrace string    `json:"stack_trace,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Option mutates an ErrorEvent during construction only.
type Option func(*ErrorEvent)

// WithDetail attaches free-form detail text.
func WithDetail(detail string) Option {
	return func(ev *ErrorEvent) { ev.Detail = detail }
}

// WithTerminal attaches the originating terminal id.
func WithTerminal(terminalID string) Option {
	return func(ev *ErrorEvent) { ev.TerminalID = terminalID }
}

// WithCard attaches the scanned card id.
func WithCard(cardID string) Option {
	return func(ev *ErrorEvent) { ev.CardID = cardID }
}

// WithTopic attaches the transport topic the message arrived on.
func WithTopic(topic string) Option {
	return func(ev *ErrorEvent) { ev.Topic = topic }
}

// WithPayload attaches the raw payload for reconstruction.
func WithPayload(payload string) Option {
	return func(ev *ErrorEvent) { ev.RawPayload = payload }
}

// WithStack attaches a stack trace or wrapped error chain.
func WithStack(stack string) Option {
	return func(ev *ErrorEvent) { ev.StackTrace = stack }
}

// NewError creates a timestamped error event.
func NewError(eventType, message string, opts ...Option) ErrorEvent {
	ev := ErrorEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}
