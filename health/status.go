// Package health provides health reporting for the server and its
// collaborators: broker connection, persistence, dispatcher, registry.
package health

import (
	"regexp"
	"time"
)

// Pre-compiled regexes for error message sanitization. Health output is
// served over plain HTTP on the plant network; connection errors must not
// leak broker URLs or database credentials into it.
var (
	urlRegex        = regexp.MustCompile(`(?:tcp|ssl|mqtt|mqtts|ws|wss|https?)://[^\s]+`)
	dsnRegex        = regexp.MustCompile(`[^\s:@/]+:[^\s@]+@tcp\([^)]*\)[^\s]*`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status values.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health state of one component or of the system.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // healthy, degraded, unhealthy
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status. The message is sanitized.
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   Sanitize(message),
		Timestamp: time.Now(),
	}
}

// FromError builds a status from an operation's error, healthy when nil.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, err.Error())
}

// Aggregate creates a status by aggregating sub-statuses.
// The aggregation rules are:
//   - all healthy → healthy
//   - any unhealthy → unhealthy
//   - none unhealthy but at least one degraded → degraded
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "one or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "one or more sub-components are degraded")
	default:
		status = NewHealthy(component, "all sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// Sanitize removes endpoints and credentials from a message.
//
// Patterns replaced:
//   - broker and HTTP URLs (tcp://, mqtt://, ws://, ...) → [URL]
//   - database DSNs (user:pass@tcp(host)/db) → [DSN]
//   - IP addresses → [IP]
//   - port suffixes (:1883) → [PORT]
//   - credential assignments (password=..., token=...) → [REDACTED]
func Sanitize(message string) string {
	if message == "" {
		return ""
	}

	sanitized := message
	sanitized = dsnRegex.ReplaceAllString(sanitized, "[DSN]")
	sanitized = urlRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	return sanitized
}
