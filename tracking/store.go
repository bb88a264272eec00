package tracking

import (
	"context"

	"github.com/stitchworks/floorlink/event"
)

// BundleState is a bundle's tracking state at one terminal.
type BundleState int

// Bundle states. A bundle is Active at a terminal when it has a start
// record with no end record there.
const (
	BundleAbsent BundleState = iota
	BundleActive
	BundleCompleted
)

// String returns the string representation of BundleState
func (s BundleState) String() string {
	switch s {
	case BundleAbsent:
		return "absent"
	case BundleActive:
		return "active"
	case BundleCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// CardClass is the authorization classification of a scanned card.
// Exactly one class holds for any card at decision time.
type CardClass int

// Card classes, in lookup precedence order.
const (
	CardUnauthorized CardClass = iota
	CardEmployee
	CardBundle
)

// String returns the string representation of CardClass
func (c CardClass) String() string {
	switch c {
	case CardEmployee:
		return "employee"
	case CardBundle:
		return "bundle"
	case CardUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Store is the persistence collaborator behind the decision engine.
//
// CloseBundle must be conditional on the bundle still being open
// (compare-and-swap): it returns errors.ErrNoRowsAffected when another
// writer closed the bundle first. Together with the engine's keyed locks
// this closes the check-then-act race even across processes.
type Store interface {
	// FindEmployeeCard reports whether the card is on the employee roster.
	FindEmployeeCard(ctx context.Context, cardID string) (bool, error)

	// FindBundleCard reports whether the card is on the bundle roster.
	FindBundleCard(ctx context.Context, cardID string) (bool, error)

	// IsLoggedIn reports whether the card has an active login anywhere.
	IsLoggedIn(ctx context.Context, cardID string) (bool, error)

	// HasActiveLogin reports whether any operator is logged in at the terminal.
	HasActiveLogin(ctx context.Context, terminalID string) (bool, error)

	// CreateLogin records a new login session for the card at the terminal.
	CreateLogin(ctx context.Context, cardID, terminalID string) error

	// ResolveBundleID maps a bundle card to its bundle id. The boolean is
	// false when the card resolves to no known bundle record.
	ResolveBundleID(ctx context.Context, cardID string) (string, bool, error)

	// ActiveBundleElsewhere returns the id of a different terminal where the
	// card's bundle is currently active, if any. Keyed by the card so the
	// conflict is detected from the scan records alone, before (and even
	// without) bundle-id resolution.
	ActiveBundleElsewhere(ctx context.Context, cardID, terminalID string) (string, bool, error)

	// OtherBundleActiveAt reports whether the terminal has a bundle active
	// that was opened by a different card.
	OtherBundleActiveAt(ctx context.Context, terminalID, cardID string) (bool, error)

	// BundleStateAt returns the bundle's tracking state at the terminal.
	BundleStateAt(ctx context.Context, bundleID, terminalID string) (BundleState, error)

	// OpenBundle inserts a start record for the bundle at the terminal.
	OpenBundle(ctx context.Context, bundleID, cardID, terminalID string) error

	// CloseBundle sets the end time on the open record. Conditional update:
	// fails with errors.ErrNoRowsAffected if the bundle is no longer open.
	CloseBundle(ctx context.Context, bundleID, terminalID string) error

	// WorkstationStatus returns the terminal's workstation status code
	// (STATUS_RED / STATUS_YELLOW / STATUS_GREEN), relayed verbatim.
	WorkstationStatus(ctx context.Context, terminalID string) (string, error)

	// AppendError writes an error event to the append-only audit log.
	AppendError(ctx context.Context, ev *event.ErrorEvent) error
}
