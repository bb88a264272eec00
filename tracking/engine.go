// Package tracking implements the session and bundle decision engine: who
// may log in where, and the open/close lifecycle of production bundles.
//
// The engine is a decision function over the Store. It owns no broker or
// pool references and publishes nothing; every scan returns the ordered
// response codes for the originating terminal and appends audit events for
// conflict and failure branches.
package tracking

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/notify"
)

// Deps holds the engine's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Notifier notify.Notifier
}

// Engine evaluates scans against persisted state. Check-then-act sequences
// are serialized in-process with keyed locks: one per card id for logins,
// one per bundle card for bundle mutations.
type Engine struct {
	store    Store
	logger   *slog.Logger
	notifier notify.Notifier

	cardLocks   *keyedMutex
	bundleLocks *keyedMutex
}

// NewEngine creates a decision engine over the given store.
func NewEngine(store Store, deps Deps) (*Engine, error) {
	if store == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("nil store"), "Engine", "NewEngine", "validate store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "tracking")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Engine{
		store:       store,
		logger:      deps.Logger,
		notifier:    deps.Notifier,
		cardLocks:   newKeyedMutex(),
		bundleLocks: newKeyedMutex(),
	}, nil
}

// Classify determines the card's authorization class: employee roster
// first, bundle roster second, unauthorized otherwise.
func (e *Engine) Classify(ctx context.Context, cardID string) (CardClass, error) {
	employee, err := e.store.FindEmployeeCard(ctx, cardID)
	if err != nil {
		return CardUnauthorized, errors.WrapPersistence(err, "Engine", "Classify", "employee lookup")
	}
	if employee {
		return CardEmployee, nil
	}

	bundle, err := e.store.FindBundleCard(ctx, cardID)
	if err != nil {
		return CardUnauthorized, errors.WrapPersistence(err, "Engine", "Classify", "bundle lookup")
	}
	if bundle {
		return CardBundle, nil
	}
	return CardUnauthorized, nil
}

// Scan classifies the card and runs the matching decision tree. The
// returned codes are published to the terminal in order.
func (e *Engine) Scan(ctx context.Context, cardID, terminalID string) []string {
	class, err := e.Classify(ctx, cardID)
	if err != nil {
		return e.systemError(ctx, event.TypeProcessing, "card classification failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}

	switch class {
	case CardEmployee:
		return e.EmployeeScan(ctx, cardID, terminalID)
	case CardBundle:
		return e.BundleScan(ctx, cardID, terminalID)
	default:
		e.audit(ctx, event.NewError(event.TypeAuthorization,
			fmt.Sprintf("unauthorized card %s at %s", cardID, terminalID),
			event.WithCard(cardID), event.WithTerminal(terminalID)))
		return []string{CodeUnauthorized}
	}
}

// EmployeeScan decides a login attempt. A success returns the two-code
// sequence LOW then LOGIN_SUCCESS; the firmware expects the handshake
// signal before the human-readable code.
func (e *Engine) EmployeeScan(ctx context.Context, cardID, terminalID string) []string {
	release := e.cardLocks.lock(cardID)
	defer release()

	loggedIn, err := e.store.IsLoggedIn(ctx, cardID)
	if err != nil {
		return e.systemError(ctx, event.TypeLoginFailure, "login lookup failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}
	if loggedIn {
		e.audit(ctx, event.NewError(event.TypeDuplicateLogin,
			fmt.Sprintf("card %s already has an active login", cardID),
			event.WithCard(cardID), event.WithTerminal(terminalID)))
		return []string{CodeLoginExists}
	}

	if err := e.store.CreateLogin(ctx, cardID, terminalID); err != nil {
		return e.systemError(ctx, event.TypeLoginFailure, "login insert failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}

	e.logger.Info("operator logged in", "card", cardID, "terminal", terminalID)
	return []string{CodeLow, CodeLoginSuccess}
}

// BundleScan decides a bundle card scan. Branches are evaluated strictly
// in precedence order; the first match wins and later checks never run.
// The conflict checks are keyed by card and run before bundle-id
// resolution, so a roster view that has dropped the row cannot turn a
// cross-terminal conflict into a resolution failure.
func (e *Engine) BundleScan(ctx context.Context, cardID, terminalID string) []string {
	hasLogin, err := e.store.HasActiveLogin(ctx, terminalID)
	if err != nil {
		return e.systemError(ctx, event.TypeBundleError, "terminal login lookup failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}
	if !hasLogin {
		e.audit(ctx, event.NewError(event.TypeBundleError,
			fmt.Sprintf("bundle scan at %s without an operator login", terminalID),
			event.WithCard(cardID), event.WithTerminal(terminalID)))
		return []string{CodeLoginRequired}
	}

	release := e.bundleLocks.lock(cardID)
	defer release()

	otherTerminal, busy, err := e.store.ActiveBundleElsewhere(ctx, cardID, terminalID)
	if err != nil {
		return e.systemError(ctx, event.TypeBundleError, "cross-terminal lookup failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}
	if busy {
		e.audit(ctx, event.NewError(event.TypeBundleConflict,
			fmt.Sprintf("bundle card %s scanned at %s while active at %s", cardID, terminalID, otherTerminal),
			event.WithCard(cardID), event.WithTerminal(terminalID),
			event.WithDetail("active at "+otherTerminal)))
		return []string{CodeBundleActiveAt(otherTerminal)}
	}

	otherActive, err := e.store.OtherBundleActiveAt(ctx, terminalID, cardID)
	if err != nil {
		return e.systemError(ctx, event.TypeBundleError, "terminal bundle lookup failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}
	if otherActive {
		e.audit(ctx, event.NewError(event.TypeBundleConflict,
			fmt.Sprintf("terminal %s already has a different bundle open", terminalID),
			event.WithCard(cardID), event.WithTerminal(terminalID)))
		return []string{CodePrevBundleActive}
	}

	bundleID, found, err := e.store.ResolveBundleID(ctx, cardID)
	if err != nil {
		return e.systemError(ctx, event.TypeBundleError, "bundle resolution failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}
	if !found {
		return e.systemError(ctx, event.TypeBundleError, "card resolves to no bundle record", nil,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}

	state, err := e.store.BundleStateAt(ctx, bundleID, terminalID)
	if err != nil {
		return e.systemError(ctx, event.TypeBundleError, "bundle state lookup failed", err,
			event.WithCard(cardID), event.WithTerminal(terminalID))
	}

	switch state {
	case BundleActive:
		if err := e.store.CloseBundle(ctx, bundleID, terminalID); err != nil {
			if stderrors.Is(err, errors.ErrNoRowsAffected) {
				// Another writer closed it between the state read and the
				// conditional update. The bundle is completed either way.
				return []string{CodeBundleCompleted}
			}
			return e.systemError(ctx, event.TypeBundleError, "bundle close failed", err,
				event.WithCard(cardID), event.WithTerminal(terminalID))
		}
		e.logger.Info("bundle closed", "bundle", bundleID, "terminal", terminalID)
		return []string{CodeBundleEnded}

	case BundleCompleted:
		return []string{CodeBundleCompleted}

	default:
		if err := e.store.OpenBundle(ctx, bundleID, cardID, terminalID); err != nil {
			return e.systemError(ctx, event.TypeBundleError, "bundle open failed", err,
				event.WithCard(cardID), event.WithTerminal(terminalID))
		}
		e.logger.Info("bundle opened", "bundle", bundleID, "terminal", terminalID)
		return []string{CodeBundleStarted}
	}
}

// LoginStatus answers the firmware's loginstatus query: LOW when an
// operator is logged in at the terminal, HIGH otherwise. A store failure
// answers HIGH, the safe no-operator default.
func (e *Engine) LoginStatus(ctx context.Context, terminalID string) string {
	hasLogin, err := e.store.HasActiveLogin(ctx, terminalID)
	if err != nil {
		e.logger.Error("loginstatus lookup failed", "terminal", terminalID, "error", err)
		return CodeHigh
	}
	if hasLogin {
		return CodeLow
	}
	return CodeHigh
}

// WorkstationStatus answers the workstationstatus query: NO_OPERATOR
// without an active login, otherwise the store's status code verbatim.
func (e *Engine) WorkstationStatus(ctx context.Context, terminalID string) string {
	hasLogin, err := e.store.HasActiveLogin(ctx, terminalID)
	if err != nil {
		return e.systemError(ctx, event.TypeWorkstation, "terminal login lookup failed", err,
			event.WithTerminal(terminalID))[0]
	}
	if !hasLogin {
		return CodeNoOperator
	}

	status, err := e.store.WorkstationStatus(ctx, terminalID)
	if err != nil {
		return e.systemError(ctx, event.TypeWorkstation, "workstation status lookup failed", err,
			event.WithTerminal(terminalID))[0]
	}
	return status
}

// systemError records a failure branch and returns the SYSTEM_ERROR code.
func (e *Engine) systemError(ctx context.Context, evType, message string, cause error, opts ...event.Option) []string {
	if cause != nil {
		opts = append(opts, event.WithDetail(cause.Error()))
		e.logger.Error(message, "error", cause)
	} else {
		e.logger.Error(message)
	}
	e.audit(ctx, event.NewError(evType, message, opts...))
	return []string{CodeSystemError}
}

// audit writes an error event, isolating append failures from the scan
// outcome.
func (e *Engine) audit(ctx context.Context, ev event.ErrorEvent) {
	if err := e.store.AppendError(ctx, &ev); err != nil {
		e.logger.Error("failed to append error event", "type", ev.Type, "error", err)
		return
	}
	e.notifier.ErrorAppended(&ev)
}
