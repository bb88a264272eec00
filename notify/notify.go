// Package notify defines the fire-and-forget event feed FloorLink emits for
// dashboards and other observers. Emitting an event must never block or fail
// the path that produced it; implementations drop rather than buffer
// unboundedly.
package notify

import (
	"time"

	"github.com/stitchworks/floorlink/event"
)

// Direction marks which way a broker message travelled.
type Direction string

// Message directions
const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// Notifier receives presentation events. All methods are fire-and-forget.
type Notifier interface {
	// TerminalCountChanged reports the new size of the live terminal set.
	TerminalCountChanged(count int)

	// TerminalStateChanged reports a terminal status transition.
	TerminalStateChanged(terminalID, state string)

	// MessageObserved reports a broker message in either direction.
	MessageObserved(topic string, payload []byte, direction Direction)

	// ErrorAppended reports an error event that was written to the audit log.
	ErrorAppended(ev *event.ErrorEvent)

	// ResourceSample reports process resource usage.
	ResourceSample(cpuPercent float64, rssBytes uint64, sampledAt time.Time)
}

// Nop is a Notifier that discards everything. Useful for tests and headless
// deployments.
type Nop struct{}

// TerminalCountChanged implements Notifier.
func (Nop) TerminalCountChanged(int) {}

// TerminalStateChanged implements Notifier.
func (Nop) TerminalStateChanged(string, string) {}

// MessageObserved implements Notifier.
func (Nop) MessageObserved(string, []byte, Direction) {}

// ErrorAppended implements Notifier.
func (Nop) ErrorAppended(*event.ErrorEvent) {}

// ResourceSample implements Notifier.
func (Nop) ResourceSample(float64, uint64, time.Time) {}
