// Package registry tracks the live set of scanning terminals: identity,
// liveness, message counters, and the timeout sweep that retires silent
// devices.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/metric"
	"github.com/stitchworks/floorlink/notify"
)

// Status is the liveness state of a terminal.
type Status int

// Terminal statuses. Active while inside the timeout window, Inactive once
// the sweep retires it, Disconnected only through explicit administrative
// action.
const (
	StatusActive Status = iota
	StatusInactive
	StatusDisconnected
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal is a snapshot of one device's registry record.
type Terminal struct {
	ID           string    `json:"id"`
	LastSeen     time.Time `json:"last_seen"`
	NetworkAddr  string    `json:"network_addr,omitempty"`
	MessageCount uint64    `json:"message_count"`
	Status       Status    `json:"-"`
}

// Auditor persists error events raised by registry housekeeping.
type Auditor interface {
	AppendError(ctx context.Context, ev *event.ErrorEvent) error
}

// Config holds registry timing parameters.
type Config struct {
	Timeout       time.Duration // silence before a terminal is evicted
	SweepInterval time.Duration // how often the sweep runs
}

// Deps holds the registry's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Notifier notify.Notifier
	Auditor  Auditor
	Metrics  *metric.MetricsRegistry
}

// Registry is the thread-safe terminal map plus its supervised sweeper.
// No method holds the lock across publish or persistence I/O.
type Registry struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal

	timeout       time.Duration
	sweepInterval time.Duration

	logger   *slog.Logger
	notifier notify.Notifier
	auditor  Auditor

	activeGauge prometheus.Gauge
	evictions   prometheus.Counter

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a terminal registry.
func New(cfg Config, deps Deps) (*Registry, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "registry")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}

	r := &Registry{
		terminals:     make(map[string]*Terminal),
		timeout:       cfg.Timeout,
		sweepInterval: cfg.SweepInterval,
		logger:        deps.Logger,
		notifier:      deps.Notifier,
		auditor:       deps.Auditor,
	}

	if deps.Metrics != nil {
		r.activeGauge = deps.Metrics.CoreMetrics().DevicesActive

		r.evictions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "floorlink",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Terminals evicted by the timeout sweep",
		})
		if err := deps.Metrics.RegisterCounter("registry", "evictions_total", r.evictions); err != nil {
			return nil, errors.WrapFatal(err, "Registry", "New", "register metrics")
		}
	}

	return r, nil
}

// Heartbeat records liveness for a terminal. Unknown ids are created and
// announced; known ids get last_seen advanced and their counter bumped.
func (r *Registry) Heartbeat(terminalID, networkAddr string) {
	now := time.Now().UTC()

	r.mu.Lock()
	term, known := r.terminals[terminalID]
	if !known {
		term = &Terminal{ID: terminalID}
		r.terminals[terminalID] = term
	}
	revived := known && term.Status != StatusActive
	term.LastSeen = now
	term.MessageCount++
	term.Status = StatusActive
	if networkAddr != "" {
		term.NetworkAddr = networkAddr
	}
	count := len(r.terminals)
	r.mu.Unlock()

	r.setActiveGauge(count)

	if !known {
		r.logger.Info("terminal connected", "terminal", terminalID, "addr", networkAddr)
		r.notifier.TerminalStateChanged(terminalID, StatusActive.String())
		r.notifier.TerminalCountChanged(count)
	} else if revived {
		r.logger.Info("terminal revived", "terminal", terminalID)
		r.notifier.TerminalStateChanged(terminalID, StatusActive.String())
	}
}

// Sweep evicts every terminal silent for longer than the timeout and
// returns the evicted ids. Audit failures for one eviction never stop the
// others.
func (r *Registry) Sweep(ctx context.Context, now time.Time) []string {
	cutoff := now.Add(-r.timeout)

	r.mu.Lock()
	var evicted []string
	for id, term := range r.terminals {
		if term.LastSeen.Before(cutoff) {
			term.Status = StatusInactive
			delete(r.terminals, id)
			evicted = append(evicted, id)
		}
	}
	count := len(r.terminals)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	sort.Strings(evicted)

	r.setActiveGauge(count)
	if r.evictions != nil {
		r.evictions.Add(float64(len(evicted)))
	}

	for _, id := range evicted {
		r.logger.Warn("terminal timed out", "terminal", id, "timeout", r.timeout)
		r.notifier.TerminalStateChanged(id, StatusInactive.String())
		r.audit(ctx, id)
	}
	r.notifier.TerminalCountChanged(count)

	return evicted
}

// audit appends a device-timeout error event, isolating failures.
func (r *Registry) audit(ctx context.Context, terminalID string) {
	if r.auditor == nil {
		return
	}
	ev := event.NewError(event.TypeDeviceTimeout,
		fmt.Sprintf("no heartbeat from %s for %s", terminalID, r.timeout),
		event.WithTerminal(terminalID))
	if err := r.auditor.AppendError(ctx, &ev); err != nil {
		r.logger.Error("failed to record device timeout", "terminal", terminalID, "error", err)
		return
	}
	r.notifier.ErrorAppended(&ev)
}

// Disconnect administratively removes a terminal from the live set and
// reports whether it was present.
func (r *Registry) Disconnect(terminalID string) bool {
	r.mu.Lock()
	term, present := r.terminals[terminalID]
	if present {
		term.Status = StatusDisconnected
		delete(r.terminals, terminalID)
	}
	count := len(r.terminals)
	r.mu.Unlock()

	if !present {
		return false
	}

	r.setActiveGauge(count)
	r.logger.Info("terminal disconnected", "terminal", terminalID)
	r.notifier.TerminalStateChanged(terminalID, StatusDisconnected.String())
	r.notifier.TerminalCountChanged(count)
	return true
}

// IsLive reports whether a terminal is currently in the live set.
func (r *Registry) IsLive(terminalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.terminals[terminalID]
	return ok
}

// Count returns the size of the live set.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terminals)
}

// Snapshot returns a copy of every live terminal record, ordered by id.
func (r *Registry) Snapshot() []Terminal {
	r.mu.RLock()
	out := make([]Terminal, 0, len(r.terminals))
	for _, term := range r.terminals {
		out = append(out, *term)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the periodic sweeper. The loop reschedules unconditionally;
// nothing a single sweep does can kill it.
func (r *Registry) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancel != nil {
		return errors.ErrAlreadyStarted
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.sweepLoop(sweepCtx)

	r.logger.Info("registry sweeper started",
		"timeout", r.timeout, "interval", r.sweepInterval)
	return nil
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Error("sweep panicked", "panic", rec)
					}
				}()
				r.Sweep(ctx, now.UTC())
			}()
		}
	}
}

// Stop halts the sweeper. Safe to call without Start.
func (r *Registry) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("registry sweeper stopped")
}

func (r *Registry) setActiveGauge(count int) {
	if r.activeGauge != nil {
		r.activeGauge.Set(float64(count))
	}
}
