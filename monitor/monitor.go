// Package monitor watches dispatcher throughput and process resource usage,
// throttling the worker pool when the message rate passes its ceiling and
// letting it recover when load drops.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/metric"
	"github.com/stitchworks/floorlink/notify"
)

// Throttleable is the dispatcher surface the monitor drives: a message
// counter to sample and a concurrency valve to adjust.
type Throttleable interface {
	MessagesSeen() uint64
	Throttle() int
	Recover() int
}

// Config holds monitor parameters.
type Config struct {
	RateCeiling      float64       // messages per second before throttling
	SampleInterval   time.Duration // normal sampling period
	FallbackInterval time.Duration // period after a sampling failure
	ResourceEvery    int           // resource sample every N ticks
}

// Deps holds the monitor's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Notifier notify.Notifier
	Metrics  *metric.MetricsRegistry
	Target   Throttleable
}

// Monitor samples the dispatcher's message counter once per interval and
// applies a multiplicative-decrease, additive-increase valve to its pool.
// The loop survives its own failures: a panicked or failed sample logs and
// reschedules on the fallback interval.
type Monitor struct {
	ceiling          float64
	sampleInterval   time.Duration
	fallbackInterval time.Duration
	resourceEvery    int

	logger   *slog.Logger
	notifier notify.Notifier
	metrics  *metric.MetricsRegistry
	target   Throttleable

	proc *process.Process

	mu        sync.Mutex
	lastCount uint64
	lastAt    time.Time
	rate      float64
	throttled bool
	ticks     int

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a load monitor.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if deps.Target == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil target"), "Monitor", "New", "validate deps")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "monitor")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.RateCeiling <= 0 {
		cfg.RateCeiling = 100
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = 5 * time.Second
	}
	if cfg.ResourceEvery <= 0 {
		cfg.ResourceEvery = 5
	}

	m := &Monitor{
		ceiling:          cfg.RateCeiling,
		sampleInterval:   cfg.SampleInterval,
		fallbackInterval: cfg.FallbackInterval,
		resourceEvery:    cfg.ResourceEvery,
		logger:           deps.Logger,
		notifier:         deps.Notifier,
		metrics:          deps.Metrics,
		target:           deps.Target,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	} else {
		deps.Logger.Warn("process handle unavailable, resource sampling disabled", "error", err)
	}

	return m, nil
}

// Rate returns the most recently sampled message rate in messages/second.
func (m *Monitor) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return errors.ErrAlreadyStarted
	}

	m.mu.Lock()
	m.lastCount = m.target.MessagesSeen()
	m.lastAt = time.Now()
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx)

	m.logger.Info("load monitor started",
		"ceiling", m.ceiling, "interval", m.sampleInterval)
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(m.sampleInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			interval := m.safeSample(now)
			timer.Reset(interval)
		}
	}
}

// safeSample runs one sample, converting panics and failures into a
// fallback reschedule instead of loop death.
func (m *Monitor) safeSample(now time.Time) (interval time.Duration) {
	interval = m.sampleInterval
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("sampling failed", "panic", rec)
			interval = m.fallbackInterval
		}
	}()

	m.sample(now)
	return interval
}

// sample measures the message rate since the previous tick and moves the
// valve: above the ceiling the pool limit halves, below it the limit
// creeps back up one worker per tick.
func (m *Monitor) sample(now time.Time) {
	count := m.target.MessagesSeen()

	m.mu.Lock()
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		elapsed = m.sampleInterval.Seconds()
	}
	rate := float64(count-m.lastCount) / elapsed
	m.lastCount = count
	m.lastAt = now
	m.rate = rate
	wasThrottled := m.throttled
	m.ticks++
	resourceTick := m.ticks%m.resourceEvery == 0
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CoreMetrics().MessageRate.Set(rate)
	}

	switch {
	case rate > m.ceiling:
		limit := m.target.Throttle()
		m.setThrottled(true)
		m.logger.Warn("message rate above ceiling, throttling pool",
			"rate", rate, "ceiling", m.ceiling, "limit", limit)

	case wasThrottled:
		limit := m.target.Recover()
		m.logger.Info("message rate recovered, raising pool limit",
			"rate", rate, "limit", limit)
		// Keep recovering additively until subsequent Recover calls stop
		// moving the limit; the pool clamps at full capacity.

	default:
		m.target.Recover()
	}
	if rate <= m.ceiling && wasThrottled {
		m.setThrottled(false)
	}

	if resourceTick {
		m.sampleResources(now)
	}
}

func (m *Monitor) setThrottled(v bool) {
	m.mu.Lock()
	m.throttled = v
	m.mu.Unlock()
}

// sampleResources reads process CPU and RSS and emits a resource event.
func (m *Monitor) sampleResources(now time.Time) {
	if m.proc == nil {
		return
	}

	cpu, err := m.proc.CPUPercent()
	if err != nil {
		m.logger.Warn("cpu sample failed", "error", err)
		return
	}
	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		m.logger.Warn("memory sample failed", "error", err)
		return
	}

	m.notifier.ResourceSample(cpu, memInfo.RSS, now.UTC())
	m.logger.Debug("resource sample", "cpu_percent", cpu, "rss_bytes", memInfo.RSS)
}

// Stop halts the sampling loop. Safe to call without Start.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info("load monitor stopped")
}
