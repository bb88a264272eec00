// Package worker provides a bounded worker pool whose effective concurrency
// can be lowered and raised at runtime between a configured floor and its
// initial size. The load monitor uses this as its backpressure valve.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/stitchworks/floorlink/metric"
)

// Pool processes work items of type T on a fixed set of goroutines gated by
// an adjustable concurrency limit. Submission is non-blocking: when the
// queue is full the item is dropped and ErrQueueFull returned.
type Pool[T any] struct {
	// Configuration
	workers   int
	floor     int
	queueSize int
	processor func(context.Context, T) error

	// Runtime state
	workChan chan T
	gate     *semaphore.Weighted
	limit    atomic.Int32
	limitCh  chan int
	stopCh   chan struct{}
	metrics  *Metrics
	wg       sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	// Metrics configuration
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	limit          prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a pool at construction time.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics with the shared registry.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithFloor sets the minimum concurrency limit SetLimit will honor.
func WithFloor[T any](floor int) Option[T] {
	return func(p *Pool[T]) {
		if floor > 0 {
			p.floor = floor
		}
	}
}

// NewPool creates a worker pool with the given concurrency and queue bounds.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 500
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		floor:     1,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		gate:      semaphore.NewWeighted(int64(workers)),
		limitCh:   make(chan int, 1),
	}
	pool.limit.Store(int32(workers))

	for _, opt := range opts {
		opt(pool)
	}
	if pool.floor > pool.workers {
		pool.floor = pool.workers
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.initializeMetrics()
	}

	return pool
}

func (p *Pool[T]) initializeMetrics() {
	prefix := p.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Current worker pool queue depth",
	})
	limit := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_concurrency_limit",
		Help: "Current worker pool concurrency limit",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total work items submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total work items processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total work items that failed processing",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_dropped_total",
		Help: "Total work items dropped due to full queue",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent processing work items",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"status"})

	serviceName := "worker_pool"
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_queue_depth", queueDepth)
	p.metricsRegistry.RegisterGauge(serviceName, prefix+"_concurrency_limit", limit)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_submitted_total", submitted)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_processed_total", processed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_failed_total", failed)
	p.metricsRegistry.RegisterCounter(serviceName, prefix+"_dropped_total", dropped)
	p.metricsRegistry.RegisterHistogramVec(serviceName, prefix+"_processing_duration_seconds", processingTime)

	p.metrics = &Metrics{
		queueDepth:     queueDepth,
		limit:          limit,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		dropped:        dropped,
		processingTime: processingTime,
	}
	limit.Set(float64(p.limit.Load()))
}

// Submit enqueues work without blocking. Returns ErrQueueFull when the
// queue is saturated; the caller decides whether dropping is acceptable.
//
// The lock is held across the send so Stop cannot close the queue between
// the stopped check and the enqueue. The send itself never blocks.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		atomic.AddInt64(&p.submitted, 1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the worker goroutines.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.stopCh = make(chan struct{})

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Add(1)
	go p.limitController(ctx)

	p.started = true
	return nil
}

// limitController is the only goroutine that parks and returns gate
// permits, so a raise can never release permits a shrink has not finished
// acquiring. Targets are latest-wins.
func (p *Pool[T]) limitController(ctx context.Context) {
	defer p.wg.Done()

	parked := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case target := <-p.limitCh:
			want := p.workers - target
			if want > parked {
				if err := p.gate.Acquire(ctx, int64(want-parked)); err != nil {
					return
				}
				parked = want
			} else if want < parked {
				p.gate.Release(int64(parked - want))
				parked = want
			}
		}
	}
}

// Stop closes the queue and waits for in-flight work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Limit returns the current concurrency limit.
func (p *Pool[T]) Limit() int {
	return int(p.limit.Load())
}

// Floor returns the minimum concurrency limit.
func (p *Pool[T]) Floor() int {
	return p.floor
}

// SetLimit adjusts the concurrency limit, clamped to [floor, workers], and
// returns the applied value. Raising the limit takes effect immediately;
// lowering it takes effect as in-flight items complete.
func (p *Pool[T]) SetLimit(n int) int {
	if n < p.floor {
		n = p.floor
	}
	if n > p.workers {
		n = p.workers
	}

	if p.limit.Swap(int32(n)) == int32(n) {
		return n
	}

	// Hand the target to the controller, replacing any pending one.
	for {
		select {
		case p.limitCh <- n:
			if p.metrics != nil {
				p.metrics.limit.Set(float64(n))
			}
			return n
		default:
			select {
			case <-p.limitCh:
			default:
			}
		}
	}
}

// Throttle halves the concurrency limit (never below the floor) and
// returns the applied value.
func (p *Pool[T]) Throttle() int {
	return p.SetLimit(p.Limit() / 2)
}

// Recover raises the concurrency limit by one step toward full capacity.
func (p *Pool[T]) Recover() int {
	return p.SetLimit(p.Limit() + 1)
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		Limit:      p.Limit(),
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  atomic.LoadInt64(&p.submitted),
		Processed:  atomic.LoadInt64(&p.processed),
		Failed:     atomic.LoadInt64(&p.failed),
		Dropped:    atomic.LoadInt64(&p.dropped),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	Limit      int   `json:"limit"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// worker drains the queue, acquiring a gate permit per item so the
// effective parallelism follows the current limit.
func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.gate.Acquire(ctx, 1); err != nil {
				return
			}
			p.process(ctx, work)
			p.gate.Release(1)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.runProcessor(ctx, work)
	duration := time.Since(start)

	atomic.AddInt64(&p.processed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// runProcessor invokes the processor with panic containment. A panicking
// item is recorded as a failure; the worker and its siblings keep running.
func (p *Pool[T]) runProcessor(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.processor(ctx, work)
}
