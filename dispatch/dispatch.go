// Package dispatch routes inbound broker messages: heartbeats inline for
// liveness, everything else through a bounded worker pool to the decision
// engine, with responses published back to the originating terminal.
package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/metric"
	"github.com/stitchworks/floorlink/notify"
	"github.com/stitchworks/floorlink/pkg/worker"
	"github.com/stitchworks/floorlink/registry"
	"github.com/stitchworks/floorlink/tracking"
)

// scanPattern tolerantly extracts card and terminal ids from free-text scan
// payloads like "ID: 1234 Mac ID: AA:BB:CC:DD".
var scanPattern = regexp.MustCompile(`ID:\s*([0-9A-Fa-f]+)\s*Mac ID:\s*([0-9A-Fa-f:]+)`)

// Query payload prefixes on the status topics.
const (
	loginStatusPrefix       = "loginstatus "
	workstationStatusPrefix = "workstationstatus "
	offlinePayload          = "offline"
)

// Publisher sends messages to the broker. Publish waits for broker
// acknowledgement, which is what sequences the two-code login response.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Auditor persists dispatcher-level error events.
type Auditor interface {
	AppendError(ctx context.Context, ev *event.ErrorEvent) error
}

type jobKind int

const (
	jobScan jobKind = iota
	jobLoginQuery
	jobStatusQuery
)

type job struct {
	kind       jobKind
	terminalID string
	cardID     string
	topic      string
	payload    string
}

// Config holds dispatcher parameters.
type Config struct {
	Namespace   string // topic root, default "nodemcu"
	ResponseQoS byte
	Workers     int
	WorkerFloor int
	QueueSize   int
	// PublishTimeout bounds how long a response publish may wait for
	// broker acknowledgement.
	PublishTimeout time.Duration
}

// Deps holds the dispatcher's collaborators.
type Deps struct {
	Logger    *slog.Logger
	Publisher Publisher
	Registry  *registry.Registry
	Engine    *tracking.Engine
	Auditor   Auditor
	Notifier  notify.Notifier
	Metrics   *metric.MetricsRegistry
}

// Dispatcher classifies inbound messages by topic and payload shape and
// hands non-heartbeat work to the pool. Submission never blocks: a full
// queue drops the message and records the drop.
type Dispatcher struct {
	namespace      string
	responseQoS    byte
	publishTimeout time.Duration

	logger    *slog.Logger
	publisher Publisher
	registry  *registry.Registry
	engine    *tracking.Engine
	auditor   Auditor
	notifier  notify.Notifier
	metrics   *metric.MetricsRegistry

	pool         *worker.Pool[job]
	messagesSeen atomic.Uint64
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Publisher == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil publisher"), "Dispatcher", "New", "validate deps")
	}
	if deps.Registry == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil registry"), "Dispatcher", "New", "validate deps")
	}
	if deps.Engine == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil engine"), "Dispatcher", "New", "validate deps")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "dispatch")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "nodemcu"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 500
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	d := &Dispatcher{
		namespace:      cfg.Namespace,
		responseQoS:    cfg.ResponseQoS,
		publishTimeout: cfg.PublishTimeout,
		logger:         deps.Logger,
		publisher:      deps.Publisher,
		registry:       deps.Registry,
		engine:         deps.Engine,
		auditor:        deps.Auditor,
		notifier:       deps.Notifier,
		metrics:        deps.Metrics,
	}

	poolOpts := []worker.Option[job]{worker.WithFloor[job](cfg.WorkerFloor)}
	if deps.Metrics != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](deps.Metrics, "dispatch"))
	}
	d.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, d.process, poolOpts...)

	return d, nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop drains the worker pool.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// Topics returns the inbound subscription patterns for this namespace.
func (d *Dispatcher) Topics() []string {
	return []string{
		d.namespace + "/rfid",
		d.namespace + "/+/heartbeat",
		d.namespace + "/+/status",
	}
}

// Throttle halves the pool's concurrency limit, bounded by the floor.
func (d *Dispatcher) Throttle() int {
	return d.pool.Throttle()
}

// Recover raises the pool's concurrency limit by one worker.
func (d *Dispatcher) Recover() int {
	return d.pool.Recover()
}

// MessagesSeen returns the total inbound messages observed, heartbeats
// included. The load monitor derives its rate from deltas of this counter.
func (d *Dispatcher) MessagesSeen() uint64 {
	return d.messagesSeen.Load()
}

// PoolStats exposes the worker pool counters.
func (d *Dispatcher) PoolStats() worker.PoolStats {
	return d.pool.Stats()
}

// Route classifies one inbound message. Heartbeats are handled inline so
// liveness never queues behind scan processing; everything else goes to the
// pool. Never blocks beyond the pool's non-blocking submit.
func (d *Dispatcher) Route(topic string, payload []byte, origin string) {
	d.messagesSeen.Add(1)
	d.notifier.MessageObserved(topic, payload, notify.DirectionInbound)
	if d.metrics != nil {
		d.metrics.CoreMetrics().MessagesReceived.WithLabelValues("dispatch", "inbound").Inc()
	}

	text := strings.TrimSpace(string(payload))

	if topic == d.namespace+"/rfid" {
		d.routePayload(topic, text)
		return
	}
	if id := d.matchSegmented(topic, "heartbeat"); id != "" {
		d.handleHeartbeat(id, topic, text, origin)
		return
	}
	if id := d.matchSegmented(topic, "status"); id != "" {
		d.routeStatus(id, topic, text)
		return
	}

	d.logger.Warn("message on unknown topic", "topic", topic)
	d.auditAsync(event.NewError(event.TypeMessageFormat,
		"message on unknown topic",
		event.WithTopic(topic), event.WithPayload(truncate(text, 256))))
}

// matchSegmented returns the terminal id for topics of the form
// namespace/<id>/<leaf>, or "" when the topic has a different shape.
func (d *Dispatcher) matchSegmented(topic, leaf string) string {
	rest, ok := strings.CutPrefix(topic, d.namespace+"/")
	if !ok {
		return ""
	}
	id, l, ok := strings.Cut(rest, "/")
	if !ok || l != leaf || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// handleHeartbeat runs inline on the receive path. Any payload counts for
// liveness; only well-formed JSON with a timestamp passes silently.
func (d *Dispatcher) handleHeartbeat(terminalID, topic, payload, origin string) {
	d.registry.Heartbeat(terminalID, origin)

	var beat struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(payload), &beat); err != nil || len(beat.Timestamp) == 0 {
		// Recorded off the receive path; liveness never waits on the audit log.
		d.auditAsync(event.NewError(event.TypeHeartbeatFormat,
			"unstructured heartbeat payload",
			event.WithTerminal(terminalID), event.WithTopic(topic),
			event.WithPayload(truncate(payload, 256))))
	}
}

// routeStatus handles namespace/<id>/status messages: firmware queries and
// the explicit offline announcement.
func (d *Dispatcher) routeStatus(terminalID, topic, payload string) {
	if payload == offlinePayload {
		d.registry.Disconnect(terminalID)
		return
	}
	d.registry.Heartbeat(terminalID, "")
	d.routePayload(topic, payload)
}

// routePayload classifies by payload shape: firmware queries first, then
// the scan pattern.
func (d *Dispatcher) routePayload(topic, payload string) {
	switch {
	case strings.HasPrefix(payload, loginStatusPrefix):
		terminalID := strings.TrimSpace(strings.TrimPrefix(payload, loginStatusPrefix))
		d.submit(job{kind: jobLoginQuery, terminalID: terminalID, topic: topic, payload: payload})

	case strings.HasPrefix(payload, workstationStatusPrefix):
		terminalID := strings.TrimSpace(strings.TrimPrefix(payload, workstationStatusPrefix))
		d.submit(job{kind: jobStatusQuery, terminalID: terminalID, topic: topic, payload: payload})

	default:
		match := scanPattern.FindStringSubmatch(payload)
		if match == nil {
			d.logger.Warn("unparseable scan payload", "topic", topic, "payload", truncate(payload, 64))
			d.auditAsync(event.NewError(event.TypeMessageFormat,
				"scan payload did not match the expected pattern",
				event.WithTopic(topic), event.WithPayload(truncate(payload, 256))))
			return
		}
		d.submit(job{kind: jobScan, cardID: match[1], terminalID: match[2], topic: topic, payload: payload})
	}
}

// submit hands a job to the pool. Overflow drops the message: the terminal
// retries on its own schedule, so delivery here is at-most-once.
func (d *Dispatcher) submit(j job) {
	if err := d.pool.Submit(j); err != nil {
		if stderrors.Is(err, worker.ErrQueueFull) {
			d.logger.Warn("queue full, dropping message",
				"terminal", j.terminalID, "topic", j.topic)
			d.auditAsync(event.NewError(event.TypeMessageDropped,
				"worker queue saturated, message dropped",
				event.WithTerminal(j.terminalID), event.WithTopic(j.topic),
				event.WithPayload(truncate(j.payload, 256))))
			return
		}
		d.logger.Error("pool submit failed", "error", err)
	}
}

// process runs on a pool worker.
func (d *Dispatcher) process(ctx context.Context, j job) error {
	switch j.kind {
	case jobScan:
		// Every parsed scan counts as liveness for its terminal.
		d.registry.Heartbeat(j.terminalID, "")
		codes := d.engine.Scan(ctx, j.cardID, j.terminalID)
		return d.respond(ctx, j.terminalID, codes)

	case jobLoginQuery:
		code := d.engine.LoginStatus(ctx, j.terminalID)
		return d.respond(ctx, j.terminalID, []string{code})

	case jobStatusQuery:
		code := d.engine.WorkstationStatus(ctx, j.terminalID)
		return d.respond(ctx, j.terminalID, []string{code})

	default:
		return errors.WrapFormat(fmt.Errorf("unknown job kind %d", j.kind),
			"Dispatcher", "process", "classify job")
	}
}

// respond publishes the ordered response codes to the terminal's response
// topic. Each publish waits for broker acknowledgement before the next is
// sent, which preserves the LOW before LOGIN_SUCCESS ordering.
func (d *Dispatcher) respond(ctx context.Context, terminalID string, codes []string) error {
	topic := fmt.Sprintf("%s/%s/response", d.namespace, terminalID)

	for _, code := range codes {
		pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
		err := d.publisher.Publish(pubCtx, topic, d.responseQoS, false, []byte(code))
		cancel()
		if err != nil {
			d.logger.Error("response publish failed",
				"terminal", terminalID, "code", code, "error", err)
			if d.metrics != nil {
				d.metrics.CoreMetrics().ErrorsTotal.WithLabelValues("dispatch", "publish").Inc()
			}
			return errors.WrapTransport(err, "Dispatcher", "respond",
				fmt.Sprintf("publish %s to %s", code, topic))
		}

		d.notifier.MessageObserved(topic, []byte(code), notify.DirectionOutbound)
		if d.metrics != nil {
			d.metrics.CoreMetrics().MessagesPublished.WithLabelValues("dispatch", topic).Inc()
		}
	}
	return nil
}

// auditAsync appends an error event off the calling path.
func (d *Dispatcher) auditAsync(ev event.ErrorEvent) {
	if d.auditor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.auditor.AppendError(ctx, &ev); err != nil {
			d.logger.Error("failed to append error event", "type", ev.Type, "error", err)
			return
		}
		d.notifier.ErrorAppended(&ev)
	}()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
