// Package server composes the FloorLink runtime: broker client, terminal
// registry, decision engine, dispatcher, load monitor, and the optional
// metrics and dashboard listeners. It owns the lifecycle; everything else
// is a collaborator.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stitchworks/floorlink/config"
	"github.com/stitchworks/floorlink/dispatch"
	"github.com/stitchworks/floorlink/errors"
	"github.com/stitchworks/floorlink/event"
	"github.com/stitchworks/floorlink/health"
	"github.com/stitchworks/floorlink/metric"
	"github.com/stitchworks/floorlink/monitor"
	"github.com/stitchworks/floorlink/mqttclient"
	"github.com/stitchworks/floorlink/notify"
	notifyws "github.com/stitchworks/floorlink/notify/websocket"
	"github.com/stitchworks/floorlink/registry"
	"github.com/stitchworks/floorlink/tracking"
)

const (
	presenceOnline  = "online"
	presenceOffline = "offline"
	// Presence is published at QoS 2 so a stale retained "online" can never
	// survive a broker session that saw the will fire.
	presenceQoS byte = 2
)

// Store is what the server needs from persistence beyond the tracking
// interface: a verified connection at boot and a clean release at shutdown.
type Store interface {
	tracking.Store
	Connect(ctx context.Context) error
	Close() error
}

// Deps holds the server's collaborators. Store is required; everything
// else defaults.
type Deps struct {
	Logger   *slog.Logger
	Store    Store
	Notifier notify.Notifier
	Metrics  *metric.MetricsRegistry
}

// Server wires the components together and runs them.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    Store
	notifier notify.Notifier
	metrics  *metric.MetricsRegistry

	client     *mqttclient.Client
	registry   *registry.Registry
	engine     *tracking.Engine
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor

	metricsServer *metric.Server
	hub           *notifyws.Hub
	hubServer     *http.Server
	healthMonitor *health.Monitor

	mu      sync.Mutex
	started bool
}

// New builds the full component graph from configuration. Nothing touches
// the network until Start.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil config"), "Server", "New", "validate configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "validate configuration")
	}
	if deps.Store == nil {
		return nil, errors.WrapFatal(fmt.Errorf("nil store"), "Server", "New", "validate deps")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = metric.NewMetricsRegistry()
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger.With("component", "server"),
		store:         deps.Store,
		metrics:       metrics,
		healthMonitor: health.NewMonitor(),
	}

	// The dashboard hub doubles as the notifier when one is not injected.
	s.notifier = deps.Notifier
	if s.notifier == nil {
		if cfg.Notify.Enabled {
			s.hub = notifyws.NewHub(notifyws.Deps{Logger: logger})
			s.notifier = s.hub
		} else {
			s.notifier = notify.Nop{}
		}
	}

	if err := s.buildComponents(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) buildComponents() error {
	cfg := s.cfg

	client, err := mqttclient.NewClient(cfg.Broker.URL,
		mqttclient.WithClientID(cfg.Broker.ClientID),
		mqttclient.WithCredentials(cfg.Broker.Username, cfg.Broker.Password),
		mqttclient.WithKeepAlive(cfg.Broker.KeepAlive.Std()),
		mqttclient.WithConnectTimeout(cfg.Broker.ConnectTimeout.Std()),
		mqttclient.WithReconnectDelay(cfg.Broker.ReconnectDelay.Std(), cfg.Broker.MaxReconnect.Std()),
		mqttclient.WithWill(s.presenceTopic(), presenceOffline, presenceQoS, true),
		mqttclient.WithConnectCallback(s.handleBrokerConnect),
		mqttclient.WithConnectionLostCallback(s.handleBrokerLost),
	)
	if err != nil {
		return err
	}
	s.client = client

	reg, err := registry.New(registry.Config{
		Timeout:       cfg.Device.Timeout.Std(),
		SweepInterval: cfg.Device.SweepInterval.Std(),
	}, registry.Deps{
		Logger:   s.logger,
		Notifier: s.notifier,
		Auditor:  s.store,
		Metrics:  s.metrics,
	})
	if err != nil {
		return err
	}
	s.registry = reg

	engine, err := tracking.NewEngine(s.store, tracking.Deps{
		Logger:   s.logger,
		Notifier: s.notifier,
	})
	if err != nil {
		return err
	}
	s.engine = engine

	dispatcher, err := dispatch.New(dispatch.Config{
		Namespace:   cfg.Broker.Namespace,
		ResponseQoS: cfg.Broker.ResponseQoS,
		Workers:     cfg.Dispatch.Workers,
		WorkerFloor: cfg.Dispatch.WorkerFloor,
		QueueSize:   cfg.Dispatch.QueueSize,
	}, dispatch.Deps{
		Logger:    s.logger,
		Publisher: client,
		Registry:  reg,
		Engine:    engine,
		Auditor:   s.store,
		Notifier:  s.notifier,
		Metrics:   s.metrics,
	})
	if err != nil {
		return err
	}
	s.dispatcher = dispatcher

	mon, err := monitor.New(monitor.Config{
		RateCeiling:      cfg.Monitor.RateCeiling,
		SampleInterval:   cfg.Monitor.SampleInterval.Std(),
		FallbackInterval: cfg.Monitor.FallbackInterval.Std(),
		ResourceEvery:    cfg.Monitor.ResourceEvery,
	}, monitor.Deps{
		Logger:   s.logger,
		Notifier: s.notifier,
		Metrics:  s.metrics,
		Target:   dispatcher,
	})
	if err != nil {
		return err
	}
	s.monitor = mon

	if cfg.Metrics.Enabled {
		s.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, s.metrics)
		s.metricsServer.SetHealthSource(s.Health)
	}
	if s.hub != nil {
		mux := http.NewServeMux()
		mux.Handle("/ws", s.hub.Handler())
		s.hubServer = &http.Server{
			Addr:              cfg.Notify.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

func (s *Server) presenceTopic() string {
	return s.cfg.Broker.Namespace + "/server/status"
}

// handleBrokerConnect runs on every successful broker (re)connect. The
// client replays subscriptions itself; presence and metrics are ours.
func (s *Server) handleBrokerConnect() {
	s.metrics.CoreMetrics().BrokerConnected.Set(1)
	s.healthMonitor.Update("broker", health.NewHealthy("broker", "connected"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Publish(ctx, s.presenceTopic(), presenceQoS, true, []byte(presenceOnline)); err != nil {
		s.logger.Error("presence publish failed", "error", err)
	}
	s.logger.Info("broker session established", "topic", s.presenceTopic())
}

// handleBrokerLost records the drop. Reconnection itself is the client's
// job; message processing rides out the gap on session persistence.
func (s *Server) handleBrokerLost(err error) {
	s.metrics.CoreMetrics().BrokerConnected.Set(0)
	s.metrics.CoreMetrics().BrokerReconnects.Inc()
	s.healthMonitor.Update("broker", health.NewUnhealthy("broker", err.Error()))
	s.logger.Warn("broker connection lost", "error", err)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ev := event.NewError(event.TypeTransport, "broker connection lost",
			event.WithDetail(err.Error()))
		if auditErr := s.store.AppendError(ctx, &ev); auditErr != nil {
			s.logger.Error("audit append failed", "error", auditErr)
		}
	}()
}

// Start brings the runtime up. The initial database ping and the initial
// broker connect are fatal; after that, failures are survived per message.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Wrap(fmt.Errorf("already started"), "Server", "Start", "check state")
	}

	s.logger.Info("starting",
		"service", s.cfg.Service.Name,
		"broker", s.cfg.Broker.URL,
		"namespace", s.cfg.Broker.Namespace,
	)

	if err := s.store.Connect(ctx); err != nil {
		s.healthMonitor.Update("store", health.NewUnhealthy("store", err.Error()))
		return err
	}
	s.healthMonitor.Update("store", health.NewHealthy("store", "connected"))
	if err := s.registry.Start(ctx); err != nil {
		return err
	}
	if err := s.dispatcher.Start(ctx); err != nil {
		s.registry.Stop()
		return err
	}
	if err := s.monitor.Start(ctx); err != nil {
		s.dispatcher.Stop(0)
		s.registry.Stop()
		return err
	}

	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.Start(); err != nil {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	if s.hubServer != nil {
		go func() {
			err := s.hubServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				s.logger.Error("dashboard listener failed", "error", err)
			}
		}()
	}

	// Subscriptions are registered before Connect so the client replays
	// them on the initial connect and on every reconnect after.
	if err := s.subscribeTopics(); err != nil {
		s.teardown(ctx)
		return err
	}
	if err := s.client.Connect(ctx); err != nil {
		s.teardown(ctx)
		return err
	}

	s.metrics.CoreMetrics().ServiceStatus.WithLabelValues(s.cfg.Service.Name).Set(2)
	s.started = true
	s.logger.Info("started")
	return nil
}

func (s *Server) subscribeTopics() error {
	for _, topic := range s.dispatcher.Topics() {
		qos := byte(0)
		if topic == s.cfg.Broker.Namespace+"/rfid" {
			// Scans must not be lost across a broker hiccup; heartbeats
			// and status updates are refreshed continuously anyway.
			qos = 1
		}
		handler := func(topic string, payload []byte) {
			s.dispatcher.Route(topic, payload, "")
		}
		if err := s.client.Subscribe(topic, qos, handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) teardown(_ context.Context) {
	s.monitor.Stop()
	s.dispatcher.Stop(0)
	s.registry.Stop()
	if s.metricsServer != nil {
		s.metricsServer.Stop()
	}
	if s.hubServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.hubServer.Shutdown(shutdownCtx)
		cancel()
	}
	if s.hub != nil {
		s.hub.Stop()
	}
}

// Stop shuts the runtime down in reverse order. Retained offline presence
// goes out before the broker connection drops so dashboards see a clean
// exit rather than a will.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s.logger.Info("stopping")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.client.IsHealthy() {
		if err := s.client.Publish(ctx, s.presenceTopic(), presenceQoS, true, []byte(presenceOffline)); err != nil {
			s.logger.Warn("offline presence publish failed", "error", err)
		}
	}
	if err := s.client.Close(ctx); err != nil {
		s.logger.Warn("broker close failed", "error", err)
	}

	s.monitor.Stop()
	if err := s.dispatcher.Stop(timeout); err != nil {
		s.logger.Warn("dispatcher stop failed", "error", err)
	}
	s.registry.Stop()

	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(); err != nil {
			s.logger.Warn("metrics server stop failed", "error", err)
		}
	}
	if s.hubServer != nil {
		if err := s.hubServer.Shutdown(ctx); err != nil {
			s.logger.Warn("dashboard listener stop failed", "error", err)
		}
	}
	if s.hub != nil {
		s.hub.Stop()
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", "error", err)
	}

	s.metrics.CoreMetrics().ServiceStatus.WithLabelValues(s.cfg.Service.Name).Set(0)
	s.started = false
	s.logger.Info("stopped")
	return nil
}

// Health aggregates the current health of the runtime. Broker and store
// states come from lifecycle events; dispatcher state is derived from the
// pool on every call.
func (s *Server) Health() health.Status {
	stats := s.dispatcher.PoolStats()
	dispatchStatus := health.NewHealthy("dispatch",
		fmt.Sprintf("%d workers, queue %d/%d", stats.Workers, stats.QueueDepth, stats.QueueSize))
	if stats.QueueSize > 0 && stats.QueueDepth >= stats.QueueSize {
		dispatchStatus = health.NewDegraded("dispatch", "queue at capacity, messages may drop")
	}
	s.healthMonitor.Update("dispatch", dispatchStatus)

	s.healthMonitor.Update("registry", health.NewHealthy("registry",
		fmt.Sprintf("%d live terminals", s.registry.Count())))

	return s.healthMonitor.AggregateHealth(s.cfg.Service.Name)
}

// Registry exposes the terminal registry for inspection.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Dispatcher exposes the dispatcher for inspection.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// BrokerStatus reports the broker connection state.
func (s *Server) BrokerStatus() mqttclient.ConnectionStatus {
	return s.client.Status()
}
