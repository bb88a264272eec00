// Package mqttclient provides a client for managing MQTT broker connections
// with explicit reconnect scheduling.
package mqttclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/stitchworks/floorlink/errors"
)

// ConnectionStatus represents the state of the broker connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected      = stderrors.New("not connected to broker")
	ErrClientClosed      = stderrors.New("client is closed")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// MessageHandler receives inbound messages for a subscription.
type MessageHandler func(topic string, payload []byte)

// subscription is remembered so reconnects can restore the broker session.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// willConfig is the broker-published last-will message.
type willConfig struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
}

// Client manages an MQTT broker connection. Automatic reconnection in the
// underlying library is disabled; reconnects are scheduled here with capped
// exponential backoff so a clean Close never races a background reconnect.
type Client struct {
	url      string
	clientID string
	username string
	password string

	status        atomic.Value // stores ConnectionStatus
	failures      atomic.Int32
	reconnects    atomic.Int32
	everConnected atomic.Bool
	logger        Logger

	conn mqtt.Client

	subs   []subscription
	subsMu sync.Mutex

	will *willConfig

	// Reconnect backoff
	lastFailure    atomic.Value // stores time.Time
	backoff        atomic.Value // stores time.Duration
	reconnectDelay time.Duration
	maxBackoff     time.Duration
	reconnectTimer *time.Timer
	timerMu        sync.Mutex

	// Connection options
	keepAlive      time.Duration
	connectTimeout time.Duration

	// Callbacks
	onConnect        func()
	onConnectionLost func(error)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new MQTT client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapFatal(
			fmt.Errorf("empty broker URL"), "Client", "NewClient", "validate URL")
	}

	c := &Client{
		url:            url,
		clientID:       "floorlink-server",
		logger:         &defaultLogger{},
		keepAlive:      30 * time.Second,
		connectTimeout: 10 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxBackoff:     2 * time.Minute,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapFatal(err, "Client", "NewClient", "apply option")
		}
	}

	// A shared-subscription broker rejects duplicate client ids, so every
	// process instance gets a unique suffix.
	c.clientID = fmt.Sprintf("%s-%s", c.clientID, uuid.NewString()[:8])

	c.status.Store(StatusDisconnected)
	c.backoff.Store(c.reconnectDelay)
	c.lastFailure.Store(time.Time{})

	c.logger.Debugf("Created MQTT client %s for %s", c.clientID, url)

	return c, nil
}

// URL returns the broker URL
func (c *Client) URL() string {
	return c.url
}

// ClientID returns the broker client identifier, including the random suffix.
func (c *Client) ClientID() string {
	return c.clientID
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is established
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the connect failure count since the last success
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Reconnects returns how many times the connection has been re-established
func (c *Client) Reconnects() int32 {
	return c.reconnects.Load()
}

// GetStatus returns current status information
func (c *Client) GetStatus() *Status {
	return &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Reconnects:      c.reconnects.Load(),
	}
}

// buildConnectionOptions builds paho options from client configuration
func (c *Client) buildConnectionOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.url).
		SetClientID(c.clientID).
		SetKeepAlive(c.keepAlive).
		SetConnectTimeout(c.connectTimeout).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetOrderMatters(true)

	if c.username != "" {
		opts.SetUsername(c.username)
		opts.SetPassword(c.password)
	}
	if c.will != nil {
		opts.SetWill(c.will.topic, c.will.payload, c.will.qos, c.will.retained)
	}

	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(c.handleConnectionLost)

	return opts
}

// Connect establishes the broker connection. On success subscriptions made
// before the call (or before a connection loss) are restored.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to broker at %s", c.url)

	c.mu.Lock()
	if c.conn == nil {
		c.conn = mqtt.NewClient(c.buildConnectionOptions())
	}
	conn := c.conn
	c.mu.Unlock()

	token := conn.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		c.recordFailure()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransport(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	if err := token.Error(); err != nil {
		c.recordFailure()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransport(err, "Client", "Connect", "establish connection")
	}

	// handleConnect has already run on paho's connect callback; it set the
	// status and restored subscriptions.
	return nil
}

// handleConnect runs on every successful (re)connection
func (c *Client) handleConnect(_ mqtt.Client) {
	c.setStatus(StatusConnected)
	c.backoff.Store(c.reconnectDelay)
	c.failures.Store(0)
	if c.everConnected.Swap(true) {
		c.reconnects.Add(1)
	}

	c.logger.Printf("Connected to broker at %s", c.url)

	if err := c.resubscribe(); err != nil {
		c.logger.Errorf("Failed to restore subscriptions: %v", err)
	}

	if c.onConnect != nil {
		c.onConnect()
	}
}

// handleConnectionLost runs when an established connection drops
func (c *Client) handleConnectionLost(_ mqtt.Client, err error) {
	c.setStatus(StatusDisconnected)
	c.logger.Errorf("Connection lost: %v", err)

	if c.onConnectionLost != nil {
		c.onConnectionLost(err)
	}

	c.scheduleReconnect()
}

// scheduleReconnect arms a single reconnect attempt after the current
// backoff. Each failed attempt doubles the backoff up to the cap; a success
// resets it.
func (c *Client) scheduleReconnect() {
	if c.closed.Load() {
		return
	}

	delay := c.backoff.Load().(time.Duration)

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}

	c.logger.Printf("Scheduling reconnect in %v", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.closed.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
		defer cancel()

		if err := c.Connect(ctx); err != nil {
			c.logger.Errorf("Reconnect failed: %v", err)
			c.scheduleReconnect()
		}
	})
}

// recordFailure records a connect failure and grows the backoff
func (c *Client) recordFailure() {
	failures := c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	current := c.backoff.Load().(time.Duration)
	next := current * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)

	c.logger.Debugf("Recorded connect failure %d, backoff now %v", failures, next)
}

// Backoff returns the current reconnect backoff duration
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// Subscribe registers a handler for a topic filter. The subscription is
// remembered and restored after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if handler == nil {
		return errors.WrapFatal(
			fmt.Errorf("nil handler"), "Client", "Subscribe", "validate handler")
	}

	c.subsMu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos, handler: handler})
	c.subsMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		// Restored on the next successful connect.
		return nil
	}
	return c.subscribe(conn, topic, qos, handler)
}

func (c *Client) subscribe(conn mqtt.Client, topic string, qos byte, handler MessageHandler) error {
	token := conn.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.connectTimeout) {
		return errors.WrapTransport(ErrConnectionTimeout, "Client", "Subscribe",
			fmt.Sprintf("subscribe to %s", topic))
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransport(err, "Client", "Subscribe",
			fmt.Sprintf("subscribe to %s", topic))
	}
	c.logger.Debugf("Subscribed to %s (qos %d)", topic, qos)
	return nil
}

// resubscribe restores all remembered subscriptions on the live connection
func (c *Client) resubscribe() error {
	c.subsMu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	var errs []error
	for _, sub := range subs {
		if err := c.subscribe(conn, sub.topic, sub.qos, sub.handler); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Publish sends a message and waits for broker acknowledgement (per the
// configured QoS) or context cancellation.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	token, err := c.PublishAsync(topic, qos, retained, payload)
	if err != nil {
		return err
	}

	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.WrapTransport(ctx.Err(), "Client", "Publish",
			fmt.Sprintf("publish to %s cancelled", topic))
	}
	if err := token.Error(); err != nil {
		return errors.WrapTransport(err, "Client", "Publish",
			fmt.Sprintf("publish to %s", topic))
	}
	return nil
}

// PublishAsync sends a message and returns the delivery token without
// waiting. Callers that must order consecutive publishes wait on the first
// token before issuing the second.
func (c *Client) PublishAsync(topic string, qos byte, retained bool, payload []byte) (mqtt.Token, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransport(ErrNotConnected, "Client", "PublishAsync",
			fmt.Sprintf("publish to %s", topic))
	}
	return conn.Publish(topic, qos, retained, payload), nil
}

// Close publishes nothing and tears the connection down. It cancels any
// pending reconnect first so a clean stop never comes back up. Safe to call
// more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.timerMu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.timerMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil && conn.IsConnectionOpen() {
		quiesce := uint(250)
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 {
				quiesce = uint(remaining.Milliseconds())
			}
		}
		conn.Disconnect(quiesce)
	}

	c.setStatus(StatusDisconnected)
	c.password = ""
	c.logger.Printf("MQTT client closed")
	return nil
}
