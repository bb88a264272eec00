package mqttclient

import (
	"fmt"
	"log"
	"time"
)

// Logger interface for injecting custom loggers
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

// defaultLogger implements Logger using standard log package
type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[MQTT] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[MQTT ERROR] "+format, v...)
}

func (l *defaultLogger) Debugf(_ string, _ ...any) {
	// Silent by default
}

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithClientID sets the base broker client identifier (a random suffix is
// always appended)
func WithClientID(id string) ClientOption {
	return func(c *Client) error {
		if id == "" {
			return fmt.Errorf("client id cannot be empty")
		}
		c.clientID = id
		return nil
	}
}

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithKeepAlive sets the MQTT keepalive interval
func WithKeepAlive(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("keepalive must be positive")
		}
		c.keepAlive = d
		return nil
	}
}

// WithConnectTimeout sets the timeout for connect and subscribe operations
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive")
		}
		c.connectTimeout = d
		return nil
	}
}

// WithReconnectDelay sets the initial delay before a reconnect attempt and
// the cap the backoff grows to
func WithReconnectDelay(initial, max time.Duration) ClientOption {
	return func(c *Client) error {
		if initial <= 0 || max < initial {
			return fmt.Errorf("invalid reconnect delays %v/%v", initial, max)
		}
		c.reconnectDelay = initial
		c.maxBackoff = max
		return nil
	}
}

// WithWill sets the last-will message the broker publishes if this client
// vanishes without a clean disconnect
func WithWill(topic, payload string, qos byte, retained bool) ClientOption {
	return func(c *Client) error {
		if topic == "" {
			return fmt.Errorf("will topic cannot be empty")
		}
		c.will = &willConfig{topic: topic, payload: payload, qos: qos, retained: retained}
		return nil
	}
}

// WithLogger sets a custom logger for the client
func WithLogger(logger Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = &defaultLogger{}
		}
		c.logger = logger
		return nil
	}
}

// WithConnectCallback sets a callback invoked after every successful
// (re)connection, after subscriptions have been restored
func WithConnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onConnect = fn
		return nil
	}
}

// WithConnectionLostCallback sets a callback for connection loss events
func WithConnectionLostCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onConnectionLost = fn
		return nil
	}
}
