package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Duration wraps time.Duration so JSON configs can use "5m" / "60s"
// strings as well as raw nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}

// MarshalJSON renders the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete application configuration
type Config struct {
	Service  ServiceConfig  `json:"service"`
	Broker   BrokerConfig   `json:"broker"`
	Database DatabaseConfig `json:"database"`
	Device   DeviceConfig   `json:"device"`
	Dispatch DispatchConfig `json:"dispatch"`
	Monitor  MonitorConfig  `json:"monitor"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
}

// ServiceConfig defines service identity
type ServiceConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// BrokerConfig defines MQTT broker connection settings
type BrokerConfig struct {
	URL            string   `json:"url"`
	ClientID       string   `json:"client_id,omitempty"` // random suffix appended at connect
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	Namespace      string   `json:"namespace,omitempty"` // topic root, default "nodemcu"
	KeepAlive      Duration `json:"keep_alive,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
	ReconnectDelay Duration `json:"reconnect_delay,omitempty"`
	MaxReconnect   Duration `json:"max_reconnect_delay,omitempty"`
	ResponseQoS    byte     `json:"response_qos"`
}

// TableConfig names the relational tables the store reads and writes.
// Defaults mirror the production schema.
type TableConfig struct {
	Employees         string `json:"employees,omitempty"`
	OperatorScans     string `json:"operator_scans,omitempty"`
	BundleScans       string `json:"bundle_scans,omitempty"`
	BundleView        string `json:"bundle_view,omitempty"`
	WorkstationStatus string `json:"workstation_status,omitempty"`
	ErrorLog          string `json:"error_log,omitempty"`
}

// DatabaseConfig defines the relational store connection
type DatabaseConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns,omitempty"`
	MaxIdleConns    int      `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime,omitempty"`
	// RosterCacheTTL bounds how long card roster lookups may be served
	// from memory. Zero disables the cache.
	RosterCacheTTL Duration    `json:"roster_cache_ttl,omitempty"`
	Tables         TableConfig `json:"tables,omitempty"`
}

// DeviceConfig defines terminal liveness tracking
type DeviceConfig struct {
	Timeout       Duration `json:"timeout,omitempty"`        // silence before eviction
	SweepInterval Duration `json:"sweep_interval,omitempty"` // eviction scan period
}

// DispatchConfig defines the message processing pool
type DispatchConfig struct {
	Workers     int `json:"workers,omitempty"`
	WorkerFloor int `json:"worker_floor,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
}

// MonitorConfig defines load monitoring and throttling
type MonitorConfig struct {
	RateCeiling      float64  `json:"rate_ceiling,omitempty"` // messages per second
	SampleInterval   Duration `json:"sample_interval,omitempty"`
	FallbackInterval Duration `json:"fallback_interval,omitempty"` // used after a sampling failure
	ResourceEvery    int      `json:"resource_every,omitempty"`    // resource sample every N ticks
}

// MetricsConfig defines the Prometheus HTTP listener
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// NotifyConfig defines the dashboard event feed
type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // websocket listen address
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return errors.New("broker.url is required")
	}

	if c.Broker.Namespace == "" {
		c.Broker.Namespace = "nodemcu"
	}
	if !isValidTopicSegment(c.Broker.Namespace) {
		return fmt.Errorf(
			"broker.namespace %q is not a valid topic segment (no separators or wildcards)",
			c.Broker.Namespace)
	}
	if c.Broker.ResponseQoS > 2 {
		return fmt.Errorf("broker.response_qos %d out of range (0-2)", c.Broker.ResponseQoS)
	}

	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	if c.Device.Timeout < 0 || c.Device.SweepInterval < 0 {
		return errors.New("device intervals cannot be negative")
	}

	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 {
		return errors.New("dispatch pool sizes cannot be negative")
	}
	if c.Dispatch.WorkerFloor > c.Dispatch.Workers && c.Dispatch.Workers > 0 {
		return fmt.Errorf("dispatch.worker_floor %d exceeds dispatch.workers %d",
			c.Dispatch.WorkerFloor, c.Dispatch.Workers)
	}

	if c.Monitor.RateCeiling < 0 {
		return errors.New("monitor.rate_ceiling cannot be negative")
	}

	return nil
}

// isValidTopicSegment checks a string is usable as a single MQTT topic level.
func isValidTopicSegment(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if r == '/' || r == '+' || r == '#' {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "FLOORLINK",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers. Later layers override
// fields present in their JSON; fields absent from every layer keep their
// defaults.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// Defaults returns the default configuration. The liveness and throttling
// constants mirror the deployed system: five-minute device timeout with a
// sixty-second sweep, one-hundred-per-second rate ceiling.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "floorlink",
		},
		Broker: BrokerConfig{
			URL:            "tcp://localhost:1883",
			ClientID:       "floorlink-server",
			Namespace:      "nodemcu",
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
			ReconnectDelay: Duration(5 * time.Second),
			MaxReconnect:   Duration(2 * time.Minute),
			ResponseQoS:    1,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
			RosterCacheTTL:  Duration(30 * time.Second),
			Tables: TableConfig{
				Employees:         "MV_EMPLOYEES",
				OperatorScans:     "MACHINE_OPERATOR_SCANS",
				BundleScans:       "GARMENT_BUNDLE_SCANS",
				BundleView:        "v_cuttingbundled",
				WorkstationStatus: "WORKSTATION_STATUS",
				ErrorLog:          "RFID_SYSTEM_ERROR_LOGS",
			},
		},
		Device: DeviceConfig{
			Timeout:       Duration(5 * time.Minute),
			SweepInterval: Duration(60 * time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:     10,
			WorkerFloor: 2,
			QueueSize:   500,
		},
		Monitor: MonitorConfig{
			RateCeiling:      100,
			SampleInterval:   Duration(time.Second),
			FallbackInterval: Duration(5 * time.Second),
			ResourceEvery:    5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Notify: NotifyConfig{
			Enabled: false,
			Addr:    ":8080",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_BROKER_URL"); val != "" {
		cfg.Broker.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_BROKER_CLIENT_ID"); val != "" {
		cfg.Broker.ClientID = val
	}
	if val := os.Getenv(l.envPrefix + "_BROKER_USERNAME"); val != "" {
		cfg.Broker.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_BROKER_PASSWORD"); val != "" {
		cfg.Broker.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NAMESPACE"); val != "" {
		cfg.Broker.Namespace = val
	}
	if val := os.Getenv(l.envPrefix + "_DATABASE_DSN"); val != "" {
		cfg.Database.DSN = val
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
