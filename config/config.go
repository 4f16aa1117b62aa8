// Package config defines the construction record for one device session.
// The bridge holds no global configuration state; a Config is built once
// and passed to the coordinator.
package config

import (
	"fmt"
	"time"

	"github.com/AlectoTheFirst/hoas-cresontrol/errors"
)

// Update interval bounds mirror what the device tolerates: polling faster
// than 5s loads the controller's request queue, slower than 5m leaves
// entities stale.
const (
	MinUpdateInterval = 5 * time.Second
	MaxUpdateInterval = 300 * time.Second
)

// Config holds all settings for one CresControl session.
type Config struct {
	// Host is the device IP address or hostname, without scheme or port.
	Host string `json:"host"`

	// WebSocketPort and WebSocketPath locate the persistent connection
	// endpoint.
	WebSocketPort int    `json:"websocket_port"`
	WebSocketPath string `json:"websocket_path"`

	// HTTPPort locates the stateless /command endpoint used for fallback
	// polling and one-shot writes.
	HTTPPort int `json:"http_port"`

	// UpdateInterval is the base cadence for refresh and fallback polling.
	// The coordinator widens it adaptively while live data is fresh.
	UpdateInterval time.Duration `json:"update_interval"`

	// CommandSpacing is the pause between consecutive refresh commands so
	// a refresh cycle does not burst the device's request queue.
	CommandSpacing time.Duration `json:"command_spacing"`

	// RequestTimeout bounds each fallback HTTP request and the WebSocket
	// dial handshake.
	RequestTimeout time.Duration `json:"request_timeout"`

	// Reconnect backoff: delay = min(initial * multiplier^(n-1), max),
	// capped at MaxReconnectAttempts before automatic recovery gives up.
	ReconnectInitialDelay time.Duration `json:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `json:"reconnect_max_delay"`
	ReconnectMultiplier   float64       `json:"reconnect_multiplier"`
	MaxReconnectAttempts  int           `json:"max_reconnect_attempts"`

	// FreshnessThreshold is the maximum age snapshot data may have before
	// the connection status reports it stale.
	FreshnessThreshold time.Duration `json:"freshness_threshold"`

	// SubscribedKeys is the fixed set of parameter keys kept fresh for
	// the session. Populated once at construction.
	SubscribedKeys []string `json:"subscribed_keys"`
}

// DefaultConfig returns the defaults confirmed against real devices:
// WebSocket on port 81 at /websocket, HTTP on port 80, 10s base interval.
func DefaultConfig() Config {
	return Config{
		WebSocketPort:         81,
		WebSocketPath:         "/websocket",
		HTTPPort:              80,
		UpdateInterval:        10 * time.Second,
		CommandSpacing:        100 * time.Millisecond,
		RequestTimeout:        30 * time.Second,
		ReconnectInitialDelay: 5 * time.Second,
		ReconnectMaxDelay:     300 * time.Second,
		ReconnectMultiplier:   2.0,
		MaxReconnectAttempts:  10,
		FreshnessThreshold:    5 * time.Minute,
		SubscribedKeys:        DefaultSubscribedKeys(),
	}
}

// DefaultSubscribedKeys lists the parameters an integration typically
// exposes: analog inputs, fan state, the six 0-10V outputs, and the
// extension sensors.
func DefaultSubscribedKeys() []string {
	return []string{
		"in-a:voltage",
		"in-b:voltage",
		"fan:enabled",
		"fan:duty-cycle",
		"fan:rpm",
		"out-a:enabled", "out-a:voltage",
		"out-b:enabled", "out-b:voltage",
		"out-c:enabled", "out-c:voltage",
		"out-d:enabled", "out-d:voltage",
		"out-e:enabled", "out-e:voltage",
		"out-f:enabled", "out-f:voltage",
		"extension:co2-2006:co2-concentration",
		"extension:co2-2006:temperature",
		"extension:climate-2011:temperature",
		"extension:climate-2011:humidity",
		"extension:climate-2011:vpd",
	}
}

// WebSocketURL returns the persistent connection endpoint.
func (c Config) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d%s", c.Host, c.WebSocketPort, c.WebSocketPath)
}

// CommandURL returns the stateless command endpoint.
func (c Config) CommandURL() string {
	return fmt.Sprintf("http://%s:%d/command", c.Host, c.HTTPPort)
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "host is required")
	}
	if c.WebSocketPort <= 0 || c.WebSocketPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"websocket_port must be between 1 and 65535")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"http_port must be between 1 and 65535")
	}
	if c.UpdateInterval < MinUpdateInterval || c.UpdateInterval > MaxUpdateInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("update_interval must be between %s and %s", MinUpdateInterval, MaxUpdateInterval))
	}
	if c.CommandSpacing < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"command_spacing cannot be negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"request_timeout must be positive")
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect delays must satisfy 0 < initial <= max")
	}
	if c.ReconnectMultiplier < 1.0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect_multiplier must be >= 1.0")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_reconnect_attempts cannot be negative")
	}
	if c.FreshnessThreshold <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"freshness_threshold must be positive")
	}
	if len(c.SubscribedKeys) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"at least one subscribed key is required")
	}
	return nil
}
